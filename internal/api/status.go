package api

import (
	"net/http"

	"github.com/triage-ai/guardclaw/internal/reconcile"
	"github.com/triage-ai/guardclaw/internal/upstream"
)

func (d *Dependencies) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := d.Policy.Config()
	resp := StatusResp{
		Mode:        cfg.Mode,
		Online:      true,
		Policy:      cfg,
		Connections: []upstream.ConnectionState{},
		Reconcilers: make([]reconcile.Status, 0, len(d.Reconcilers)),
		Events:      d.Events.Stats(),
		Decisions:   d.Pipeline.Stats(),
	}
	if d.Upstreams != nil {
		resp.Online = d.Upstreams.AnyConnected()
		resp.Connections = d.Upstreams.States()
	}
	if d.Cascade != nil {
		resp.Classifier = d.Cascade.Health()
		resp.CacheSize = d.Cascade.Cache().Len()
	}
	for _, r := range d.Reconcilers {
		resp.Reconcilers = append(resp.Reconcilers, r.Status())
	}
	if d.Patterns != nil {
		resp.Patterns = d.Patterns.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}
