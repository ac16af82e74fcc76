package api

import (
	"net/http"

	"github.com/triage-ai/guardclaw/internal/approval"
	"go.uber.org/zap"
)

func (d *Dependencies) handleListPatterns(w http.ResponseWriter, _ *http.Request) {
	if d.Patterns == nil {
		writeJSON(w, http.StatusOK, PatternListResp{Patterns: []approval.Pattern{}})
		return
	}
	ps := d.Patterns.List()
	if ps == nil {
		ps = []approval.Pattern{}
	}
	writeJSON(w, http.StatusOK, PatternListResp{Patterns: ps, Bound: d.Patterns.Bound()})
}

func (d *Dependencies) handlePatternStats(w http.ResponseWriter, _ *http.Request) {
	if d.Patterns == nil {
		writeJSON(w, http.StatusOK, approval.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, d.Patterns.Stats())
}

func (d *Dependencies) handleResetPatterns(w http.ResponseWriter, r *http.Request) {
	if err := d.Pipeline.ResetPatterns(r.Context()); err != nil {
		d.Logger.Error("failed to reset patterns", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to reset patterns"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}
