package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/triage-ai/guardclaw/internal/chread"
	"github.com/triage-ai/guardclaw/internal/engine"
	"github.com/triage-ai/guardclaw/internal/eventstore"
	"github.com/triage-ai/guardclaw/internal/policy"
	"go.uber.org/zap"
)

const (
	defaultRecentLimit = 100
	sseKeepAlive       = 15 * time.Second
	sseBuffer          = 64
)

func (d *Dependencies) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q, "limit", defaultRecentLimit)
	if limit < 1 {
		limit = defaultRecentLimit
	}
	events := d.Events.Recent(limit, filterFromQuery(q))
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, http.StatusOK, EventListResp{Events: events, Count: len(events)})
}

func (d *Dependencies) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	e, ok := d.Events.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Event not found."})
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func filterFromQuery(q interface{ Get(string) string }) eventstore.Filter {
	f := eventstore.Filter{
		Backend:    q.Get("backend"),
		SessionKey: q.Get("session"),
		Status:     eventstore.Status(q.Get("status")),
	}
	for _, k := range splitList(q.Get("kind")) {
		f.Kinds = append(f.Kinds, engine.ParseActionKind(k))
	}
	for _, v := range splitList(q.Get("verdict")) {
		f.Verdicts = append(f.Verdicts, policy.Verdict(v))
	}
	return f
}

// handleEventStream serves live updates as server-sent events. Each update
// is an "append" or "update" event carrying the event JSON.
func (d *Dependencies) handleEventStream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	sub := d.Events.Subscribe(sseBuffer)
	defer d.Events.Unsubscribe(sub)

	f := filterFromQuery(r.URL.Query())
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		d.Logger.Warn("event stream unsupported", zap.Error(err))
		return
	}

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case u, ok := <-sub.C:
			if !ok {
				return
			}
			if !f.Match(&u.Event) {
				continue
			}
			if err := writeSSE(w, u); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, u eventstore.Update) error {
	data, err := json.Marshal(u.Event)
	if err != nil {
		return err
	}
	name := "append"
	if u.IsUpdate {
		name = "update"
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", name, u.Event.ID, data)
	return err
}

func (d *Dependencies) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	q := r.URL.Query()
	params := chread.ListEventsParams{
		Page:     queryInt(q, "page", 1),
		PageSize: queryInt(q, "page_size", 50),
	}
	if params.PageSize > 200 {
		params.PageSize = 200
	}
	if params.Page < 1 {
		params.Page = 1
	}

	optional := map[string]**string{
		"backend": &params.Backend,
		"session": &params.SessionKey,
		"verdict": &params.Verdict,
		"kind":    &params.Kind,
		"source":  &params.Source,
	}
	for key, dst := range optional {
		if v := q.Get(key); v != "" {
			*dst = &v
		}
	}
	if v := q.Get("is_shadow"); v != "" {
		b := v == "true" || v == "1"
		params.IsShadow = &b
	}
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = &t
		}
	}

	events, total, err := d.Reader.ListEvents(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list events"})
		return
	}
	writeJSON(w, http.StatusOK, HistoryResp{
		Events:   events,
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	})
}

func (d *Dependencies) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	days := queryInt(r.URL.Query(), "days", 7)
	days = min(max(days, 1), 90)

	result, err := d.Reader.DecisionStats(r.Context(), days)
	if err != nil {
		d.Logger.Error("failed to get analytics", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get analytics"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func queryInt(q interface{ Get(string) string }, key string, defaultVal int) int {
	v := q.Get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}
