package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/triage-ai/guardclaw/internal/engine"
	"github.com/triage-ai/guardclaw/internal/eventstore"
	"github.com/triage-ai/guardclaw/internal/normalize"
	"github.com/triage-ai/guardclaw/internal/pipeline"
	"go.uber.org/zap"
)

// checkBackend labels actions submitted through POST /api/check.
const checkBackend = "api"

func (d *Dependencies) handleCheck(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req CheckRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	a, detail := actionFromRequest(req, start)
	if detail != "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: detail})
		return
	}

	e, err := d.Pipeline.Evaluate(r.Context(), a)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrClosed):
			writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Shutting down"})
		case errors.Is(err, pipeline.ErrDuplicate):
			writeJSON(w, http.StatusConflict, ErrorResp{Detail: "Action is already being evaluated"})
		default:
			d.Logger.Error("check failed", zap.String("action_id", a.ID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Evaluation failed"})
		}
		return
	}

	if req.Wait && e.Status == eventstore.StatusPending {
		wait := d.MaxCheckWait
		if req.TimeoutMs > 0 {
			wait = min(time.Duration(req.TimeoutMs)*time.Millisecond, d.MaxCheckWait)
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		final, err := d.Pipeline.WaitFinal(ctx, e.ID)
		cancel()
		switch {
		case err == nil:
			e = final
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			// Still pending; the caller can poll GET /api/events/{id}.
		default:
			d.Logger.Warn("waiting for approval failed", zap.String("action_id", e.ID), zap.Error(err))
		}
	}

	latency := float64(time.Since(start).Microseconds()) / 1000
	writeJSON(w, http.StatusOK, toCheckResponse(e, latency))
}

// actionFromRequest builds an Action, or returns a validation message.
func actionFromRequest(req CheckRequest, now time.Time) (engine.Action, string) {
	if req.Tool == "" && req.Kind == "" {
		return engine.Action{}, "tool or kind is required"
	}
	kind := normalize.KindForTool(req.Tool)
	if req.Kind != "" {
		kind = engine.ParseActionKind(req.Kind)
	}
	target := req.Target
	if target == "" {
		target = normalize.ExtractTarget(kind, req.Args)
	}
	if target == "" {
		return engine.Action{}, "target or args is required"
	}
	backend := req.Backend
	if backend == "" {
		backend = checkBackend
	}
	a := engine.Action{
		ID:         req.ID,
		Timestamp:  now,
		Backend:    backend,
		SessionKey: req.SessionKey,
		Tool:       req.Tool,
		Kind:       kind,
		Target:     target,
	}
	if len(req.Args) > 0 {
		if raw, err := json.Marshal(req.Args); err == nil {
			a.RawPayload = raw
		}
	}
	return a, ""
}
