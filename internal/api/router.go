// Package api exposes the HTTP surface: status, event feeds, the check
// endpoint, approvals, policy administration, and pattern memory.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/triage-ai/guardclaw/internal/approval"
	"github.com/triage-ai/guardclaw/internal/auth"
	"github.com/triage-ai/guardclaw/internal/chread"
	"github.com/triage-ai/guardclaw/internal/engine"
	"github.com/triage-ai/guardclaw/internal/eventstore"
	"github.com/triage-ai/guardclaw/internal/pipeline"
	"github.com/triage-ai/guardclaw/internal/policy"
	"github.com/triage-ai/guardclaw/internal/reconcile"
	"github.com/triage-ai/guardclaw/internal/upstream"
	"go.uber.org/zap"
)

// HistoryReader serves durable history. *chread.Reader implements it.
type HistoryReader interface {
	ListEvents(ctx context.Context, params chread.ListEventsParams) ([]chread.EventRow, int, error)
	DecisionStats(ctx context.Context, days int) (*chread.AnalyticsResult, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Pipeline    *pipeline.Pipeline
	Policy      *policy.Holder
	Approvals   *approval.Queue
	Patterns    *approval.Memory
	Events      *eventstore.Store
	Cascade     *engine.Cascade
	Upstreams   *upstream.Set
	Reconcilers []*reconcile.Reconciler
	Reader      HistoryReader      // nil if ClickHouse unavailable
	Auth        auth.Authenticator // nil leaves the API unauthenticated
	Logger      *zap.Logger

	// MaxCheckWait caps how long POST /api/check may block on an approval.
	MaxCheckWait time.Duration
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.MaxCheckWait <= 0 {
		deps.MaxCheckWait = 2 * time.Minute
	}
	mux := http.NewServeMux()
	authed := deps.authMiddleware

	mux.HandleFunc("GET /api/status", authed(deps.handleStatus))

	// Events
	mux.HandleFunc("GET /api/events", authed(deps.handleRecentEvents))
	mux.HandleFunc("GET /api/events/stream", authed(deps.handleEventStream))
	mux.HandleFunc("GET /api/events/history", authed(deps.handleEventHistory))
	mux.HandleFunc("GET /api/events/{id}", authed(deps.handleGetEvent))
	mux.HandleFunc("GET /api/analytics", authed(deps.handleAnalytics))

	// Synchronous evaluation for hook-style integrations
	mux.HandleFunc("POST /api/check", authed(deps.handleCheck))

	// Approvals
	mux.HandleFunc("GET /api/approvals", authed(deps.handleListApprovals))
	mux.HandleFunc("POST /api/approvals/{id}/approve", authed(deps.handleApprove))
	mux.HandleFunc("POST /api/approvals/{id}/deny", authed(deps.handleDeny))

	// Policy
	mux.HandleFunc("GET /api/policy", authed(deps.handleGetPolicy))
	mux.HandleFunc("PUT /api/policy", authed(deps.handleReplacePolicy))
	mux.HandleFunc("PATCH /api/policy", authed(deps.handleUpdatePolicy))
	mux.HandleFunc("POST /api/policy/whitelist", authed(deps.handlePatternList(listWhitelist, true)))
	mux.HandleFunc("DELETE /api/policy/whitelist", authed(deps.handlePatternList(listWhitelist, false)))
	mux.HandleFunc("POST /api/policy/blacklist", authed(deps.handlePatternList(listBlacklist, true)))
	mux.HandleFunc("DELETE /api/policy/blacklist", authed(deps.handlePatternList(listBlacklist, false)))

	// Pattern memory
	mux.HandleFunc("GET /api/patterns", authed(deps.handleListPatterns))
	mux.HandleFunc("GET /api/patterns/stats", authed(deps.handlePatternStats))
	mux.HandleFunc("DELETE /api/patterns", authed(deps.handleResetPatterns))

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
