package api

import (
	"github.com/triage-ai/guardclaw/internal/approval"
	"github.com/triage-ai/guardclaw/internal/chread"
	"github.com/triage-ai/guardclaw/internal/engine"
	"github.com/triage-ai/guardclaw/internal/eventstore"
	"github.com/triage-ai/guardclaw/internal/pipeline"
	"github.com/triage-ai/guardclaw/internal/policy"
	"github.com/triage-ai/guardclaw/internal/reconcile"
	"github.com/triage-ai/guardclaw/internal/upstream"
)

// ErrorResp is the body of every non-2xx response.
type ErrorResp struct {
	Detail string `json:"detail"`
}

// --- GET /api/status ---

type StatusResp struct {
	Mode        policy.Mode                `json:"mode"`
	Online      bool                       `json:"online"`
	Policy      policy.Config              `json:"policy"`
	Connections []upstream.ConnectionState `json:"connections"`
	Classifier  engine.ClassifierHealth    `json:"classifier"`
	Reconcilers []reconcile.Status         `json:"reconcilers"`
	CacheSize   int                        `json:"cacheSize"`
	Events      eventstore.Stats           `json:"events"`
	Decisions   pipeline.Stats             `json:"decisions"`
	Patterns    approval.Stats             `json:"patterns"`
}

// --- Events ---

type EventListResp struct {
	Events []eventstore.Event `json:"events"`
	Count  int                `json:"count"`
}

type HistoryResp struct {
	Events   []chread.EventRow `json:"events"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"pageSize"`
}

// --- POST /api/check ---

// CheckRequest describes one action to evaluate. Kind and Target are
// derived from Tool and Args when omitted.
type CheckRequest struct {
	ID         string         `json:"id,omitempty"`
	Backend    string         `json:"backend,omitempty"`
	SessionKey string         `json:"sessionKey,omitempty"`
	Tool       string         `json:"tool"`
	Kind       string         `json:"kind,omitempty"`
	Target     string         `json:"target,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	// Wait blocks until a pending approval resolves, up to TimeoutMs.
	Wait      bool `json:"wait,omitempty"`
	TimeoutMs int  `json:"timeoutMs,omitempty"`
}

type CheckResponse struct {
	ID            string            `json:"id"`
	Verdict       policy.Verdict    `json:"verdict"`
	PolicyVerdict policy.Verdict    `json:"policyVerdict"`
	Shadow        bool              `json:"shadow"`
	Offline       bool              `json:"offline"`
	Reason        string            `json:"reason"`
	Score         int               `json:"score"`
	Category      string            `json:"category"`
	Source        string            `json:"source"`
	Cached        bool              `json:"cached"`
	Warnings      []string          `json:"warnings,omitempty"`
	Status        eventstore.Status `json:"status"`
	ApprovalID    string            `json:"approvalId,omitempty"`
	LatencyMs     float64           `json:"latencyMs"`
}

func toCheckResponse(e eventstore.Event, latencyMs float64) CheckResponse {
	return CheckResponse{
		ID:            e.ID,
		Verdict:       e.Decision.Verdict,
		PolicyVerdict: e.Decision.PolicyVerdict,
		Shadow:        e.Decision.Shadow,
		Offline:       e.Decision.Offline,
		Reason:        e.Decision.Reason,
		Score:         e.Assessment.Score,
		Category:      e.Assessment.Category,
		Source:        string(e.Assessment.Source),
		Cached:        e.Assessment.Cached,
		Warnings:      e.Assessment.Warnings,
		Status:        e.Status,
		ApprovalID:    e.ApprovalID,
		LatencyMs:     latencyMs,
	}
}

// --- Approvals ---

type ApproveReq struct {
	Always bool `json:"always"`
}

type ResolutionResp struct {
	Resolution      approval.Resolution `json:"resolution"`
	AlreadyResolved bool                `json:"already_resolved"`
}

// --- Policy ---

// UpdatePolicyReq is a partial policy update. Nil fields are unchanged.
type UpdatePolicyReq struct {
	Mode               *policy.Mode `json:"mode,omitempty"`
	AutoAllowThreshold *int         `json:"autoAllowThreshold,omitempty"`
	AutoBlockThreshold *int         `json:"autoBlockThreshold,omitempty"`
	Whitelist          *[]string    `json:"whitelist,omitempty"`
	Blacklist          *[]string    `json:"blacklist,omitempty"`
	FailClosed         *bool        `json:"failClosed,omitempty"`
}

type PatternReq struct {
	Pattern string `json:"pattern"`
}

type PatternChangeResp struct {
	Changed bool          `json:"changed"`
	Policy  policy.Config `json:"policy"`
}

// --- Patterns ---

type PatternListResp struct {
	Patterns []approval.Pattern `json:"patterns"`
	Bound    float64            `json:"bound"`
}
