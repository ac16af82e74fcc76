package engine

import (
	"encoding/json"
	"time"
)

// ActionKind is the canonical, backend-agnostic kind of an agent action.
type ActionKind string

const (
	KindExec    ActionKind = "exec"
	KindRead    ActionKind = "read"
	KindWrite   ActionKind = "write"
	KindEdit    ActionKind = "edit"
	KindFetch   ActionKind = "fetch"
	KindMessage ActionKind = "message"
	KindChat    ActionKind = "chat"
	KindOther   ActionKind = "other"
)

// ParseActionKind maps a string to an ActionKind. Unknown values map to KindOther.
func ParseActionKind(s string) ActionKind {
	switch k := ActionKind(s); k {
	case KindExec, KindRead, KindWrite, KindEdit, KindFetch, KindMessage, KindChat:
		return k
	default:
		return KindOther
	}
}

// Action is one normalized agent-initiated operation. Treat as immutable
// once the normalizer has produced it.
type Action struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	Backend    string          `json:"backend"`
	SessionKey string          `json:"sessionKey,omitempty"`
	Tool       string          `json:"tool,omitempty"`
	Kind       ActionKind      `json:"kind"`
	Target     string          `json:"target"`
	RawPayload json.RawMessage `json:"rawPayload,omitempty"`
}

// AssessmentSource identifies the cascade stage that produced an assessment.
type AssessmentSource string

const (
	SourceRule     AssessmentSource = "rule"
	SourceAI       AssessmentSource = "ai"
	SourceFallback AssessmentSource = "fallback"
)

// Risk categories assigned by the built-in stages. AI classifiers may
// return their own.
const (
	CategorySafe             = "safe"
	CategoryDestructive      = "destructive"
	CategoryCredentialAccess = "credential_access"
	CategoryLearned          = "learned"
	CategoryUnverified       = "unverified"
)

// Score bounds.
const (
	MinScore = 0
	MaxScore = 10
)

// RiskAssessment is the cascade's score and rationale for an action.
type RiskAssessment struct {
	Score            int              `json:"score"`
	Category         string           `json:"category"`
	Reasoning        string           `json:"reasoning"`
	RecommendedAllow bool             `json:"recommendedAllow"`
	Warnings         []string         `json:"warnings,omitempty"`
	Source           AssessmentSource `json:"source"`
	Cached           bool             `json:"cached"`
	Rule             string           `json:"rule,omitempty"`       // quick rule name, rule source only
	Classifier       string           `json:"classifier,omitempty"` // ai source only
}

// Clone returns a deep copy so cached entries are never shared with callers.
func (a RiskAssessment) Clone() RiskAssessment {
	if a.Warnings != nil {
		a.Warnings = append([]string(nil), a.Warnings...)
	}
	return a
}

// ClampScore bounds s to [MinScore, MaxScore].
func ClampScore(s int) int {
	if s < MinScore {
		return MinScore
	}
	if s > MaxScore {
		return MaxScore
	}
	return s
}
