package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/triage-ai/guardclaw/internal/eventstore"
)

// EventWriter is the interface for writing decision events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *DecisionEvent)
	Close()
}

// DecisionEvent is one terminal decision to be persisted.
type DecisionEvent struct {
	EventID          string
	Timestamp        time.Time
	Backend          string
	SessionKey       string
	Tool             string
	Kind             string
	TargetPreview    string // First 500 chars
	TargetHash       string // SHA256 of full target
	Score            uint8
	Category         string
	Source           string
	Cached           bool
	Rule             string
	Classifier       string
	Warnings         []string
	Verdict          string
	PolicyVerdict    string
	IsShadow         bool
	Offline          bool
	Reason           string
	Mode             string
	ApprovalID       string
	ResolutionStatus string
	ResolutionActor  string
	LatencyMs        float32
}

// TargetPreviewLength is the max chars stored in target_preview.
const TargetPreviewLength = 500

// TruncateTarget returns the first N characters (runes) of a target for
// preview storage. It never splits a multi-byte UTF-8 character.
func TruncateTarget(target string, maxLen int) string {
	runes := []rune(target)
	if len(runes) <= maxLen {
		return target
	}
	return string(runes[:maxLen])
}

// FromEvent flattens a final store event into a DecisionEvent.
func FromEvent(e eventstore.Event, latency time.Duration) *DecisionEvent {
	sum := sha256.Sum256([]byte(e.Action.Target))
	de := &DecisionEvent{
		EventID:       e.ID,
		Timestamp:     e.UpdatedAt,
		Backend:       e.Action.Backend,
		SessionKey:    e.Action.SessionKey,
		Tool:          e.Action.Tool,
		Kind:          string(e.Action.Kind),
		TargetPreview: TruncateTarget(e.Action.Target, TargetPreviewLength),
		TargetHash:    hex.EncodeToString(sum[:]),
		Score:         uint8(e.Assessment.Score),
		Category:      e.Assessment.Category,
		Source:        string(e.Assessment.Source),
		Cached:        e.Assessment.Cached,
		Rule:          e.Assessment.Rule,
		Classifier:    e.Assessment.Classifier,
		Warnings:      append([]string{}, e.Assessment.Warnings...),
		Verdict:       string(e.Decision.Verdict),
		PolicyVerdict: string(e.Decision.PolicyVerdict),
		IsShadow:      e.Decision.Shadow,
		Offline:       e.Decision.Offline,
		Reason:        e.Decision.Reason,
		Mode:          string(e.Decision.Policy.Mode),
		ApprovalID:    e.ApprovalID,
		LatencyMs:     float32(latency.Microseconds()) / 1000,
	}
	if e.Resolution != nil {
		de.ResolutionStatus = string(e.Resolution.Status)
		de.ResolutionActor = e.Resolution.Actor
	}
	if de.Timestamp.IsZero() {
		de.Timestamp = time.Now()
	}
	return de
}
