package engine

import (
	"context"
	"errors"
	"fmt"
)

// Classifier is the interface every pluggable AI scorer must implement.
// Implementations must respect context deadlines and return quickly.
type Classifier interface {
	// Name returns the classifier's identifier (e.g., "http", "grpc").
	Name() string

	// Score rates the action. Any failure must be returned as a
	// *ClassifierError so callers can fall through the cascade.
	Score(ctx context.Context, req *ScoreRequest) (*ScoreResult, error)
}

// ScoreRequest is the serialized form of an action sent to a classifier.
type ScoreRequest struct {
	Kind    ActionKind        `json:"kind"`
	Tool    string            `json:"tool,omitempty"`
	Target  string            `json:"target"`
	Context map[string]string `json:"context,omitempty"`
}

// NewScoreRequest builds a classifier request from an action.
func NewScoreRequest(a Action) *ScoreRequest {
	ctx := map[string]string{"backend": a.Backend}
	if a.SessionKey != "" {
		ctx["session"] = a.SessionKey
	}
	return &ScoreRequest{
		Kind:    a.Kind,
		Tool:    a.Tool,
		Target:  a.Target,
		Context: ctx,
	}
}

// ScoreResult is what a classifier returns on success.
type ScoreResult struct {
	Score     float64  `json:"score"`
	Category  string   `json:"category"`
	Reasoning string   `json:"reasoning"`
	Allowed   bool     `json:"allowed"`
	Warnings  []string `json:"warnings"`
}

// ClassifierErrorKind classifies a stage-3 failure.
type ClassifierErrorKind string

const (
	ErrKindTimeout     ClassifierErrorKind = "timeout"
	ErrKindUnavailable ClassifierErrorKind = "unavailable"
	ErrKindMalformed   ClassifierErrorKind = "malformed"
	ErrKindRateLimited ClassifierErrorKind = "rate_limited"
)

// ClassifierError is the failure variant of a classifier call.
type ClassifierError struct {
	Classifier string
	Kind       ClassifierErrorKind
	Err        error
}

func (e *ClassifierError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("classifier %s: %s", e.Classifier, e.Kind)
	}
	return fmt.Sprintf("classifier %s: %s: %v", e.Classifier, e.Kind, e.Err)
}

func (e *ClassifierError) Unwrap() error { return e.Err }

// NewClassifierError wraps err. Context deadline errors are reported as
// timeouts regardless of the kind passed in.
func NewClassifierError(classifier string, kind ClassifierErrorKind, err error) *ClassifierError {
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrKindTimeout
	}
	return &ClassifierError{Classifier: classifier, Kind: kind, Err: err}
}

// AsClassifierError normalizes any error returned by a Classifier into a
// *ClassifierError. Implementations that return plain errors are treated
// as unavailable.
func AsClassifierError(classifier string, err error) *ClassifierError {
	var ce *ClassifierError
	if errors.As(err, &ce) {
		return ce
	}
	return NewClassifierError(classifier, ErrKindUnavailable, err)
}
