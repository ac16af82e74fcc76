// Package normalize turns backend-specific agent frames into engine.Action
// values. Nothing past this package branches on the backend.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/triage-ai/guardclaw/internal/engine"
)

// ErrUnrecognized is returned for frames that are neither an action nor
// known noise.
var ErrUnrecognized = errors.New("unrecognized frame")

// Backend protocol identifiers.
const (
	BackendOpenClaw = "openclaw"
	BackendNanobot  = "nanobot"
)

// Normalizer converts one backend's frames. A nil slice with a nil error
// means the frame is known noise.
type Normalizer interface {
	Normalize(raw []byte) ([]engine.Action, error)
	// NormalizeHistory converts one item of a session's history as returned
	// by the backend's history capability. It yields the same Action IDs as
	// the live frames for the same tool calls.
	NormalizeHistory(sessionKey string, item []byte) ([]engine.Action, error)
}

// New returns the normalizer for protocol, tagging actions with name.
func New(protocol, name string) (Normalizer, error) {
	switch protocol {
	case BackendOpenClaw:
		return &OpenClaw{name: name, now: time.Now}, nil
	case BackendNanobot:
		return &Nanobot{name: name, now: time.Now}, nil
	default:
		return nil, fmt.Errorf("normalize.New: unknown backend protocol %q", protocol)
	}
}

// Registry maps upstream names to their normalizers.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Normalizer
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Normalizer)}
}

// Register associates name with n, replacing any previous normalizer.
func (r *Registry) Register(name string, n Normalizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[name] = n
}

func (r *Registry) get(name string) (Normalizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.m[name]
	if !ok {
		return nil, fmt.Errorf("%w: no normalizer for upstream %q", ErrUnrecognized, name)
	}
	return n, nil
}

// Normalize converts a live frame from upstream name.
func (r *Registry) Normalize(name string, raw []byte) ([]engine.Action, error) {
	n, err := r.get(name)
	if err != nil {
		return nil, err
	}
	return n.Normalize(raw)
}

// NormalizeHistory converts a history item from upstream name.
func (r *Registry) NormalizeHistory(name, sessionKey string, item []byte) ([]engine.Action, error) {
	n, err := r.get(name)
	if err != nil {
		return nil, err
	}
	return n.NormalizeHistory(sessionKey, item)
}

func actionID(backend, callID string) string {
	return backend + ":" + callID
}

// chatID derives a stable id for chat content that carries no call id.
func chatID(backend, session, run, content string) string {
	sum := sha256.Sum256([]byte(session + "|" + run + "|" + content))
	return backend + ":chat:" + hex.EncodeToString(sum[:12])
}

func toolAction(backend, session, callID, tool string, args map[string]any, ts time.Time, raw []byte) engine.Action {
	kind := KindForTool(tool)
	return engine.Action{
		ID:         actionID(backend, callID),
		Timestamp:  ts,
		Backend:    backend,
		SessionKey: session,
		Tool:       tool,
		Kind:       kind,
		Target:     ExtractTarget(kind, args),
		RawPayload: append([]byte(nil), raw...),
	}
}

func chatAction(backend, session, run, text string, ts time.Time, raw []byte) engine.Action {
	return engine.Action{
		ID:         chatID(backend, session, run, text),
		Timestamp:  ts,
		Backend:    backend,
		SessionKey: session,
		Tool:       "chat",
		Kind:       engine.KindChat,
		Target:     text,
		RawPayload: append([]byte(nil), raw...),
	}
}

// timestamp interprets ms epoch values, falling back to now.
func timestamp(ms int64, now func() time.Time) time.Time {
	if ms <= 0 {
		return now()
	}
	return time.UnixMilli(ms)
}
