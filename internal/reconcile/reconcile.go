// Package reconcile replays actions found in upstream session history that
// the live event stream missed.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/triage-ai/guardclaw/internal/engine"
	"github.com/triage-ai/guardclaw/internal/pipeline"
	"github.com/triage-ai/guardclaw/internal/upstream"
	"go.uber.org/zap"
)

// DefaultInterval is the polling period.
const DefaultInterval = 5 * time.Second

// HistorySource lists sessions and their history. *upstream.Conn
// implements it.
type HistorySource interface {
	Sessions(ctx context.Context) ([]upstream.Session, error)
	History(ctx context.Context, sessionKey string) ([]json.RawMessage, error)
	Connected() bool
}

// HistoryNormalizer turns one history item into actions.
// *normalize.Registry implements it.
type HistoryNormalizer interface {
	NormalizeHistory(name, sessionKey string, item []byte) ([]engine.Action, error)
}

// Ingester accepts replayed actions. *pipeline.Pipeline implements it.
type Ingester interface {
	Ingest(ctx context.Context, a engine.Action) error
}

type Mode string

const (
	ModePolling   Mode = "polling"
	ModeEventOnly Mode = "event_only"
)

// SessionSnapshot describes one tracked session.
type SessionSnapshot struct {
	Key        string    `json:"key"`
	Label      string    `json:"label,omitempty"`
	ParentKey  string    `json:"parentKey,omitempty"`
	IsSubagent bool      `json:"isSubagent"`
	Seen       int       `json:"seen"`
	LastPolled time.Time `json:"lastPolled"`
}

// Status is the reconciler's externally visible state.
type Status struct {
	Upstream  string            `json:"upstream"`
	Mode      Mode              `json:"mode"`
	Sessions  []SessionSnapshot `json:"sessions"`
	LastPoll  time.Time         `json:"lastPoll"`
	LastError string            `json:"lastError,omitempty"`
	Replayed  int64             `json:"replayed"`
}

type sessionState struct {
	snap SessionSnapshot
	seen map[string]struct{}
}

// Reconciler polls one upstream's session history.
type Reconciler struct {
	name     string
	src      HistorySource
	norm     HistoryNormalizer
	sink     Ingester
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	mode     Mode
	sessions map[string]*sessionState
	lastPoll time.Time
	lastErr  string
	replayed int64
}

// New creates a Reconciler for the upstream named name.
func New(name string, src HistorySource, norm HistoryNormalizer, sink Ingester, interval time.Duration, logger *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		name:     name,
		src:      src,
		norm:     norm,
		sink:     sink,
		interval: interval,
		logger:   logger.With(zap.String("upstream", name)),
		mode:     ModePolling,
		sessions: make(map[string]*sessionState),
	}
}

// Name returns the upstream name.
func (r *Reconciler) Name() string { return r.name }

// Mode returns the current mode.
func (r *Reconciler) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Run polls every interval while the upstream is connected. It returns nil
// when ctx is done or after a permanent downgrade to event_only.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if r.Mode() == ModeEventOnly {
			return nil
		}
		if !r.src.Connected() {
			continue
		}
		if err := r.Poll(ctx); err != nil && !upstream.IsCapabilityError(err) {
			r.logger.Warn("history poll failed", zap.Error(err))
		}
	}
}

// Poll runs one reconciliation pass.
func (r *Reconciler) Poll(ctx context.Context) error {
	if r.Mode() == ModeEventOnly {
		return nil
	}
	sessions, err := r.src.Sessions(ctx)
	if err != nil {
		return r.fail(err)
	}

	live := make(map[string]struct{}, len(sessions))
	var firstErr error
	for _, s := range sessions {
		live[s.Key] = struct{}{}
		if err := r.pollSession(ctx, s); err != nil {
			if upstream.IsCapabilityError(err) {
				return r.fail(err)
			}
			r.logger.Warn("session history failed", zap.String("session", s.Key), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	r.mu.Lock()
	for key := range r.sessions {
		if _, ok := live[key]; !ok {
			delete(r.sessions, key)
		}
	}
	r.lastPoll = time.Now()
	if firstErr != nil {
		r.lastErr = firstErr.Error()
	} else {
		r.lastErr = ""
	}
	r.mu.Unlock()
	return firstErr
}

func (r *Reconciler) pollSession(ctx context.Context, s upstream.Session) error {
	items, err := r.src.History(ctx, s.Key)
	if err != nil {
		return err
	}
	st := r.track(s)

	for _, item := range items {
		actions, err := r.norm.NormalizeHistory(r.name, s.Key, item)
		if err != nil {
			r.logger.Debug("skipping history item", zap.String("session", s.Key), zap.Error(err))
			continue
		}
		for _, a := range actions {
			if r.isSeen(st, a.ID) {
				continue
			}
			err := r.sink.Ingest(ctx, a)
			switch {
			case err == nil:
				r.markSeen(st, a.ID, true)
			case errors.Is(err, pipeline.ErrDuplicate):
				r.markSeen(st, a.ID, false)
			default:
				r.logger.Warn("replay failed", zap.String("action_id", a.ID), zap.Error(err))
			}
		}
	}

	r.mu.Lock()
	st.snap.LastPolled = time.Now()
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) track(s upstream.Session) *sessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[s.Key]
	if !ok {
		st = &sessionState{seen: make(map[string]struct{})}
		r.sessions[s.Key] = st
	}
	st.snap.Key = s.Key
	st.snap.Label = s.Label
	st.snap.ParentKey = s.ParentKey
	st.snap.IsSubagent = isSubagent(s)
	return st
}

func isSubagent(s upstream.Session) bool {
	return s.Kind == "subagent" || s.ParentKey != "" || strings.Contains(s.Key, ":subagent:")
}

func (r *Reconciler) isSeen(st *sessionState, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := st.seen[id]
	return ok
}

func (r *Reconciler) markSeen(st *sessionState, id string, replayed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st.seen[id] = struct{}{}
	st.snap.Seen = len(st.seen)
	if replayed {
		r.replayed++
	}
}

func (r *Reconciler) fail(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = err.Error()
	if upstream.IsCapabilityError(err) && r.mode != ModeEventOnly {
		r.mode = ModeEventOnly
		r.sessions = make(map[string]*sessionState)
		r.logger.Warn("history unavailable, falling back to live events only", zap.Error(err))
	}
	return err
}

// Status returns a snapshot of the reconciler.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Status{
		Upstream:  r.name,
		Mode:      r.mode,
		Sessions:  make([]SessionSnapshot, 0, len(r.sessions)),
		LastPoll:  r.lastPoll,
		LastError: r.lastErr,
		Replayed:  r.replayed,
	}
	for _, st := range r.sessions {
		out.Sessions = append(out.Sessions, st.snap)
	}
	slices.SortFunc(out.Sessions, func(a, b SessionSnapshot) int { return strings.Compare(a.Key, b.Key) })
	return out
}
