package approval

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/triage-ai/guardclaw/internal/engine"
	"go.uber.org/zap"
)

// confidenceAlpha is the EWMA weight of each new resolution.
const confidenceAlpha = 0.3

// SuggestedAction is what pattern memory recommends for a pattern.
type SuggestedAction string

const (
	SuggestAutoApprove SuggestedAction = "auto_approve"
	SuggestDeny        SuggestedAction = "deny"
	SuggestAsk         SuggestedAction = "ask"
)

// Pattern is the learned approve/deny history for one pattern key.
type Pattern struct {
	Key             string          `json:"key"`
	ApproveCount    int             `json:"approveCount"`
	DenyCount       int             `json:"denyCount"`
	LastSeen        time.Time       `json:"lastSeen"`
	Confidence      float64         `json:"confidence"`
	SuggestedAction SuggestedAction `json:"suggestedAction"`
}

// Stats aggregates pattern memory.
type Stats struct {
	Patterns       int     `json:"patterns"`
	TotalApprovals int     `json:"totalApprovals"`
	TotalDenials   int     `json:"totalDenials"`
	ApproveRate    float64 `json:"approveRate"`
	AutoApprove    int     `json:"autoApprove"`
	AutoDeny       int     `json:"autoDeny"`
}

// PatternPersister stores patterns durably.
type PatternPersister interface {
	UpsertPattern(ctx context.Context, p Pattern) error
	DeletePatterns(ctx context.Context) error
}

// Memory is pattern memory. Concurrent records may race; a lost increment
// is acceptable, a torn Pattern is not.
type Memory struct {
	mu        sync.RWMutex
	patterns  map[string]Pattern
	bound     float64
	persister PatternPersister
	logger    *zap.Logger
	now       func() time.Time
}

// NewMemory creates pattern memory. bound is the confidence magnitude at
// which a pattern starts to act as a rule. persister may be nil.
func NewMemory(bound float64, persister PatternPersister, logger *zap.Logger) *Memory {
	if bound <= 0 || bound > 1 {
		bound = engine.DefaultPatternBound
	}
	return &Memory{
		patterns:  make(map[string]Pattern),
		bound:     bound,
		persister: persister,
		logger:    logger,
		now:       time.Now,
	}
}

// Bound returns the configured confidence bound.
func (m *Memory) Bound() float64 { return m.bound }

// Record applies one resolution to the pattern for key.
func (m *Memory) Record(ctx context.Context, key string, approved, always bool) Pattern {
	m.mu.Lock()
	p, ok := m.patterns[key]
	if !ok {
		p = Pattern{Key: key}
	}
	target := -1.0
	if approved {
		p.ApproveCount++
		target = 1.0
	} else {
		p.DenyCount++
	}
	p.Confidence += confidenceAlpha * (target - p.Confidence)
	if always && approved {
		p.Confidence = 1
	}
	p.Confidence = math.Max(-1, math.Min(1, p.Confidence))
	p.LastSeen = m.now()
	p.SuggestedAction = m.suggest(p.Confidence)
	m.patterns[key] = p
	m.mu.Unlock()

	if m.persister != nil {
		if err := m.persister.UpsertPattern(ctx, p); err != nil {
			m.logger.Warn("failed to persist pattern", zap.String("key", key), zap.Error(err))
		}
	}
	return p
}

func (m *Memory) suggest(confidence float64) SuggestedAction {
	switch {
	case confidence >= m.bound:
		return SuggestAutoApprove
	case confidence <= -m.bound:
		return SuggestDeny
	default:
		return SuggestAsk
	}
}

// Lookup returns the pattern for key.
func (m *Memory) Lookup(key string) (Pattern, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patterns[key]
	return p, ok
}

// Learned implements engine.PatternSource. Shell commands with command
// substitution never match: their key cannot describe the nested command.
func (m *Memory) Learned(a engine.Action) (engine.LearnedMatch, bool) {
	if a.Kind == engine.KindExec && hasSubstitution(a.Target) {
		return engine.LearnedMatch{}, false
	}
	p, ok := m.Lookup(PatternKey(a))
	if !ok {
		return engine.LearnedMatch{}, false
	}
	return engine.LearnedMatch{
		Key:          p.Key,
		Confidence:   p.Confidence,
		ApproveCount: p.ApproveCount,
		DenyCount:    p.DenyCount,
	}, true
}

// List returns all patterns, most recently seen first.
func (m *Memory) List() []Pattern {
	m.mu.RLock()
	out := make([]Pattern, 0, len(m.patterns))
	for _, p := range m.patterns {
		out = append(out, p)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Pattern) int {
		if c := b.LastSeen.Compare(a.LastSeen); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return out
}

// Stats aggregates all patterns.
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	s.Patterns = len(m.patterns)
	for _, p := range m.patterns {
		s.TotalApprovals += p.ApproveCount
		s.TotalDenials += p.DenyCount
		switch p.SuggestedAction {
		case SuggestAutoApprove:
			s.AutoApprove++
		case SuggestDeny:
			s.AutoDeny++
		}
	}
	if total := s.TotalApprovals + s.TotalDenials; total > 0 {
		s.ApproveRate = float64(s.TotalApprovals) / float64(total)
	}
	return s
}

// Reset forgets every pattern.
func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	m.patterns = make(map[string]Pattern)
	m.mu.Unlock()
	if m.persister != nil {
		if err := m.persister.DeletePatterns(ctx); err != nil {
			return fmt.Errorf("Reset: %w", err)
		}
	}
	return nil
}

// Load replaces memory with ps, recomputing suggestions against the
// current bound.
func (m *Memory) Load(ps []Pattern) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = make(map[string]Pattern, len(ps))
	for _, p := range ps {
		p.SuggestedAction = m.suggest(p.Confidence)
		m.patterns[p.Key] = p
	}
}
