// Package pipeline turns raw upstream frames into decisions: normalize,
// classify, decide, then queue for approval or finalize.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/guardclaw/internal/approval"
	"github.com/triage-ai/guardclaw/internal/engine"
	"github.com/triage-ai/guardclaw/internal/eventstore"
	"github.com/triage-ai/guardclaw/internal/normalize"
	"github.com/triage-ai/guardclaw/internal/policy"
	"github.com/triage-ai/guardclaw/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrDuplicate = errors.New("action already ingested")
	ErrClosed    = errors.New("pipeline closed")
)

const (
	DefaultMaxInFlight = 32
	DefaultDedupSize   = 10000
)

// EngineContext is the shared engine state built once at startup.
type EngineContext struct {
	Cache    *engine.AnalysisCache
	Policy   *policy.Holder
	Patterns *approval.Memory
	Logger   *zap.Logger
}

// Classifier scores actions. *engine.Cascade implements it.
type Classifier interface {
	Classify(ctx context.Context, a engine.Action) engine.RiskAssessment
}

// Connectivity reports whether any upstream is live.
type Connectivity interface {
	AnyConnected() bool
}

// Deps holds everything the pipeline needs.
type Deps struct {
	Engine       EngineContext
	Cascade      Classifier
	Registry     *normalize.Registry
	Approvals    *approval.Queue
	Events       *eventstore.Store
	Writer       storage.EventWriter
	Connectivity Connectivity // nil means always online
	MaxInFlight  int64
	DedupSize    int
}

// Pipeline processes actions concurrently, bounded by MaxInFlight.
type Pipeline struct {
	deps   Deps
	logger *zap.Logger
	sem    *semaphore.Weighted

	baseCtx context.Context
	cancel  context.CancelFunc

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup

	// pendingMu orders approval submission before the matching resolution
	// update, so a fast resolve never races the pending Append.
	pendingMu sync.Mutex

	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
	seenNext  int

	stats counters
}

// New wires the pipeline into the approval queue and the policy holder.
func New(deps Deps) *Pipeline {
	if deps.MaxInFlight <= 0 {
		deps.MaxInFlight = DefaultMaxInFlight
	}
	if deps.DedupSize <= 0 {
		deps.DedupSize = DefaultDedupSize
	}
	if deps.Writer == nil {
		deps.Writer = storage.NewLogWriter(deps.Engine.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		deps:      deps,
		logger:    deps.Engine.Logger,
		sem:       semaphore.NewWeighted(deps.MaxInFlight),
		baseCtx:   ctx,
		cancel:    cancel,
		seen:      make(map[string]struct{}, deps.DedupSize),
		seenOrder: make([]string, deps.DedupSize),
	}
	p.stats.byVerdict = make(map[string]int64)
	p.stats.bySource = make(map[string]int64)
	deps.Approvals.OnResolve(p.onResolve)
	deps.Engine.Policy.OnChange(func(prev, next policy.Config) {
		if n := p.Reevaluate(p.baseCtx); n > 0 {
			p.logger.Info("pending approvals resolved by policy change", zap.Int("count", n))
		}
	})
	return p
}

// HandleRaw normalizes a raw frame from backend name and classifies the
// resulting actions in the background. It never blocks on classification.
func (p *Pipeline) HandleRaw(name string, raw []byte) {
	actions, err := p.deps.Registry.Normalize(name, raw)
	if err != nil {
		p.stats.unrecognized.Add(1)
		if errors.Is(err, normalize.ErrUnrecognized) {
			p.logger.Debug("dropping frame", zap.String("upstream", name), zap.Error(err))
		} else {
			p.logger.Warn("normalize failed", zap.String("upstream", name), zap.Error(err))
		}
		return
	}
	for _, a := range actions {
		if !p.track() {
			return
		}
		go func(a engine.Action) {
			defer p.wg.Done()
			if _, err := p.ingest(p.baseCtx, a); err != nil && !errors.Is(err, ErrDuplicate) {
				p.logger.Warn("ingest failed",
					zap.String("upstream", name),
					zap.String("action_id", a.ID),
					zap.Error(err),
				)
			}
		}(a)
	}
}

// Ingest classifies and decides a, at most once per action id.
func (p *Pipeline) Ingest(ctx context.Context, a engine.Action) error {
	if !p.track() {
		return ErrClosed
	}
	defer p.wg.Done()
	_, err := p.ingest(ctx, a)
	return err
}

// Evaluate decides a synchronously. An empty id gets a generated one. An
// action that was already decided returns the stored event; one still in
// flight from another caller returns ErrDuplicate.
func (p *Pipeline) Evaluate(ctx context.Context, a engine.Action) (eventstore.Event, error) {
	if a.ID == "" {
		a.ID = "check:" + uuid.NewString()
	}
	if e, ok := p.deps.Events.Get(a.ID); ok {
		return e, nil
	}
	if !p.track() {
		return eventstore.Event{}, ErrClosed
	}
	defer p.wg.Done()
	return p.ingest(ctx, a)
}

// WaitFinal blocks until the event id is final or ctx is done.
func (p *Pipeline) WaitFinal(ctx context.Context, id string) (eventstore.Event, error) {
	e, ok := p.deps.Events.Get(id)
	if !ok {
		return eventstore.Event{}, fmt.Errorf("WaitFinal %s: %w", id, eventstore.ErrNotFound)
	}
	if e.Status == eventstore.StatusFinal || e.ApprovalID == "" {
		return e, nil
	}
	res, err := p.deps.Approvals.Wait(ctx, e.ApprovalID)
	if err != nil {
		return e, err
	}
	if latest, ok := p.deps.Events.Get(id); ok && latest.Status == eventstore.StatusFinal {
		return latest, nil
	}
	// The resolution listener may not have patched the store yet.
	finalize(&e, res)
	e.Status = eventstore.StatusFinal
	return e, nil
}

func (p *Pipeline) track() bool {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	return true
}

func (p *Pipeline) ingest(ctx context.Context, a engine.Action) (eventstore.Event, error) {
	if a.ID == "" {
		return eventstore.Event{}, fmt.Errorf("ingest: action has no id")
	}
	if !p.markSeen(a.ID) {
		p.stats.duplicates.Add(1)
		return eventstore.Event{}, ErrDuplicate
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.forget(a.ID)
		return eventstore.Event{}, fmt.Errorf("ingest %s: %w", a.ID, err)
	}
	defer p.sem.Release(1)
	return p.process(ctx, a)
}

func (p *Pipeline) process(ctx context.Context, a engine.Action) (eventstore.Event, error) {
	start := time.Now()
	assessment := p.deps.Cascade.Classify(ctx, a)
	online := p.deps.Connectivity == nil || p.deps.Connectivity.AnyConnected()
	decision := p.deps.Engine.Policy.Snapshot().Decide(assessment, a, online)

	ev := eventstore.Event{
		ID:         a.ID,
		Action:     a,
		Assessment: assessment,
		Decision:   decision,
		Status:     eventstore.StatusFinal,
	}
	p.stats.record(decision, assessment)

	if decision.Verdict == policy.VerdictAsk {
		p.pendingMu.Lock()
		pa, created := p.deps.Approvals.Submit(a, assessment, decision)
		ev.ApprovalID = pa.ID
		ev.Status = eventstore.StatusPending
		stored, err := p.deps.Events.Append(ev)
		p.pendingMu.Unlock()
		if err != nil {
			if created {
				p.deps.Approvals.Withdraw(pa.ID)
			}
			return eventstore.Event{}, fmt.Errorf("process %s: %w", a.ID, err)
		}
		return stored, nil
	}

	stored, err := p.deps.Events.Append(ev)
	if err != nil {
		return eventstore.Event{}, fmt.Errorf("process %s: %w", a.ID, err)
	}
	p.deps.Writer.Write(storage.FromEvent(stored, time.Since(start)))
	p.logger.Debug("action decided",
		zap.String("action_id", a.ID),
		zap.String("tool", a.Tool),
		zap.Int("score", assessment.Score),
		zap.String("source", string(assessment.Source)),
		zap.String("verdict", string(decision.Verdict)),
		zap.Bool("shadow", decision.Shadow),
	)
	return stored, nil
}

func (p *Pipeline) onResolve(pa approval.PendingApproval, res approval.Resolution) {
	p.pendingMu.Lock()
	stored, err := p.deps.Events.UpdateInPlace(pa.Action.ID, func(e *eventstore.Event) {
		finalize(e, res)
	})
	p.pendingMu.Unlock()
	switch {
	case errors.Is(err, eventstore.ErrNotFound):
		// Evicted from the live store; the audit record is rebuilt from the
		// approval.
		p.logger.Debug("resolved event no longer in store",
			zap.String("action_id", pa.Action.ID),
		)
		stored = eventstore.Event{
			ID:         pa.Action.ID,
			Action:     pa.Action,
			Assessment: pa.Assessment,
			Decision:   pa.Decision,
			ApprovalID: pa.ID,
			CreatedAt:  pa.CreatedAt,
			UpdatedAt:  res.ResolvedAt,
		}
		finalize(&stored, res)
		stored.Status = eventstore.StatusFinal
	case err != nil:
		p.logger.Debug("resolution not applied to event store",
			zap.String("action_id", pa.Action.ID),
			zap.Error(err),
		)
		return
	}
	p.stats.resolved(res)
	if res.Actor == approval.ActorUser {
		p.deps.Engine.Cache.Delete(engine.FingerprintAction(pa.Action))
	}
	p.deps.Writer.Write(storage.FromEvent(stored, res.ResolvedAt.Sub(pa.CreatedAt)))
}

func finalize(e *eventstore.Event, res approval.Resolution) {
	r := res
	e.Resolution = &r
	if res.Approved() {
		e.Decision.Verdict = policy.VerdictAllow
	} else {
		e.Decision.Verdict = policy.VerdictBlock
	}
	e.Decision.Reason = fmt.Sprintf("%s; %s by %s", e.Decision.Reason, res.Status, res.Actor)
}

// Reevaluate re-decides every pending approval under the current policy and
// resolves those that no longer need a human. It returns how many were
// resolved.
func (p *Pipeline) Reevaluate(ctx context.Context) int {
	snapshot := p.deps.Engine.Policy.Snapshot()
	online := p.deps.Connectivity == nil || p.deps.Connectivity.AnyConnected()
	n := 0
	for _, pa := range p.deps.Approvals.List() {
		d := snapshot.Decide(pa.Assessment, pa.Action, online)
		if d.Verdict == policy.VerdictAsk {
			continue
		}
		if _, err := p.deps.Approvals.ResolveByPolicy(ctx, pa.ID, d.Verdict == policy.VerdictAllow); err != nil {
			continue
		}
		n++
	}
	return n
}

// ResetPatterns clears learned patterns and every cached assessment that
// may have been derived from them.
func (p *Pipeline) ResetPatterns(ctx context.Context) error {
	if p.deps.Engine.Patterns != nil {
		if err := p.deps.Engine.Patterns.Reset(ctx); err != nil {
			return fmt.Errorf("ResetPatterns: %w", err)
		}
	}
	p.deps.Engine.Cache.Purge()
	return nil
}

// Close stops accepting work and waits for in-flight actions until ctx is
// done, after which they are abandoned.
func (p *Pipeline) Close(ctx context.Context) error {
	p.closeMu.Lock()
	p.closed = true
	p.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// markSeen records id in a bounded set and reports whether it was new.
func (p *Pipeline) markSeen(id string) bool {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	if _, ok := p.seen[id]; ok {
		return false
	}
	if old := p.seenOrder[p.seenNext]; old != "" {
		delete(p.seen, old)
	}
	p.seenOrder[p.seenNext] = id
	p.seenNext = (p.seenNext + 1) % len(p.seenOrder)
	p.seen[id] = struct{}{}
	return true
}

func (p *Pipeline) forget(id string) {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	delete(p.seen, id)
}

// Stats is a snapshot of decision counters.
type Stats struct {
	Total        int64            `json:"total"`
	ByVerdict    map[string]int64 `json:"byVerdict"`
	BySource     map[string]int64 `json:"bySource"`
	Cached       int64            `json:"cached"`
	Shadow       int64            `json:"shadow"`
	Offline      int64            `json:"offline"`
	Approved     int64            `json:"approved"`
	Denied       int64            `json:"denied"`
	Pending      int              `json:"pending"`
	Duplicates   int64            `json:"duplicates"`
	Unrecognized int64            `json:"unrecognized"`
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	s := p.stats.snapshot()
	s.Pending = p.deps.Approvals.Len()
	return s
}

type counters struct {
	mu           sync.Mutex
	total        int64
	byVerdict    map[string]int64
	bySource     map[string]int64
	cached       int64
	shadow       int64
	offline      int64
	approved     int64
	denied       int64
	duplicates   atomic.Int64
	unrecognized atomic.Int64
}

func (c *counters) record(d policy.Decision, a engine.RiskAssessment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	c.byVerdict[string(d.Verdict)]++
	c.bySource[string(a.Source)]++
	if a.Cached {
		c.cached++
	}
	if d.Shadow {
		c.shadow++
	}
	if d.Offline {
		c.offline++
	}
}

func (c *counters) resolved(r approval.Resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.Approved() {
		c.approved++
	} else {
		c.denied++
	}
}

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Total:        c.total,
		ByVerdict:    make(map[string]int64, len(c.byVerdict)),
		BySource:     make(map[string]int64, len(c.bySource)),
		Cached:       c.cached,
		Shadow:       c.shadow,
		Offline:      c.offline,
		Approved:     c.approved,
		Denied:       c.denied,
		Duplicates:   c.duplicates.Load(),
		Unrecognized: c.unrecognized.Load(),
	}
	maps.Copy(s.ByVerdict, c.byVerdict)
	maps.Copy(s.BySource, c.bySource)
	return s
}
