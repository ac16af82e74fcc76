// Package approval provides the human-approval queue for actions the policy
// routes to "ask", and the pattern memory learned from its resolutions.
package approval

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/guardclaw/internal/engine"
	"github.com/triage-ai/guardclaw/internal/policy"
	"go.uber.org/zap"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// Status of an approval.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// Actors recorded on resolutions not made by a person.
const (
	ActorUser    = "user"
	ActorTimeout = "timeout"
	ActorPolicy  = "policy"
)

// recentLimit bounds how many resolutions stay queryable after the
// pending entry is gone.
const recentLimit = 1024

// PendingApproval is an action waiting on a human decision.
type PendingApproval struct {
	ID         string                `json:"id"`
	Action     engine.Action         `json:"action"`
	Assessment engine.RiskAssessment `json:"assessment"`
	Decision   policy.Decision       `json:"decision"`
	CreatedAt  time.Time             `json:"createdAt"`
}

// Resolution is the terminal outcome of a PendingApproval.
type Resolution struct {
	ApprovalID    string    `json:"approvalId"`
	ActionID      string    `json:"actionId"`
	Status        Status    `json:"status"`
	AlwaysApprove bool      `json:"alwaysApprove"`
	Actor         string    `json:"actor"`
	ResolvedAt    time.Time `json:"resolvedAt"`
}

// Approved reports whether the resolution allows the action.
func (r Resolution) Approved() bool { return r.Status == StatusApproved }

// ResolutionListener runs after an approval is resolved.
type ResolutionListener func(p PendingApproval, r Resolution)

type entry struct {
	approval   PendingApproval
	done       chan struct{}
	resolution Resolution
}

// Queue holds pending approvals. Resolution is an atomic check-and-remove
// per id: exactly one caller wins and the rest see ErrAlreadyResolved.
type Queue struct {
	mu        sync.Mutex
	pending   map[string]*entry
	byAction  map[string]string
	resolved  map[string]Resolution
	order     []string
	listeners []ResolutionListener
	memory    *Memory
	logger    *zap.Logger
	now       func() time.Time
}

// NewQueue creates a Queue. memory may be nil, in which case resolutions
// are not learned from.
func NewQueue(memory *Memory, logger *zap.Logger) *Queue {
	return &Queue{
		pending:  make(map[string]*entry),
		byAction: make(map[string]string),
		resolved: make(map[string]Resolution),
		memory:   memory,
		logger:   logger,
		now:      time.Now,
	}
}

// OnResolve registers l.
func (q *Queue) OnResolve(l ResolutionListener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

// Submit opens an approval for a. If one is already open for a.ID it is
// returned with created=false.
func (q *Queue) Submit(a engine.Action, assessment engine.RiskAssessment, decision policy.Decision) (PendingApproval, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if id, ok := q.byAction[a.ID]; ok {
		return q.pending[id].approval, false
	}
	p := PendingApproval{
		ID:         uuid.NewString(),
		Action:     a,
		Assessment: assessment.Clone(),
		Decision:   decision,
		CreatedAt:  q.now(),
	}
	q.pending[p.ID] = &entry{approval: p, done: make(chan struct{})}
	q.byAction[a.ID] = p.ID

	q.logger.Info("approval requested",
		zap.String("approval_id", p.ID),
		zap.String("action_id", a.ID),
		zap.String("tool", a.Tool),
		zap.Int("score", assessment.Score),
	)
	return p, true
}

// Get returns the open approval with id.
func (q *Queue) Get(id string) (PendingApproval, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.pending[id]
	if !ok {
		return PendingApproval{}, false
	}
	return e.approval, true
}

// List returns open approvals, oldest first.
func (q *Queue) List() []PendingApproval {
	q.mu.Lock()
	out := make([]PendingApproval, 0, len(q.pending))
	for _, e := range q.pending {
		out = append(out, e.approval)
	}
	q.mu.Unlock()
	slices.SortFunc(out, func(a, b PendingApproval) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Len returns the number of open approvals.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Approve resolves id as approved. always=true teaches pattern memory to
// auto-approve structurally similar actions.
func (q *Queue) Approve(ctx context.Context, id string, always bool) (Resolution, error) {
	return q.resolve(ctx, id, StatusApproved, always, ActorUser, true)
}

// Deny resolves id as denied.
func (q *Queue) Deny(ctx context.Context, id string) (Resolution, error) {
	return q.resolve(ctx, id, StatusDenied, false, ActorUser, true)
}

// ResolveByPolicy resolves id after a policy change made it decidable.
// Pattern statistics are not touched.
func (q *Queue) ResolveByPolicy(ctx context.Context, id string, approved bool) (Resolution, error) {
	status := StatusDenied
	if approved {
		status = StatusApproved
	}
	return q.resolve(ctx, id, status, false, ActorPolicy, false)
}

// Withdraw denies id without notifying listeners or pattern memory. It is
// used when the action could not be recorded, so nobody can resolve it.
func (q *Queue) Withdraw(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.pending[id]
	if !ok {
		return false
	}
	res := Resolution{
		ApprovalID: id,
		ActionID:   e.approval.Action.ID,
		Status:     StatusDenied,
		Actor:      ActorPolicy,
		ResolvedAt: q.now(),
	}
	delete(q.pending, id)
	delete(q.byAction, e.approval.Action.ID)
	q.remember(res)
	e.resolution = res
	close(e.done)
	q.logger.Warn("approval withdrawn",
		zap.String("approval_id", id),
		zap.String("action_id", res.ActionID),
	)
	return true
}

// Expire denies every approval older than maxAge. Pattern statistics are
// not touched.
func (q *Queue) Expire(ctx context.Context, maxAge time.Duration) []Resolution {
	cutoff := q.now().Add(-maxAge)
	q.mu.Lock()
	var stale []string
	for id, e := range q.pending {
		if e.approval.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	q.mu.Unlock()

	var out []Resolution
	for _, id := range stale {
		res, err := q.resolve(ctx, id, StatusDenied, false, ActorTimeout, false)
		if err != nil {
			continue
		}
		out = append(out, res)
	}
	return out
}

// RunExpiry calls Expire periodically until ctx is done. It returns
// immediately when maxAge is not positive.
func (q *Queue) RunExpiry(ctx context.Context, maxAge time.Duration) error {
	if maxAge <= 0 {
		return nil
	}
	interval := min(maxAge/4, 10*time.Second)
	interval = max(interval, 100*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if expired := q.Expire(ctx, maxAge); len(expired) > 0 {
				q.logger.Info("approvals expired", zap.Int("count", len(expired)))
			}
		}
	}
}

// Wait blocks until id is resolved or ctx is done. Recently resolved ids
// return their resolution immediately.
func (q *Queue) Wait(ctx context.Context, id string) (Resolution, error) {
	q.mu.Lock()
	if res, ok := q.resolved[id]; ok {
		q.mu.Unlock()
		return res, nil
	}
	e, ok := q.pending[id]
	q.mu.Unlock()
	if !ok {
		return Resolution{}, ErrNotFound
	}

	select {
	case <-e.done:
		return e.resolution, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

// Resolved returns the outcome of a recently resolved approval.
func (q *Queue) Resolved(id string) (Resolution, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	res, ok := q.resolved[id]
	return res, ok
}

func (q *Queue) resolve(ctx context.Context, id string, status Status, always bool, actor string, learn bool) (Resolution, error) {
	q.mu.Lock()
	e, ok := q.pending[id]
	if !ok {
		_, done := q.resolved[id]
		q.mu.Unlock()
		if done {
			return Resolution{}, ErrAlreadyResolved
		}
		return Resolution{}, ErrNotFound
	}
	res := Resolution{
		ApprovalID:    id,
		ActionID:      e.approval.Action.ID,
		Status:        status,
		AlwaysApprove: always && status == StatusApproved,
		Actor:         actor,
		ResolvedAt:    q.now(),
	}
	delete(q.pending, id)
	delete(q.byAction, e.approval.Action.ID)
	q.remember(res)
	e.resolution = res
	close(e.done)
	listeners := slices.Clone(q.listeners)
	q.mu.Unlock()

	q.logger.Info("approval resolved",
		zap.String("approval_id", id),
		zap.String("action_id", res.ActionID),
		zap.String("status", string(status)),
		zap.String("actor", actor),
		zap.Bool("always", res.AlwaysApprove),
	)

	if learn && q.memory != nil {
		q.memory.Record(ctx, PatternKey(e.approval.Action), status == StatusApproved, res.AlwaysApprove)
	}
	for _, l := range listeners {
		l(e.approval, res)
	}
	return res, nil
}

// remember must be called with q.mu held.
func (q *Queue) remember(res Resolution) {
	q.resolved[res.ApprovalID] = res
	q.order = append(q.order, res.ApprovalID)
	if len(q.order) > recentLimit {
		drop := q.order[0]
		q.order = q.order[1:]
		delete(q.resolved, drop)
	}
}
