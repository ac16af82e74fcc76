// Package eventstore is the capacity-bounded in-memory log of decided and
// pending actions, with live fan-out to subscribers.
package eventstore

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/triage-ai/guardclaw/internal/approval"
	"github.com/triage-ai/guardclaw/internal/engine"
	"github.com/triage-ai/guardclaw/internal/policy"
)

var (
	ErrDuplicate    = errors.New("event already stored")
	ErrNotFound     = errors.New("event not found")
	ErrAlreadyFinal = errors.New("event already final")
)

// DefaultCapacity is used when NewStore is given a non-positive capacity.
const DefaultCapacity = 2000

type Status string

const (
	StatusPending Status = "pending"
	StatusFinal   Status = "final"
)

// Event is one action and what was decided about it.
type Event struct {
	ID         string                `json:"id"`
	Action     engine.Action         `json:"action"`
	Assessment engine.RiskAssessment `json:"assessment"`
	Decision   policy.Decision       `json:"decision"`
	Status     Status                `json:"status"`
	ApprovalID string                `json:"approvalId,omitempty"`
	Resolution *approval.Resolution  `json:"resolution,omitempty"`
	CreatedAt  time.Time             `json:"createdAt"`
	UpdatedAt  time.Time             `json:"updatedAt"`
}

func (e Event) clone() Event {
	out := e
	out.Assessment = e.Assessment.Clone()
	out.Decision.Assessment = e.Decision.Assessment.Clone()
	out.Decision.Policy = e.Decision.Policy.Clone()
	if e.Resolution != nil {
		r := *e.Resolution
		out.Resolution = &r
	}
	return out
}

// Update is what subscribers receive. IsUpdate marks an in-place change to
// an event that was already delivered.
type Update struct {
	Event    Event `json:"event"`
	IsUpdate bool  `json:"isUpdate"`
}

// Filter narrows Recent. Zero fields match everything.
type Filter struct {
	Kinds      []engine.ActionKind
	Verdicts   []policy.Verdict
	Backend    string
	SessionKey string
	Status     Status
}

// Match reports whether e passes the filter.
func (f Filter) Match(e *Event) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Action.Kind) {
		return false
	}
	if len(f.Verdicts) > 0 && !slices.Contains(f.Verdicts, e.Decision.Verdict) {
		return false
	}
	if f.Backend != "" && e.Action.Backend != f.Backend {
		return false
	}
	if f.SessionKey != "" && e.Action.SessionKey != f.SessionKey {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// Subscription is a bounded feed of updates. A full channel drops updates
// for this subscriber only.
type Subscription struct {
	C       <-chan Update
	ch      chan Update
	dropped atomic.Int64
}

// Dropped returns how many updates this subscriber missed.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Store is a ring buffer of events keyed by id.
type Store struct {
	mu      sync.RWMutex
	ring    []Event
	start   int
	count   int
	index   map[string]int
	subs    map[*Subscription]struct{}
	dropped atomic.Int64
	evicted atomic.Int64
	now     func() time.Time
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		ring:  make([]Event, capacity),
		index: make(map[string]int, capacity),
		subs:  make(map[*Subscription]struct{}),
		now:   time.Now,
	}
}

// Append stores e, evicting the oldest event when full.
func (s *Store) Append(e Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[e.ID]; ok {
		return Event{}, fmt.Errorf("Append %s: %w", e.ID, ErrDuplicate)
	}
	now := s.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = StatusFinal
	}
	e = e.clone()

	if s.count == len(s.ring) {
		old := s.ring[s.start]
		delete(s.index, old.ID)
		s.start = (s.start + 1) % len(s.ring)
		s.count--
		s.evicted.Add(1)
	}
	slot := (s.start + s.count) % len(s.ring)
	s.ring[slot] = e
	s.index[e.ID] = slot
	s.count++

	s.publish(Update{Event: e.clone()})
	return e.clone(), nil
}

// UpdateInPlace applies patch to a pending event and marks it final. An
// event transitions pending to final exactly once.
func (s *Store) UpdateInPlace(id string, patch func(*Event)) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.index[id]
	if !ok {
		return Event{}, fmt.Errorf("UpdateInPlace %s: %w", id, ErrNotFound)
	}
	e := s.ring[slot].clone()
	if e.Status == StatusFinal {
		return Event{}, fmt.Errorf("UpdateInPlace %s: %w", id, ErrAlreadyFinal)
	}
	patch(&e)
	e.ID = id
	e.Status = StatusFinal
	e.UpdatedAt = s.now()
	s.ring[slot] = e

	s.publish(Update{Event: e.clone(), IsUpdate: true})
	return e.clone(), nil
}

// Get returns the event with id.
func (s *Store) Get(id string) (Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.index[id]
	if !ok {
		return Event{}, false
	}
	return s.ring[slot].clone(), true
}

// Has reports whether id is stored.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Recent returns up to n matching events, newest first. n <= 0 means all.
func (s *Store) Recent(n int, f Filter) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, 0, min(max(n, 0), s.count))
	for i := s.count - 1; i >= 0; i-- {
		e := &s.ring[(s.start+i)%len(s.ring)]
		if !f.Match(e) {
			continue
		}
		out = append(out, e.clone())
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

// Len returns the number of stored events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Stats reports eviction and fan-out drop counters.
type Stats struct {
	Stored      int   `json:"stored"`
	Capacity    int   `json:"capacity"`
	Evicted     int64 `json:"evicted"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Stored:      s.count,
		Capacity:    len(s.ring),
		Evicted:     s.evicted.Load(),
		Dropped:     s.dropped.Load(),
		Subscribers: len(s.subs),
	}
}

// Subscribe returns a feed with room for buffer pending updates.
func (s *Store) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Update, buffer)
	sub := &Subscription{C: ch, ch: ch}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// Unsubscribe closes sub's channel. Calling it twice is a no-op.
func (s *Store) Unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	close(sub.ch)
}

// publish must be called with s.mu held.
func (s *Store) publish(u Update) {
	for sub := range s.subs {
		select {
		case sub.ch <- u:
		default:
			sub.dropped.Add(1)
			s.dropped.Add(1)
		}
	}
}
