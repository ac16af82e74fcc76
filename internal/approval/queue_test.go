package approval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/triage-ai/guardclaw/internal/engine"
	"github.com/triage-ai/guardclaw/internal/policy"
	"go.uber.org/zap"
)

func testAction(id, cmd string) engine.Action {
	return engine.Action{ID: id, Kind: engine.KindExec, Tool: "exec", Target: cmd}
}

func newTestQueue() (*Queue, *Memory) {
	mem := NewMemory(0.8, nil, zap.NewNop())
	return NewQueue(mem, zap.NewNop()), mem
}

func submit(q *Queue, a engine.Action) PendingApproval {
	p, _ := q.Submit(a, engine.RiskAssessment{Score: 5}, policy.Decision{Verdict: policy.VerdictAsk})
	return p
}

func TestQueue_SubmitOncePerAction(t *testing.T) {
	q, _ := newTestQueue()
	a := testAction("oc:1", "npm publish")

	first, created := q.Submit(a, engine.RiskAssessment{Score: 5}, policy.Decision{})
	if !created {
		t.Fatal("first submit should create")
	}
	second, created := q.Submit(a, engine.RiskAssessment{Score: 5}, policy.Decision{})
	if created || second.ID != first.ID {
		t.Fatalf("second submit should return the open approval, got %+v", second)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 pending, got %d", q.Len())
	}
}

func TestQueue_DoubleResolveCountsOnce(t *testing.T) {
	q, mem := newTestQueue()
	a := testAction("oc:1", "npm publish")
	p := submit(q, a)
	ctx := context.Background()

	if _, err := q.Approve(ctx, p.ID, false); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := q.Approve(ctx, p.ID, false); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if _, err := q.Deny(ctx, p.ID); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}

	pat, ok := mem.Lookup(PatternKey(a))
	if !ok || pat.ApproveCount != 1 || pat.DenyCount != 0 {
		t.Fatalf("expected exactly one approval recorded, got %+v", pat)
	}
}

func TestQueue_ConcurrentResolveSingleWinner(t *testing.T) {
	q, mem := newTestQueue()
	a := testAction("oc:1", "terraform apply")
	p := submit(q, a)

	var wins, already atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = q.Approve(context.Background(), p.ID, false)
			} else {
				_, err = q.Deny(context.Background(), p.ID)
			}
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyResolved):
				already.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 || already.Load() != 19 {
		t.Fatalf("expected 1 winner and 19 already-resolved, got %d/%d", wins.Load(), already.Load())
	}
	pat, _ := mem.Lookup(PatternKey(a))
	if pat.ApproveCount+pat.DenyCount != 1 {
		t.Fatalf("pattern statistics counted %d resolutions", pat.ApproveCount+pat.DenyCount)
	}
}

func TestQueue_UnknownID(t *testing.T) {
	q, _ := newTestQueue()
	if _, err := q.Deny(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := q.Wait(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueue_WaitApproved(t *testing.T) {
	q, _ := newTestQueue()
	p := submit(q, testAction("oc:1", "make deploy"))

	go func() {
		time.Sleep(10 * time.Millisecond)
		if _, err := q.Approve(context.Background(), p.ID, false); err != nil {
			t.Errorf("approve failed: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := q.Wait(ctx, p.ID)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if !res.Approved() || res.Actor != ActorUser {
		t.Fatalf("unexpected resolution: %+v", res)
	}

	again, err := q.Wait(context.Background(), p.ID)
	if err != nil || again.ApprovalID != p.ID {
		t.Fatalf("resolved id should return immediately, got %+v %v", again, err)
	}
}

func TestQueue_WaitTimeout(t *testing.T) {
	q, _ := newTestQueue()
	p := submit(q, testAction("oc:1", "make deploy"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := q.Wait(ctx, p.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if q.Len() != 1 {
		t.Error("a timed-out wait must leave the approval pending")
	}
}

func TestQueue_ExpireDeniesWithoutStats(t *testing.T) {
	q, mem := newTestQueue()
	base := time.Now()
	q.now = func() time.Time { return base }
	a := testAction("oc:1", "make deploy")
	p := submit(q, a)

	q.now = func() time.Time { return base.Add(time.Hour) }
	expired := q.Expire(context.Background(), time.Minute)
	if len(expired) != 1 || expired[0].Actor != ActorTimeout || expired[0].Status != StatusDenied {
		t.Fatalf("unexpected expiry: %+v", expired)
	}
	if _, ok := mem.Lookup(PatternKey(a)); ok {
		t.Error("expiry must not touch pattern statistics")
	}
	if _, err := q.Approve(context.Background(), p.ID, false); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved after expiry, got %v", err)
	}
}

func TestQueue_ResolveByPolicy(t *testing.T) {
	q, mem := newTestQueue()
	a := testAction("oc:1", "make deploy")
	p := submit(q, a)

	res, err := q.ResolveByPolicy(context.Background(), p.ID, true)
	if err != nil || !res.Approved() || res.Actor != ActorPolicy {
		t.Fatalf("unexpected: %+v %v", res, err)
	}
	if _, ok := mem.Lookup(PatternKey(a)); ok {
		t.Error("policy resolution must not touch pattern statistics")
	}
}

func TestQueue_ListenersRunOnce(t *testing.T) {
	q, _ := newTestQueue()
	var calls atomic.Int32
	q.OnResolve(func(p PendingApproval, r Resolution) {
		if p.ID != r.ApprovalID {
			t.Errorf("listener got mismatched ids %s/%s", p.ID, r.ApprovalID)
		}
		calls.Add(1)
	})
	p := submit(q, testAction("oc:1", "x"))
	q.Deny(context.Background(), p.ID)
	q.Deny(context.Background(), p.ID)
	if calls.Load() != 1 {
		t.Fatalf("expected one listener call, got %d", calls.Load())
	}
}

func TestQueue_ListOldestFirst(t *testing.T) {
	q, _ := newTestQueue()
	base := time.Now()
	for i, id := range []string{"oc:a", "oc:b", "oc:c"} {
		at := base.Add(time.Duration(i) * time.Second)
		q.now = func() time.Time { return at }
		submit(q, testAction(id, "cmd "+id))
	}
	got := q.List()
	if len(got) != 3 || got[0].Action.ID != "oc:a" || got[2].Action.ID != "oc:c" {
		t.Fatalf("unexpected order: %+v", got)
	}
}
