package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/triage-ai/guardclaw/internal/approval"
	"github.com/triage-ai/guardclaw/internal/auth"
	"github.com/triage-ai/guardclaw/internal/chread"
	"github.com/triage-ai/guardclaw/internal/engine"
	"github.com/triage-ai/guardclaw/internal/eventstore"
	"github.com/triage-ai/guardclaw/internal/normalize"
	"github.com/triage-ai/guardclaw/internal/pipeline"
	"github.com/triage-ai/guardclaw/internal/policy"
	"github.com/triage-ai/guardclaw/internal/storage"
	"github.com/triage-ai/guardclaw/internal/upstream"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type stubReader struct {
	params chread.ListEventsParams
	days   int
}

func (s *stubReader) ListEvents(_ context.Context, p chread.ListEventsParams) ([]chread.EventRow, int, error) {
	s.params = p
	return []chread.EventRow{{EventID: "e1", Verdict: "block"}}, 1, nil
}

func (s *stubReader) DecisionStats(_ context.Context, days int) (*chread.AnalyticsResult, error) {
	s.days = days
	return &chread.AnalyticsResult{Summary: chread.SummaryStats{Total: 3}}, nil
}

type nopWriter struct{}

func (nopWriter) Write(*storage.DecisionEvent) {}
func (nopWriter) Close()                       {}

func newTestDeps(t *testing.T) *Dependencies {
	t.Helper()
	logger := zap.NewNop()
	holder, err := policy.NewHolder(policy.DefaultConfig(), nil, logger)
	if err != nil {
		t.Fatal(err)
	}
	memory := approval.NewMemory(0.8, nil, logger)
	cache := engine.NewAnalysisCache(time.Hour, 100)
	cascade := engine.NewCascade(cache, engine.CascadeConfig{Patterns: memory}, logger)
	queue := approval.NewQueue(memory, logger)
	events := eventstore.NewStore(100)
	p := pipeline.New(pipeline.Deps{
		Engine:    pipeline.EngineContext{Cache: cache, Policy: holder, Patterns: memory, Logger: logger},
		Cascade:   cascade,
		Registry:  normalize.NewRegistry(),
		Approvals: queue,
		Events:    events,
		Writer:    nopWriter{},
	})
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return &Dependencies{
		Pipeline:  p,
		Policy:    holder,
		Approvals: queue,
		Patterns:  memory,
		Events:    events,
		Cascade:   cascade,
		Upstreams: upstream.NewSet(),
		Logger:    logger,
	}
}

func do(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	rec := do(t, NewRouter(newTestDeps(t)), "GET", "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	deps := newTestDeps(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("admin-token"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	deps.Auth, err = auth.NewHashAuthenticator(string(hash), time.Minute, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	h := NewRouter(deps)

	if rec := do(t, h, "GET", "/api/policy", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/api/policy", nil, "Authorization", "Bearer nope"); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/api/policy", nil, "Authorization", "Bearer admin-token"); rec.Code != http.StatusOK {
		t.Errorf("good token: expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/api/policy?token=admin-token", nil); rec.Code != http.StatusOK {
		t.Errorf("query token: expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz must stay open, got %d", rec.Code)
	}
}

func TestCheck_Verdicts(t *testing.T) {
	h := NewRouter(newTestDeps(t))

	rec := do(t, h, "POST", "/api/check", CheckRequest{Tool: "exec", Args: map[string]any{"command": "ls -la"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	resp := decode[CheckResponse](t, rec)
	if resp.Verdict != policy.VerdictAllow || resp.Source != "rule" || !strings.HasPrefix(resp.ID, "check:") {
		t.Fatalf("unexpected response: %+v", resp)
	}

	resp = decode[CheckResponse](t, do(t, h, "POST", "/api/check", CheckRequest{Tool: "bash", Target: "rm -rf /"}))
	if resp.Verdict != policy.VerdictBlock || resp.Score != 10 {
		t.Fatalf("expected block, got %+v", resp)
	}
}

func TestCheck_Validation(t *testing.T) {
	h := NewRouter(newTestDeps(t))
	if rec := do(t, h, "POST", "/api/check", CheckRequest{Target: "ls"}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing tool: expected 400, got %d", rec.Code)
	}
	if rec := do(t, h, "POST", "/api/check", CheckRequest{Tool: "exec"}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing target: expected 400, got %d", rec.Code)
	}
	req := httptest.NewRequest("POST", "/api/check", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad json: expected 400, got %d", rec.Code)
	}
}

func TestCheck_WaitForApproval(t *testing.T) {
	deps := newTestDeps(t)
	h := NewRouter(deps)

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if list := deps.Approvals.List(); len(list) > 0 {
				_, _ = deps.Approvals.Approve(context.Background(), list[0].ID, false)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	rec := do(t, h, "POST", "/api/check", CheckRequest{ID: "hook-1", Tool: "exec", Target: "make deploy", Wait: true, TimeoutMs: 3000})
	resp := decode[CheckResponse](t, rec)
	if resp.Status != eventstore.StatusFinal || resp.Verdict != policy.VerdictAllow || resp.ApprovalID == "" {
		t.Fatalf("expected approved final decision, got %+v", resp)
	}
}

func TestCheck_WaitTimesOutPending(t *testing.T) {
	h := NewRouter(newTestDeps(t))
	resp := decode[CheckResponse](t, do(t, h, "POST", "/api/check",
		CheckRequest{Tool: "exec", Target: "make deploy", Wait: true, TimeoutMs: 20}))
	if resp.Status != eventstore.StatusPending || resp.Verdict != policy.VerdictAsk {
		t.Fatalf("expected pending ask, got %+v", resp)
	}
}

func TestApprovals_ResolveFlow(t *testing.T) {
	deps := newTestDeps(t)
	h := NewRouter(deps)

	pending := decode[CheckResponse](t, do(t, h, "POST", "/api/check", CheckRequest{Tool: "exec", Target: "make deploy"}))
	if pending.ApprovalID == "" {
		t.Fatalf("expected approval, got %+v", pending)
	}

	list := decode[map[string]any](t, do(t, h, "GET", "/api/approvals", nil))
	if list["count"].(float64) != 1 {
		t.Fatalf("expected one approval, got %v", list)
	}

	rec := do(t, h, "POST", "/api/approvals/"+pending.ApprovalID+"/deny", nil)
	first := decode[ResolutionResp](t, rec)
	if rec.Code != http.StatusOK || first.AlreadyResolved || first.Resolution.Status != approval.StatusDenied {
		t.Fatalf("unexpected deny response %d: %+v", rec.Code, first)
	}

	rec = do(t, h, "POST", "/api/approvals/"+pending.ApprovalID+"/approve", ApproveReq{Always: true})
	second := decode[ResolutionResp](t, rec)
	if rec.Code != http.StatusOK || !second.AlreadyResolved || second.Resolution.Status != approval.StatusDenied {
		t.Fatalf("second resolve should report the first outcome, got %d %+v", rec.Code, second)
	}

	if rec := do(t, h, "POST", "/api/approvals/nope/approve", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown approval: expected 404, got %d", rec.Code)
	}

	e := decode[eventstore.Event](t, do(t, h, "GET", "/api/events/"+pending.ID, nil))
	if e.Status != eventstore.StatusFinal || e.Decision.Verdict != policy.VerdictBlock {
		t.Fatalf("event not finalized: %+v", e)
	}
}

func TestPolicy_InvalidKeepsPrior(t *testing.T) {
	deps := newTestDeps(t)
	h := NewRouter(deps)

	rec := do(t, h, "PATCH", "/api/policy", map[string]any{"autoAllowThreshold": 9})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if deps.Policy.Config().AutoAllowThreshold != policy.DefaultAutoAllowThreshold {
		t.Fatal("invalid update changed the policy")
	}

	rec = do(t, h, "PATCH", "/api/policy", map[string]any{"mode": "monitor", "failClosed": true})
	cfg := decode[policy.Config](t, rec)
	if rec.Code != http.StatusOK || cfg.Mode != policy.ModeMonitor || !cfg.FailClosed {
		t.Fatalf("unexpected patch result %d: %+v", rec.Code, cfg)
	}

	rec = do(t, h, "PUT", "/api/policy", policy.Config{Mode: policy.ModeActive, AutoAllowThreshold: 2, AutoBlockThreshold: 7})
	cfg = decode[policy.Config](t, rec)
	if rec.Code != http.StatusOK || cfg.AutoBlockThreshold != 7 || cfg.FailClosed {
		t.Fatalf("unexpected put result %d: %+v", rec.Code, cfg)
	}
}

func TestPolicy_OverrideListsIdempotent(t *testing.T) {
	deps := newTestDeps(t)
	h := NewRouter(deps)

	add := decode[PatternChangeResp](t, do(t, h, "POST", "/api/policy/blacklist", PatternReq{Pattern: "*--force*"}))
	if !add.Changed || len(add.Policy.Blacklist) != 1 {
		t.Fatalf("unexpected add: %+v", add)
	}
	again := decode[PatternChangeResp](t, do(t, h, "POST", "/api/policy/blacklist", PatternReq{Pattern: "*--force*"}))
	if again.Changed || len(again.Policy.Blacklist) != 1 {
		t.Fatalf("re-adding should be a no-op: %+v", again)
	}

	rec := do(t, h, "DELETE", "/api/policy/whitelist?pattern=missing", nil)
	if rec.Code != http.StatusOK || decode[PatternChangeResp](t, rec).Changed {
		t.Fatalf("deleting a missing pattern should be a no-op 200, got %d", rec.Code)
	}
	if rec := do(t, h, "POST", "/api/policy/whitelist", PatternReq{Pattern: "  "}); rec.Code != http.StatusBadRequest {
		t.Errorf("blank pattern: expected 400, got %d", rec.Code)
	}
}

func TestEvents_RecentAndFilter(t *testing.T) {
	deps := newTestDeps(t)
	h := NewRouter(deps)
	do(t, h, "POST", "/api/check", CheckRequest{Tool: "exec", Target: "ls"})
	do(t, h, "POST", "/api/check", CheckRequest{Tool: "exec", Target: "rm -rf /"})

	all := decode[EventListResp](t, do(t, h, "GET", "/api/events", nil))
	if all.Count != 2 {
		t.Fatalf("expected 2 events, got %d", all.Count)
	}
	blocked := decode[EventListResp](t, do(t, h, "GET", "/api/events?verdict=block", nil))
	if blocked.Count != 1 || blocked.Events[0].Action.Target != "rm -rf /" {
		t.Fatalf("unexpected filtered events: %+v", blocked)
	}
}

func TestHistoryAndAnalytics(t *testing.T) {
	deps := newTestDeps(t)
	h := NewRouter(deps)

	if rec := do(t, h, "GET", "/api/events/history", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without ClickHouse, got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/api/analytics", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without ClickHouse, got %d", rec.Code)
	}

	reader := &stubReader{}
	deps.Reader = reader
	h = NewRouter(deps)

	hist := decode[HistoryResp](t, do(t, h, "GET", "/api/events/history?verdict=block&page_size=500&is_shadow=true", nil))
	if hist.Total != 1 || hist.PageSize != 200 {
		t.Fatalf("unexpected history: %+v", hist)
	}
	if reader.params.Verdict == nil || *reader.params.Verdict != "block" || reader.params.IsShadow == nil || !*reader.params.IsShadow {
		t.Fatalf("filters not passed through: %+v", reader.params)
	}

	an := decode[chread.AnalyticsResult](t, do(t, h, "GET", "/api/analytics?days=365", nil))
	if an.Summary.Total != 3 || reader.days != 90 {
		t.Fatalf("unexpected analytics: %+v days=%d", an, reader.days)
	}
}

func TestEventStream(t *testing.T) {
	deps := newTestDeps(t)
	srv := httptest.NewServer(NewRouter(deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	if first := <-lines; first != ": connected" {
		t.Fatalf("unexpected preamble %q", first)
	}

	if _, err := deps.Pipeline.Evaluate(context.Background(), engine.Action{ID: "s1", Kind: engine.KindExec, Tool: "exec", Target: "ls"}); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed")
			}
			if line == "event: append" {
				return
			}
		case <-timeout:
			t.Fatal("no append event received")
		}
	}
}

func TestPatterns(t *testing.T) {
	deps := newTestDeps(t)
	h := NewRouter(deps)
	deps.Patterns.Record(context.Background(), "exec:npm install", true, true)

	list := decode[PatternListResp](t, do(t, h, "GET", "/api/patterns", nil))
	if len(list.Patterns) != 1 || list.Bound != 0.8 {
		t.Fatalf("unexpected patterns: %+v", list)
	}
	stats := decode[approval.Stats](t, do(t, h, "GET", "/api/patterns/stats", nil))
	if stats.TotalApprovals != 1 || stats.AutoApprove != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if rec := do(t, h, "DELETE", "/api/patterns", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(deps.Patterns.List()) != 0 {
		t.Fatal("patterns not reset")
	}
}

func TestStatus(t *testing.T) {
	deps := newTestDeps(t)
	h := NewRouter(deps)
	do(t, h, "POST", "/api/check", CheckRequest{Tool: "exec", Target: "ls"})

	st := decode[StatusResp](t, do(t, h, "GET", "/api/status", nil))
	if !st.Online || st.Mode != policy.ModeActive || st.Decisions.Total != 1 || st.CacheSize != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
}
