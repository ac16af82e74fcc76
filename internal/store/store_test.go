package store

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/triage-ai/guardclaw/internal/approval"
	"github.com/triage-ai/guardclaw/internal/policy"
)

// openTestStore connects to GUARDCLAW_TEST_POSTGRES_DSN or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("GUARDCLAW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GUARDCLAW_TEST_POSTGRES_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := NewStore(db)
	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM guardclaw_policy`); err != nil {
		t.Fatal(err)
	}
	if err := s.DeletePatterns(ctx); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStore_PolicyRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.LoadPolicy(ctx)
	if err != nil || got != nil {
		t.Fatalf("expected no policy, got %+v %v", got, err)
	}

	cfg := policy.DefaultConfig()
	cfg.Mode = policy.ModeActive
	cfg.Blacklist = []string{"rm -rf *"}
	cfg.FailClosed = true
	if err := s.SavePolicy(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	cfg.AutoAllowThreshold = 2
	if err := s.SavePolicy(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	got, err = s.LoadPolicy(ctx)
	if err != nil || got == nil {
		t.Fatalf("LoadPolicy: %+v %v", got, err)
	}
	if got.AutoAllowThreshold != 2 || !got.FailClosed || len(got.Blacklist) != 1 {
		t.Fatalf("unexpected policy: %+v", got)
	}
}

func TestStore_PatternsUpsertAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	p := approval.Pattern{Key: "exec:npm install", ApproveCount: 1, Confidence: 0.3, SuggestedAction: approval.SuggestAsk, LastSeen: now}
	if err := s.UpsertPattern(ctx, p); err != nil {
		t.Fatal(err)
	}
	p.ApproveCount = 2
	p.Confidence = 1
	p.SuggestedAction = approval.SuggestAutoApprove
	if err := s.UpsertPattern(ctx, p); err != nil {
		t.Fatal(err)
	}

	ps, err := s.LoadPatterns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 1 || ps[0].ApproveCount != 2 || ps[0].SuggestedAction != approval.SuggestAutoApprove {
		t.Fatalf("unexpected patterns: %+v", ps)
	}

	if err := s.DeletePatterns(ctx); err != nil {
		t.Fatal(err)
	}
	if ps, _ := s.LoadPatterns(ctx); len(ps) != 0 {
		t.Fatalf("expected no patterns, got %d", len(ps))
	}
}
