package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"
)

type mockPersister struct {
	mu    sync.Mutex
	saved []Config
	err   error
}

func (m *mockPersister) SavePolicy(_ context.Context, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, cfg)
	return nil
}

func newTestHolder(t *testing.T, p Persister) *Holder {
	t.Helper()
	h, err := NewHolder(DefaultConfig(), p, zap.NewNop())
	if err != nil {
		t.Fatalf("NewHolder: %v", err)
	}
	return h
}

func TestHolder_InvalidUpdateKeepsPrior(t *testing.T) {
	h := newTestHolder(t, nil)
	_, err := h.SetThresholds(context.Background(), 9, 2)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	cfg := h.Config()
	if cfg.AutoAllowThreshold != DefaultAutoAllowThreshold || cfg.AutoBlockThreshold != DefaultAutoBlockThreshold {
		t.Fatalf("prior policy not kept: %+v", cfg)
	}
}

func TestHolder_WhitelistIdempotent(t *testing.T) {
	p := &mockPersister{}
	h := newTestHolder(t, p)
	ctx := context.Background()

	changed, err := h.AddWhitelist(ctx, "npm test")
	if err != nil || !changed {
		t.Fatalf("first add: changed=%v err=%v", changed, err)
	}
	changed, err = h.AddWhitelist(ctx, "npm test")
	if err != nil || changed {
		t.Fatalf("second add should be a no-op: changed=%v err=%v", changed, err)
	}
	if got := h.Config().Whitelist; len(got) != 1 {
		t.Fatalf("expected one entry, got %v", got)
	}

	changed, err = h.RemoveWhitelist(ctx, "npm test")
	if err != nil || !changed {
		t.Fatalf("remove: changed=%v err=%v", changed, err)
	}
	changed, err = h.RemoveWhitelist(ctx, "npm test")
	if err != nil || changed {
		t.Fatalf("re-remove should be a no-op: changed=%v err=%v", changed, err)
	}
	if len(p.saved) != 2 {
		t.Errorf("expected 2 persisted changes, got %d", len(p.saved))
	}
}

func TestHolder_BlacklistRejectsBadGlob(t *testing.T) {
	h := newTestHolder(t, nil)
	if _, err := h.AddBlacklist(context.Background(), "[oops"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if len(h.Config().Blacklist) != 0 {
		t.Fatal("invalid pattern must not be stored")
	}
}

func TestHolder_PersistFailureKeepsPrior(t *testing.T) {
	h := newTestHolder(t, &mockPersister{err: errors.New("db down")})
	if _, err := h.SetMode(context.Background(), ModeMonitor); err == nil {
		t.Fatal("expected persist error")
	}
	if h.Config().Mode != ModeActive {
		t.Fatal("mode changed despite persist failure")
	}
}

func TestHolder_ListenersSeeChange(t *testing.T) {
	h := newTestHolder(t, nil)
	var got []Mode
	h.OnChange(func(prev, next Config) { got = append(got, prev.Mode, next.Mode) })

	if _, err := h.SetMode(context.Background(), ModeMonitor); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if _, err := h.SetMode(context.Background(), ModeMonitor); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if len(got) != 2 || got[0] != ModeActive || got[1] != ModeMonitor {
		t.Fatalf("expected one active->monitor notification, got %v", got)
	}
}

func TestHolder_SnapshotIsConsistent(t *testing.T) {
	h := newTestHolder(t, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			allow := i % 5
			h.SetThresholds(ctx, allow, allow+5)
		}(i)
		go func() {
			defer wg.Done()
			cfg := h.Snapshot().Config()
			if cfg.AutoBlockThreshold-cfg.AutoAllowThreshold != 5 {
				t.Errorf("torn policy read: %+v", cfg)
			}
		}()
	}
	wg.Wait()
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	data := "mode: monitor\nautoBlockThreshold: 9\nblacklist:\n  - \"*prod*\"\nfailClosed: true\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Mode != ModeMonitor || cfg.AutoBlockThreshold != 9 || cfg.AutoAllowThreshold != DefaultAutoAllowThreshold || !cfg.FailClosed {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Blacklist) != 1 || cfg.Whitelist == nil {
		t.Fatalf("unexpected lists: %+v", cfg)
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	os.WriteFile(path, []byte("autoAllowThreshold: 9\nautoBlockThreshold: 1\n"), 0o600)
	if _, err := LoadFile(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
