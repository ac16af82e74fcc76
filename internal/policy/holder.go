package policy

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Persister stores the current policy durably.
type Persister interface {
	SavePolicy(ctx context.Context, cfg Config) error
}

// Listener is notified after a policy change has been published.
type Listener func(prev, next Config)

// Holder owns the live policy. Reads are lock-free snapshots; writes are
// serialized, validated, persisted, then published.
type Holder struct {
	current   atomic.Pointer[Policy]
	mu        sync.Mutex
	listeners []Listener
	persister Persister
	logger    *zap.Logger
}

// NewHolder creates a Holder seeded with cfg.
func NewHolder(cfg Config, persister Persister, logger *zap.Logger) (*Holder, error) {
	p, err := Compile(cfg)
	if err != nil {
		return nil, fmt.Errorf("NewHolder: %w", err)
	}
	h := &Holder{persister: persister, logger: logger}
	h.current.Store(p)
	return h, nil
}

// Snapshot returns the current compiled policy.
func (h *Holder) Snapshot() *Policy { return h.current.Load() }

// Config returns a copy of the current config.
func (h *Holder) Config() Config { return h.current.Load().Config() }

// OnChange registers l. Listeners run synchronously after each change.
func (h *Holder) OnChange(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

// Update applies mutate to a copy of the current config. If the result is
// invalid the current policy stays in effect. changed is false when the
// mutation was a no-op.
func (h *Holder) Update(ctx context.Context, mutate func(*Config)) (cfg Config, changed bool, err error) {
	h.mu.Lock()
	prev := h.current.Load().Config()
	next := prev.Clone()
	mutate(&next)
	next = next.Clone()

	if equal(prev, next) {
		h.mu.Unlock()
		return prev, false, nil
	}
	p, err := Compile(next)
	if err != nil {
		h.mu.Unlock()
		return prev, false, err
	}
	if h.persister != nil {
		if err := h.persister.SavePolicy(ctx, next); err != nil {
			h.mu.Unlock()
			return prev, false, fmt.Errorf("Update: persist: %w", err)
		}
	}
	h.current.Store(p)
	listeners := slices.Clone(h.listeners)
	h.mu.Unlock()

	h.logger.Info("policy updated",
		zap.String("mode", string(next.Mode)),
		zap.Int("auto_allow", next.AutoAllowThreshold),
		zap.Int("auto_block", next.AutoBlockThreshold),
		zap.Int("whitelist", len(next.Whitelist)),
		zap.Int("blacklist", len(next.Blacklist)),
		zap.Bool("fail_closed", next.FailClosed),
	)
	for _, l := range listeners {
		l(prev, next.Clone())
	}
	return next.Clone(), true, nil
}

// Replace swaps in cfg wholesale.
func (h *Holder) Replace(ctx context.Context, cfg Config) (Config, error) {
	out, _, err := h.Update(ctx, func(c *Config) { *c = cfg.Clone() })
	return out, err
}

func (h *Holder) SetMode(ctx context.Context, m Mode) (Config, error) {
	out, _, err := h.Update(ctx, func(c *Config) { c.Mode = m })
	return out, err
}

func (h *Holder) SetThresholds(ctx context.Context, autoAllow, autoBlock int) (Config, error) {
	out, _, err := h.Update(ctx, func(c *Config) {
		c.AutoAllowThreshold = autoAllow
		c.AutoBlockThreshold = autoBlock
	})
	return out, err
}

func (h *Holder) SetFailClosed(ctx context.Context, failClosed bool) (Config, error) {
	out, _, err := h.Update(ctx, func(c *Config) { c.FailClosed = failClosed })
	return out, err
}

// AddWhitelist adds pattern; adding an existing pattern is a no-op.
func (h *Holder) AddWhitelist(ctx context.Context, pattern string) (bool, error) {
	_, changed, err := h.Update(ctx, func(c *Config) { c.Whitelist = addPattern(c.Whitelist, pattern) })
	return changed, err
}

// RemoveWhitelist removes pattern; removing a missing pattern is a no-op.
func (h *Holder) RemoveWhitelist(ctx context.Context, pattern string) (bool, error) {
	_, changed, err := h.Update(ctx, func(c *Config) { c.Whitelist = removePattern(c.Whitelist, pattern) })
	return changed, err
}

func (h *Holder) AddBlacklist(ctx context.Context, pattern string) (bool, error) {
	_, changed, err := h.Update(ctx, func(c *Config) { c.Blacklist = addPattern(c.Blacklist, pattern) })
	return changed, err
}

func (h *Holder) RemoveBlacklist(ctx context.Context, pattern string) (bool, error) {
	_, changed, err := h.Update(ctx, func(c *Config) { c.Blacklist = removePattern(c.Blacklist, pattern) })
	return changed, err
}

func addPattern(list []string, pattern string) []string {
	if slices.Contains(list, pattern) {
		return list
	}
	return append(list, pattern)
}

func removePattern(list []string, pattern string) []string {
	return slices.DeleteFunc(list, func(s string) bool { return s == pattern })
}

func equal(a, b Config) bool {
	return a.Mode == b.Mode &&
		a.AutoAllowThreshold == b.AutoAllowThreshold &&
		a.AutoBlockThreshold == b.AutoBlockThreshold &&
		a.FailClosed == b.FailClosed &&
		slices.Equal(a.Whitelist, b.Whitelist) &&
		slices.Equal(a.Blacklist, b.Blacklist)
}
