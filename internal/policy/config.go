// Package policy holds the enforcement policy and turns risk assessments
// into allow, block, or ask decisions.
package policy

import (
	"errors"
	"fmt"
	"slices"

	"github.com/gobwas/glob"
	"github.com/triage-ai/guardclaw/internal/engine"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid policy config")

// Mode selects whether decisions are enforced.
type Mode string

const (
	ModeMonitor Mode = "monitor"
	ModeActive  Mode = "active"
)

// Default thresholds applied when no policy has been configured.
const (
	DefaultAutoAllowThreshold = 3
	DefaultAutoBlockThreshold = 8
)

// Config is the administrator-controlled policy. Values are copied on every
// read and write; a Config obtained from a Holder is never shared.
type Config struct {
	Mode               Mode     `json:"mode" yaml:"mode"`
	AutoAllowThreshold int      `json:"autoAllowThreshold" yaml:"autoAllowThreshold"`
	AutoBlockThreshold int      `json:"autoBlockThreshold" yaml:"autoBlockThreshold"`
	Whitelist          []string `json:"whitelist" yaml:"whitelist"`
	Blacklist          []string `json:"blacklist" yaml:"blacklist"`
	FailClosed         bool     `json:"failClosed" yaml:"failClosed"`
}

// DefaultConfig returns active mode with the default thresholds, empty
// override lists, and fail-open offline behavior.
func DefaultConfig() Config {
	return Config{
		Mode:               ModeActive,
		AutoAllowThreshold: DefaultAutoAllowThreshold,
		AutoBlockThreshold: DefaultAutoBlockThreshold,
		Whitelist:          []string{},
		Blacklist:          []string{},
	}
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.Whitelist = slices.Clone(c.Whitelist)
	out.Blacklist = slices.Clone(c.Blacklist)
	if out.Whitelist == nil {
		out.Whitelist = []string{}
	}
	if out.Blacklist == nil {
		out.Blacklist = []string{}
	}
	return out
}

// Validate reports the first problem with c, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeMonitor, ModeActive:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
	if err := checkThreshold("autoAllowThreshold", c.AutoAllowThreshold); err != nil {
		return err
	}
	if err := checkThreshold("autoBlockThreshold", c.AutoBlockThreshold); err != nil {
		return err
	}
	if c.AutoAllowThreshold > c.AutoBlockThreshold {
		return fmt.Errorf("%w: autoAllowThreshold %d exceeds autoBlockThreshold %d",
			ErrInvalidConfig, c.AutoAllowThreshold, c.AutoBlockThreshold)
	}
	for _, p := range c.Whitelist {
		if _, err := compileGlob(p); err != nil {
			return fmt.Errorf("%w: whitelist: %v", ErrInvalidConfig, err)
		}
	}
	for _, p := range c.Blacklist {
		if _, err := compileGlob(p); err != nil {
			return fmt.Errorf("%w: blacklist: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

func checkThreshold(name string, v int) error {
	if v < engine.MinScore || v > engine.MaxScore {
		return fmt.Errorf("%w: %s %d outside %d..%d", ErrInvalidConfig, name, v, engine.MinScore, engine.MaxScore)
	}
	return nil
}

func compileGlob(pattern string) (glob.Glob, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	return g, nil
}
