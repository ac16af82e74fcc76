package policy

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/triage-ai/guardclaw/internal/engine"
)

// Verdict is the outcome of a policy decision.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictBlock Verdict = "block"
	VerdictAsk   Verdict = "ask"
)

// Decision is the policy outcome for one action.
type Decision struct {
	// Verdict is what gets enforced.
	Verdict Verdict `json:"verdict"`
	// PolicyVerdict is what active mode produces. It differs from Verdict
	// only in monitor mode, in which case Shadow is set.
	PolicyVerdict  Verdict               `json:"policyVerdict"`
	Shadow         bool                  `json:"shadow"`
	Reason         string                `json:"reason"`
	Offline        bool                  `json:"offline"`
	MatchedPattern string                `json:"matchedPattern,omitempty"`
	Assessment     engine.RiskAssessment `json:"assessment"`
	Policy         Config                `json:"policy"`
}

// readOnlyTools are the tools still allowed while offline and fail-closed.
var readOnlyTools = map[string]struct{}{
	"read": {}, "read_file": {}, "view": {}, "cat": {},
	"search": {}, "grep": {}, "glob": {}, "find": {}, "ls": {}, "list_dir": {},
	"web_search": {}, "memory_search": {},
	"status": {}, "session_status": {}, "sessions_list": {},
}

// IsReadOnly reports whether a is on the offline read-only allow-list.
func IsReadOnly(a engine.Action) bool {
	if a.Kind == engine.KindRead {
		return true
	}
	_, ok := readOnlyTools[strings.ToLower(a.Tool)]
	return ok
}

type matcher struct {
	pattern string
	g       glob.Glob
}

// Policy is a validated Config with its override globs compiled. It is
// immutable once built.
type Policy struct {
	cfg       Config
	whitelist []matcher
	blacklist []matcher
}

// Compile validates cfg and compiles its override patterns.
func Compile(cfg Config) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return compileLenient(cfg), nil
}

func compileLenient(cfg Config) *Policy {
	p := &Policy{cfg: cfg.Clone()}
	p.whitelist = compileMatchers(p.cfg.Whitelist)
	p.blacklist = compileMatchers(p.cfg.Blacklist)
	return p
}

func compileMatchers(patterns []string) []matcher {
	out := make([]matcher, 0, len(patterns))
	for _, pat := range patterns {
		g, err := compileGlob(pat)
		if err != nil {
			continue
		}
		out = append(out, matcher{pattern: pat, g: g})
	}
	return out
}

// Config returns a copy of the underlying config.
func (p *Policy) Config() Config { return p.cfg.Clone() }

// Decide evaluates assessment for a against cfg. Invalid override patterns
// in cfg are ignored; use Compile to reject them instead.
func Decide(assessment engine.RiskAssessment, a engine.Action, cfg *Config, online bool) Decision {
	return compileLenient(*cfg).Decide(assessment, a, online)
}

// Decide evaluates assessment for a. online reports whether any upstream
// connection is live.
func (p *Policy) Decide(assessment engine.RiskAssessment, a engine.Action, online bool) Decision {
	d := p.activeDecision(assessment, a, online)
	d.Assessment = assessment.Clone()
	d.Policy = p.cfg.Clone()
	d.PolicyVerdict = d.Verdict

	// Overrides are applied before monitor mode, so a blacklist hit is
	// enforced even while monitoring.
	if p.cfg.Mode == ModeMonitor && d.MatchedPattern == "" {
		d.Shadow = d.PolicyVerdict != VerdictAllow
		d.Verdict = VerdictAllow
		d.Reason = "monitor mode: " + d.Reason
	}
	return d
}

func (p *Policy) activeDecision(assessment engine.RiskAssessment, a engine.Action, online bool) Decision {
	if pat, ok := matchAny(p.blacklist, a.Target); ok {
		return Decision{Verdict: VerdictBlock, MatchedPattern: pat, Reason: "blacklisted: " + pat}
	}
	if pat, ok := matchAny(p.whitelist, a.Target); ok {
		return Decision{Verdict: VerdictAllow, MatchedPattern: pat, Reason: "whitelisted: " + pat}
	}

	if !online {
		switch {
		case !p.cfg.FailClosed:
			return Decision{Verdict: VerdictAllow, Offline: true, Reason: "offline: fail-open"}
		case IsReadOnly(a):
			return Decision{Verdict: VerdictAllow, Offline: true, Reason: "offline: read-only action"}
		default:
			return Decision{Verdict: VerdictBlock, Offline: true, Reason: "offline: fail-closed"}
		}
	}

	score := assessment.Score
	switch {
	case score <= p.cfg.AutoAllowThreshold:
		return Decision{Verdict: VerdictAllow, Reason: fmt.Sprintf("score %d <= auto-allow %d", score, p.cfg.AutoAllowThreshold)}
	case score >= p.cfg.AutoBlockThreshold:
		return Decision{Verdict: VerdictBlock, Reason: fmt.Sprintf("score %d >= auto-block %d", score, p.cfg.AutoBlockThreshold)}
	default:
		return Decision{Verdict: VerdictAsk, Reason: fmt.Sprintf("score %d requires approval", score)}
	}
}

func matchAny(ms []matcher, target string) (string, bool) {
	for _, m := range ms {
		if m.g.Match(target) {
			return m.pattern, true
		}
	}
	return "", false
}
