package engine

import (
	"regexp"
)

// FallbackScore is the mid-range score assigned when no classifier could
// rate an action.
const FallbackScore = 5

// fallbackSignals raise the fallback score for obviously risky shapes the
// quick rules do not cover.
var fallbackSignals = []struct {
	re      *regexp.Regexp
	bump    int
	warning string
}{
	{regexp.MustCompile(`\b(?:curl|wget)\b[^|]*\|\s*(?:sudo\s+)?(?:ba|z|da|k)?sh\b`), 2, "pipes remote content into a shell"},
	{regexp.MustCompile(`\b(?:sudo|doas|su)\b`), 1, "runs with elevated privileges"},
	{regexp.MustCompile(`\b(?:nc|ncat|netcat|socat|ssh|scp|rsync)\b`), 1, "opens a network channel"},
	{regexp.MustCompile(`\beval\b|\$\(|` + "`"), 1, "evaluates dynamic shell input"},
}

// Fallback returns the conservative assessment used when the AI stage is
// unavailable. reason is attached as a warning when non-empty.
func Fallback(a Action, reason string) RiskAssessment {
	score := FallbackScore
	var warnings []string
	if reason != "" {
		warnings = append(warnings, reason)
	}
	if a.Kind == KindExec {
		for _, s := range fallbackSignals {
			if s.re.MatchString(a.Target) {
				score += s.bump
				warnings = append(warnings, s.warning)
			}
		}
	}
	// Heuristics alone never exceed FallbackScore+2.
	if score > FallbackScore+2 {
		score = FallbackScore + 2
	}
	return RiskAssessment{
		Score:     score,
		Category:  CategoryUnverified,
		Reasoning: "no classifier verdict available; conservative default",
		Warnings:  warnings,
		Source:    SourceFallback,
	}
}
