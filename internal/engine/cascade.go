package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cascade defaults.
const (
	DefaultClassifierTimeout = 3 * time.Second
	DefaultPatternBound      = 0.8
)

// LearnedMatch is what pattern memory knows about an action.
type LearnedMatch struct {
	Key          string
	Confidence   float64
	ApproveCount int
	DenyCount    int
}

// PatternSource exposes learned approval statistics to the rule stage.
type PatternSource interface {
	Learned(a Action) (LearnedMatch, bool)
}

// CascadeConfig configures a Cascade. Zero values select defaults; a nil
// Classifier skips the AI stage entirely.
type CascadeConfig struct {
	Rules        []QuickRule
	Classifier   Classifier
	Timeout      time.Duration
	Patterns     PatternSource
	PatternBound float64
}

// ClassifierHealth reports the AI stage's recent behavior.
type ClassifierHealth struct {
	Name                string    `json:"name"`
	Configured          bool      `json:"configured"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastSuccess         time.Time `json:"lastSuccess,omitempty"`
}

// Cascade classifies actions in four stages, short-circuiting on the first
// that produces a result: cache, quick rules (including learned patterns),
// the AI classifier, and the fallback heuristic. Every result is written
// back into the cache.
type Cascade struct {
	cache  *AnalysisCache
	cfg    CascadeConfig
	group  singleflight.Group
	logger *zap.Logger

	mu     sync.Mutex
	health ClassifierHealth
}

// NewCascade creates a cascade backed by cache.
func NewCascade(cache *AnalysisCache, cfg CascadeConfig, logger *zap.Logger) *Cascade {
	if cfg.Rules == nil {
		cfg.Rules = DefaultQuickRules
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultClassifierTimeout
	}
	if cfg.PatternBound <= 0 {
		cfg.PatternBound = DefaultPatternBound
	}
	c := &Cascade{cache: cache, cfg: cfg, logger: logger}
	c.health.Name = "none"
	if cfg.Classifier != nil {
		c.health.Name = cfg.Classifier.Name()
		c.health.Configured = true
		c.health.Healthy = true
	}
	return c
}

// Classify returns the assessment for a. It never fails: classifier errors
// fall through to the fallback heuristic.
func (c *Cascade) Classify(ctx context.Context, a Action) RiskAssessment {
	fp := FingerprintAction(a)

	if res := c.cache.Get(fp); res.Hit {
		return res.Assessment
	}

	if rule, ok := MatchQuickRule(c.cfg.Rules, a); ok {
		assessment := rule.Assessment()
		c.cache.Set(fp, assessment)
		return assessment
	}

	var learnedWarnings []string
	if c.cfg.Patterns != nil {
		if m, ok := c.cfg.Patterns.Learned(a); ok {
			if m.Confidence >= c.cfg.PatternBound {
				assessment := RiskAssessment{
					Score:            MinScore,
					Category:         CategoryLearned,
					Reasoning:        fmt.Sprintf("matches approved pattern %s (%d approvals)", m.Key, m.ApproveCount),
					RecommendedAllow: true,
					Source:           SourceRule,
					Rule:             "learned_pattern",
				}
				c.cache.Set(fp, assessment)
				return assessment
			}
			if m.Confidence <= -c.cfg.PatternBound {
				learnedWarnings = append(learnedWarnings,
					fmt.Sprintf("similar actions were denied %d times", m.DenyCount))
			}
		}
	}

	assessment := c.scoreWithClassifier(ctx, a, fp)
	assessment.Warnings = append(assessment.Warnings, learnedWarnings...)
	c.cache.Set(fp, assessment)
	return assessment
}

// scoreWithClassifier runs stage 3, coalescing concurrent calls for the same
// fingerprint, and falls back to stage 4 on any failure.
func (c *Cascade) scoreWithClassifier(ctx context.Context, a Action, fp string) RiskAssessment {
	cl := c.cfg.Classifier
	if cl == nil {
		return Fallback(a, "no classifier configured")
	}

	v, err, _ := c.group.Do(fp, func() (any, error) {
		// Detached from the first caller so its cancellation does not fail
		// every coalesced waiter.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()

		res, err := cl.Score(callCtx, NewScoreRequest(a))
		if err != nil {
			return nil, AsClassifierError(cl.Name(), err)
		}
		assessment, err := assessmentFromResult(cl.Name(), res)
		if err != nil {
			return nil, err
		}
		return assessment, nil
	})
	if err != nil {
		ce := AsClassifierError(cl.Name(), err)
		c.recordFailure(ce)
		c.logger.Warn("classifier failed, using fallback",
			zap.String("classifier", cl.Name()),
			zap.String("kind", string(ce.Kind)),
			zap.String("action_id", a.ID),
			zap.Error(ce.Err),
		)
		return Fallback(a, fmt.Sprintf("classifier %s: %s", ce.Kind, cl.Name()))
	}

	c.recordSuccess()
	return v.(RiskAssessment).Clone()
}

func assessmentFromResult(name string, res *ScoreResult) (RiskAssessment, error) {
	if res == nil {
		return RiskAssessment{}, NewClassifierError(name, ErrKindMalformed, fmt.Errorf("empty result"))
	}
	if math.IsNaN(res.Score) || res.Score < MinScore || res.Score > MaxScore {
		return RiskAssessment{}, NewClassifierError(name, ErrKindMalformed,
			fmt.Errorf("score %v out of range", res.Score))
	}
	category := res.Category
	if category == "" {
		category = CategoryUnverified
	}
	return RiskAssessment{
		Score:            ClampScore(int(math.Round(res.Score))),
		Category:         category,
		Reasoning:        res.Reasoning,
		RecommendedAllow: res.Allowed,
		Warnings:         append([]string(nil), res.Warnings...),
		Source:           SourceAI,
		Classifier:       name,
	}, nil
}

func (c *Cascade) recordFailure(ce *ClassifierError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health.ConsecutiveFailures++
	c.health.LastError = ce.Error()
	c.health.Healthy = false
}

func (c *Cascade) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health.ConsecutiveFailures = 0
	c.health.Healthy = true
	c.health.LastSuccess = time.Now()
}

// Health returns a snapshot of the classifier stage's state.
func (c *Cascade) Health() ClassifierHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// Cache returns the cascade's analysis cache.
func (c *Cascade) Cache() *AnalysisCache {
	return c.cache
}
