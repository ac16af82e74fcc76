// Package classifiers holds the closed set of AI classifier backends.
package classifiers

import (
	"fmt"
	"strings"
	"time"

	"github.com/triage-ai/guardclaw/internal/engine"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Backend names accepted by New.
const (
	BackendNone = "none"
	BackendHTTP = "http"
	BackendGRPC = "grpc"
)

// Config selects and configures a classifier backend.
type Config struct {
	Backend  string
	Endpoint string
	APIKey   string
	// RPS and Burst bound outbound calls; a call over budget fails fast as
	// rate_limited so the cascade falls back instead of queueing.
	RPS   float64
	Burst int
}

// New builds the configured classifier. It returns (nil, nil) for the
// "none" backend, which makes the cascade skip the AI stage.
func New(cfg Config, logger *zap.Logger) (engine.Classifier, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendNone:
		return nil, nil
	case BackendHTTP:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("classifiers.New: http backend requires an endpoint")
		}
		return NewHTTPClassifier(cfg.Endpoint, cfg.APIKey, newLimiter(cfg), logger), nil
	case BackendGRPC:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("classifiers.New: grpc backend requires an endpoint")
		}
		return NewGRPCClassifier(cfg.Endpoint, newLimiter(cfg), logger)
	default:
		return nil, fmt.Errorf("classifiers.New: unknown backend %q", cfg.Backend)
	}
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RPS <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RPS) + 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RPS), burst)
}

// httpClientTimeout bounds a single HTTP call independently of the
// cascade's context deadline.
const httpClientTimeout = 30 * time.Second
