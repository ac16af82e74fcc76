// Package server exposes GuardClaw over gRPC: a Check service for
// hook-style integrations and the standard health service with one entry
// per component.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/triage-ai/guardclaw/internal/engine"
	"github.com/triage-ai/guardclaw/internal/upstream"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health service names.
const (
	ServiceOverall    = "guardclaw"
	ServiceClassifier = "guardclaw.classifier"
	upstreamPrefix    = "guardclaw.upstream."
)

// DefaultHealthInterval is how often component health is refreshed.
const DefaultHealthInterval = 5 * time.Second

// UpstreamStates reports the state of every upstream connection.
type UpstreamStates interface {
	States() []upstream.ConnectionState
}

// ClassifierHealth reports the AI classifier's health.
type ClassifierHealth interface {
	Health() engine.ClassifierHealth
}

// HealthReporter mirrors component state into a grpc health.Server.
type HealthReporter struct {
	hs         *health.Server
	upstreams  UpstreamStates
	classifier ClassifierHealth
	logger     *zap.Logger

	mu   sync.Mutex
	last map[string]healthpb.HealthCheckResponse_ServingStatus
}

// NewHealthReporter creates a reporter. Either source may be nil.
func NewHealthReporter(hs *health.Server, upstreams UpstreamStates, classifier ClassifierHealth, logger *zap.Logger) *HealthReporter {
	return &HealthReporter{
		hs:         hs,
		upstreams:  upstreams,
		classifier: classifier,
		logger:     logger,
		last:       make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
}

// Update refreshes every service status once. The overall service stays
// SERVING while upstreams are down: the engine keeps deciding offline.
func (r *HealthReporter) Update() {
	r.set("", healthpb.HealthCheckResponse_SERVING)
	r.set(ServiceOverall, healthpb.HealthCheckResponse_SERVING)

	if r.upstreams != nil {
		for _, st := range r.upstreams.States() {
			s := healthpb.HealthCheckResponse_NOT_SERVING
			if st.Connected {
				s = healthpb.HealthCheckResponse_SERVING
			}
			r.set(upstreamPrefix+st.Name, s)
		}
	}

	if r.classifier != nil {
		h := r.classifier.Health()
		switch {
		case !h.Configured:
			r.set(ServiceClassifier, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		case h.Healthy:
			r.set(ServiceClassifier, healthpb.HealthCheckResponse_SERVING)
		default:
			r.set(ServiceClassifier, healthpb.HealthCheckResponse_NOT_SERVING)
		}
	}
}

// Run updates health every interval until ctx is done, then marks every
// service NOT_SERVING.
func (r *HealthReporter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	r.Update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.hs.Shutdown()
			return nil
		case <-ticker.C:
			r.Update()
		}
	}
}

func (r *HealthReporter) set(service string, s healthpb.HealthCheckResponse_ServingStatus) {
	r.mu.Lock()
	prev, seen := r.last[service]
	r.last[service] = s
	r.mu.Unlock()

	if seen && prev == s {
		return
	}
	r.hs.SetServingStatus(service, s)
	if seen && service != "" {
		r.logger.Info("health changed",
			zap.String("service", service),
			zap.String("from", prev.String()),
			zap.String("to", s.String()),
		)
	}
}
