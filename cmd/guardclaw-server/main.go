package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/triage-ai/guardclaw/internal/api"
	"github.com/triage-ai/guardclaw/internal/approval"
	"github.com/triage-ai/guardclaw/internal/auth"
	"github.com/triage-ai/guardclaw/internal/chread"
	"github.com/triage-ai/guardclaw/internal/engine"
	"github.com/triage-ai/guardclaw/internal/engine/classifiers"
	"github.com/triage-ai/guardclaw/internal/eventstore"
	"github.com/triage-ai/guardclaw/internal/normalize"
	"github.com/triage-ai/guardclaw/internal/pipeline"
	"github.com/triage-ai/guardclaw/internal/policy"
	"github.com/triage-ai/guardclaw/internal/reconcile"
	"github.com/triage-ai/guardclaw/internal/server"
	"github.com/triage-ai/guardclaw/internal/storage"
	"github.com/triage-ai/guardclaw/internal/store"
	"github.com/triage-ai/guardclaw/internal/upstream"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("GUARDCLAW_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("GUARDCLAW_HTTP_PORT", "8080")
	grpcPort := envOrDefault("GUARDCLAW_GRPC_PORT", "9090")
	upstreamSpecs := os.Getenv("GUARDCLAW_UPSTREAMS")
	upstreamToken := os.Getenv("GUARDCLAW_UPSTREAM_TOKEN")
	classifierBackend := envOrDefault("GUARDCLAW_CLASSIFIER", classifiers.BackendNone)
	classifierTimeout := envOrDefaultDuration("GUARDCLAW_CLASSIFIER_TIMEOUT_MS", 3000, time.Millisecond)
	cacheTTL := envOrDefaultDuration("GUARDCLAW_CACHE_TTL_S", 3600, time.Second)
	reconcileInterval := envOrDefaultDuration("GUARDCLAW_RECONCILE_INTERVAL_S", 30, time.Second)
	approvalTimeout := envOrDefaultDuration("GUARDCLAW_APPROVAL_TIMEOUT_S", 0, time.Second)
	authCacheTTL := envOrDefaultDuration("GUARDCLAW_AUTH_CACHE_TTL_S", 30, time.Second)
	patternBound := envOrDefaultFloat("GUARDCLAW_PATTERN_BOUND", engine.DefaultPatternBound)
	policyFile := os.Getenv("GUARDCLAW_POLICY_FILE")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	postgresDSN := os.Getenv("POSTGRES_DSN")

	logger.Info("starting guardclaw server",
		zap.String("http_port", httpPort),
		zap.String("grpc_port", grpcPort),
		zap.String("classifier", classifierBackend),
		zap.Duration("classifier_timeout", classifierTimeout),
		zap.Duration("approval_timeout", approvalTimeout),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres (optional): durable policy and learned patterns
	var pgStore *store.Store
	if postgresDSN != "" {
		db, err := sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		pgStore = store.NewStore(db)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			logger.Fatal("failed to create postgres schema", zap.Error(err))
		}
		logger.Info("postgres connected")
	} else {
		logger.Info("no POSTGRES_DSN set, policy and patterns are in-memory only")
	}

	// Policy: Postgres > file > defaults
	cfg := mustLoadPolicy(ctx, pgStore, policyFile, logger)
	var policyPersister policy.Persister
	var patternPersister approval.PatternPersister
	if pgStore != nil {
		policyPersister = pgStore
		patternPersister = pgStore
	}
	holder, err := policy.NewHolder(cfg, policyPersister, logger)
	if err != nil {
		logger.Fatal("invalid policy", zap.Error(err))
	}

	// Pattern memory
	memory := approval.NewMemory(patternBound, patternPersister, logger)
	if pgStore != nil {
		patterns, err := pgStore.LoadPatterns(ctx)
		if err != nil {
			logger.Warn("failed to load learned patterns", zap.Error(err))
		} else {
			memory.Load(patterns)
			logger.Info("learned patterns loaded", zap.Int("count", len(patterns)))
		}
	}

	// Classifier cascade
	classifier, err := classifiers.New(classifiers.Config{
		Backend:  classifierBackend,
		Endpoint: os.Getenv("GUARDCLAW_CLASSIFIER_ENDPOINT"),
		APIKey:   os.Getenv("GUARDCLAW_CLASSIFIER_API_KEY"),
		RPS:      envOrDefaultFloat("GUARDCLAW_CLASSIFIER_RPS", 5),
		Burst:    envOrDefaultInt("GUARDCLAW_CLASSIFIER_BURST", 0),
	}, logger)
	if err != nil {
		logger.Fatal("failed to create classifier", zap.Error(err))
	}
	cache := engine.NewAnalysisCache(cacheTTL, envOrDefaultInt("GUARDCLAW_CACHE_MAX", 5000))
	cascade := engine.NewCascade(cache, engine.CascadeConfig{
		Classifier:   classifier,
		Timeout:      classifierTimeout,
		Patterns:     memory,
		PatternBound: patternBound,
	}, logger)

	// Storage: ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	var chReader *chread.Reader
	if clickhouseDSN != "" {
		conn, err := storage.Open(clickhouseDSN)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
		} else if chWriter, err := storage.NewClickHouseWriter(conn, logger); err != nil {
			logger.Warn("clickhouse writer failed, falling back to log writer", zap.Error(err))
			_ = conn.Close()
		} else {
			writer = chWriter
			chReader = chread.NewReader(conn, logger)
			logger.Info("clickhouse writer connected")
		}
	} else {
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	if writer == nil {
		writer = storage.NewLogWriter(logger)
	}
	defer writer.Close()

	// Upstreams and normalizers
	upstreamCfgs, err := upstream.ParseSpecs(upstreamSpecs, upstreamToken)
	if err != nil {
		logger.Fatal("invalid GUARDCLAW_UPSTREAMS", zap.Error(err))
	}
	registry := normalize.NewRegistry()
	for _, uc := range upstreamCfgs {
		n, err := normalize.New(uc.Backend, uc.Name)
		if err != nil {
			logger.Fatal("invalid upstream backend", zap.String("upstream", uc.Name), zap.Error(err))
		}
		registry.Register(uc.Name, n)
	}

	queue := approval.NewQueue(memory, logger)
	events := eventstore.NewStore(envOrDefaultInt("GUARDCLAW_EVENT_BUFFER", eventstore.DefaultCapacity))

	// The pipeline is the frame handler, and the upstream set is its
	// connectivity source, so conns are built after it with a late binding.
	var conns []*upstream.Conn
	upstreams := upstream.NewSet()
	p := pipeline.New(pipeline.Deps{
		Engine: pipeline.EngineContext{
			Cache:    cache,
			Policy:   holder,
			Patterns: memory,
			Logger:   logger,
		},
		Cascade:      cascade,
		Registry:     registry,
		Approvals:    queue,
		Events:       events,
		Writer:       writer,
		Connectivity: connectivityFunc(func() bool { return upstreams.AnyConnected() }),
		MaxInFlight:  int64(envOrDefaultInt("GUARDCLAW_MAX_INFLIGHT", pipeline.DefaultMaxInFlight)),
	})
	for _, uc := range upstreamCfgs {
		conns = append(conns, upstream.NewConn(uc, p.HandleRaw, logger))
	}
	upstreams = upstream.NewSet(conns...)

	var reconcilers []*reconcile.Reconciler
	for _, c := range conns {
		reconcilers = append(reconcilers, reconcile.New(c.Name(), c, registry, p, reconcileInterval, logger))
	}

	// Admin auth
	var authenticator auth.Authenticator
	if hash := adminTokenHash(logger); hash != "" {
		a, err := auth.NewHashAuthenticator(hash, authCacheTTL, logger)
		if err != nil {
			logger.Fatal("invalid admin token hash", zap.Error(err))
		}
		authenticator = a
	} else {
		logger.Warn("no admin token configured, API is unauthenticated")
	}

	// HTTP API
	deps := &api.Dependencies{
		Pipeline:     p,
		Policy:       holder,
		Approvals:    queue,
		Patterns:     memory,
		Events:       events,
		Cascade:      cascade,
		Upstreams:    upstreams,
		Reconcilers:  reconcilers,
		Auth:         authenticator,
		Logger:       logger,
		MaxCheckWait: envOrDefaultDuration("GUARDCLAW_MAX_CHECK_WAIT_S", 120, time.Second),
	}
	if chReader != nil {
		deps.Reader = chReader
		defer func() { _ = chReader.Close() }()
	}
	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// gRPC: Check service + health
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(server.UnaryLogging(logger)))
	server.NewCheckServer(p, authenticator, logger).Register(grpcServer)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reporter := server.NewHealthReporter(healthServer, upstreams, cascade, logger)

	grpcLis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		logger.Fatal("failed to listen for grpc", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc server listening", zap.String("addr", grpcLis.Addr().String()))
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return upstreams.Run(gctx) })
	for _, r := range reconcilers {
		g.Go(func() error { return r.Run(gctx) })
	}
	g.Go(func() error { return queue.RunExpiry(gctx, approvalTimeout) })
	g.Go(func() error { return reporter.Run(gctx, server.DefaultHealthInterval) })

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", zap.Error(err))
		}
		grpcServer.GracefulStop()
		if err := p.Close(shutdownCtx); err != nil {
			logger.Warn("pipeline did not drain", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", zap.Error(err))
	}
	logger.Info("guardclaw server stopped")
}

type connectivityFunc func() bool

func (f connectivityFunc) AnyConnected() bool { return f() }

func mustLoadPolicy(ctx context.Context, pgStore *store.Store, path string, logger *zap.Logger) policy.Config {
	if pgStore != nil {
		cfg, err := pgStore.LoadPolicy(ctx)
		if err != nil {
			logger.Fatal("failed to load policy from postgres", zap.Error(err))
		}
		if cfg != nil {
			logger.Info("policy loaded from postgres", zap.String("mode", string(cfg.Mode)))
			return *cfg
		}
	}
	if path != "" {
		cfg, err := policy.LoadFile(path)
		if err != nil {
			logger.Fatal("failed to load policy file", zap.String("path", path), zap.Error(err))
		}
		logger.Info("policy loaded from file", zap.String("path", path), zap.String("mode", string(cfg.Mode)))
		return cfg
	}
	cfg := policy.DefaultConfig()
	cfg.FailClosed = envOrDefaultBool("GUARDCLAW_FAIL_CLOSED", cfg.FailClosed)
	return cfg
}

// adminTokenHash returns the configured bcrypt hash, hashing a plaintext
// GUARDCLAW_ADMIN_TOKEN when no hash is set.
func adminTokenHash(logger *zap.Logger) string {
	if hash := os.Getenv("GUARDCLAW_ADMIN_TOKEN_HASH"); hash != "" {
		return hash
	}
	token := os.Getenv("GUARDCLAW_ADMIN_TOKEN")
	if token == "" {
		return ""
	}
	hash, err := auth.HashToken(token)
	if err != nil {
		logger.Fatal("failed to hash admin token", zap.Error(err))
	}
	return hash
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envOrDefaultDuration reads an integer count of unit.
func envOrDefaultDuration(key string, defaultVal int, unit time.Duration) time.Duration {
	return time.Duration(envOrDefaultInt(key, defaultVal)) * unit
}
