package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// Schema creates the decision_events table.
const Schema = `
CREATE TABLE IF NOT EXISTS decision_events (
	event_id          String,
	timestamp         DateTime64(3),
	backend           LowCardinality(String),
	session_key       String,
	tool              LowCardinality(String),
	kind              LowCardinality(String),
	target_preview    String,
	target_hash       String,
	score             UInt8,
	category          LowCardinality(String),
	source            LowCardinality(String),
	cached            UInt8,
	rule              String,
	classifier        LowCardinality(String),
	warnings          Array(String),
	verdict           LowCardinality(String),
	policy_verdict    LowCardinality(String),
	is_shadow         UInt8,
	offline           UInt8,
	reason            String,
	mode              LowCardinality(String),
	approval_id       String,
	resolution_status LowCardinality(String),
	resolution_actor  String,
	latency_ms        Float32
) ENGINE = MergeTree
ORDER BY (timestamp, event_id)`

// Open parses dsn and returns a pinged ClickHouse connection.
func Open(dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if opts.TLS == nil && opts.Protocol == clickhouse.Native && isSecurePort(opts.Addr) {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}
	return conn, nil
}

func isSecurePort(addrs []string) bool {
	for _, a := range addrs {
		if len(a) > 5 && a[len(a)-5:] == ":9440" {
			return true
		}
	}
	return false
}

// ClickHouseWriter writes decision events to ClickHouse asynchronously.
// Write() is non-blocking; events are buffered and batch-inserted in a background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *DecisionEvent
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseWriter creates the table if needed and starts the background flush loop.
func NewClickHouseWriter(conn driver.Conn, logger *zap.Logger) (*ClickHouseWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Exec(ctx, Schema); err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *DecisionEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go w.flushLoop()
	return w, nil
}

// Write queues a decision event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *DecisionEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("event_id", event.EventID),
		)
	}
}

// Close signals the flush loop to drain remaining events and waits for it
// to finish. Safe to call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*DecisionEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func boolUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func (w *ClickHouseWriter) flush(events []*DecisionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO decision_events (
			event_id, timestamp, backend, session_key, tool, kind,
			target_preview, target_hash,
			score, category, source, cached, rule, classifier, warnings,
			verdict, policy_verdict, is_shadow, offline, reason, mode,
			approval_id, resolution_status, resolution_actor, latency_ms
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.EventID,
			e.Timestamp,
			e.Backend,
			e.SessionKey,
			e.Tool,
			e.Kind,
			e.TargetPreview,
			e.TargetHash,
			e.Score,
			e.Category,
			e.Source,
			boolUint8(e.Cached),
			e.Rule,
			e.Classifier,
			e.Warnings,
			e.Verdict,
			e.PolicyVerdict,
			boolUint8(e.IsShadow),
			boolUint8(e.Offline),
			e.Reason,
			e.Mode,
			e.ApprovalID,
			e.ResolutionStatus,
			e.ResolutionActor,
			e.LatencyMs,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("event_id", e.EventID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// LogWriter is a fallback EventWriter for local development.
// It logs events as structured JSON to stdout via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *DecisionEvent) {
	w.logger.Info("decision_event",
		zap.String("event_id", event.EventID),
		zap.String("backend", event.Backend),
		zap.String("session_key", event.SessionKey),
		zap.String("tool", event.Tool),
		zap.String("kind", event.Kind),
		zap.Uint8("score", event.Score),
		zap.String("category", event.Category),
		zap.String("source", event.Source),
		zap.String("verdict", event.Verdict),
		zap.String("policy_verdict", event.PolicyVerdict),
		zap.Bool("is_shadow", event.IsShadow),
		zap.String("reason", event.Reason),
		zap.String("resolution_status", event.ResolutionStatus),
		zap.Float32("latency_ms", event.LatencyMs),
		zap.String("target_preview", event.TargetPreview),
	)
}

func (w *LogWriter) Close() {}
