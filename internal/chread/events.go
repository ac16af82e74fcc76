// Package chread reads decision history and analytics back from ClickHouse.
package chread

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the ClickHouse decision_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader wraps an open ClickHouse connection.
func NewReader(conn driver.Conn, logger *zap.Logger) *Reader {
	return &Reader{conn: conn, logger: logger}
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// EventRow represents a single row from the decision_events table.
type EventRow struct {
	EventID          string    `json:"event_id"`
	Timestamp        time.Time `json:"timestamp"`
	Backend          string    `json:"backend"`
	SessionKey       string    `json:"session_key"`
	Tool             string    `json:"tool"`
	Kind             string    `json:"kind"`
	TargetPreview    string    `json:"target_preview"`
	Score            uint8     `json:"score"`
	Category         string    `json:"category"`
	Source           string    `json:"source"`
	Verdict          string    `json:"verdict"`
	PolicyVerdict    string    `json:"policy_verdict"`
	IsShadow         uint8     `json:"is_shadow"`
	Reason           string    `json:"reason"`
	ApprovalID       string    `json:"approval_id"`
	ResolutionStatus string    `json:"resolution_status"`
	LatencyMs        float32   `json:"latency_ms"`
}

// ListEventsParams holds filters and pagination for event listing.
type ListEventsParams struct {
	Backend    *string
	SessionKey *string
	Verdict    *string
	Kind       *string
	Source     *string
	IsShadow   *bool
	StartTime  *time.Time
	EndTime    *time.Time
	Page       int
	PageSize   int
}

func buildWhere(params ListEventsParams) (string, []any) {
	conditions := []string{"1 = 1"}
	var args []any

	addEq := func(column string, v *string) {
		if v == nil {
			return
		}
		conditions = append(conditions, column+" = @"+column)
		args = append(args, clickhouse.Named(column, *v))
	}
	addEq("backend", params.Backend)
	addEq("session_key", params.SessionKey)
	addEq("verdict", params.Verdict)
	addEq("kind", params.Kind)
	addEq("source", params.Source)

	if params.IsShadow != nil {
		var v uint8
		if *params.IsShadow {
			v = 1
		}
		conditions = append(conditions, "is_shadow = @is_shadow")
		args = append(args, clickhouse.Named("is_shadow", v))
	}
	if params.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}
	return strings.Join(conditions, " AND "), args
}

const eventColumns = "event_id, timestamp, backend, session_key, tool, kind, target_preview, " +
	"score, category, source, verdict, policy_verdict, is_shadow, reason, " +
	"approval_id, resolution_status, latency_ms"

// ListEvents returns paginated, filtered decision events and the total count.
func (r *Reader) ListEvents(ctx context.Context, params ListEventsParams) ([]EventRow, int, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 {
		params.PageSize = 50
	}
	where, args := buildWhere(params)
	offset := (params.Page - 1) * params.PageSize

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM decision_events WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT %s FROM decision_events WHERE %s ORDER BY timestamp DESC LIMIT @limit OFFSET @offset",
		eventColumns, where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []EventRow{}
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.EventID, &e.Timestamp, &e.Backend, &e.SessionKey, &e.Tool, &e.Kind, &e.TargetPreview,
			&e.Score, &e.Category, &e.Source, &e.Verdict, &e.PolicyVerdict, &e.IsShadow, &e.Reason,
			&e.ApprovalID, &e.ResolutionStatus, &e.LatencyMs,
		); err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		events = append(events, e)
	}

	return events, int(total), rows.Err()
}

// SummaryStats holds aggregate counts.
type SummaryStats struct {
	Total  int `json:"total"`
	Allows int `json:"allows"`
	Blocks int `json:"blocks"`
	Asks   int `json:"asks"`
}

// ApprovalStats summarizes human resolutions.
type ApprovalStats struct {
	Approved    int     `json:"approved"`
	Denied      int     `json:"denied"`
	TimedOut    int     `json:"timed_out"`
	ApproveRate float64 `json:"approve_rate"`
}

// CountBy is a label and its count.
type CountBy struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// TimeSeriesBucket holds an hourly count.
type TimeSeriesBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// ShadowReportStats holds monitor-mode analysis.
type ShadowReportStats struct {
	Total      int `json:"total"`
	WouldBlock int `json:"would_block"`
	WouldAsk   int `json:"would_ask"`
}

// LatencyStats holds latency percentiles.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// AnalyticsResult holds all analytics aggregations.
type AnalyticsResult struct {
	Summary            SummaryStats       `json:"summary"`
	Approvals          ApprovalStats      `json:"approvals"`
	BySource           []CountBy          `json:"by_source"`
	TopCategories      []CountBy          `json:"top_categories"`
	TopBlockedTools    []CountBy          `json:"top_blocked_tools"`
	BlocksOverTime     []TimeSeriesBucket `json:"blocks_over_time"`
	ShadowReport       ShadowReportStats  `json:"shadow_report"`
	LatencyPercentiles LatencyStats       `json:"latency_percentiles"`
}

// DecisionStats returns aggregated analytics over the given number of days.
func (r *Reader) DecisionStats(ctx context.Context, days int) (*AnalyticsResult, error) {
	if days < 1 {
		days = 7
	}
	now := time.Now().UTC()
	rangeStart := now.Add(-time.Duration(days) * 24 * time.Hour)
	dayStart := now.Add(-24 * time.Hour)
	baseArgs := []any{clickhouse.Named("range_start", rangeStart)}

	result := &AnalyticsResult{}

	var total, allows, blocks, asks uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count(), countIf(verdict = 'allow'), countIf(verdict = 'block'), countIf(policy_verdict = 'ask') "+
			"FROM decision_events WHERE timestamp >= @range_start",
		baseArgs...,
	).Scan(&total, &allows, &blocks, &asks)
	if err != nil {
		return nil, fmt.Errorf("DecisionStats summary: %w", err)
	}
	result.Summary = SummaryStats{Total: int(total), Allows: int(allows), Blocks: int(blocks), Asks: int(asks)}

	var approved, denied, timedOut uint64
	err = r.conn.QueryRow(ctx,
		"SELECT countIf(resolution_status = 'approved'), "+
			"countIf(resolution_status = 'denied' AND resolution_actor != 'timeout'), "+
			"countIf(resolution_actor = 'timeout') "+
			"FROM decision_events WHERE approval_id != '' AND timestamp >= @range_start",
		baseArgs...,
	).Scan(&approved, &denied, &timedOut)
	if err != nil {
		return nil, fmt.Errorf("DecisionStats approvals: %w", err)
	}
	result.Approvals = ApprovalStats{Approved: int(approved), Denied: int(denied), TimedOut: int(timedOut)}
	if decided := approved + denied; decided > 0 {
		result.Approvals.ApproveRate = float64(approved) / float64(decided)
	}

	if result.BySource, err = r.countBy(ctx, "source", "1 = 1", baseArgs); err != nil {
		return nil, fmt.Errorf("DecisionStats by_source: %w", err)
	}
	if result.TopCategories, err = r.countBy(ctx, "category", "verdict != 'allow' OR is_shadow = 1", baseArgs); err != nil {
		return nil, fmt.Errorf("DecisionStats top_categories: %w", err)
	}
	if result.TopBlockedTools, err = r.countBy(ctx, "tool", "verdict = 'block'", baseArgs); err != nil {
		return nil, fmt.Errorf("DecisionStats top_blocked_tools: %w", err)
	}

	botRows, err := r.conn.Query(ctx,
		"SELECT toStartOfHour(timestamp) AS hour, count() AS count "+
			"FROM decision_events WHERE verdict = 'block' AND timestamp >= @range_start "+
			"GROUP BY hour ORDER BY hour",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("DecisionStats blocks_over_time: %w", err)
	}
	defer func() { _ = botRows.Close() }()
	result.BlocksOverTime = []TimeSeriesBucket{}
	for botRows.Next() {
		var hour time.Time
		var count uint64
		if err := botRows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("DecisionStats blocks_over_time scan: %w", err)
		}
		result.BlocksOverTime = append(result.BlocksOverTime, TimeSeriesBucket{
			Hour: hour.Format(time.RFC3339), Count: int(count),
		})
	}

	var shadowTotal, wouldBlock, wouldAsk uint64
	err = r.conn.QueryRow(ctx,
		"SELECT count(), countIf(policy_verdict = 'block'), countIf(policy_verdict = 'ask') "+
			"FROM decision_events WHERE is_shadow = 1 AND timestamp >= @range_start",
		baseArgs...,
	).Scan(&shadowTotal, &wouldBlock, &wouldAsk)
	if err != nil {
		return nil, fmt.Errorf("DecisionStats shadow_report: %w", err)
	}
	result.ShadowReport = ShadowReportStats{Total: int(shadowTotal), WouldBlock: int(wouldBlock), WouldAsk: int(wouldAsk)}

	var p50, p95, p99 float64
	err = r.conn.QueryRow(ctx,
		"SELECT quantile(0.5)(latency_ms), quantile(0.95)(latency_ms), quantile(0.99)(latency_ms) "+
			"FROM decision_events WHERE timestamp >= @day_start",
		clickhouse.Named("day_start", dayStart),
	).Scan(&p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("DecisionStats latency: %w", err)
	}
	result.LatencyPercentiles = LatencyStats{P50: safeFloat(p50), P95: safeFloat(p95), P99: safeFloat(p99)}

	return result, nil
}

func (r *Reader) countBy(ctx context.Context, column, cond string, args []any) ([]CountBy, error) {
	rows, err := r.conn.Query(ctx,
		fmt.Sprintf("SELECT %[1]s, count() AS count FROM decision_events "+
			"WHERE (%[2]s) AND timestamp >= @range_start AND %[1]s != '' "+
			"GROUP BY %[1]s ORDER BY count DESC LIMIT 10", column, cond),
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []CountBy{}
	for rows.Next() {
		var key string
		var count uint64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		out = append(out, CountBy{Key: key, Count: int(count)})
	}
	return out, rows.Err()
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
