package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmbish04/cfgate/internal/types"
)

// TelemetryStore is an append-only table of routing decisions.
type TelemetryStore struct {
	db *DB
}

// NewTelemetryStore creates a TelemetryStore on the given database.
func NewTelemetryStore(db *DB) *TelemetryStore {
	return &TelemetryStore{db: db}
}

// Append inserts a record. IDs and timestamps are filled in when missing.
func (t *TelemetryStore) Append(ctx context.Context, record *types.TelemetryRecord) error {
	if record.ID == "" {
		record.ID = types.NewRecordID()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	var latency sql.NullInt64
	if record.ExecutionLatencyMS != nil {
		latency = sql.NullInt64{Int64: *record.ExecutionLatencyMS, Valid: true}
	}
	coached := 0
	if record.Coached {
		coached = 1
	}

	_, err := t.db.sql.ExecContext(ctx, `
		INSERT INTO telemetry (id, prompt, product, action, method, confidence, next_step,
			coach_message, result_status, coached, latency_ms, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(record.ID),
		record.Prompt,
		record.Product,
		record.Action,
		string(record.Method),
		record.Confidence,
		string(record.NextStep),
		record.CoachMessage,
		string(record.ResultStatus),
		coached,
		latency,
		toNanos(record.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append telemetry: %w: %w", types.ErrTransientStorage, err)
	}
	return nil
}

// Aggregate counts coached records at or after since. A clarified record is a
// near miss when its confidence lies in [nearMissFloor, threshold).
func (t *TelemetryStore) Aggregate(ctx context.Context, since time.Time, nearMissFloor, threshold float64) (*types.TelemetryCounts, error) {
	var counts types.TelemetryCounts
	err := t.db.sql.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN result_status IN ('executed', 'failed') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN result_status = 'executed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN result_status = 'clarified' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN result_status = 'clarified' AND confidence >= ? AND confidence < ? THEN 1 ELSE 0 END), 0)
		FROM telemetry
		WHERE coached = 1 AND ts >= ?`,
		nearMissFloor, threshold, toNanos(since),
	).Scan(&counts.Total, &counts.Accepted, &counts.AcceptedSucceeded, &counts.Clarified, &counts.ClarifiedNearMiss)
	if err != nil {
		return nil, fmt.Errorf("aggregate telemetry: %w: %w", types.ErrTransientStorage, err)
	}
	return &counts, nil
}

// Recent returns up to limit records, newest first.
func (t *TelemetryStore) Recent(ctx context.Context, limit int) ([]*types.TelemetryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.db.sql.QueryContext(ctx, `
		SELECT id, prompt, product, action, method, confidence, next_step,
			coach_message, result_status, coached, latency_ms, ts
		FROM telemetry ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent telemetry: %w: %w", types.ErrTransientStorage, err)
	}
	defer rows.Close()

	var records []*types.TelemetryRecord
	for rows.Next() {
		var (
			r                                   types.TelemetryRecord
			id, method, nextStep, resultStatus string
			coached                             int
			latency                             sql.NullInt64
			ts                                  int64
		)
		if err := rows.Scan(&id, &r.Prompt, &r.Product, &r.Action, &method, &r.Confidence, &nextStep,
			&r.CoachMessage, &resultStatus, &coached, &latency, &ts); err != nil {
			return nil, fmt.Errorf("scan telemetry: %w", err)
		}
		r.ID = types.RecordID(id)
		r.Method = types.Method(method)
		r.NextStep = types.NextStep(nextStep)
		r.ResultStatus = types.ResultStatus(resultStatus)
		r.Coached = coached == 1
		if latency.Valid {
			ms := latency.Int64
			r.ExecutionLatencyMS = &ms
		}
		r.Timestamp = fromNanos(ts)
		records = append(records, &r)
	}
	return records, rows.Err()
}
