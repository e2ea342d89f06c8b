// Package postgres provides PostgreSQL storage for the call history.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/mcp-coldcall-trainer/pkg/audit"
	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

const (
	defaultRetentionDays = 365
	defaultQueryCapacity = 100
	maxQueryCapacity     = 10000
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// callColumns lists the call_records columns in scan order.
var callColumns = []string{
	"id", "session_id", "attempt_id", "user_id", "tier",
	"module", "mode", "started_at", "ended_at", "duration_ms",
	"turns", "aggregate_score", "passed", "recorded", "end_reason",
	"transcript",
}

// Store implements audit.Logger using PostgreSQL.
type Store struct {
	db            *sql.DB
	retentionDays int
	now           func() time.Time
	cancel        context.CancelFunc
	done          chan struct{}
}

// Config configures the PostgreSQL call history.
type Config struct {
	RetentionDays int
	Now           func() time.Time
}

// New creates a new PostgreSQL call history store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		db:            db,
		retentionDays: cfg.RetentionDays,
		now:           cfg.Now,
	}
}

// Log records a finished call. A session already on record is skipped.
func (s *Store) Log(ctx context.Context, r audit.CallRecord) error {
	transcript, err := json.Marshal(r.Transcript)
	if err != nil || r.Transcript == nil {
		transcript = []byte("[]")
	}

	query, args, err := psq.Insert("call_records").
		Columns(callColumns...).
		Values(
			r.ID, r.SessionID, r.AttemptID, r.UserID, string(r.Tier),
			r.Module, string(r.Mode), r.StartedAt, r.EndedAt, r.DurationMS,
			r.Turns, r.AggregateScore, r.Passed, r.Recorded, r.EndReason,
			transcript,
		).
		Suffix("ON CONFLICT (session_id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("building call record insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	return nil
}

// applyCallFilter adds filter conditions to a SELECT builder.
func applyCallFilter(qb sq.SelectBuilder, filter audit.QueryFilter) sq.SelectBuilder {
	if filter.StartTime != nil {
		qb = qb.Where(sq.GtOrEq{"started_at": *filter.StartTime})
	}
	if filter.EndTime != nil {
		qb = qb.Where(sq.LtOrEq{"started_at": *filter.EndTime})
	}
	if filter.UserID != "" {
		qb = qb.Where(sq.Eq{"user_id": filter.UserID})
	}
	if filter.SessionID != "" {
		qb = qb.Where(sq.Eq{"session_id": filter.SessionID})
	}
	if filter.Module != "" {
		qb = qb.Where(sq.Eq{"module": filter.Module})
	}
	if filter.Mode != "" {
		qb = qb.Where(sq.Eq{"mode": string(filter.Mode)})
	}
	if filter.Passed != nil {
		qb = qb.Where(sq.Eq{"passed": *filter.Passed})
	}
	return qb
}

// Query retrieves call records matching the filter, newest first.
func (s *Store) Query(ctx context.Context, filter audit.QueryFilter) ([]audit.CallRecord, error) {
	qb := applyCallFilter(psq.Select(callColumns...).From("call_records"), filter)
	qb = qb.OrderBy("started_at DESC")
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		qb = qb.Offset(uint64(filter.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building call record query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying call records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	allocCap := defaultQueryCapacity
	if filter.Limit > 0 && filter.Limit <= maxQueryCapacity {
		allocCap = filter.Limit
	}
	records := make([]audit.CallRecord, 0, allocCap)

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call record rows: %w", err)
	}
	return records, nil
}

// Count returns the number of call records matching the filter.
func (s *Store) Count(ctx context.Context, filter audit.QueryFilter) (int, error) {
	qb := applyCallFilter(psq.Select("COUNT(*)").From("call_records"), filter)

	query, args, err := qb.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count query: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting call records: %w", err)
	}
	return count, nil
}

func scanRecord(rows *sql.Rows) (audit.CallRecord, error) {
	var (
		r          audit.CallRecord
		tier, mode string
		transcript []byte
	)
	err := rows.Scan(
		&r.ID, &r.SessionID, &r.AttemptID, &r.UserID, &tier,
		&r.Module, &mode, &r.StartedAt, &r.EndedAt, &r.DurationMS,
		&r.Turns, &r.AggregateScore, &r.Passed, &r.Recorded, &r.EndReason,
		&transcript,
	)
	if err != nil {
		return r, fmt.Errorf("scanning call record row: %w", err)
	}
	r.Tier = training.Tier(tier)
	r.Mode = training.Mode(mode)
	if len(transcript) > 0 {
		_ = json.Unmarshal(transcript, &r.Transcript)
	}
	return r, nil
}

// Close cancels the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Cleanup removes call records older than the retention period.
func (s *Store) Cleanup(ctx context.Context) error {
	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	query, args, err := psq.Delete("call_records").Where(sq.Lt{"started_at": cutoff}).ToSql()
	if err != nil {
		return fmt.Errorf("building cleanup query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("cleaning up call records: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically deletes
// old call records. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Cleanup(ctx)
			}
		}
	}()
}

// Verify interface compliance.
var _ audit.Logger = (*Store)(nil)
