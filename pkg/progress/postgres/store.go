// Package postgres provides PostgreSQL storage for module progress.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/mcp-coldcall-trainer/pkg/progress"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var progressColumns = []string{
	"module", "total_attempts", "total_passes", "marathon_passes",
	"legend_completed", "legend_attempt_available", "permanent_unlock",
	"temp_unlock_expiry", "updated_at",
}

const upsertProgressSuffix = `ON CONFLICT (user_id, module) DO UPDATE SET
	total_attempts = EXCLUDED.total_attempts,
	total_passes = EXCLUDED.total_passes,
	marathon_passes = EXCLUDED.marathon_passes,
	legend_completed = EXCLUDED.legend_completed,
	legend_attempt_available = EXCLUDED.legend_attempt_available,
	permanent_unlock = EXCLUDED.permanent_unlock,
	temp_unlock_expiry = EXCLUDED.temp_unlock_expiry,
	updated_at = EXCLUDED.updated_at`

// Store implements progress.Store using PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Config configures the PostgreSQL progress store.
type Config struct {
	// Now overrides the clock used for unlock timestamps.
	Now func() time.Time
}

// New creates a new PostgreSQL progress store.
func New(db *sql.DB, cfg Config) *Store {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

// GetModuleProgress returns every module row for the user.
func (s *Store) GetModuleProgress(ctx context.Context, userID string) (map[string]progress.ModuleProgress, error) {
	query, args, err := psq.Select(progressColumns...).
		From("module_progress").
		Where(sq.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building progress query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying progress: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]progress.ModuleProgress)
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		out[p.Module] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating progress rows: %w", err)
	}
	return out, nil
}

// RecordAttempt applies ev inside a transaction. The progress_attempts
// primary key makes a repeated event a no-op.
func (s *Store) RecordAttempt(ctx context.Context, userID string, ev progress.Event) (progress.Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return progress.Result{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := psq.Insert("progress_attempts").
		Columns("user_id", "attempt_id", "phase", "module", "mode", "passed", "score", "recorded_at").
		Values(userID, ev.AttemptID, string(ev.Phase), ev.Module, string(ev.Mode), ev.Passed, ev.Score, ev.At).
		Suffix("ON CONFLICT DO NOTHING").
		ToSql()
	if err != nil {
		return progress.Result{}, fmt.Errorf("building attempt insert: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return progress.Result{}, fmt.Errorf("inserting attempt: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return progress.Result{}, fmt.Errorf("reading attempt insert result: %w", err)
	}

	current, err := s.lockProgress(ctx, tx, userID, ev.Module)
	if err != nil {
		return progress.Result{}, err
	}

	if inserted == 0 {
		if err := tx.Commit(); err != nil {
			return progress.Result{}, fmt.Errorf("committing duplicate attempt: %w", err)
		}
		return progress.Result{Progress: current}, nil
	}

	next, tr := progress.Apply(current, ev)
	if err := upsertProgress(ctx, tx, userID, next); err != nil {
		return progress.Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return progress.Result{}, fmt.Errorf("committing attempt: %w", err)
	}
	return progress.Result{Progress: next, Transition: tr, Applied: true}, nil
}

// SetTemporaryUnlock sets the temporary unlock expiry, creating the row if
// needed.
func (s *Store) SetTemporaryUnlock(ctx context.Context, userID, module string, expiry time.Time) error {
	query, args, err := psq.Insert("module_progress").
		Columns("user_id", "module", "temp_unlock_expiry", "updated_at").
		Values(userID, module, expiry, s.now()).
		Suffix("ON CONFLICT (user_id, module) DO UPDATE SET temp_unlock_expiry = EXCLUDED.temp_unlock_expiry, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building temporary unlock: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("setting temporary unlock: %w", err)
	}
	return nil
}

// SetPermanentUnlock marks the module permanently unlocked, creating the
// row if needed.
func (s *Store) SetPermanentUnlock(ctx context.Context, userID, module string) error {
	query, args, err := psq.Insert("module_progress").
		Columns("user_id", "module", "permanent_unlock", "updated_at").
		Values(userID, module, true, s.now()).
		Suffix("ON CONFLICT (user_id, module) DO UPDATE SET permanent_unlock = TRUE, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building permanent unlock: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("setting permanent unlock: %w", err)
	}
	return nil
}

// Close is a no-op; the caller owns the *sql.DB.
func (*Store) Close() error {
	return nil
}

func (*Store) lockProgress(ctx context.Context, tx *sql.Tx, userID, module string) (progress.ModuleProgress, error) {
	query, args, err := psq.Select(progressColumns...).
		From("module_progress").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.Eq{"module": module}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return progress.ModuleProgress{}, fmt.Errorf("building progress lock: %w", err)
	}

	p, err := scanProgress(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return progress.New(module), nil
	}
	return p, err
}

func upsertProgress(ctx context.Context, tx *sql.Tx, userID string, p progress.ModuleProgress) error {
	query, args, err := psq.Insert("module_progress").
		Columns(append([]string{"user_id"}, progressColumns...)...).
		Values(userID, p.Module, p.TotalAttempts, p.TotalPasses, p.MarathonPasses,
			p.LegendCompleted, p.LegendAttemptAvailable, p.PermanentUnlock,
			nullTime(p.TempUnlockExpiry), p.UpdatedAt).
		Suffix(upsertProgressSuffix).
		ToSql()
	if err != nil {
		return fmt.Errorf("building progress upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting progress: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProgress(row scanner) (progress.ModuleProgress, error) {
	var (
		p      progress.ModuleProgress
		expiry sql.NullTime
	)
	err := row.Scan(&p.Module, &p.TotalAttempts, &p.TotalPasses, &p.MarathonPasses,
		&p.LegendCompleted, &p.LegendAttemptAvailable, &p.PermanentUnlock,
		&expiry, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, err
	}
	if err != nil {
		return p, fmt.Errorf("scanning progress: %w", err)
	}
	if expiry.Valid {
		p.TempUnlockExpiry = expiry.Time
	}
	return p, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Verify interface compliance.
var _ progress.Store = (*Store)(nil)
