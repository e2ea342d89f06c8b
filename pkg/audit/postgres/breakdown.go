package postgres

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/mcp-coldcall-trainer/pkg/audit"
)

// Breakdown returns call figures grouped by a dimension.
func (s *Store) Breakdown(ctx context.Context, filter audit.BreakdownFilter) ([]audit.BreakdownEntry, error) {
	if !audit.ValidBreakdownDimensions[filter.GroupBy] {
		return nil, fmt.Errorf("invalid breakdown dimension: %q", filter.GroupBy)
	}

	// col is validated against ValidBreakdownDimensions.
	col := string(filter.GroupBy)

	qb := psq.Select(
		fmt.Sprintf("COALESCE(%s, '') AS dimension", col),
		"COUNT(*) AS count",
		"COALESCE(AVG(CASE WHEN passed THEN 1.0 ELSE 0.0 END), 0) AS pass_rate",
		"COALESCE(AVG(aggregate_score), 0) AS avg_score",
		"COALESCE(AVG(duration_ms), 0) AS avg_duration_ms",
	).From("call_records")

	if filter.StartTime != nil {
		qb = qb.Where(sq.GtOrEq{"started_at": *filter.StartTime})
	}
	if filter.EndTime != nil {
		qb = qb.Where(sq.LtOrEq{"started_at": *filter.EndTime})
	}
	if filter.UserID != "" {
		qb = qb.Where(sq.Eq{"user_id": filter.UserID})
	}

	qb = qb.GroupBy(col).
		OrderBy("count DESC", "dimension ASC").
		Limit(uint64(audit.ClampBreakdownLimit(filter.Limit)))

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building breakdown query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying breakdown: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []audit.BreakdownEntry{}
	for rows.Next() {
		var e audit.BreakdownEntry
		if err := rows.Scan(&e.Dimension, &e.Count, &e.PassRate, &e.AvgScore, &e.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("scanning breakdown row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating breakdown rows: %w", err)
	}
	return entries, nil
}
