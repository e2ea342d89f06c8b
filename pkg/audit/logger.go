// Package audit keeps the call history: one record per finished call,
// whether or not it counted toward progress.
package audit

import (
	"context"
	"time"

	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

// Logger defines the interface for the call history.
type Logger interface {
	// Log records a finished call. Logging the same session twice is a no-op.
	Log(ctx context.Context, record CallRecord) error

	// Query retrieves call records matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]CallRecord, error)

	// Breakdown aggregates call records by a dimension.
	Breakdown(ctx context.Context, filter BreakdownFilter) ([]BreakdownEntry, error)

	// Close releases resources.
	Close() error
}

// CallRecord is the history entry of one call.
type CallRecord struct {
	ID             string                     `json:"id"`
	SessionID      string                     `json:"session_id"`
	AttemptID      string                     `json:"attempt_id"`
	UserID         string                     `json:"user_id"`
	Tier           training.Tier              `json:"tier"`
	Module         string                     `json:"module"`
	Mode           training.Mode              `json:"mode"`
	StartedAt      time.Time                  `json:"started_at"`
	EndedAt        time.Time                  `json:"ended_at"`
	DurationMS     int64                      `json:"duration_ms"`
	Turns          int                        `json:"turns"`
	AggregateScore float64                    `json:"aggregate_score"`
	Passed         bool                       `json:"passed"`
	Recorded       bool                       `json:"recorded"`
	EndReason      string                     `json:"end_reason"`
	Transcript     []training.TranscriptEntry `json:"transcript,omitempty"`
}

// QueryFilter defines criteria for querying call records.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	UserID    string
	SessionID string
	Module    string
	Mode      training.Mode
	Passed    *bool
	Limit     int
	Offset    int
}

// Config configures the call history.
type Config struct {
	Enabled       bool
	RetentionDays int
}
