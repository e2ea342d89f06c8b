package audit

import "time"

// BreakdownDimension defines valid group-by dimensions.
type BreakdownDimension string

const (
	// BreakdownByModule groups by module.
	BreakdownByModule BreakdownDimension = "module"

	// BreakdownByMode groups by call mode.
	BreakdownByMode BreakdownDimension = "mode"

	// BreakdownByUserID groups by user ID.
	BreakdownByUserID BreakdownDimension = "user_id"

	// BreakdownByEndReason groups by how the call ended.
	BreakdownByEndReason BreakdownDimension = "end_reason"
)

// ValidBreakdownDimensions is the set of allowed group-by values.
var ValidBreakdownDimensions = map[BreakdownDimension]bool{
	BreakdownByModule:    true,
	BreakdownByMode:      true,
	BreakdownByUserID:    true,
	BreakdownByEndReason: true,
}

const (
	// DefaultBreakdownLimit is the number of entries returned when none is set.
	DefaultBreakdownLimit = 10

	// MaxBreakdownLimit caps the number of breakdown entries.
	MaxBreakdownLimit = 100
)

// BreakdownFilter controls breakdown query parameters.
type BreakdownFilter struct {
	GroupBy   BreakdownDimension
	UserID    string
	Limit     int
	StartTime *time.Time
	EndTime   *time.Time
}

// BreakdownEntry holds aggregated figures for a single dimension value.
type BreakdownEntry struct {
	Dimension     string  `json:"dimension"`
	Count         int     `json:"count"`
	PassRate      float64 `json:"pass_rate"`
	AvgScore      float64 `json:"avg_score"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// ClampBreakdownLimit applies default and max bounds to a breakdown limit.
func ClampBreakdownLimit(limit int) int {
	if limit <= 0 {
		return DefaultBreakdownLimit
	}
	if limit > MaxBreakdownLimit {
		return MaxBreakdownLimit
	}
	return limit
}
