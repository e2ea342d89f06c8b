package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryLogger keeps call records in memory.
type MemoryLogger struct {
	mu      sync.RWMutex
	records []CallRecord
	seen    map[string]bool
}

// NewMemoryLogger creates an in-memory call history.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{seen: make(map[string]bool)}
}

// Log records a finished call.
func (m *MemoryLogger) Log(_ context.Context, record CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[record.SessionID] {
		return nil
	}
	m.seen[record.SessionID] = true
	m.records = append(m.records, record)
	return nil
}

func (f QueryFilter) matches(r CallRecord) bool {
	switch {
	case f.StartTime != nil && r.StartedAt.Before(*f.StartTime):
		return false
	case f.EndTime != nil && r.StartedAt.After(*f.EndTime):
		return false
	case f.UserID != "" && r.UserID != f.UserID:
		return false
	case f.SessionID != "" && r.SessionID != f.SessionID:
		return false
	case f.Module != "" && r.Module != f.Module:
		return false
	case f.Mode != "" && r.Mode != f.Mode:
		return false
	case f.Passed != nil && r.Passed != *f.Passed:
		return false
	}
	return true
}

// Query retrieves call records matching the filter, newest first.
func (m *MemoryLogger) Query(_ context.Context, filter QueryFilter) ([]CallRecord, error) {
	m.mu.RLock()
	out := make([]CallRecord, 0, len(m.records))
	for _, r := range m.records {
		if filter.matches(r) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []CallRecord{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Breakdown aggregates call records by a dimension, largest groups first.
func (m *MemoryLogger) Breakdown(_ context.Context, filter BreakdownFilter) ([]BreakdownEntry, error) {
	if !ValidBreakdownDimensions[filter.GroupBy] {
		return nil, fmt.Errorf("invalid breakdown dimension: %q", filter.GroupBy)
	}
	qf := QueryFilter{StartTime: filter.StartTime, EndTime: filter.EndTime, UserID: filter.UserID}

	type acc struct {
		count, passed    int
		score, durations float64
	}
	groups := make(map[string]*acc)

	m.mu.RLock()
	for _, r := range m.records {
		if !qf.matches(r) {
			continue
		}
		key := dimensionOf(r, filter.GroupBy)
		a := groups[key]
		if a == nil {
			a = &acc{}
			groups[key] = a
		}
		a.count++
		if r.Passed {
			a.passed++
		}
		a.score += r.AggregateScore
		a.durations += float64(r.DurationMS)
	}
	m.mu.RUnlock()

	entries := make([]BreakdownEntry, 0, len(groups))
	for k, a := range groups {
		n := float64(a.count)
		entries = append(entries, BreakdownEntry{
			Dimension:     k,
			Count:         a.count,
			PassRate:      float64(a.passed) / n,
			AvgScore:      a.score / n,
			AvgDurationMS: a.durations / n,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Dimension < entries[j].Dimension
	})

	if limit := ClampBreakdownLimit(filter.Limit); len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func dimensionOf(r CallRecord, d BreakdownDimension) string {
	switch d {
	case BreakdownByMode:
		return string(r.Mode)
	case BreakdownByUserID:
		return r.UserID
	case BreakdownByEndReason:
		return r.EndReason
	default:
		return r.Module
	}
}

// Close does nothing.
func (*MemoryLogger) Close() error { return nil }

// Verify interface compliance.
var _ Logger = (*MemoryLogger)(nil)
