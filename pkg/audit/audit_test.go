package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testRecord(session, user, module string, mode training.Mode, passed bool, score float64, offset time.Duration) CallRecord {
	return CallRecord{
		ID:             "rec-" + session,
		SessionID:      session,
		AttemptID:      "att-" + session,
		UserID:         user,
		Tier:           training.TierTrial,
		Module:         module,
		Mode:           mode,
		StartedAt:      testStart.Add(offset),
		EndedAt:        testStart.Add(offset + time.Minute),
		DurationMS:     60000,
		Turns:          3,
		AggregateScore: score,
		Passed:         passed,
		Recorded:       true,
		EndReason:      "call_completed",
	}
}

func TestNewRecord(t *testing.T) {
	rec := training.SessionRecord{
		ID:        "sess-1",
		AttemptID: "att-1",
		Principal: training.Principal{UserID: "u1", Tier: training.TierLimited},
		Module:    "opener",
		Mode:      training.ModeMarathon,
		StartedAt: testStart,
		EndedAt:   testStart.Add(90 * time.Second),
		Duration:  90 * time.Second,
		Transcript: []training.TranscriptEntry{
			{Speaker: training.SpeakerUser, Text: "Hi", Timestamp: testStart},
		},
		EndReason: "user_hangup",
	}
	out := training.Outcome{
		SessionID:      "sess-1",
		Recorded:       true,
		Passed:         true,
		AggregateScore: 3.5,
		Metrics:        training.Metrics{Turns: 2},
	}

	r := NewRecord(rec, out)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "sess-1", r.SessionID)
	assert.Equal(t, "att-1", r.AttemptID)
	assert.Equal(t, "u1", r.UserID)
	assert.Equal(t, training.TierLimited, r.Tier)
	assert.Equal(t, int64(90000), r.DurationMS)
	assert.Equal(t, 90*time.Second, r.Duration())
	assert.Equal(t, 2, r.Turns)
	assert.True(t, r.Passed)
	assert.True(t, r.Recorded)
	assert.Equal(t, "user_hangup", r.EndReason)
	require.Len(t, r.Transcript, 1)

	rec.Transcript[0].Text = "changed"
	assert.Equal(t, "Hi", r.Transcript[0].Text, "transcript is copied")

	assert.NotEqual(t, r.ID, NewRecord(rec, out).ID)
}

func TestMemoryLogger_LogIsIdempotent(t *testing.T) {
	m := NewMemoryLogger()
	ctx := context.Background()

	r := testRecord("s1", "u1", "opener", training.ModePractice, true, 3, 0)
	require.NoError(t, m.Log(ctx, r))
	require.NoError(t, m.Log(ctx, r))

	got, err := m.Query(ctx, QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.NoError(t, m.Close())
}

func TestMemoryLogger_Query(t *testing.T) {
	m := NewMemoryLogger()
	ctx := context.Background()
	require.NoError(t, m.Log(ctx, testRecord("s1", "u1", "opener", training.ModePractice, true, 3, 0)))
	require.NoError(t, m.Log(ctx, testRecord("s2", "u1", "opener", training.ModeMarathon, false, 1, time.Hour)))
	require.NoError(t, m.Log(ctx, testRecord("s3", "u2", "gatekeeper", training.ModeMarathon, true, 4, 2*time.Hour)))

	passed := true
	after := testStart.Add(30 * time.Minute)

	tests := []struct {
		name   string
		filter QueryFilter
		want   []string
	}{
		{"all newest first", QueryFilter{}, []string{"s3", "s2", "s1"}},
		{"by user", QueryFilter{UserID: "u1"}, []string{"s2", "s1"}},
		{"by module", QueryFilter{Module: "gatekeeper"}, []string{"s3"}},
		{"by mode", QueryFilter{Mode: training.ModeMarathon}, []string{"s3", "s2"}},
		{"by session", QueryFilter{SessionID: "s2"}, []string{"s2"}},
		{"passed only", QueryFilter{Passed: &passed}, []string{"s3", "s1"}},
		{"since", QueryFilter{StartTime: &after}, []string{"s3", "s2"}},
		{"until", QueryFilter{EndTime: &after}, []string{"s1"}},
		{"limit", QueryFilter{Limit: 1}, []string{"s3"}},
		{"offset", QueryFilter{Offset: 1, Limit: 1}, []string{"s2"}},
		{"offset past end", QueryFilter{Offset: 5}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Query(ctx, tt.filter)
			require.NoError(t, err)
			ids := make([]string, 0, len(got))
			for _, r := range got {
				ids = append(ids, r.SessionID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestMemoryLogger_Breakdown(t *testing.T) {
	m := NewMemoryLogger()
	ctx := context.Background()
	require.NoError(t, m.Log(ctx, testRecord("s1", "u1", "opener", training.ModePractice, true, 3, 0)))
	require.NoError(t, m.Log(ctx, testRecord("s2", "u1", "opener", training.ModeMarathon, false, 1, time.Hour)))
	require.NoError(t, m.Log(ctx, testRecord("s3", "u2", "gatekeeper", training.ModeMarathon, true, 4, 2*time.Hour)))

	entries, err := m.Breakdown(ctx, BreakdownFilter{GroupBy: BreakdownByModule})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "opener", entries[0].Dimension)
	assert.Equal(t, 2, entries[0].Count)
	assert.InDelta(t, 0.5, entries[0].PassRate, 1e-9)
	assert.InDelta(t, 2.0, entries[0].AvgScore, 1e-9)
	assert.InDelta(t, 60000.0, entries[0].AvgDurationMS, 1e-9)

	entries, err = m.Breakdown(ctx, BreakdownFilter{GroupBy: BreakdownByMode, UserID: "u1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "marathon", entries[0].Dimension)

	_, err = m.Breakdown(ctx, BreakdownFilter{GroupBy: "tier"})
	assert.ErrorContains(t, err, "invalid breakdown dimension")
}

func TestClampBreakdownLimit(t *testing.T) {
	assert.Equal(t, DefaultBreakdownLimit, ClampBreakdownLimit(0))
	assert.Equal(t, 5, ClampBreakdownLimit(5))
	assert.Equal(t, MaxBreakdownLimit, ClampBreakdownLimit(1000))
}
