package audit

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

// NewRecord builds the history entry for a finished call.
func NewRecord(rec training.SessionRecord, out training.Outcome) CallRecord {
	transcript := make([]training.TranscriptEntry, len(rec.Transcript))
	copy(transcript, rec.Transcript)

	return CallRecord{
		ID:             generateRecordID(),
		SessionID:      rec.ID,
		AttemptID:      rec.AttemptID,
		UserID:         rec.Principal.UserID,
		Tier:           rec.Principal.Tier,
		Module:         rec.Module,
		Mode:           rec.Mode,
		StartedAt:      rec.StartedAt,
		EndedAt:        rec.EndedAt,
		DurationMS:     rec.Duration.Milliseconds(),
		Turns:          out.Metrics.Turns,
		AggregateScore: out.AggregateScore,
		Passed:         out.Passed,
		Recorded:       out.Recorded,
		EndReason:      rec.EndReason,
		Transcript:     transcript,
	}
}

// Duration returns the call duration.
func (r CallRecord) Duration() time.Duration {
	return time.Duration(r.DurationMS) * time.Millisecond
}

func generateRecordID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
