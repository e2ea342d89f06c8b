// Package training defines the shared vocabulary of the cold-call trainer:
// practice modes, subscription tiers, transcripts, evaluations and the
// outcome of a finished call.
package training

import "time"

// Mode is the kind of call a user is attempting on a module.
type Mode string

// Call modes.
const (
	ModePractice Mode = "practice"
	ModeMarathon Mode = "marathon"
	ModeLegend   Mode = "legend"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModePractice, ModeMarathon, ModeLegend:
		return true
	}
	return false
}

// Tier is the subscription level of a user.
type Tier string

// Subscription tiers.
const (
	TierTrial     Tier = "trial"
	TierLimited   Tier = "limited"
	TierUnlimited Tier = "unlimited"
	TierAdmin     Tier = "admin"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierTrial, TierLimited, TierUnlimited, TierAdmin:
		return true
	}
	return false
}

// Unrestricted reports whether the tier bypasses module gating.
func (t Tier) Unrestricted() bool {
	return t == TierUnlimited || t == TierAdmin
}

// Principal identifies the user a call is placed for.
type Principal struct {
	UserID string `json:"user_id"`
	Tier   Tier   `json:"tier"`
}

// Speaker identifies who produced a transcript entry.
type Speaker string

// Speakers.
const (
	SpeakerUser     Speaker = "user"
	SpeakerProspect Speaker = "prospect"
)

// TranscriptEntry is one utterance in a call.
type TranscriptEntry struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// MaxScore is the top of the per-turn score scale.
const MaxScore = 4.0

// Evaluation is the engine's judgement of a single user turn.
type Evaluation struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback,omitempty"`
	Passed   bool    `json:"passed"`
}

// ClampScore bounds s to the 0..MaxScore scale.
func ClampScore(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > MaxScore:
		return MaxScore
	}
	return s
}

// SessionRecord is the immutable snapshot of a finished call handed to the
// aggregator.
type SessionRecord struct {
	ID          string            `json:"id"`
	AttemptID   string            `json:"attempt_id"`
	Principal   Principal         `json:"principal"`
	Module      string            `json:"module"`
	Mode        Mode              `json:"mode"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     time.Time         `json:"ended_at"`
	Duration    time.Duration     `json:"duration"`
	Transcript  []TranscriptEntry `json:"transcript"`
	Evaluations []Evaluation      `json:"evaluations"`
	EndReason   string            `json:"end_reason"`
}

// Completed reports whether the call produced at least one evaluated turn.
func (r SessionRecord) Completed() bool {
	return len(r.Evaluations) > 0
}

// UnlockKind classifies an unlock state change.
type UnlockKind string

// Unlock kinds.
const (
	UnlockTemporary       UnlockKind = "temporary"
	UnlockPermanent       UnlockKind = "permanent"
	UnlockLegendAvailable UnlockKind = "legend_available"
)

// UnlockChange describes a module whose unlock state changed as the result
// of an attempt.
type UnlockChange struct {
	Module    string     `json:"module"`
	Kind      UnlockKind `json:"kind"`
	ExpiresAt time.Time  `json:"expires_at,omitzero"`
}

// Metrics are the aggregate figures reported for a finished call.
type Metrics struct {
	Turns          int     `json:"turns"`
	TurnsPassed    int     `json:"turns_passed"`
	Threshold      float64 `json:"threshold"`
	BatchAttempted int     `json:"batch_attempted,omitempty"`
	BatchPassed    int     `json:"batch_passed,omitempty"`
	BatchRequired  int     `json:"batch_required,omitempty"`
	PassRate       float64 `json:"pass_rate,omitempty"`
	BatchComplete  bool    `json:"batch_complete,omitempty"`
}

// Outcome is the result of aggregating a finished call.
type Outcome struct {
	SessionID      string         `json:"session_id"`
	Recorded       bool           `json:"recorded"`
	Passed         bool           `json:"passed"`
	AggregateScore float64        `json:"aggregate_score"`
	Metrics        Metrics        `json:"metrics"`
	Unlocks        []UnlockChange `json:"unlocks,omitempty"`
	PendingRetry   bool           `json:"pending_retry,omitempty"`
}
