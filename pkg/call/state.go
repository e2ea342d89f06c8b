// Package call runs a single roleplay call: it moves the call through its
// lifecycle, sequences capture, engine and synthesis so that only one of
// them is active at a time, and hands the finished call to the scorer.
package call

import (
	"errors"
	"time"

	"github.com/txn2/mcp-coldcall-trainer/pkg/failure"
	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

// State is the lifecycle position of a call.
type State string

// Call states. A call only moves forward, and any state may move to ended.
const (
	StateIdle      State = "idle"
	StateDialing   State = "dialing"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

// Activity is the single operation a connected call may be performing.
type Activity string

// Activities.
const (
	ActivityNone          Activity = "none"
	ActivityCapturing     Activity = "capturing"
	ActivitySynthesizing  Activity = "synthesizing"
	ActivityAwaitingReply Activity = "awaiting_reply"
)

// EndReason records why a call ended.
type EndReason string

// End reasons.
const (
	EndUserHangup     EndReason = "user_hangup"
	EndCallCompleted  EndReason = "call_completed"
	EndAccessDenied   EndReason = "access_denied"
	EndSetupFailed    EndReason = "setup_failed"
	EndSessionExpired EndReason = "session_expired"
	EndShutdown       EndReason = "shutdown"
)

// Errors returned by Session operations.
var (
	ErrNotConnected   = errors.New("call is not connected")
	ErrTurnInProgress = errors.New("a turn is already in progress")
	ErrCallEnding     = errors.New("prospect is ending the call")
	ErrEmptyUtterance = errors.New("utterance is empty")
)

// EventKind classifies session events.
type EventKind string

// Event kinds.
const (
	EventStateChanged EventKind = "state_changed"
	EventTranscript   EventKind = "transcript"
	EventEvaluation   EventKind = "evaluation"
	EventDegraded     EventKind = "degraded"
	EventError        EventKind = "error"
	EventEnded        EventKind = "ended"
)

// Event is delivered on a session's event channel. Failures arrive here
// tagged with their kind, next to ordinary progress.
type Event struct {
	SessionID  string                    `json:"session_id"`
	Kind       EventKind                 `json:"kind"`
	At         time.Time                 `json:"at"`
	State      State                     `json:"state,omitempty"`
	Entry      *training.TranscriptEntry `json:"entry,omitempty"`
	Evaluation *training.Evaluation      `json:"evaluation,omitempty"`
	ErrorKind  failure.Kind              `json:"error_kind,omitempty"`
	Error      string                    `json:"error,omitempty"`
	Outcome    *training.Outcome         `json:"outcome,omitempty"`
}

// TurnOutcome is the result of one submitted utterance.
type TurnOutcome struct {
	Turn       int                  `json:"turn"`
	Reply      string               `json:"reply"`
	NoReply    bool                 `json:"no_reply"`
	Evaluation *training.Evaluation `json:"evaluation,omitempty"`
	EndsCall   bool                 `json:"ends_call"`
	State      State                `json:"state"`
	Degraded   bool                 `json:"degraded"`
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID                string                     `json:"id"`
	AttemptID         string                     `json:"attempt_id"`
	UserID            string                     `json:"user_id"`
	Module            string                     `json:"module"`
	Mode              training.Mode              `json:"mode"`
	State             State                      `json:"state"`
	Activity          Activity                   `json:"activity"`
	Degraded          bool                       `json:"degraded"`
	StartedAt         time.Time                  `json:"started_at"`
	Duration          time.Duration              `json:"duration"`
	Turns             int                        `json:"turns"`
	Transcript        []training.TranscriptEntry `json:"transcript"`
	CurrentEvaluation *training.Evaluation       `json:"current_evaluation,omitempty"`
	EndReason         EndReason                  `json:"end_reason,omitempty"`
	Outcome           *training.Outcome          `json:"outcome,omitempty"`
}
