// Package progress tracks durable per-user, per-module training progress:
// attempt and pass totals, the marathon pass counter, legend availability
// and unlock state. State changes are expressed as attempt events applied by
// Apply, so every Store implementation shares the same transition rules.
package progress

import (
	"context"
	"time"

	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

const (
	// MarathonThreshold is the marathon pass count that unlocks the next
	// module temporarily and opens a legend attempt.
	MarathonThreshold = 6

	// MarathonCounterMax caps the marathon pass counter.
	MarathonCounterMax = 10
)

// ModuleProgress is the durable record for one user on one module.
// A zero TempUnlockExpiry means no temporary unlock.
type ModuleProgress struct {
	Module                 string    `json:"module"`
	TotalAttempts          int       `json:"total_attempts"`
	TotalPasses            int       `json:"total_passes"`
	MarathonPasses         int       `json:"marathon_passes"`
	LegendCompleted        bool      `json:"legend_completed"`
	LegendAttemptAvailable bool      `json:"legend_attempt_available"`
	PermanentUnlock        bool      `json:"permanent_unlock"`
	TempUnlockExpiry       time.Time `json:"temp_unlock_expiry"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// New returns the initial progress for a module the user has never touched.
func New(module string) ModuleProgress {
	return ModuleProgress{
		Module:                 module,
		LegendAttemptAvailable: true,
	}
}

// TempUnlocked reports whether a temporary unlock is active at now.
func (p ModuleProgress) TempUnlocked(now time.Time) bool {
	return !p.TempUnlockExpiry.IsZero() && p.TempUnlockExpiry.After(now)
}

// Phase is the point in an attempt's life an event records.
type Phase string

// Attempt phases.
const (
	PhaseBegin    Phase = "begin"
	PhaseComplete Phase = "complete"
)

// Event is one idempotent progress mutation, keyed by AttemptID and Phase.
type Event struct {
	AttemptID string        `json:"attempt_id"`
	Module    string        `json:"module"`
	Mode      training.Mode `json:"mode"`
	Phase     Phase         `json:"phase"`
	Passed    bool          `json:"passed"`
	Score     float64       `json:"score"`

	// ResetCycle starts a new marathon cycle on a begin event.
	ResetCycle bool `json:"reset_cycle,omitempty"`

	At time.Time `json:"at"`
}

// Key identifies the event for deduplication.
func (e Event) Key() string {
	return e.AttemptID + "/" + string(e.Phase)
}

// Transition reports the notable effects of applying an event.
type Transition struct {
	// ThresholdReached is set when the marathon counter crossed
	// MarathonThreshold on this event.
	ThresholdReached bool `json:"threshold_reached,omitempty"`

	// LegendPassed is set when a legend attempt completed with a pass.
	LegendPassed bool `json:"legend_passed,omitempty"`

	// LegendConsumed is set when a legend begin spent an available
	// attempt. A begin that finds the attempt already spent leaves it unset.
	LegendConsumed bool `json:"legend_consumed,omitempty"`
}

// Result is what a Store returns from RecordAttempt.
type Result struct {
	Progress   ModuleProgress `json:"progress"`
	Transition Transition     `json:"transition"`

	// Applied is false when the event had already been recorded.
	Applied bool `json:"applied"`
}

// Apply returns p with ev applied.
func Apply(p ModuleProgress, ev Event) (ModuleProgress, Transition) {
	var tr Transition
	if p.Module == "" {
		p.Module = ev.Module
	}
	p.UpdatedAt = ev.At

	switch ev.Phase {
	case PhaseBegin:
		switch ev.Mode {
		case training.ModeLegend:
			tr.LegendConsumed = p.LegendAttemptAvailable
			p.LegendAttemptAvailable = false
		case training.ModeMarathon:
			if ev.ResetCycle {
				p.MarathonPasses = 0
			}
		}

	case PhaseComplete:
		p.TotalAttempts++
		if ev.Passed {
			p.TotalPasses++
		}
		switch ev.Mode {
		case training.ModeMarathon:
			if ev.Passed && p.MarathonPasses < MarathonCounterMax {
				before := p.MarathonPasses
				p.MarathonPasses++
				if before < MarathonThreshold && p.MarathonPasses >= MarathonThreshold {
					p.LegendAttemptAvailable = true
					tr.ThresholdReached = true
				}
			}
		case training.ModeLegend:
			p.LegendCompleted = ev.Passed
			tr.LegendPassed = ev.Passed
		}
	}
	return p, tr
}

// Store persists module progress.
type Store interface {
	// GetModuleProgress returns every module the user has progress on.
	GetModuleProgress(ctx context.Context, userID string) (map[string]ModuleProgress, error)

	// RecordAttempt applies ev to the user's progress. Recording the same
	// event key twice mutates once; the second call returns Applied false.
	RecordAttempt(ctx context.Context, userID string, ev Event) (Result, error)

	// SetTemporaryUnlock sets the temporary unlock expiry for a module.
	SetTemporaryUnlock(ctx context.Context, userID, module string, expiry time.Time) error

	// SetPermanentUnlock marks a module permanently unlocked.
	SetPermanentUnlock(ctx context.Context, userID, module string) error

	// Close releases resources.
	Close() error
}
