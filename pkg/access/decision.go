// Package access decides whether a user may start a call on a module and
// owns the write path for attempt results, including the unlock rules that
// follow from marathon and legend outcomes.
package access

import (
	"fmt"
	"time"

	"github.com/txn2/mcp-coldcall-trainer/pkg/catalog"
	"github.com/txn2/mcp-coldcall-trainer/pkg/progress"
	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

// Reason is the machine-readable basis of a Decision.
type Reason string

// Decision reasons.
const (
	ReasonAlwaysAvailable     Reason = "always_available"
	ReasonTierUnrestricted    Reason = "tier_unrestricted"
	ReasonPermanentUnlock     Reason = "permanent_unlock"
	ReasonTemporaryUnlock     Reason = "temporary_unlock"
	ReasonLegendAvailable     Reason = "legend_available"
	ReasonLocked              Reason = "locked"
	ReasonNeedMarathonPasses  Reason = "need_marathon_passes"
	ReasonLegendAttemptUsed   Reason = "legend_attempt_used"
	ReasonUnknownModule       Reason = "unknown_module"
	ReasonInvalidMode         Reason = "invalid_mode"
	ReasonProgressUnavailable Reason = "progress_unavailable"
)

// Decision is the outcome of an access check.
type Decision struct {
	Allowed bool          `json:"allowed"`
	Reason  Reason        `json:"reason"`
	Message string        `json:"message"`
	Module  string        `json:"module"`
	Mode    training.Mode `json:"mode"`

	// UnlockedBy names the module whose marathon unlocks this one.
	UnlockedBy string `json:"unlocked_by,omitempty"`

	MarathonPasses         int       `json:"marathon_passes"`
	RequiredMarathonPasses int       `json:"required_marathon_passes"`
	TempUnlockExpiry       time.Time `json:"temp_unlock_expiry,omitzero"`
}

// Evaluate decides access from a progress snapshot. It performs no I/O.
func Evaluate(
	cat *catalog.Catalog,
	module string,
	mode training.Mode,
	tier training.Tier,
	snapshot map[string]progress.ModuleProgress,
	now time.Time,
) Decision {
	d := Decision{Module: module, Mode: mode, RequiredMarathonPasses: progress.MarathonThreshold}

	mod, ok := cat.Get(module)
	if !ok {
		return deny(d, ReasonUnknownModule, fmt.Sprintf("Module %q does not exist.", module))
	}
	if !mode.Valid() {
		return deny(d, ReasonInvalidMode, fmt.Sprintf("Mode %q is not a call mode.", mode))
	}

	p, ok := snapshot[module]
	if !ok {
		p = progress.New(module)
	}
	d.MarathonPasses = p.MarathonPasses
	d.TempUnlockExpiry = p.TempUnlockExpiry
	if prev, ok := cat.Predecessor(module); ok {
		d.UnlockedBy = prev.ID
	}

	if tier.Unrestricted() {
		return allow(d, ReasonTierUnrestricted, fmt.Sprintf("Your %s plan includes every module.", tier))
	}

	var (
		reason Reason
		msg    string
	)
	switch {
	case cat.IsFirst(module):
		reason, msg = ReasonAlwaysAvailable, fmt.Sprintf("%s is always available.", mod.Title)
	case p.PermanentUnlock:
		reason, msg = ReasonPermanentUnlock, fmt.Sprintf("%s is permanently unlocked.", mod.Title)
	case p.TempUnlocked(now):
		reason, msg = ReasonTemporaryUnlock, fmt.Sprintf("%s is unlocked until %s.", mod.Title, p.TempUnlockExpiry.UTC().Format(time.RFC3339))
	default:
		prevTitle := d.UnlockedBy
		if prev, ok := cat.Predecessor(module); ok {
			prevTitle = prev.Title
		}
		return deny(d, ReasonLocked, fmt.Sprintf(
			"%s is locked. Complete %d marathon passes on %s to unlock it.",
			mod.Title, progress.MarathonThreshold, prevTitle))
	}

	if mode != training.ModeLegend {
		return allow(d, reason, msg)
	}

	if p.MarathonPasses < progress.MarathonThreshold {
		return deny(d, ReasonNeedMarathonPasses, fmt.Sprintf(
			"Legend mode needs %d marathon passes on %s; you have %d.",
			progress.MarathonThreshold, mod.Title, p.MarathonPasses))
	}
	if !p.LegendAttemptAvailable {
		return deny(d, ReasonLegendAttemptUsed, fmt.Sprintf(
			"Your legend attempt on %s for this marathon cycle has been used.", mod.Title))
	}
	return allow(d, ReasonLegendAvailable, fmt.Sprintf("Legend attempt available on %s.", mod.Title))
}

// Conservative decides access when progress cannot be read. It never grants
// access that depends on progress.
func Conservative(cat *catalog.Catalog, module string, mode training.Mode, tier training.Tier) Decision {
	d := Decision{Module: module, Mode: mode, RequiredMarathonPasses: progress.MarathonThreshold}

	mod, ok := cat.Get(module)
	switch {
	case !ok:
		return deny(d, ReasonUnknownModule, fmt.Sprintf("Module %q does not exist.", module))
	case !mode.Valid():
		return deny(d, ReasonInvalidMode, fmt.Sprintf("Mode %q is not a call mode.", mode))
	case tier.Unrestricted():
		return allow(d, ReasonTierUnrestricted, fmt.Sprintf("Your %s plan includes every module.", tier))
	case cat.IsFirst(module) && mode != training.ModeLegend:
		return allow(d, ReasonAlwaysAvailable, fmt.Sprintf("%s is always available.", mod.Title))
	}
	return deny(d, ReasonProgressUnavailable, "Your progress could not be loaded. Try again shortly.")
}

func allow(d Decision, reason Reason, msg string) Decision {
	d.Allowed = true
	d.Reason = reason
	d.Message = msg
	return d
}

func deny(d Decision, reason Reason, msg string) Decision {
	d.Allowed = false
	d.Reason = reason
	d.Message = msg
	return d
}
