package access

import (
	"context"
	"time"

	"github.com/txn2/mcp-coldcall-trainer/pkg/progress"
)

// WriteKind names a queued progress mutation.
type WriteKind string

// Write kinds.
const (
	WriteRecordAttempt   WriteKind = "record_attempt"
	WriteTemporaryUnlock WriteKind = "temporary_unlock"
	WritePermanentUnlock WriteKind = "permanent_unlock"
)

// Write is a progress mutation waiting to reach the store.
type Write struct {
	Kind     WriteKind
	UserID   string
	Module   string
	Event    progress.Event
	Expiry   time.Time
	Attempts int
	QueuedAt time.Time

	// deferUnlocks marks a record queued against a partial view. Its
	// unlock follow-ups are derived from the store's result on reconcile.
	deferUnlocks bool
}

// exec sends w to store. The result is only populated for record writes.
func (w *Write) exec(ctx context.Context, store progress.Store) (progress.Result, error) {
	switch w.Kind {
	case WriteTemporaryUnlock:
		return progress.Result{}, store.SetTemporaryUnlock(ctx, w.UserID, w.Module, w.Expiry)
	case WritePermanentUnlock:
		return progress.Result{}, store.SetPermanentUnlock(ctx, w.UserID, w.Module)
	default:
		return store.RecordAttempt(ctx, w.UserID, w.Event)
	}
}

// applyTo mirrors the write onto an in-memory snapshot.
func (w *Write) applyTo(snapshot map[string]progress.ModuleProgress) progress.Transition {
	p, ok := snapshot[w.Module]
	if !ok {
		p = progress.New(w.Module)
	}

	var tr progress.Transition
	switch w.Kind {
	case WriteTemporaryUnlock:
		p.TempUnlockExpiry = w.Expiry
	case WritePermanentUnlock:
		p.PermanentUnlock = true
	default:
		p, tr = progress.Apply(p, w.Event)
	}
	snapshot[w.Module] = p
	return tr
}

// Hooks observe the write-ahead queue. Nil fields are skipped.
type Hooks struct {
	OnQueued          func(w Write)
	OnReconciled      func(w Write, pending int)
	OnReconcileFailed func(w Write, err error)
}

func (h Hooks) queued(w Write) {
	if h.OnQueued != nil {
		h.OnQueued(w)
	}
}

func (h Hooks) reconciled(w Write, pending int) {
	if h.OnReconciled != nil {
		h.OnReconciled(w, pending)
	}
}

func (h Hooks) failed(w Write, err error) {
	if h.OnReconcileFailed != nil {
		h.OnReconcileFailed(w, err)
	}
}
