package voice

import (
	"context"
	"errors"
	"sync"
)

// ErrDisplaced is returned when a lease has lost the device to a newer one.
var ErrDisplaced = errors.New("voice device acquired by another session")

var (
	sharedOnce    sync.Once
	sharedArbiter *Arbiter
)

// Shared returns the process-wide arbiter. The first call installs adapter;
// later calls ignore their argument.
func Shared(adapter Adapter) *Arbiter {
	sharedOnce.Do(func() {
		sharedArbiter = NewArbiter(adapter)
	})
	return sharedArbiter
}

// Arbiter grants exclusive use of one Adapter. Acquiring displaces the
// current holder: its capture and synthesis are stopped and its displaced
// callback runs.
type Arbiter struct {
	adapter Adapter

	mu      sync.Mutex
	current *Lease
}

// NewArbiter creates an arbiter over adapter. A nil adapter is Unavailable.
func NewArbiter(adapter Adapter) *Arbiter {
	if adapter == nil {
		adapter = Unavailable{}
	}
	return &Arbiter{adapter: adapter}
}

// Ready reports whether the underlying adapter is usable.
func (a *Arbiter) Ready() bool {
	return a.adapter.Ready()
}

// Holder returns the owner of the current lease, or "".
func (a *Arbiter) Holder() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return ""
	}
	return a.current.owner
}

// Acquire takes the device for owner. displaced, if non-nil, runs when a
// later Acquire takes the device away.
func (a *Arbiter) Acquire(owner string, displaced func()) *Lease {
	l := &Lease{arbiter: a, owner: owner, displaced: displaced}

	a.mu.Lock()
	prev := a.current
	a.current = l
	a.mu.Unlock()

	if prev != nil {
		a.adapter.StopCapture()
		a.adapter.StopSynthesis()
		if prev.displaced != nil {
			prev.displaced()
		}
	}
	return l
}

func (a *Arbiter) holds(l *Lease) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current == l
}

// Lease is one owner's handle on the device. Starts fail once the lease is
// displaced or released; stops always reach the device.
type Lease struct {
	arbiter   *Arbiter
	owner     string
	displaced func()

	releaseOnce sync.Once
}

// Owner returns the lease holder.
func (l *Lease) Owner() string { return l.owner }

// Held reports whether the lease still owns the device.
func (l *Lease) Held() bool { return l.arbiter.holds(l) }

// Ready reports whether the lease owns a usable device.
func (l *Lease) Ready() bool { return l.Held() && l.arbiter.adapter.Ready() }

// State reports the device state.
func (l *Lease) State() State { return l.arbiter.adapter.State() }

// StartCapture starts listening if the lease is held. Results arriving
// after the lease is lost are dropped.
func (l *Lease) StartCapture(onResult ResultFunc, onError ErrorFunc) bool {
	if !l.Held() {
		return false
	}
	return l.arbiter.adapter.StartCapture(
		func(transcript string, confidence float64) {
			if l.Held() {
				onResult(transcript, confidence)
			}
		},
		func(err error) {
			if l.Held() {
				onError(err)
			}
		},
	)
}

// StopCapture stops listening.
func (l *Lease) StopCapture() { l.arbiter.adapter.StopCapture() }

// StartSynthesis speaks text if the lease is held.
func (l *Lease) StartSynthesis(ctx context.Context, text string, opts Options) error {
	if !l.Held() {
		return ErrDisplaced
	}
	return l.arbiter.adapter.StartSynthesis(ctx, text, opts)
}

// StopSynthesis interrupts playback.
func (l *Lease) StopSynthesis() { l.arbiter.adapter.StopSynthesis() }

// Release stops capture and synthesis and gives the device back. Only the
// first call has an effect. A displaced lease releases without touching
// the device: Acquire stopped capture and synthesis when it displaced the
// lease, and the device now belongs to the new holder.
func (l *Lease) Release() {
	l.releaseOnce.Do(func() {
		a := l.arbiter
		a.mu.Lock()
		held := a.current == l
		if held {
			a.current = nil
		}
		a.mu.Unlock()

		if held {
			a.adapter.StopCapture()
			a.adapter.StopSynthesis()
		}
	})
}
