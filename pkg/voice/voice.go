// Package voice defines the speech capability used by calls: capture
// (speech to text) and synthesis (text to speech). The underlying device is
// a process-wide resource shared through an Arbiter.
package voice

import (
	"context"

	"github.com/txn2/mcp-coldcall-trainer/pkg/failure"
)

// Options tune synthesis.
type Options struct {
	Voice string  `json:"voice,omitempty"`
	Rate  float64 `json:"rate,omitempty"`
}

// State reports what the device is doing.
type State struct {
	Listening bool `json:"listening"`
	Speaking  bool `json:"speaking"`
}

// ResultFunc receives a final capture transcript.
type ResultFunc func(transcript string, confidence float64)

// ErrorFunc receives a capture failure.
type ErrorFunc func(err error)

// Adapter is a speech backend.
type Adapter interface {
	// Ready reports whether the backend can be used at all.
	Ready() bool

	// StartCapture begins listening. It returns false when capture could
	// not start. onResult is called at most once per capture.
	StartCapture(onResult ResultFunc, onError ErrorFunc) bool

	// StopCapture stops listening. Safe to call when idle.
	StopCapture()

	// StartSynthesis speaks text and returns when playback finishes, fails,
	// or ctx is cancelled.
	StartSynthesis(ctx context.Context, text string, opts Options) error

	// StopSynthesis interrupts playback. Safe to call when idle.
	StopSynthesis()

	State() State
}

// ErrUnavailable is returned by adapters that cannot speak.
var ErrUnavailable = failure.New(failure.KindCapabilityUnavailable, "voice capability unavailable")

// Unavailable is the adapter used when no speech backend is configured.
type Unavailable struct{}

// Ready returns false.
func (Unavailable) Ready() bool { return false }

// StartCapture returns false.
func (Unavailable) StartCapture(ResultFunc, ErrorFunc) bool { return false }

// StopCapture does nothing.
func (Unavailable) StopCapture() {}

// StartSynthesis returns ErrUnavailable.
func (Unavailable) StartSynthesis(context.Context, string, Options) error { return ErrUnavailable }

// StopSynthesis does nothing.
func (Unavailable) StopSynthesis() {}

// State returns the idle state.
func (Unavailable) State() State { return State{} }

// Verify interface compliance.
var _ Adapter = Unavailable{}
