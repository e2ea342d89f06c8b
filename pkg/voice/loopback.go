package voice

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Loopback is an in-process adapter: captured speech is whatever is passed
// to Feed, and synthesis records the text and waits for a duration
// proportional to its length. It backs local runs without audio hardware.
type Loopback struct {
	// WordDuration is the simulated playback time per word.
	WordDuration time.Duration

	mu        sync.Mutex
	listening bool
	onResult  ResultFunc
	onError   ErrorFunc
	speaking  bool
	stopSpeak context.CancelFunc
	spoken    []string
}

// NewLoopback creates a loopback adapter.
func NewLoopback(wordDuration time.Duration) *Loopback {
	return &Loopback{WordDuration: wordDuration}
}

// Ready returns true.
func (*Loopback) Ready() bool { return true }

// StartCapture arms the next Feed. It fails while already listening.
func (l *Loopback) StartCapture(onResult ResultFunc, onError ErrorFunc) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listening {
		return false
	}
	l.listening = true
	l.onResult = onResult
	l.onError = onError
	return true
}

// StopCapture disarms capture.
func (l *Loopback) StopCapture() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listening = false
	l.onResult = nil
	l.onError = nil
}

// Feed delivers transcript as a captured utterance. It reports whether a
// capture was listening.
func (l *Loopback) Feed(transcript string) bool {
	l.mu.Lock()
	cb := l.onResult
	if !l.listening || cb == nil {
		l.mu.Unlock()
		return false
	}
	l.listening = false
	l.onResult = nil
	l.onError = nil
	l.mu.Unlock()

	cb(transcript, 1)
	return true
}

// Fail delivers err to the armed capture.
func (l *Loopback) Fail(err error) bool {
	l.mu.Lock()
	cb := l.onError
	if !l.listening || cb == nil {
		l.mu.Unlock()
		return false
	}
	l.listening = false
	l.onResult = nil
	l.onError = nil
	l.mu.Unlock()

	cb(err)
	return true
}

// StartSynthesis records text and simulates playback.
func (l *Loopback) StartSynthesis(ctx context.Context, text string, _ Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	if l.stopSpeak != nil {
		l.stopSpeak()
	}
	l.speaking = true
	l.stopSpeak = cancel
	l.spoken = append(l.spoken, text)
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.speaking = false
		l.stopSpeak = nil
		l.mu.Unlock()
	}()

	d := time.Duration(len(strings.Fields(text))) * l.WordDuration
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopSynthesis interrupts playback.
func (l *Loopback) StopSynthesis() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopSpeak != nil {
		l.stopSpeak()
	}
}

// State reports whether the adapter is listening or speaking.
func (l *Loopback) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{Listening: l.listening, Speaking: l.speaking}
}

// Spoken returns every synthesized line in order.
func (l *Loopback) Spoken() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.spoken))
	copy(out, l.spoken)
	return out
}

// Verify interface compliance.
var _ Adapter = (*Loopback)(nil)
