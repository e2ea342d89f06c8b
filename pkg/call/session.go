package call

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/txn2/mcp-coldcall-trainer/pkg/catalog"
	"github.com/txn2/mcp-coldcall-trainer/pkg/engine"
	"github.com/txn2/mcp-coldcall-trainer/pkg/failure"
	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
	"github.com/txn2/mcp-coldcall-trainer/pkg/voice"
)

// Session is one call. It is owned by the orchestrator that created it and
// is never reused.
type Session struct {
	orch      *Orchestrator
	id        string
	attemptID string
	principal training.Principal
	mode      training.Mode
	module    catalog.Module
	lease     *voice.Lease
	degraded  atomic.Bool

	// ctx is cancelled by hangup and bounds every suspending operation.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	activity   Activity
	captureSeq uint64
	ending     bool
	grace      *time.Timer
	startedAt  time.Time
	endedAt    time.Time
	elapsed    time.Duration
	turns      int
	transcript []training.TranscriptEntry
	evals      []training.Evaluation
	current    *training.Evaluation
	endReason  EndReason
	outcome    *training.Outcome

	hangingUp atomic.Bool
	stopTick  chan struct{}

	evMu     sync.Mutex
	evClosed bool
	events   chan Event
	done     chan struct{}
}

func newSession(o *Orchestrator, req StartRequest) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		orch:      o,
		id:        o.cfg.NewID(),
		attemptID: req.AttemptID,
		principal: req.Principal,
		mode:      req.Mode,
		module:    catalog.Module{ID: req.Module},
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		activity:  ActivityNone,
		stopTick:  make(chan struct{}),
		events:    make(chan Event, o.cfg.EventBuffer),
		done:      make(chan struct{}),
	}
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// AttemptID returns the attempt the call is recorded under.
func (s *Session) AttemptID() string { return s.attemptID }

// Principal returns the user the call was placed for.
func (s *Session) Principal() training.Principal { return s.principal }

// Module returns the module being practiced.
func (s *Session) Module() catalog.Module { return s.module }

// Mode returns the call mode.
func (s *Session) Mode() training.Mode { return s.mode }

// Degraded reports whether the call runs on text input instead of voice.
func (s *Session) Degraded() bool { return s.degraded.Load() }

// Events returns the session's event channel. It is closed after the
// ended event. Events are dropped when the buffer is full.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once the call has ended and been scored.
func (s *Session) Done() <-chan struct{} { return s.done }

// CallState returns the current lifecycle state.
func (s *Session) CallState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Activity returns the operation in progress.
func (s *Session) Activity() Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activity
}

// Duration returns the call time counted while connected.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed
}

// Outcome returns the scored result, or nil while the call is live.
func (s *Session) Outcome() *training.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		return nil
	}
	out := *s.outcome
	return &out
}

// Wait blocks until the call is scored or ctx is done.
func (s *Session) Wait(ctx context.Context) (training.Outcome, error) {
	select {
	case <-s.done:
		if out := s.Outcome(); out != nil {
			return *out, nil
		}
		return training.Outcome{SessionID: s.id}, nil
	case <-ctx.Done():
		return training.Outcome{}, ctx.Err()
	}
}

// Snapshot returns a copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:         s.id,
		AttemptID:  s.attemptID,
		UserID:     s.principal.UserID,
		Module:     s.module.ID,
		Mode:       s.mode,
		State:      s.state,
		Activity:   s.activity,
		Degraded:   s.degraded.Load(),
		StartedAt:  s.startedAt,
		Duration:   s.elapsed,
		Turns:      s.turns,
		Transcript: slices.Clone(s.transcript),
		EndReason:  s.endReason,
	}
	if s.current != nil {
		ev := *s.current
		snap.CurrentEvaluation = &ev
	}
	if s.outcome != nil {
		out := *s.outcome
		snap.Outcome = &out
	}
	return snap
}

func (s *Session) now() time.Time { return s.orch.cfg.Now() }

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.emit(Event{Kind: EventStateChanged, State: st})
}

// connect moves a dialing call to connected and starts the duration clock.
func (s *Session) connect() {
	s.mu.Lock()
	s.state = StateConnected
	s.startedAt = s.now()
	s.mu.Unlock()
	s.emit(Event{Kind: EventStateChanged, State: StateConnected})

	go s.runClock(s.orch.cfg.TickInterval)
}

func (s *Session) runClock(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stopTick:
			return
		case <-t.C:
			s.mu.Lock()
			if s.state == StateConnected {
				s.elapsed += time.Second
			}
			s.mu.Unlock()
		}
	}
}

// abort ends a call that never connected. Nothing is scored.
func (s *Session) abort(reason EndReason) {
	if !s.hangingUp.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	s.state = StateEnded
	s.endReason = reason
	s.endedAt = s.now()
	s.mu.Unlock()

	s.cancel()
	close(s.stopTick)
	s.emit(Event{Kind: EventStateChanged, State: StateEnded})
	s.closeEvents()
	close(s.done)
}

func (s *Session) degrade(msg string) {
	if !s.degraded.CompareAndSwap(false, true) {
		return
	}
	s.orch.logger.Info("call degraded to text input", "session_id", s.id, "reason", msg)
	s.emit(Event{Kind: EventDegraded, ErrorKind: failure.KindCapabilityUnavailable, Error: msg})
}

// onDisplaced runs when another call takes the voice device. The device
// has already been stopped.
func (s *Session) onDisplaced() {
	s.mu.Lock()
	if s.activity == ActivityCapturing {
		s.activity = ActivityNone
		s.captureSeq++
	}
	s.mu.Unlock()
	s.degrade("voice device taken by another call; use text input")
}

// openCapture listens for the next user utterance if the call is idle
// between turns and has a voice device.
func (s *Session) openCapture() {
	if s.degraded.Load() {
		return
	}
	s.mu.Lock()
	if s.state != StateConnected || s.activity != ActivityNone || s.ending {
		s.mu.Unlock()
		return
	}
	s.captureSeq++
	seq := s.captureSeq
	s.activity = ActivityCapturing
	s.mu.Unlock()

	ok := s.lease.StartCapture(
		func(transcript string, _ float64) { s.onCaptured(seq, transcript) },
		func(err error) { s.onCaptureError(seq, err) },
	)

	s.mu.Lock()
	if !ok {
		if s.activity == ActivityCapturing && s.captureSeq == seq {
			s.activity = ActivityNone
		}
		s.mu.Unlock()
		s.degrade("voice capture could not start; use text input")
		return
	}
	// A hangup or a typed turn took over while the device was starting.
	// The stop they issued ran before this capture was listening. A newer
	// capture holding the activity owns the device and is left alone.
	stale := s.state == StateEnded || s.activity != ActivityCapturing
	s.mu.Unlock()

	if stale {
		s.lease.StopCapture()
	}
}

func (s *Session) onCaptured(seq uint64, transcript string) {
	transcript = strings.TrimSpace(transcript)

	s.mu.Lock()
	if s.state != StateConnected || s.activity != ActivityCapturing || s.captureSeq != seq {
		s.mu.Unlock()
		return
	}
	if transcript == "" {
		s.activity = ActivityNone
		s.mu.Unlock()
		s.openCapture()
		return
	}
	s.activity = ActivityAwaitingReply
	s.mu.Unlock()

	go func() {
		_, _ = s.turn(s.ctx, transcript)
	}()
}

func (s *Session) onCaptureError(seq uint64, err error) {
	s.mu.Lock()
	if s.activity != ActivityCapturing || s.captureSeq != seq {
		s.mu.Unlock()
		return
	}
	s.activity = ActivityNone
	s.mu.Unlock()

	s.orch.logger.Warn("voice capture failed", "session_id", s.id, "error", err)
	s.emit(Event{Kind: EventError, ErrorKind: failure.KindCapabilityUnavailable, Error: err.Error()})
	s.degrade("voice capture failed; use text input")
}

// SubmitUserUtterance takes text as the user's next turn, in place of
// captured speech. It returns once the reply has been delivered. Engine
// failures return a transient_engine_failure error and leave the call
// connected so the turn can be retried.
func (s *Session) SubmitUserUtterance(ctx context.Context, text string) (*TurnOutcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyUtterance
	}

	s.mu.Lock()
	switch {
	case s.state != StateConnected:
		s.mu.Unlock()
		return nil, ErrNotConnected
	case s.ending:
		s.mu.Unlock()
		return nil, ErrCallEnding
	case s.activity == ActivityAwaitingReply, s.activity == ActivitySynthesizing:
		s.mu.Unlock()
		return nil, ErrTurnInProgress
	}
	wasCapturing := s.activity == ActivityCapturing
	s.captureSeq++
	s.activity = ActivityAwaitingReply
	s.mu.Unlock()

	if wasCapturing {
		s.lease.StopCapture()
	}
	return s.turn(ctx, text)
}

// turn runs one exchange. The caller holds the awaiting-reply activity.
func (s *Session) turn(ctx context.Context, text string) (*TurnOutcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	userEntry := training.TranscriptEntry{Speaker: training.SpeakerUser, Text: text, Timestamp: s.now()}

	s.mu.Lock()
	s.turns++
	sc := engine.SessionContext{
		SessionID: s.id,
		Module:    s.module.ID,
		Mode:      s.mode,
		Character: s.module.Character,
		Turn:      s.turns,
		History:   slices.Clone(s.transcript),
	}
	s.transcript = append(s.transcript, userEntry)
	s.mu.Unlock()
	s.emit(Event{Kind: EventTranscript, Entry: &userEntry})

	res, err := s.orch.engine.EvaluateTurn(ctx, text, sc)

	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	if err != nil {
		s.activity = ActivityNone
		s.mu.Unlock()

		if failure.KindOf(err) == failure.KindUnknown {
			err = failure.Wrap(failure.KindTransientEngineFailure, "conversation engine failed", err)
		}
		s.orch.logger.Warn("engine turn failed", "session_id", s.id, "turn", sc.Turn, "error", err)
		s.emit(Event{Kind: EventError, ErrorKind: failure.KindOf(err), Error: err.Error()})
		s.openCapture()
		return nil, err
	}

	out := &TurnOutcome{
		Turn:     sc.Turn,
		Reply:    strings.TrimSpace(res.ReplyText),
		NoReply:  res.NoReply(),
		EndsCall: res.EndsCall(),
	}
	var replyEntry *training.TranscriptEntry
	if !out.NoReply {
		replyEntry = &training.TranscriptEntry{Speaker: training.SpeakerProspect, Text: out.Reply, Timestamp: s.now()}
		s.transcript = append(s.transcript, *replyEntry)
	}
	if res.Evaluation != nil {
		ev := *res.Evaluation
		ev.Score = training.ClampScore(ev.Score)
		s.evals = append(s.evals, ev)
		s.current = &ev
		out.Evaluation = &ev
	}
	if out.EndsCall {
		s.ending = true
	}
	speak := !out.NoReply && !s.degraded.Load()
	if speak {
		s.activity = ActivitySynthesizing
	} else {
		s.activity = ActivityNone
	}
	s.mu.Unlock()

	if replyEntry != nil {
		s.emit(Event{Kind: EventTranscript, Entry: replyEntry})
	}
	if out.Evaluation != nil {
		ev := *out.Evaluation
		s.emit(Event{Kind: EventEvaluation, Evaluation: &ev})
	}

	if speak {
		s.speak(ctx, out.Reply)
	}

	if out.EndsCall {
		s.scheduleEnd()
	} else {
		s.openCapture()
	}

	out.State = s.CallState()
	out.Degraded = s.degraded.Load()
	return out, nil
}

// speak synthesizes a reply. Synthesis failures are logged and dropped;
// the reply text has already been delivered.
func (s *Session) speak(ctx context.Context, text string) {
	opts := s.orch.cfg.VoiceOptions
	if s.module.Character.Voice != "" {
		opts.Voice = s.module.Character.Voice
	}
	err := s.lease.StartSynthesis(ctx, text, opts)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.orch.logger.Debug("synthesis failed", "session_id", s.id, "error", err)
	}

	s.mu.Lock()
	if s.state == StateConnected && s.activity == ActivitySynthesizing {
		s.activity = ActivityNone
	}
	s.mu.Unlock()
}

func (s *Session) scheduleEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.grace != nil {
		return
	}
	s.grace = time.AfterFunc(s.orch.cfg.EndGrace, func() {
		s.HangUp(EndCallCompleted)
	})
}

// HangUp ends the call. Only the first call has any effect and reports
// true; it stops capture, synthesis and the clock, cancels any turn in
// flight, and scores the call in the background.
func (s *Session) HangUp(reason EndReason) bool {
	if !s.hangingUp.CompareAndSwap(false, true) {
		return false
	}

	s.mu.Lock()
	s.state = StateEnded
	s.activity = ActivityNone
	s.captureSeq++
	s.endReason = reason
	s.endedAt = s.now()
	if s.grace != nil {
		s.grace.Stop()
	}
	s.mu.Unlock()

	s.cancel()
	close(s.stopTick)
	if s.lease != nil {
		s.lease.Release()
	}
	s.emit(Event{Kind: EventStateChanged, State: StateEnded})
	s.orch.logger.Info("call ended", "session_id", s.id, "reason", reason)

	go s.finish()
	return true
}

func (s *Session) record() training.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return training.SessionRecord{
		ID:          s.id,
		AttemptID:   s.attemptID,
		Principal:   s.principal,
		Module:      s.module.ID,
		Mode:        s.mode,
		StartedAt:   s.startedAt,
		EndedAt:     s.endedAt,
		Duration:    s.elapsed,
		Transcript:  slices.Clone(s.transcript),
		Evaluations: slices.Clone(s.evals),
		EndReason:   string(s.endReason),
	}
}

func (s *Session) finish() {
	rec := s.record()

	var out training.Outcome
	if f := s.orch.cfg.Finisher; f != nil {
		out = f.Finish(context.Background(), rec)
	} else {
		out = training.Outcome{SessionID: s.id}
	}

	s.mu.Lock()
	s.outcome = &out
	s.mu.Unlock()

	s.emit(Event{Kind: EventEnded, State: StateEnded, Outcome: &out})
	s.closeEvents()
	close(s.done)
}

func (s *Session) emit(ev Event) {
	ev.SessionID = s.id
	if ev.At.IsZero() {
		ev.At = s.now()
	}

	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.evClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Session) closeEvents() {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if !s.evClosed {
		s.evClosed = true
		close(s.events)
	}
}
