package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-coldcall-trainer/pkg/engine"
	"github.com/txn2/mcp-coldcall-trainer/pkg/failure"
	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
	"github.com/txn2/mcp-coldcall-trainer/pkg/voice"
)

func startPractice(t *testing.T, o *Orchestrator) *Session {
	t.Helper()
	s, err := o.StartSession(context.Background(), StartRequest{Principal: trialUser(), Module: "opener", Mode: training.ModePractice})
	require.NoError(t, err)
	return s
}

func TestHangUp_SideEffectsExactlyOnce(t *testing.T) {
	dev := newCountingAdapter()
	fin := &recordingFinisher{}
	o := newOrchestrator(t, func(c *Config) {
		c.Voice = voice.NewArbiter(dev)
		c.Finisher = fin
	})
	s := startPractice(t, o)
	require.Equal(t, ActivityCapturing, s.Activity())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.HangUp(EndUserHangup) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	waitDone(t, s)

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), dev.stopCapture.Load())
	assert.Equal(t, int32(1), dev.stopSynth.Load())
	assert.False(t, s.HangUp(EndShutdown))
	assert.Equal(t, int32(1), dev.stopCapture.Load())
	assert.Len(t, fin.all(), 1, "scored once")

	d := s.Duration()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, d, s.Duration(), "clock stopped")

	assert.Equal(t, StateEnded, s.CallState())
	assert.Equal(t, EndUserHangup, s.Snapshot().EndReason)
	assert.False(t, dev.State().Listening)
}

func TestDurationCountsWhileConnected(t *testing.T) {
	s := startPractice(t, newOrchestrator(t, nil))
	require.Eventually(t, func() bool { return s.Duration() >= 3*time.Second }, waitFor, time.Millisecond)
	s.HangUp(EndUserHangup)
	waitDone(t, s)
}

// overlapMonitor watches the device and the engine and counts any moment
// where more than one of capture, synthesis and engine reply is active.
type overlapMonitor struct {
	*voice.Loopback
	awaiting   atomic.Bool
	violations atomic.Int32
}

func (p *overlapMonitor) check(self string) {
	st := p.Loopback.State()
	busy := 0
	if st.Listening || self == "capture" {
		busy++
	}
	if st.Speaking || self == "synth" {
		busy++
	}
	if p.awaiting.Load() || self == "engine" {
		busy++
	}
	if busy > 1 {
		p.violations.Add(1)
	}
}

func (p *overlapMonitor) StartCapture(onResult voice.ResultFunc, onError voice.ErrorFunc) bool {
	p.check("capture")
	return p.Loopback.StartCapture(onResult, onError)
}

func (p *overlapMonitor) StartSynthesis(ctx context.Context, text string, opts voice.Options) error {
	p.check("synth")
	return p.Loopback.StartSynthesis(ctx, text, opts)
}

func (p *overlapMonitor) EvaluateTurn(_ context.Context, transcript string, sc engine.SessionContext) (*engine.TurnResult, error) {
	p.check("engine")
	p.awaiting.Store(true)
	defer p.awaiting.Store(false)
	time.Sleep(2 * time.Millisecond)
	return &engine.TurnResult{
		ReplyText:  "Heard: " + transcript,
		Evaluation: &training.Evaluation{Score: float64(sc.Turn % 5), Passed: true},
		Stage:      engine.StageContinue,
	}, nil
}

func TestTurnActivitiesAreMutuallyExclusive(t *testing.T) {
	p := &overlapMonitor{Loopback: voice.NewLoopback(time.Millisecond)}
	o := newOrchestrator(t, func(c *Config) {
		c.Voice = voice.NewArbiter(p)
		c.Engine = p
	})
	s := startPractice(t, o)

	for i := range 5 {
		require.Eventually(t, func() bool { return p.Loopback.State().Listening }, waitFor, time.Millisecond, "turn %d", i)
		require.True(t, p.Feed("line"))
		require.Eventually(t, func() bool { return s.Snapshot().Turns == i+1 }, waitFor, time.Millisecond)
	}
	require.Eventually(t, func() bool { return s.Activity() == ActivityCapturing }, waitFor, time.Millisecond)

	// Typed input while listening preempts the capture.
	_, err := s.SubmitUserUtterance(context.Background(), "typed")
	require.NoError(t, err)

	s.HangUp(EndUserHangup)
	waitDone(t, s)

	assert.Zero(t, p.violations.Load())
	snap := s.Snapshot()
	assert.Equal(t, 6, snap.Turns)
	assert.Len(t, snap.Transcript, 12)
	assert.Len(t, p.Spoken(), 6)
	assert.Equal(t, training.SpeakerUser, snap.Transcript[0].Speaker)
	assert.Equal(t, "Heard: line", snap.Transcript[1].Text)
}

func TestEngineTimeoutKeepsCallConnected(t *testing.T) {
	var calls atomic.Int32
	slowOnce := engine.ClientFunc(func(ctx context.Context, _ string, _ engine.SessionContext) (*engine.TurnResult, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &engine.TurnResult{ReplyText: "Go on.", Evaluation: &training.Evaluation{Score: 3, Passed: true}}, nil
	})
	o := newOrchestrator(t, func(c *Config) {
		c.Engine = slowOnce
		c.EngineTimeout = 20 * time.Millisecond
	})
	s := startPractice(t, o)
	defer s.HangUp(EndUserHangup)

	_, err := s.SubmitUserUtterance(context.Background(), "Hi there")
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrTransientEngineFailure)
	assert.True(t, failure.KindOf(err).Recoverable())
	assert.Contains(t, err.Error(), "timed out")

	assert.Equal(t, StateConnected, s.CallState())
	assert.Equal(t, ActivityCapturing, s.Activity(), "capture re-opens for a retry")

	out, err := s.SubmitUserUtterance(context.Background(), "Hi there")
	require.NoError(t, err)
	assert.Equal(t, "Go on.", out.Reply)
	assert.Equal(t, 2, out.Turn)

	var sawError bool
	for len(s.Events()) > 0 {
		if ev := <-s.Events(); ev.Kind == EventError {
			sawError = true
			assert.Equal(t, failure.KindTransientEngineFailure, ev.ErrorKind)
		}
	}
	assert.True(t, sawError)
}

func TestEngineErrorsAreClassified(t *testing.T) {
	o := newOrchestrator(t, func(c *Config) {
		c.Engine = engine.ClientFunc(func(context.Context, string, engine.SessionContext) (*engine.TurnResult, error) {
			return nil, errors.New("503 from upstream")
		})
	})
	s := startPractice(t, o)
	defer s.HangUp(EndUserHangup)

	_, err := s.SubmitUserUtterance(context.Background(), "Hello")
	assert.Equal(t, failure.KindTransientEngineFailure, failure.KindOf(err))
	assert.Equal(t, StateConnected, s.CallState())
}

func TestProspectEndsCallAfterGrace(t *testing.T) {
	fin := &recordingFinisher{}
	o := newOrchestrator(t, func(c *Config) {
		c.Finisher = fin
		c.EndGrace = 30 * time.Millisecond
		c.Engine = engine.ClientFunc(func(context.Context, string, engine.SessionContext) (*engine.TurnResult, error) {
			return &engine.TurnResult{
				ReplyText:  "Not interested. Goodbye.",
				Evaluation: &training.Evaluation{Score: 1, Feedback: "Lead with value."},
				Stage:      engine.StageEndCall,
			}, nil
		})
	})
	s := startPractice(t, o)

	out, err := s.SubmitUserUtterance(context.Background(), "Do you have a minute?")
	require.NoError(t, err)
	assert.True(t, out.EndsCall)
	assert.Equal(t, StateConnected, out.State, "the final line is heard before the call ends")

	_, err = s.SubmitUserUtterance(context.Background(), "Wait!")
	assert.ErrorIs(t, err, ErrCallEnding)

	waitDone(t, s)
	assert.Equal(t, StateEnded, s.CallState())
	assert.False(t, s.HangUp(EndUserHangup))

	recs := fin.all()
	require.Len(t, recs, 1)
	assert.Equal(t, string(EndCallCompleted), recs[0].EndReason)
	require.Len(t, recs[0].Evaluations, 1)
	assert.Equal(t, "Lead with value.", recs[0].Evaluations[0].Feedback)
	assert.True(t, s.Outcome().Recorded)

	events := drain(s)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventEnded, last.Kind)
	require.NotNil(t, last.Outcome)
}

func TestSynthesisFailureIsSwallowed(t *testing.T) {
	dev := newCountingAdapter()
	dev.synthErr = errors.New("audio output busy")
	o := newOrchestrator(t, func(c *Config) { c.Voice = voice.NewArbiter(dev) })
	s := startPractice(t, o)
	defer s.HangUp(EndUserHangup)

	out, err := s.SubmitUserUtterance(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Who is this?", out.Reply)
	assert.Equal(t, ActivityCapturing, s.Activity())
}

func TestNoReplyIsNotAnError(t *testing.T) {
	o := newOrchestrator(t, func(c *Config) {
		c.Engine = engine.ClientFunc(func(context.Context, string, engine.SessionContext) (*engine.TurnResult, error) {
			return &engine.TurnResult{}, nil
		})
	})
	s := startPractice(t, o)
	defer s.HangUp(EndUserHangup)

	out, err := s.SubmitUserUtterance(context.Background(), "Hello?")
	require.NoError(t, err)
	assert.True(t, out.NoReply)
	assert.Nil(t, out.Evaluation)
	assert.Len(t, s.Snapshot().Transcript, 1)
}

func TestHangUpDuringTurn(t *testing.T) {
	entered := make(chan struct{})
	fin := &recordingFinisher{}
	o := newOrchestrator(t, func(c *Config) {
		c.Finisher = fin
		c.Engine = engine.ClientFunc(func(ctx context.Context, _ string, _ engine.SessionContext) (*engine.TurnResult, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	})
	s := startPractice(t, o)

	errc := make(chan error, 1)
	go func() {
		_, err := s.SubmitUserUtterance(context.Background(), "Hello")
		errc <- err
	}()
	<-entered

	_, err := s.SubmitUserUtterance(context.Background(), "Hello again")
	assert.ErrorIs(t, err, ErrTurnInProgress)

	require.True(t, s.HangUp(EndUserHangup))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(waitFor):
		t.Fatal("turn was not cancelled by hangup")
	}
	waitDone(t, s)

	recs := fin.all()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Completed(), "an unscored call is abandoned")
	assert.Len(t, recs[0].Transcript, 1)
}

func TestSubmitValidation(t *testing.T) {
	s := startPractice(t, newOrchestrator(t, nil))

	_, err := s.SubmitUserUtterance(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyUtterance)

	s.HangUp(EndUserHangup)
	_, err = s.SubmitUserUtterance(context.Background(), "Hello")
	assert.ErrorIs(t, err, ErrNotConnected)

	out, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s.ID(), out.SessionID)
}

func TestWaitHonoursContext(t *testing.T) {
	s := startPractice(t, newOrchestrator(t, nil))
	defer s.HangUp(EndUserHangup)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, s.Outcome())
}

func TestCaptureErrorDegrades(t *testing.T) {
	lb := voice.NewLoopback(time.Millisecond)
	o := newOrchestrator(t, func(c *Config) { c.Voice = voice.NewArbiter(lb) })
	s := startPractice(t, o)
	defer s.HangUp(EndUserHangup)

	require.True(t, lb.Fail(errors.New("microphone permission denied")))
	assert.True(t, s.Degraded())
	assert.Equal(t, ActivityNone, s.Activity())

	out, err := s.SubmitUserUtterance(context.Background(), "Typing instead")
	require.NoError(t, err)
	assert.True(t, out.Degraded)
}

// gatedAdapter holds the next armed StartCapture until gate is closed.
type gatedAdapter struct {
	*voice.Loopback
	armed   atomic.Bool
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedAdapter) StartCapture(onResult voice.ResultFunc, onError voice.ErrorFunc) bool {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.gate
	}
	return g.Loopback.StartCapture(onResult, onError)
}

func TestTypedTurnDuringCaptureStartLeavesDeviceIdle(t *testing.T) {
	dev := &gatedAdapter{
		Loopback: voice.NewLoopback(time.Millisecond),
		entered:  make(chan struct{}),
		gate:     make(chan struct{}),
	}
	var calls atomic.Int32
	hold := make(chan struct{})
	o := newOrchestrator(t, func(c *Config) {
		c.Voice = voice.NewArbiter(dev)
		c.Engine = engine.ClientFunc(func(ctx context.Context, _ string, _ engine.SessionContext) (*engine.TurnResult, error) {
			if calls.Add(1) > 1 {
				select {
				case <-hold:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return &engine.TurnResult{ReplyText: "Go on.", Evaluation: &training.Evaluation{Score: 3, Passed: true}}, nil
		})
	})
	s := startPractice(t, o)
	defer s.HangUp(EndUserHangup)
	require.Eventually(t, func() bool { return dev.State().Listening }, waitFor, time.Millisecond)

	// The first turn's re-open blocks inside the device start.
	dev.armed.Store(true)
	firstDone := make(chan error, 1)
	go func() {
		_, err := s.SubmitUserUtterance(context.Background(), "Hi there")
		firstDone <- err
	}()
	select {
	case <-dev.entered:
	case <-time.After(waitFor):
		t.Fatal("capture start was not reached")
	}

	// A typed turn takes over while the start is still in flight.
	secondDone := make(chan error, 1)
	go func() {
		_, err := s.SubmitUserUtterance(context.Background(), "Typed")
		secondDone <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, time.Millisecond)

	close(dev.gate)
	select {
	case err := <-firstDone:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("first turn did not return")
	}

	assert.Equal(t, ActivityAwaitingReply, s.Activity())
	assert.False(t, dev.State().Listening, "no capture while awaiting the reply")

	close(hold)
	select {
	case err := <-secondDone:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("second turn did not return")
	}
}

func TestEngineSeesHistory(t *testing.T) {
	var last engine.SessionContext
	var mu sync.Mutex
	o := newOrchestrator(t, func(c *Config) {
		c.Voice = voice.NewArbiter(nil)
		c.Engine = engine.ClientFunc(func(_ context.Context, _ string, sc engine.SessionContext) (*engine.TurnResult, error) {
			mu.Lock()
			last = sc
			mu.Unlock()
			return &engine.TurnResult{ReplyText: "Okay."}, nil
		})
	})
	s := startPractice(t, o)
	defer s.HangUp(EndUserHangup)

	_, err := s.SubmitUserUtterance(context.Background(), "One")
	require.NoError(t, err)
	_, err = s.SubmitUserUtterance(context.Background(), "Two")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, last.Turn)
	assert.Equal(t, "opener", last.Module)
	assert.Equal(t, "Dana Reyes", last.Character.Name)
	require.Len(t, last.History, 2)
	assert.Equal(t, "One", last.History[0].Text)
	assert.Equal(t, "Okay.", last.History[1].Text)
}
