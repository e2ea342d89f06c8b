package call

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-coldcall-trainer/pkg/access"
	"github.com/txn2/mcp-coldcall-trainer/pkg/catalog"
	"github.com/txn2/mcp-coldcall-trainer/pkg/engine"
	"github.com/txn2/mcp-coldcall-trainer/pkg/progress"
	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
	"github.com/txn2/mcp-coldcall-trainer/pkg/voice"
)

const waitFor = 2 * time.Second

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(catalog.DefaultModules(), catalog.DefaultThreshold)
	require.NoError(t, err)
	return cat
}

func trialUser() training.Principal {
	return training.Principal{UserID: "u1", Tier: training.TierTrial}
}

type gateFunc func(ctx context.Context, p training.Principal, attemptID, module string, mode training.Mode) access.Decision

func (f gateFunc) Begin(ctx context.Context, p training.Principal, attemptID, module string, mode training.Mode) access.Decision {
	return f(ctx, p, attemptID, module, mode)
}

func allowAll() Gate {
	return gateFunc(func(_ context.Context, _ training.Principal, _, module string, mode training.Mode) access.Decision {
		return access.Decision{Allowed: true, Reason: access.ReasonAlwaysAvailable, Module: module, Mode: mode}
	})
}

// replyEngine answers every turn with a fixed line and score.
func replyEngine(reply string, score float64) engine.Client {
	return engine.ClientFunc(func(context.Context, string, engine.SessionContext) (*engine.TurnResult, error) {
		return &engine.TurnResult{
			ReplyText:  reply,
			Evaluation: &training.Evaluation{Score: score, Passed: score >= 3},
			Stage:      engine.StageContinue,
		}, nil
	})
}

type recordingFinisher struct {
	mu      sync.Mutex
	records []training.SessionRecord
}

func (f *recordingFinisher) Finish(_ context.Context, rec training.SessionRecord) training.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return training.Outcome{SessionID: rec.ID, Recorded: rec.Completed()}
}

func (f *recordingFinisher) all() []training.SessionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]training.SessionRecord, len(f.records))
	copy(out, f.records)
	return out
}

// countingAdapter counts device stops and can fail synthesis.
type countingAdapter struct {
	*voice.Loopback
	stopCapture atomic.Int32
	stopSynth   atomic.Int32
	synthErr    error
}

func newCountingAdapter() *countingAdapter {
	return &countingAdapter{Loopback: voice.NewLoopback(time.Millisecond)}
}

func (a *countingAdapter) StopCapture() {
	a.stopCapture.Add(1)
	a.Loopback.StopCapture()
}

func (a *countingAdapter) StopSynthesis() {
	a.stopSynth.Add(1)
	a.Loopback.StopSynthesis()
}

func (a *countingAdapter) StartSynthesis(ctx context.Context, text string, opts voice.Options) error {
	if a.synthErr != nil {
		return a.synthErr
	}
	return a.Loopback.StartSynthesis(ctx, text, opts)
}

func newOrchestrator(t *testing.T, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := Config{
		Catalog:      testCatalog(t),
		Access:       allowAll(),
		Engine:       replyEngine("Who is this?", 3),
		Voice:        voice.NewArbiter(voice.NewLoopback(time.Millisecond)),
		Finisher:     &recordingFinisher{},
		TickInterval: time.Millisecond,
		EndGrace:     10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	return o
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not finish")
	}
}

func drain(s *Session) []Event {
	var out []Event
	for ev := range s.Events() {
		out = append(out, ev)
	}
	return out
}

func newAccessEngine(t *testing.T, cat *catalog.Catalog) *access.Engine {
	t.Helper()
	eng, err := access.NewEngine(cat, progress.NewMemoryStore(), access.Config{StoreTimeout: time.Second})
	require.NoError(t, err)
	return eng
}
