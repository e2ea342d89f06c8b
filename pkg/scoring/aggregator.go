// Package scoring turns a finished call into its outcome: the aggregate
// score, the pass verdict against the module threshold, marathon batch
// figures, and the single progress write the call is allowed to make.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/txn2/mcp-coldcall-trainer/pkg/access"
	"github.com/txn2/mcp-coldcall-trainer/pkg/audit"
	"github.com/txn2/mcp-coldcall-trainer/pkg/catalog"
	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

const (
	// DefaultBatchSize is the number of marathon calls in one batch.
	DefaultBatchSize = 10

	defaultMemoSize = 4096
)

// Recorder persists a completed attempt.
type Recorder interface {
	RecordAttempt(ctx context.Context, principal training.Principal, a access.AttemptResult) access.RecordResult
}

// Config configures an Aggregator.
type Config struct {
	BatchSize int

	// History receives one record per finished call. Optional.
	History audit.Logger
	Logger  *slog.Logger
}

type batch struct {
	attempted int
	passed    int
}

// Aggregator scores finished calls. It is safe for concurrent use.
type Aggregator struct {
	catalog  *catalog.Catalog
	recorder Recorder
	history  audit.Logger
	size     int
	logger   *slog.Logger
	tracer   trace.Tracer

	group    singleflight.Group
	outcomes *lru.Cache[string, training.Outcome]

	mu      sync.Mutex
	batches map[string]*batch
}

// New creates an aggregator.
func New(cat *catalog.Catalog, recorder Recorder, cfg Config) (*Aggregator, error) {
	if cat == nil || recorder == nil {
		return nil, fmt.Errorf("scoring: catalog and recorder are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	outcomes, err := lru.New[string, training.Outcome](defaultMemoSize)
	if err != nil {
		return nil, fmt.Errorf("creating outcome memo: %w", err)
	}
	return &Aggregator{
		catalog:  cat,
		recorder: recorder,
		history:  cfg.History,
		size:     cfg.BatchSize,
		logger:   logger,
		tracer:   otel.Tracer("github.com/txn2/mcp-coldcall-trainer/pkg/scoring"),
		outcomes: outcomes,
		batches:  make(map[string]*batch),
	}, nil
}

// Score computes the aggregate and verdict of a call without side effects.
func Score(evals []training.Evaluation, threshold float64) (aggregate float64, passed bool, turnsPassed int) {
	if len(evals) == 0 {
		return 0, false, 0
	}
	var sum float64
	for _, e := range evals {
		sum += training.ClampScore(e.Score)
		if e.Passed {
			turnsPassed++
		}
	}
	aggregate = sum / float64(len(evals))
	return aggregate, aggregate >= threshold, turnsPassed
}

// Finish aggregates a finished call. Completed calls are recorded against
// progress exactly once per session ID; repeated calls return the first
// outcome. Every call is written to the history.
func (a *Aggregator) Finish(ctx context.Context, rec training.SessionRecord) training.Outcome {
	res, _, _ := a.group.Do(rec.ID, func() (any, error) {
		if out, ok := a.outcomes.Get(rec.ID); ok {
			return out, nil
		}
		out := a.finish(ctx, rec)
		a.outcomes.Add(rec.ID, out)
		return out, nil
	})
	return res.(training.Outcome)
}

func (a *Aggregator) finish(ctx context.Context, rec training.SessionRecord) training.Outcome {
	ctx, span := a.tracer.Start(ctx, "scoring.finish", trace.WithAttributes(
		attribute.String("session_id", rec.ID),
		attribute.String("module", rec.Module),
		attribute.String("mode", string(rec.Mode)),
		attribute.Int("turns", len(rec.Evaluations)),
	))
	defer span.End()

	threshold := a.catalog.Threshold(rec.Module, rec.Mode)
	aggregate, passed, turnsPassed := Score(rec.Evaluations, threshold)

	out := training.Outcome{
		SessionID:      rec.ID,
		Passed:         passed,
		AggregateScore: aggregate,
		Metrics: training.Metrics{
			Turns:       len(rec.Evaluations),
			TurnsPassed: turnsPassed,
			Threshold:   threshold,
		},
	}

	if rec.Completed() {
		res := a.recorder.RecordAttempt(ctx, rec.Principal, access.AttemptResult{
			AttemptID: rec.AttemptID,
			Module:    rec.Module,
			Mode:      rec.Mode,
			Passed:    passed,
			Score:     aggregate,
		})
		out.Recorded = res.Success
		out.PendingRetry = res.PendingRetry
		out.Unlocks = res.Unlocked

		if rec.Mode == training.ModeMarathon {
			a.countBatch(rec.Principal.UserID, rec.Module, passed, &out.Metrics)
		}
	}

	span.SetAttributes(
		attribute.Float64("aggregate_score", aggregate),
		attribute.Bool("passed", passed),
		attribute.Bool("recorded", out.Recorded),
	)
	a.logger.Info("call scored",
		"session_id", rec.ID,
		"user_id", rec.Principal.UserID,
		"module", rec.Module,
		"mode", rec.Mode,
		"aggregate_score", aggregate,
		"passed", passed,
		"recorded", out.Recorded,
		"pending_retry", out.PendingRetry,
		"end_reason", rec.EndReason,
	)

	if a.history != nil {
		if err := a.history.Log(ctx, audit.NewRecord(rec, out)); err != nil {
			a.logger.Warn("writing call history", "session_id", rec.ID, "error", err)
		}
	}

	return out
}

// countBatch advances the user's marathon batch on module. A full batch is
// reported once and the next call starts a new one.
func (a *Aggregator) countBatch(userID, module string, passed bool, m *training.Metrics) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := userID + "/" + module
	b := a.batches[key]
	if b == nil {
		b = &batch{}
		a.batches[key] = b
	}
	b.attempted++
	if passed {
		b.passed++
	}

	m.BatchAttempted = b.attempted
	m.BatchPassed = b.passed
	m.BatchRequired = a.size
	m.PassRate = float64(b.passed) / float64(b.attempted)
	if b.attempted >= a.size {
		m.BatchComplete = true
		delete(a.batches, key)
	}
}

// Batch reports the user's in-progress marathon batch on module.
func (a *Aggregator) Batch(userID, module string) training.Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := training.Metrics{BatchRequired: a.size}
	if b := a.batches[userID+"/"+module]; b != nil {
		m.BatchAttempted = b.attempted
		m.BatchPassed = b.passed
		m.PassRate = float64(b.passed) / float64(b.attempted)
	}
	return m
}
