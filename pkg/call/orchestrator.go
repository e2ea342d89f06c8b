package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/txn2/mcp-coldcall-trainer/pkg/access"
	"github.com/txn2/mcp-coldcall-trainer/pkg/catalog"
	"github.com/txn2/mcp-coldcall-trainer/pkg/engine"
	"github.com/txn2/mcp-coldcall-trainer/pkg/failure"
	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
	"github.com/txn2/mcp-coldcall-trainer/pkg/voice"
)

const (
	defaultTickInterval = time.Second
	defaultEndGrace     = 1500 * time.Millisecond
	defaultEventBuffer  = 64
)

// Gate admits a call. Begin is called once per attempt before the call
// connects and may consume single-use attempts.
type Gate interface {
	Begin(ctx context.Context, principal training.Principal, attemptID, module string, mode training.Mode) access.Decision
}

// Finisher consumes a finished call.
type Finisher interface {
	Finish(ctx context.Context, rec training.SessionRecord) training.Outcome
}

// Config configures an Orchestrator.
type Config struct {
	Catalog  *catalog.Catalog
	Access   Gate
	Engine   engine.Client
	Voice    *voice.Arbiter
	Finisher Finisher

	// EngineTimeout bounds each engine round trip.
	EngineTimeout time.Duration

	// TickInterval is the period of the duration counter. Each tick adds
	// one second of call time.
	TickInterval time.Duration

	// EndGrace is how long a call stays up after the prospect's final line.
	EndGrace time.Duration

	EventBuffer  int
	VoiceOptions voice.Options
	Logger       *slog.Logger
	Now          func() time.Time
	NewID        func() string
}

// Orchestrator starts calls.
type Orchestrator struct {
	cfg    Config
	engine engine.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Catalog == nil:
		return nil, errors.New("call: catalog is required")
	case cfg.Access == nil:
		return nil, errors.New("call: access gate is required")
	case cfg.Engine == nil:
		return nil, errors.New("call: conversation engine is required")
	}
	if cfg.Voice == nil {
		cfg.Voice = voice.NewArbiter(nil)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.EndGrace <= 0 {
		cfg.EndGrace = defaultEndGrace
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		cfg:    cfg,
		engine: engine.WithTimeout(cfg.Engine, cfg.EngineTimeout),
		logger: logger,
		tracer: otel.Tracer("github.com/txn2/mcp-coldcall-trainer/pkg/call"),
	}, nil
}

// Catalog returns the module catalog.
func (o *Orchestrator) Catalog() *catalog.Catalog {
	return o.cfg.Catalog
}

// StartRequest asks for a new call.
type StartRequest struct {
	Principal training.Principal
	Module    string
	Mode      training.Mode

	// AttemptID makes a retried start idempotent. Generated when empty.
	AttemptID string
}

// StartSession dials a new call. On success the returned session is
// connected. A denied request returns an access_denied failure carrying the
// decision reason in its metadata; any other setup problem returns a
// fatal_setup_failure. In both cases no session is left running.
func (o *Orchestrator) StartSession(ctx context.Context, req StartRequest) (*Session, error) {
	ctx, span := o.tracer.Start(ctx, "call.start", trace.WithAttributes(
		attribute.String("module", req.Module),
		attribute.String("mode", string(req.Mode)),
		attribute.String("tier", string(req.Principal.Tier)),
	))
	defer span.End()

	s, err := o.start(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("session_id", s.id),
		attribute.Bool("degraded", s.Degraded()),
	)
	return s, nil
}

func (o *Orchestrator) start(ctx context.Context, req StartRequest) (*Session, error) {
	if req.Principal.UserID == "" {
		return nil, failure.New(failure.KindFatalSetupFailure, "no user for call")
	}
	if !req.Principal.Tier.Valid() {
		return nil, failure.New(failure.KindFatalSetupFailure, fmt.Sprintf("unknown tier %q", req.Principal.Tier))
	}
	if req.AttemptID == "" {
		req.AttemptID = o.cfg.NewID()
	}

	s := newSession(o, req)
	s.setState(StateDialing)

	d := o.cfg.Access.Begin(ctx, req.Principal, req.AttemptID, req.Module, req.Mode)
	if !d.Allowed {
		s.abort(EndAccessDenied)
		o.logger.Info("call denied",
			"user_id", req.Principal.UserID,
			"module", req.Module,
			"mode", req.Mode,
			"reason", d.Reason,
		)
		return nil, failure.WithMetadata(failure.KindAccessDenied, d.Message, map[string]string{
			"reason": string(d.Reason),
			"module": req.Module,
			"mode":   string(req.Mode),
		})
	}

	mod, ok := o.cfg.Catalog.Get(req.Module)
	if !ok {
		s.abort(EndSetupFailed)
		return nil, failure.New(failure.KindFatalSetupFailure, fmt.Sprintf("module %q has no configuration", req.Module))
	}
	if err := ctx.Err(); err != nil {
		s.abort(EndSetupFailed)
		return nil, failure.Wrap(failure.KindFatalSetupFailure, "call setup cancelled", err)
	}
	s.module = mod

	s.lease = o.cfg.Voice.Acquire(s.id, s.onDisplaced)
	if !s.lease.Ready() {
		s.degrade("voice capability unavailable; use text input")
	}

	s.connect()
	o.logger.Info("call connected",
		"session_id", s.id,
		"user_id", req.Principal.UserID,
		"module", req.Module,
		"mode", req.Mode,
		"degraded", s.Degraded(),
	)
	s.openCapture()
	return s, nil
}
