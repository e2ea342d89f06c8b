package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/txn2/mcp-coldcall-trainer/pkg/failure"
)

// DefaultTimeout bounds a single engine round trip.
const DefaultTimeout = 5 * time.Second

type timeoutClient struct {
	next    Client
	timeout time.Duration
}

// WithTimeout bounds every call to next by timeout and classifies all
// errors as transient engine failures. The bound holds even when next
// ignores its context. A non-positive timeout uses DefaultTimeout.
func WithTimeout(next Client, timeout time.Duration) Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &timeoutClient{next: next, timeout: timeout}
}

func (c *timeoutClient) EvaluateTurn(ctx context.Context, transcript string, sc SessionContext) (*TurnResult, error) {
	ctx, span := otel.Tracer("github.com/txn2/mcp-coldcall-trainer/pkg/engine").Start(ctx, "engine.evaluate_turn")
	span.SetAttributes(
		attribute.String("module", sc.Module),
		attribute.String("mode", string(sc.Mode)),
		attribute.Int("turn", sc.Turn),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type reply struct {
		res *TurnResult
		err error
	}
	// Buffered so a client that ignores ctx can finish after we return.
	ch := make(chan reply, 1)
	go func() {
		res, err := c.next.EvaluateTurn(ctx, transcript, sc)
		ch <- reply{res, err}
	}()

	var (
		res *TurnResult
		err error
	)
	select {
	case r := <-ch:
		res, err = r.res, r.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err == nil && res == nil {
		err = ErrMalformedReply
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, failure.Wrap(failure.KindTransientEngineFailure, "conversation engine timed out", err)
		}
		return nil, failure.Wrap(failure.KindTransientEngineFailure, "conversation engine failed", err)
	}
	if res.Stage == "" {
		res.Stage = StageContinue
	}
	span.SetAttributes(attribute.String("stage", string(res.Stage)), attribute.Bool("no_reply", res.NoReply()))
	return res, nil
}
