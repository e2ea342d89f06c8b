package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-coldcall-trainer/pkg/failure"
	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

var testSC = SessionContext{SessionID: "s1", Module: "opener", Mode: training.ModePractice}

func TestTurnResult(t *testing.T) {
	assert.True(t, (&TurnResult{ReplyText: "  "}).NoReply())
	assert.False(t, (&TurnResult{ReplyText: "hi"}).NoReply())
	assert.True(t, (&TurnResult{Stage: StageEndCall}).EndsCall())
	assert.False(t, (&TurnResult{Stage: StageContinue}).EndsCall())
}

func TestWithTimeout(t *testing.T) {
	t.Run("passes result through", func(t *testing.T) {
		c := WithTimeout(ClientFunc(func(context.Context, string, SessionContext) (*TurnResult, error) {
			return &TurnResult{ReplyText: "hello"}, nil
		}), time.Second)

		res, err := c.EvaluateTurn(context.Background(), "hi", testSC)
		require.NoError(t, err)
		assert.Equal(t, "hello", res.ReplyText)
		assert.Equal(t, StageContinue, res.Stage)
	})

	t.Run("times out", func(t *testing.T) {
		c := WithTimeout(ClientFunc(func(ctx context.Context, _ string, _ SessionContext) (*TurnResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}), 20*time.Millisecond)

		start := time.Now()
		_, err := c.EvaluateTurn(context.Background(), "hi", testSC)
		require.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
		assert.ErrorIs(t, err, failure.ErrTransientEngineFailure)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Contains(t, err.Error(), "timed out")
	})

	t.Run("times out a client that ignores its context", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		c := WithTimeout(ClientFunc(func(context.Context, string, SessionContext) (*TurnResult, error) {
			<-release
			return &TurnResult{ReplyText: "too late"}, nil
		}), 20*time.Millisecond)

		start := time.Now()
		res, err := c.EvaluateTurn(context.Background(), "hi", testSC)
		require.Error(t, err)
		assert.Nil(t, res)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, failure.KindTransientEngineFailure, failure.KindOf(err))
		assert.Contains(t, err.Error(), "timed out")
	})

	t.Run("classifies errors", func(t *testing.T) {
		c := WithTimeout(ClientFunc(func(context.Context, string, SessionContext) (*TurnResult, error) {
			return nil, errors.New("502 bad gateway")
		}), time.Second)

		_, err := c.EvaluateTurn(context.Background(), "hi", testSC)
		assert.Equal(t, failure.KindTransientEngineFailure, failure.KindOf(err))
	})

	t.Run("nil result is malformed", func(t *testing.T) {
		c := WithTimeout(ClientFunc(func(context.Context, string, SessionContext) (*TurnResult, error) {
			return nil, nil //nolint:nilnil // exercising a misbehaving client
		}), 0)

		_, err := c.EvaluateTurn(context.Background(), "hi", testSC)
		assert.ErrorIs(t, err, ErrMalformedReply)
	})
}

func TestScripted(t *testing.T) {
	s := NewScripted("one", "two")
	ctx := context.Background()

	r1, err := s.EvaluateTurn(ctx, "Hi Dana, this is Sam from Acme, do you have two minutes?", testSC)
	require.NoError(t, err)
	assert.Equal(t, "one", r1.ReplyText)
	assert.Equal(t, StageContinue, r1.Stage)
	require.NotNil(t, r1.Evaluation)
	assert.GreaterOrEqual(t, r1.Evaluation.Score, 3.0)
	assert.True(t, r1.Evaluation.Passed)

	r2, err := s.EvaluateTurn(ctx, "ok", testSC)
	require.NoError(t, err)
	assert.Equal(t, "two", r2.ReplyText)
	assert.Equal(t, StageEndCall, r2.Stage)
	assert.False(t, r2.Evaluation.Passed)

	// Sessions are independent; a finished session starts over.
	other := testSC
	other.SessionID = "s2"
	r3, err := s.EvaluateTurn(ctx, "hello", other)
	require.NoError(t, err)
	assert.Equal(t, "one", r3.ReplyText)
}

func TestScripted_Defaults(t *testing.T) {
	s := NewScripted()
	assert.Len(t, s.Lines, 4)

	res, err := s.EvaluateTurn(context.Background(), "", testSC)
	require.NoError(t, err)
	assert.Zero(t, res.Evaluation.Score)
}
