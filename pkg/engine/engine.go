// Package engine defines the conversation engine contract: given what the
// user just said and the call so far, produce the prospect's reply, an
// evaluation of the user's turn, and whether the prospect ends the call.
package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/txn2/mcp-coldcall-trainer/pkg/catalog"
	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

// Stage signals how the call proceeds after a reply.
type Stage string

// Stages.
const (
	StageContinue Stage = "continue"
	StageEndCall  Stage = "end_call"
)

// ErrMalformedReply is returned when the engine answered but the answer
// could not be interpreted.
var ErrMalformedReply = errors.New("malformed engine reply")

// SessionContext is everything the engine needs to know about the call.
type SessionContext struct {
	SessionID string                     `json:"session_id"`
	Module    string                     `json:"module"`
	Mode      training.Mode              `json:"mode"`
	Character catalog.Character          `json:"character"`
	Turn      int                        `json:"turn"`
	History   []training.TranscriptEntry `json:"history,omitempty"`
}

// TurnResult is the engine's answer to one user turn. An empty ReplyText
// is a valid "no reply"; Evaluation is nil when the turn was not scored.
type TurnResult struct {
	ReplyText  string               `json:"reply_text"`
	Evaluation *training.Evaluation `json:"evaluation,omitempty"`
	Stage      Stage                `json:"stage"`
}

// NoReply reports whether the prospect said nothing.
func (r *TurnResult) NoReply() bool {
	return strings.TrimSpace(r.ReplyText) == ""
}

// EndsCall reports whether the prospect hangs up after this reply.
func (r *TurnResult) EndsCall() bool {
	return r.Stage == StageEndCall
}

// Client evaluates user turns.
type Client interface {
	EvaluateTurn(ctx context.Context, transcript string, sc SessionContext) (*TurnResult, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, transcript string, sc SessionContext) (*TurnResult, error)

// EvaluateTurn calls f.
func (f ClientFunc) EvaluateTurn(ctx context.Context, transcript string, sc SessionContext) (*TurnResult, error) {
	return f(ctx, transcript, sc)
}
