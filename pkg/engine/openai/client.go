// Package openai implements the conversation engine on OpenAI chat
// completions. The model plays the module's prospect and returns a JSON
// object carrying its reply and a score for the caller's last turn.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/txn2/mcp-coldcall-trainer/pkg/engine"
	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

const (
	defaultModel       = "gpt-3.5-turbo"
	defaultMaxTokens   = 300
	defaultTemperature = 0.7
)

// Config configures the OpenAI engine.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int64
	Temperature float64
}

// Client implements engine.Client.
type Client struct {
	api oai.Client
	cfg Config
}

// New creates an OpenAI-backed engine. Retries are disabled; the caller
// owns timeouts and the call continues on failure.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{api: oai.NewClient(opts...), cfg: cfg}
}

// reply is the JSON object the model is instructed to produce.
type reply struct {
	Reply    string   `json:"reply"`
	Score    *float64 `json:"score"`
	Feedback string   `json:"feedback"`
	Passed   *bool    `json:"passed"`
	Stage    string   `json:"stage"`
}

// EvaluateTurn asks the model for the prospect's next line.
func (c *Client) EvaluateTurn(ctx context.Context, transcript string, sc engine.SessionContext) (*engine.TurnResult, error) {
	resp, err := c.api.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:       oai.ChatModel(c.cfg.Model),
		Messages:    buildMessages(transcript, sc),
		MaxTokens:   oai.Int(c.cfg.MaxTokens),
		Temperature: oai.Float(c.cfg.Temperature),
	})
	if err != nil {
		return nil, fmt.Errorf("requesting chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", engine.ErrMalformedReply)
	}
	return parseReply(resp.Choices[0].Message.Content)
}

func buildMessages(transcript string, sc engine.SessionContext) []oai.ChatCompletionMessageParamUnion {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(sc.History)+2)
	msgs = append(msgs, oai.SystemMessage(systemPrompt(sc)))
	for _, e := range sc.History {
		switch e.Speaker {
		case training.SpeakerProspect:
			msgs = append(msgs, oai.AssistantMessage(e.Text))
		default:
			msgs = append(msgs, oai.UserMessage(e.Text))
		}
	}
	return append(msgs, oai.UserMessage(transcript))
}

func systemPrompt(sc engine.SessionContext) string {
	ch := sc.Character
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, %s at %s, a sales prospect receiving a cold call.\n", orDefault(ch.Name, "the prospect"), orDefault(ch.Role, "a manager"), orDefault(ch.Company, "a mid-sized company"))
	if ch.Persona != "" {
		fmt.Fprintf(&b, "Personality: %s\n", ch.Persona)
	}
	switch sc.Mode {
	case training.ModeMarathon:
		b.WriteString("Be moderately resistant. Raise at least one objection before agreeing to anything.\n")
	case training.ModeLegend:
		b.WriteString("Be very difficult. Interrupt, push back, and end the call quickly if the caller rambles.\n")
	default:
		b.WriteString("Be realistic but fair. Respond naturally to good technique.\n")
	}
	b.WriteString("Stay in character and keep replies to one or two spoken sentences.\n")
	b.WriteString("After each caller turn, respond ONLY with a JSON object with keys: ")
	b.WriteString(`"reply" (your spoken line, may be empty), "score" (0 to 4, the caller's last turn), `)
	b.WriteString(`"feedback" (one sentence of coaching), "passed" (true if score is 3 or more), `)
	b.WriteString(`"stage" ("continue", or "end_call" when you hang up or agree to a meeting).`)
	return b.String()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// parseReply decodes the model's JSON answer, tolerating a code fence.
func parseReply(content string) (*engine.TurnResult, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)
	if content == "" {
		return &engine.TurnResult{Stage: engine.StageContinue}, nil
	}

	var r reply
	if err := json.Unmarshal([]byte(content), &r); err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrMalformedReply, err)
	}

	res := &engine.TurnResult{ReplyText: strings.TrimSpace(r.Reply), Stage: engine.StageContinue}
	switch engine.Stage(r.Stage) {
	case engine.StageEndCall:
		res.Stage = engine.StageEndCall
	case engine.StageContinue, "":
	default:
		return nil, fmt.Errorf("%w: unknown stage %q", engine.ErrMalformedReply, r.Stage)
	}

	if r.Score != nil {
		score := training.ClampScore(*r.Score)
		passed := score >= 3
		if r.Passed != nil {
			passed = *r.Passed
		}
		res.Evaluation = &training.Evaluation{Score: score, Feedback: r.Feedback, Passed: passed}
	}
	return res, nil
}

// Verify interface compliance.
var _ engine.Client = (*Client)(nil)
