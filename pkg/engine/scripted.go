package engine

import (
	"context"
	"strings"
	"sync"

	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

// Scripted is an offline engine that plays back fixed prospect lines and
// scores turns by simple heuristics. It is used when no model backend is
// configured and in tests.
type Scripted struct {
	Lines []string

	mu   sync.Mutex
	next map[string]int
}

// NewScripted creates a scripted engine. With no lines a short default
// script is used.
func NewScripted(lines ...string) *Scripted {
	if len(lines) == 0 {
		lines = []string{
			"Hello, who is this?",
			"Okay, I have a minute. What is this about?",
			"We already work with someone for that.",
			"Send me something by email and I will take a look. Goodbye.",
		}
	}
	return &Scripted{Lines: lines, next: make(map[string]int)}
}

// EvaluateTurn returns the session's next line. The last line ends the call.
func (s *Scripted) EvaluateTurn(_ context.Context, transcript string, sc SessionContext) (*TurnResult, error) {
	s.mu.Lock()
	i := s.next[sc.SessionID]
	s.next[sc.SessionID] = i + 1
	s.mu.Unlock()

	if i >= len(s.Lines) {
		i = len(s.Lines) - 1
	}

	score := heuristicScore(transcript)
	res := &TurnResult{
		ReplyText: s.Lines[i],
		Evaluation: &training.Evaluation{
			Score:    score,
			Feedback: heuristicFeedback(score),
			Passed:   score >= 3,
		},
		Stage: StageContinue,
	}
	if i == len(s.Lines)-1 {
		res.Stage = StageEndCall
		s.mu.Lock()
		delete(s.next, sc.SessionID)
		s.mu.Unlock()
	}
	return res, nil
}

func heuristicScore(transcript string) float64 {
	t := strings.ToLower(strings.TrimSpace(transcript))
	if t == "" {
		return 0
	}
	score := 1.0
	if len(strings.Fields(t)) >= 8 {
		score++
	}
	if strings.Contains(t, "?") {
		score++
	}
	for _, cue := range []string{"because", "help", "meeting", "minutes", "you"} {
		if strings.Contains(t, cue) {
			score++
			break
		}
	}
	return training.ClampScore(score)
}

func heuristicFeedback(score float64) string {
	switch {
	case score >= 3:
		return "Clear and engaging. Keep leading with a question."
	case score >= 2:
		return "Decent, but give the prospect a reason to keep listening."
	default:
		return "Too short. State who you are and why you are calling."
	}
}
