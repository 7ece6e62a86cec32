package brain

import (
	"context"
	"strings"

	"github.com/echodiary/echodiary/internal/modes"
)

// MockAdapter is a local fallback used when no API key is configured. It
// keeps the conversation loop and the pipeline runnable end to end without
// any upstream collaborator.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) Reply(_ context.Context, mode modes.Mode, _ []Message, _ string) (string, error) {
	switch mode {
	case modes.ModeToughLove:
		return "I hear you. What's one small step you could take today?", nil
	case modes.ModeListener:
		return "That sounds like a lot. Tell me more.", nil
	default:
		return "I'm here with you. Tell me more.", nil
	}
}

func (a *MockAdapter) Extract(_ context.Context, _ string) (ExtractionResult, error) {
	return ExtractionResult{}, nil
}

func (a *MockAdapter) Score(_ context.Context, transcript string) (MoodResult, error) {
	// A crude keyword heuristic so local runs still exercise the
	// low-mood path.
	lower := strings.ToLower(transcript)
	for _, w := range []string{"stressed", "awful", "terrible", "depressed", "hopeless"} {
		if strings.Contains(lower, w) {
			return MoodResult{Score: 2.5, Sentiment: "negative", Emotions: []string{"stressed"}}, nil
		}
	}
	return MoodResult{Score: 5.0, Sentiment: "neutral"}, nil
}

func (a *MockAdapter) Summarize(_ context.Context, _ string) (string, error) {
	return "A short diary conversation.", nil
}
