package brain

import (
	"context"
	"errors"
	"strings"

	"github.com/echodiary/echodiary/internal/modes"
	"github.com/echodiary/echodiary/internal/store"
)

// Message is one prior turn handed to the reply collaborator as context.
type Message struct {
	Speaker store.Speaker
	Text    string
}

// ExtractedEntity is one knowledge-graph node candidate from a transcript.
type ExtractedEntity struct {
	Name       string            `json:"name"`
	Category   string            `json:"type"`
	Properties map[string]string `json:"properties,omitempty"`
}

// ExtractedRelation is one edge candidate; Source/Target reference entity
// names from the same extraction result.
type ExtractedRelation struct {
	Source   string `json:"entity1"`
	Target   string `json:"entity2"`
	Category string `json:"relation_type"`
	Context  string `json:"context,omitempty"`
}

// ExtractionResult is the structured output of the extraction collaborator.
type ExtractionResult struct {
	Entities  []ExtractedEntity   `json:"entities"`
	Relations []ExtractedRelation `json:"relations"`
}

// MoodResult is the structured output of the mood-scoring collaborator.
type MoodResult struct {
	Score     float64  `json:"score"`
	Sentiment string   `json:"sentiment"`
	Emotions  []string `json:"emotions"`
}

// Adapter bridges the conversation core with the language-model collaborators.
type Adapter interface {
	Reply(ctx context.Context, mode modes.Mode, history []Message, userText string) (string, error)
	Extract(ctx context.Context, transcript string) (ExtractionResult, error)
	Score(ctx context.Context, transcript string) (MoodResult, error)
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Config controls adapter construction.
type Config struct {
	Mode      string
	APIKey    string
	Model     string
	MaxTokens int
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("OPENAI_API_KEY is required for openai mode")
		}
		return NewOpenAIAdapter(cfg), nil
	case "mock":
		return NewMockAdapter(), nil
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return NewOpenAIAdapter(cfg), nil
		}
		return NewMockAdapter(), nil
	default:
		return nil, errors.New("invalid BRAIN_PROVIDER: expected auto|openai|mock")
	}
}
