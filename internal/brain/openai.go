package brain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/echodiary/echodiary/internal/modes"
	"github.com/echodiary/echodiary/internal/reliability"
	"github.com/echodiary/echodiary/internal/store"
)

const extractPrompt = `Extract entities and relations from this conversation transcript.

Transcript:
%s

Return a JSON object with:
- "entities": list of {name, type, properties} where type is: Person, Place, Org, Topic, or Emotion
- "relations": list of {entity1, entity2, relation_type, context} where relation_type is: met_with, argued_with, worked_on, felt, or went_to

Return only valid JSON, no other text.`

const moodPrompt = `Analyze the emotional tone of this conversation and provide:
1. Mood score (1-10, where 1 = very negative, 10 = very positive)
2. Overall sentiment (positive, neutral, or negative)
3. Detected emotions (list of words like: happy, sad, stressed, anxious, excited)

Transcript:
%s

Return JSON: {"score": 5.5, "sentiment": "neutral", "emotions": ["stressed", "tired"]}

Return only valid JSON.`

const summaryPrompt = `Summarize this diary call conversation in 2-3 sentences.
Focus on key topics, emotions, and important moments.

Conversation:
%s

Return only the summary text.`

// OpenAIAdapter talks to the OpenAI chat completion API for all four
// collaborator roles.
type OpenAIAdapter struct {
	client    *openai.Client
	model     string
	maxTokens int
}

func NewOpenAIAdapter(cfg Config) *OpenAIAdapter {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = openai.GPT4TurboPreview
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 100
	}
	return &OpenAIAdapter{
		client:    openai.NewClient(cfg.APIKey),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (a *OpenAIAdapter) Reply(ctx context.Context, mode modes.Mode, history []Message, userText string) (string, error) {
	bundle := modes.BundleFor(mode)
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: bundle.SystemPrompt,
	})
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Speaker == store.SpeakerAgent {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userText,
	})

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Messages:    messages,
		MaxTokens:   a.maxTokens,
		Temperature: bundle.Temperature,
	})
	if err != nil {
		return "", classify("reply", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("reply: empty completion")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (a *OpenAIAdapter) Extract(ctx context.Context, transcript string) (ExtractionResult, error) {
	content, err := a.jsonCompletion(ctx,
		"You are a helpful assistant that extracts structured data.",
		fmt.Sprintf(extractPrompt, transcript))
	if err != nil {
		return ExtractionResult{}, classify("extract", err)
	}
	return ParseExtraction([]byte(content))
}

func (a *OpenAIAdapter) Score(ctx context.Context, transcript string) (MoodResult, error) {
	content, err := a.jsonCompletion(ctx,
		"You are an emotion analysis assistant.",
		fmt.Sprintf(moodPrompt, transcript))
	if err != nil {
		return MoodResult{}, classify("score", err)
	}
	return ParseMood([]byte(content))
}

func (a *OpenAIAdapter) Summarize(ctx context.Context, transcript string) (string, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(summaryPrompt, transcript)},
		},
		MaxTokens:   200,
		Temperature: 0.5,
	})
	if err != nil {
		return "", classify("summarize", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("summarize: empty completion")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (a *OpenAIAdapter) jsonCompletion(ctx context.Context, system, prompt string) (string, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

// classify wraps API failures so the retry loop can tell rejected requests
// from transient upstream trouble.
func classify(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && !reliability.IsRetryableHTTPStatus(apiErr.HTTPStatusCode) {
		return fmt.Errorf("%s: %v: %w", op, err, reliability.ErrPermanent)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ParseExtraction validates the extraction collaborator's JSON payload.
// A payload that does not decode, or decodes to nothing usable, is a
// malformed result and is reported as an extraction failure.
func ParseExtraction(data []byte) (ExtractionResult, error) {
	var res ExtractionResult
	if err := json.Unmarshal(data, &res); err != nil {
		return ExtractionResult{}, fmt.Errorf("malformed extraction result: %w", err)
	}
	entities := res.Entities[:0]
	for _, e := range res.Entities {
		if strings.TrimSpace(e.Name) == "" {
			continue
		}
		entities = append(entities, e)
	}
	res.Entities = entities

	relations := res.Relations[:0]
	for _, r := range res.Relations {
		if strings.TrimSpace(r.Source) == "" || strings.TrimSpace(r.Target) == "" {
			continue
		}
		relations = append(relations, r)
	}
	res.Relations = relations
	return res, nil
}

// ParseMood validates the scoring collaborator's JSON payload. Scores
// outside [1,10] are malformed rather than silently clamped.
func ParseMood(data []byte) (MoodResult, error) {
	var res MoodResult
	if err := json.Unmarshal(data, &res); err != nil {
		return MoodResult{}, fmt.Errorf("malformed mood result: %w", err)
	}
	if res.Score < 1 || res.Score > 10 {
		return MoodResult{}, fmt.Errorf("malformed mood result: score %.2f outside [1,10]", res.Score)
	}
	switch res.Sentiment {
	case "positive", "neutral", "negative":
	default:
		res.Sentiment = "neutral"
	}
	return res, nil
}
