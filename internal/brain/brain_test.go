package brain

import (
	"context"
	"testing"
)

func TestParseExtraction(t *testing.T) {
	raw := `{
		"entities": [
			{"name": "Mom", "type": "person", "properties": {"relation": "mother"}},
			{"name": "", "type": "person"},
			{"name": "The Office", "type": "place"}
		],
		"relations": [
			{"entity1": "user", "entity2": "Mom", "relation_type": "argued_with", "context": "argued on the phone"},
			{"entity1": "", "entity2": "Mom", "relation_type": "met_with"}
		]
	}`
	res, err := ParseExtraction([]byte(raw))
	if err != nil {
		t.Fatalf("ParseExtraction: %v", err)
	}
	if len(res.Entities) != 2 {
		t.Fatalf("got %d entities, want 2 (empty name dropped)", len(res.Entities))
	}
	if res.Entities[0].Name != "Mom" || res.Entities[0].Category != "person" {
		t.Fatalf("unexpected first entity: %+v", res.Entities[0])
	}
	if len(res.Relations) != 1 {
		t.Fatalf("got %d relations, want 1 (empty endpoint dropped)", len(res.Relations))
	}
	if res.Relations[0].Category != "argued_with" {
		t.Fatalf("unexpected relation: %+v", res.Relations[0])
	}
}

func TestParseExtractionMalformed(t *testing.T) {
	if _, err := ParseExtraction([]byte("not json at all")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestParseMood(t *testing.T) {
	res, err := ParseMood([]byte(`{"score": 2.5, "sentiment": "negative", "emotions": ["stressed", "tired"]}`))
	if err != nil {
		t.Fatalf("ParseMood: %v", err)
	}
	if res.Score != 2.5 || res.Sentiment != "negative" || len(res.Emotions) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestParseMoodOutOfRange(t *testing.T) {
	if _, err := ParseMood([]byte(`{"score": 11, "sentiment": "positive"}`)); err == nil {
		t.Fatal("expected error for score outside 1-10")
	}
}

func TestParseMoodUnknownSentiment(t *testing.T) {
	res, err := ParseMood([]byte(`{"score": 6, "sentiment": "ecstatic"}`))
	if err != nil {
		t.Fatalf("ParseMood: %v", err)
	}
	if res.Sentiment != "neutral" {
		t.Fatalf("got sentiment %q, want neutral", res.Sentiment)
	}
}

func TestMockAdapterScore(t *testing.T) {
	a := NewMockAdapter()
	res, err := a.Score(context.Background(), "I feel so stressed about work")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res.Score >= 3.0 {
		t.Fatalf("got score %v, want below 3.0 for stressed transcript", res.Score)
	}
	res, err = a.Score(context.Background(), "had lunch with a friend")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res.Score != 5.0 {
		t.Fatalf("got score %v, want 5.0", res.Score)
	}
}
