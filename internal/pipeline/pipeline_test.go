package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/echodiary/echodiary/internal/brain"
	"github.com/echodiary/echodiary/internal/lifecycle"
	"github.com/echodiary/echodiary/internal/modes"
	"github.com/echodiary/echodiary/internal/observability"
	"github.com/echodiary/echodiary/internal/reliability"
	"github.com/echodiary/echodiary/internal/store"
)

type stubBrain struct {
	mu          sync.Mutex
	extraction  brain.ExtractionResult
	extractErrs []error
	extractN    int
	mood        brain.MoodResult
	moodErr     error
	summary     string
	summaryErr  error
}

func (s *stubBrain) Reply(context.Context, modes.Mode, []brain.Message, string) (string, error) {
	return "ok", nil
}

func (s *stubBrain) Extract(context.Context, string) (brain.ExtractionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extractN++
	if len(s.extractErrs) > 0 {
		err := s.extractErrs[0]
		s.extractErrs = s.extractErrs[1:]
		if err != nil {
			return brain.ExtractionResult{}, err
		}
	}
	return s.extraction, nil
}

func (s *stubBrain) Score(context.Context, string) (brain.MoodResult, error) {
	if s.moodErr != nil {
		return brain.MoodResult{}, s.moodErr
	}
	return s.mood, nil
}

func (s *stubBrain) Summarize(context.Context, string) (string, error) {
	if s.summaryErr != nil {
		return "", s.summaryErr
	}
	return s.summary, nil
}

func newTestProcessor(t *testing.T, sb *stubBrain) (*Processor, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	metrics := observability.NewMetrics(fmt.Sprintf("echodiary_pipe_%d", time.Now().UnixNano()))
	p := NewProcessor(st, sb, lifecycle.NewBus(), metrics, Config{
		StageAttempts: 3,
		BackoffBase:   time.Millisecond,
		BackoffCap:    5 * time.Millisecond,
		StageTimeout:  time.Second,
		MoodThreshold: 3.0,
		CheckinDelay:  24 * time.Hour,
	})
	return p, st
}

func seedCall(t *testing.T, st store.Store, texts ...string) store.Call {
	t.Helper()
	ctx := context.Background()
	user, err := st.ResolveUser(ctx, "+15551000")
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	now := time.Now().UTC()
	call, _, err := st.CreateCall(ctx, store.Call{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		SID:        uuid.NewString(),
		StartTime:  now.Add(-time.Minute),
		Mode:       modes.ModeReassure,
		Processing: store.ProcessingPending,
	})
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	for i, text := range texts {
		speaker := store.SpeakerUser
		if i%2 == 1 {
			speaker = store.SpeakerAgent
		}
		_, err := st.AppendTurn(ctx, store.Turn{
			ID:        uuid.NewString(),
			CallID:    call.ID,
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Speaker:   speaker,
			Text:      text,
		})
		if err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}
	if _, err := st.FinalizeCall(ctx, call.ID, now, 60); err != nil {
		t.Fatalf("FinalizeCall: %v", err)
	}
	return call
}

func TestProcessMergesGraphAndSchedulesCheckin(t *testing.T) {
	sb := &stubBrain{
		extraction: brain.ExtractionResult{
			Entities: []brain.ExtractedEntity{
				{Name: "Mom", Category: "person"},
				{Name: "work", Category: "topic"},
			},
			Relations: []brain.ExtractedRelation{
				{Source: "user", Target: "Mom", Category: "argued_with", Context: "argued on the phone"},
			},
		},
		mood:    brain.MoodResult{Score: 2.1, Sentiment: "negative", Emotions: []string{"stressed"}},
		summary: "Argued with Mom, feeling low.",
	}
	p, st := newTestProcessor(t, sb)
	ctx := context.Background()
	call := seedCall(t, st, "I argued with my mom", "That sounds hard")

	res, err := p.Process(ctx, call.ID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Partial {
		t.Fatal("run should be complete, not partial")
	}
	if res.EntitiesMerged != 2 {
		t.Fatalf("merged %d entities, want 2", res.EntitiesMerged)
	}
	if !res.CheckinScheduled {
		t.Fatal("low mood should schedule a check-in")
	}

	updated, err := st.GetCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if updated.Processing != store.ProcessingComplete {
		t.Fatalf("processing = %s, want complete", updated.Processing)
	}
	if updated.MoodScore == nil || *updated.MoodScore != 2.1 {
		t.Fatalf("mood score not stored: %v", updated.MoodScore)
	}
	if updated.Summary == "" {
		t.Fatal("summary not stored")
	}

	checkins, err := st.ListCheckIns(ctx, call.UserID, 10)
	if err != nil {
		t.Fatalf("ListCheckIns: %v", err)
	}
	if len(checkins) != 1 || checkins[0].Status != store.CheckInPending {
		t.Fatalf("unexpected checkins: %+v", checkins)
	}

	// A second low-mood call must not stack a second pending check-in.
	call2 := seedCall(t, st, "still feeling rough")
	res2, err := p.Process(ctx, call2.ID)
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if res2.CheckinScheduled {
		t.Fatal("second pending check-in must not be created")
	}
}

func TestProcessRepeatMentionsBumpCount(t *testing.T) {
	sb := &stubBrain{
		extraction: brain.ExtractionResult{
			Entities: []brain.ExtractedEntity{{Name: "Mom", Category: "person"}},
		},
		mood: brain.MoodResult{Score: 6.0, Sentiment: "positive"},
	}
	p, st := newTestProcessor(t, sb)
	ctx := context.Background()

	call := seedCall(t, st, "talked to mom")
	if _, err := p.Process(ctx, call.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	sb.extraction.Entities[0].Name = " mom " // different surface form
	call2 := seedCall(t, st, "mom again")
	if _, err := p.Process(ctx, call2.ID); err != nil {
		t.Fatalf("second Process: %v", err)
	}

	entities, err := st.EntitiesForUser(ctx, call.UserID)
	if err != nil {
		t.Fatalf("EntitiesForUser: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("got %d entities, want 1 merged node", len(entities))
	}
	if entities[0].MentionCount != 2 {
		t.Fatalf("mention count = %d, want 2", entities[0].MentionCount)
	}
}

func TestProcessExtractionFailureStillScoresMood(t *testing.T) {
	permanent := fmt.Errorf("rejected: %w", reliability.ErrPermanent)
	sb := &stubBrain{
		extractErrs: []error{permanent},
		mood:        brain.MoodResult{Score: 7.5, Sentiment: "positive"},
		summary:     "A good chat.",
	}
	p, st := newTestProcessor(t, sb)
	ctx := context.Background()
	call := seedCall(t, st, "what a great day")

	res, err := p.Process(ctx, call.ID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !res.Partial {
		t.Fatal("failed extraction should mark the run partial")
	}
	if sb.extractN != 1 {
		t.Fatalf("permanent failure retried %d times, want 1 attempt", sb.extractN)
	}

	updated, err := st.GetCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if updated.Processing != store.ProcessingPartial {
		t.Fatalf("processing = %s, want partial", updated.Processing)
	}
	if updated.MoodScore == nil || *updated.MoodScore != 7.5 {
		t.Fatalf("mood should still be scored, got %v", updated.MoodScore)
	}
}

func TestProcessSummaryFailureStillMergesAndScores(t *testing.T) {
	sb := &stubBrain{
		extraction: brain.ExtractionResult{
			Entities: []brain.ExtractedEntity{{Name: "garden", Category: "place"}},
		},
		mood:       brain.MoodResult{Score: 6.0, Sentiment: "positive"},
		summaryErr: fmt.Errorf("rejected: %w", reliability.ErrPermanent),
	}
	p, st := newTestProcessor(t, sb)
	ctx := context.Background()
	call := seedCall(t, st, "spent the morning in the garden")

	res, err := p.Process(ctx, call.ID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !res.Partial {
		t.Fatal("failed summary should mark the run partial")
	}
	if res.EntitiesMerged != 1 {
		t.Fatalf("merged %d entities, want 1", res.EntitiesMerged)
	}

	updated, err := st.GetCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if updated.Processing != store.ProcessingPartial {
		t.Fatalf("processing = %s, want partial", updated.Processing)
	}
	if updated.MoodScore == nil || *updated.MoodScore != 6.0 {
		t.Fatalf("mood should still be scored, got %v", updated.MoodScore)
	}
	if updated.Summary != "" {
		t.Fatalf("summary should stay empty, got %q", updated.Summary)
	}
}

func TestProcessRetriesTransientExtraction(t *testing.T) {
	sb := &stubBrain{
		extractErrs: []error{errors.New("upstream 503"), errors.New("upstream 503")},
		extraction: brain.ExtractionResult{
			Entities: []brain.ExtractedEntity{{Name: "gym", Category: "place"}},
		},
		mood: brain.MoodResult{Score: 5.0, Sentiment: "neutral"},
	}
	p, st := newTestProcessor(t, sb)
	ctx := context.Background()
	call := seedCall(t, st, "went to the gym")

	res, err := p.Process(ctx, call.ID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Partial {
		t.Fatal("run should complete after retries")
	}
	if sb.extractN != 3 {
		t.Fatalf("extraction attempted %d times, want 3", sb.extractN)
	}
	entities, err := st.EntitiesForUser(ctx, call.UserID)
	if err != nil {
		t.Fatalf("EntitiesForUser: %v", err)
	}
	if len(entities) != 1 || entities[0].Category != store.CategoryPlace {
		t.Fatalf("unexpected entities: %+v", entities)
	}
}

func TestProcessCreatesMissingRelationEndpoints(t *testing.T) {
	sb := &stubBrain{
		extraction: brain.ExtractionResult{
			Entities: []brain.ExtractedEntity{{Name: "Alex", Category: "person"}},
			Relations: []brain.ExtractedRelation{
				{Source: "Alex", Target: "the startup", Category: "worked_on"},
			},
		},
		mood: brain.MoodResult{Score: 5.5, Sentiment: "neutral"},
	}
	p, st := newTestProcessor(t, sb)
	ctx := context.Background()
	call := seedCall(t, st, "Alex keeps grinding on the startup")

	res, err := p.Process(ctx, call.ID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.RelationsMerged != 1 {
		t.Fatalf("merged %d relations, want 1", res.RelationsMerged)
	}

	entities, err := st.EntitiesForUser(ctx, call.UserID)
	if err != nil {
		t.Fatalf("EntitiesForUser: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("got %d entities, want Alex plus the auto-created endpoint", len(entities))
	}
	var endpoint *store.Entity
	for i := range entities {
		if entities[i].Name == "the startup" {
			endpoint = &entities[i]
		}
	}
	if endpoint == nil || endpoint.Category != store.CategoryTopic {
		t.Fatalf("missing endpoint should be created as Topic, got %+v", endpoint)
	}

	relations, err := st.RelationsForUser(ctx, call.UserID)
	if err != nil {
		t.Fatalf("RelationsForUser: %v", err)
	}
	if len(relations) != 1 || relations[0].Category != "worked_on" {
		t.Fatalf("unexpected relations: %+v", relations)
	}
}

func TestProcessEmptyTranscript(t *testing.T) {
	sb := &stubBrain{moodErr: errors.New("should not be called")}
	p, st := newTestProcessor(t, sb)
	ctx := context.Background()
	call := seedCall(t, st)

	res, err := p.Process(ctx, call.ID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Partial {
		t.Fatal("empty call should complete trivially")
	}
	updated, err := st.GetCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if updated.Processing != store.ProcessingComplete {
		t.Fatalf("processing = %s, want complete", updated.Processing)
	}
}

func TestDispatcherDedupesInflight(t *testing.T) {
	sb := &stubBrain{mood: brain.MoodResult{Score: 5, Sentiment: "neutral"}}
	p, st := newTestProcessor(t, sb)
	call := seedCall(t, st, "hello there")

	d := NewDispatcher(p, 2, 8)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	for i := 0; i < 5; i++ {
		d.Enqueue(call.ID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		updated, err := st.GetCall(context.Background(), call.ID)
		if err != nil {
			t.Fatalf("GetCall: %v", err)
		}
		if updated.Processing == store.ProcessingComplete {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pipeline never completed, processing=%s", updated.Processing)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	d.Wait()
}

func TestEnqueueReleasesOverflowOnShutdown(t *testing.T) {
	sb := &stubBrain{mood: brain.MoodResult{Score: 5, Sentiment: "neutral"}}
	p, st := newTestProcessor(t, sb)
	first := seedCall(t, st, "one")
	second := seedCall(t, st, "two")

	d := NewDispatcher(p, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	cancel()
	d.Wait()

	// With the workers gone the first enqueue fills the buffer and the
	// second takes the overflow path, which must release its inflight
	// slot instead of blocking forever.
	d.Enqueue(first.ID)
	d.Enqueue(second.ID)

	deadline := time.Now().Add(2 * time.Second)
	for {
		d.mu.Lock()
		_, held := d.inflight[second.ID]
		d.mu.Unlock()
		if !held {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("overflow enqueue kept its inflight slot after shutdown")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecoverRequeuesStrandedCalls(t *testing.T) {
	sb := &stubBrain{mood: brain.MoodResult{Score: 5, Sentiment: "neutral"}}
	p, st := newTestProcessor(t, sb)
	ctx := context.Background()

	stranded := seedCall(t, st, "hello?")
	if err := st.SetCallProcessing(ctx, stranded.ID, store.ProcessingRunning); err != nil {
		t.Fatalf("SetCallProcessing: %v", err)
	}
	finished := seedCall(t, st, "all good")
	if err := st.SetCallProcessing(ctx, finished.ID, store.ProcessingComplete); err != nil {
		t.Fatalf("SetCallProcessing: %v", err)
	}

	d := NewDispatcher(p, 1, 8)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(runCtx)

	if n := d.Recover(ctx, st, 100); n != 1 {
		t.Fatalf("recovered %d calls, want 1", n)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		updated, err := st.GetCall(ctx, stranded.ID)
		if err != nil {
			t.Fatalf("GetCall: %v", err)
		}
		if updated.Processing == store.ProcessingComplete {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stranded call never reprocessed, processing=%s", updated.Processing)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTranscript(t *testing.T) {
	turns := []store.Turn{
		{Speaker: store.SpeakerUser, Text: "hi"},
		{Speaker: store.SpeakerAgent, Text: "  hello  "},
		{Speaker: store.SpeakerUser, Text: "   "},
	}
	got := Transcript(turns)
	want := "user: hi\nagent: hello"
	if got != want {
		t.Fatalf("Transcript = %q, want %q", got, want)
	}
}

func TestCategoryFor(t *testing.T) {
	cases := map[string]store.EntityCategory{
		"person":       store.CategoryPerson,
		"Place":        store.CategoryPlace,
		"organization": store.CategoryOrg,
		"emotion":      store.CategoryEmotion,
		"topic":        store.CategoryTopic,
		"gibberish":    store.CategoryTopic,
		"":             store.CategoryTopic,
	}
	for raw, want := range cases {
		if got := CategoryFor(raw); got != want {
			t.Errorf("CategoryFor(%q) = %s, want %s", raw, got, want)
		}
	}
}
