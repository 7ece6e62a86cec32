package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/echodiary/echodiary/internal/brain"
	"github.com/echodiary/echodiary/internal/lifecycle"
	"github.com/echodiary/echodiary/internal/observability"
	"github.com/echodiary/echodiary/internal/reliability"
	"github.com/echodiary/echodiary/internal/store"
)

const (
	StageExtraction = "extraction"
	StageMerge      = "merge"
	StageMood       = "mood"
	StageCheckin    = "checkin"
	StageSummary    = "summary"
)

// Config tunes the post-call pipeline.
type Config struct {
	StageAttempts  int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	StageTimeout   time.Duration
	MoodThreshold  float64
	CheckinDelay   time.Duration
	CheckinChannel string
}

// Result reports what one pipeline run accomplished.
type Result struct {
	CallID           string
	EntitiesMerged   int
	RelationsMerged  int
	Mood             *brain.MoodResult
	CheckinScheduled bool
	Partial          bool
}

// Processor runs the post-call stages for one finalized call: extraction,
// graph merge, mood scoring, check-in decision and summary. Stages degrade
// independently; a failed collaborator never loses the call record.
type Processor struct {
	store   store.Store
	brain   brain.Adapter
	bus     *lifecycle.Bus
	metrics *observability.Metrics
	cfg     Config
}

func NewProcessor(st store.Store, adapter brain.Adapter, bus *lifecycle.Bus, metrics *observability.Metrics, cfg Config) *Processor {
	if cfg.StageAttempts <= 0 {
		cfg.StageAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Second
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 30 * time.Second
	}
	if cfg.MoodThreshold <= 0 {
		cfg.MoodThreshold = 3.0
	}
	if cfg.CheckinDelay <= 0 {
		cfg.CheckinDelay = 24 * time.Hour
	}
	if cfg.CheckinChannel == "" {
		cfg.CheckinChannel = "sms"
	}
	return &Processor{store: st, brain: adapter, bus: bus, metrics: metrics, cfg: cfg}
}

// Process runs all stages for one call. It is safe to run again for the
// same call: the graph merge is additive by mention count only when the
// extraction re-runs, and the check-in decision is guarded by the
// one-pending-per-user constraint.
func (p *Processor) Process(ctx context.Context, callID string) (Result, error) {
	started := time.Now()
	res := Result{CallID: callID}

	call, err := p.store.GetCall(ctx, callID)
	if err != nil {
		return res, fmt.Errorf("load call %s: %w", callID, err)
	}
	if err := p.store.SetCallProcessing(ctx, callID, store.ProcessingRunning); err != nil {
		return res, fmt.Errorf("mark running: %w", err)
	}

	turns, err := p.store.TurnsForCall(ctx, callID)
	if err != nil {
		return res, fmt.Errorf("load turns: %w", err)
	}
	transcript := Transcript(turns)

	if transcript == "" {
		// Nothing was said; no graph, no mood, no check-in.
		if err := p.store.SetCallProcessing(ctx, callID, store.ProcessingComplete); err != nil {
			return res, err
		}
		p.metrics.ObservePipelineDuration(time.Since(started))
		return res, nil
	}

	var extraction brain.ExtractionResult
	err = p.runStage(ctx, call, StageExtraction, func(ctx context.Context) error {
		var err error
		extraction, err = p.brain.Extract(ctx, transcript)
		return err
	})
	if err != nil {
		res.Partial = true
	} else {
		merged, relations, err := p.merge(ctx, call, extraction)
		res.EntitiesMerged = merged
		res.RelationsMerged = relations
		if err != nil {
			log.Printf("pipeline: merge for call %s: %v", callID, err)
			p.stageOutcome(call, StageMerge, "failed")
			res.Partial = true
		} else {
			p.stageOutcome(call, StageMerge, "ok")
		}
	}

	var mood brain.MoodResult
	err = p.runStage(ctx, call, StageMood, func(ctx context.Context) error {
		var err error
		mood, err = p.brain.Score(ctx, transcript)
		return err
	})
	if err != nil {
		res.Partial = true
	} else {
		res.Mood = &mood
		if err := p.store.SetCallMood(ctx, callID, mood.Score, mood.Sentiment, mood.Emotions); err != nil {
			log.Printf("pipeline: store mood for call %s: %v", callID, err)
			res.Partial = true
		} else if mood.Score < p.cfg.MoodThreshold {
			created, err := p.scheduleCheckin(ctx, call, mood)
			if err != nil {
				log.Printf("pipeline: schedule check-in for call %s: %v", callID, err)
				p.stageOutcome(call, StageCheckin, "failed")
				res.Partial = true
			} else {
				res.CheckinScheduled = created
				if created {
					p.stageOutcome(call, StageCheckin, "scheduled")
				} else {
					p.stageOutcome(call, StageCheckin, "already_pending")
				}
			}
		}
	}

	var summary string
	err = p.runStage(ctx, call, StageSummary, func(ctx context.Context) error {
		var err error
		summary, err = p.brain.Summarize(ctx, transcript)
		return err
	})
	if err != nil {
		res.Partial = true
	} else if summary != "" {
		if err := p.store.SetCallSummary(ctx, callID, summary); err != nil {
			log.Printf("pipeline: store summary for call %s: %v", callID, err)
			res.Partial = true
		}
	}

	state := store.ProcessingComplete
	if res.Partial {
		state = store.ProcessingPartial
	}
	if err := p.store.SetCallProcessing(ctx, callID, state); err != nil {
		return res, fmt.Errorf("mark %s: %w", state, err)
	}
	p.metrics.ObservePipelineDuration(time.Since(started))
	return res, nil
}

// runStage retries a collaborator-backed stage with capped exponential
// backoff. Permanent failures and context cancellation stop early.
func (p *Processor) runStage(ctx context.Context, call store.Call, stage string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.StageAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt-1, p.cfg.BackoffBase, p.cfg.BackoffCap)):
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			p.stageOutcome(call, stage, "ok")
			return nil
		}
		lastErr = err
		if !reliability.IsRetryable(err) {
			break
		}
		p.metrics.PipelineStages.WithLabelValues(stage, "retry").Inc()
	}
	log.Printf("pipeline: stage %s for call %s failed: %v", stage, call.ID, lastErr)
	p.stageOutcome(call, stage, "failed")
	return lastErr
}

func (p *Processor) stageOutcome(call store.Call, stage, outcome string) {
	p.metrics.PipelineStages.WithLabelValues(stage, outcome).Inc()
	p.bus.Publish(lifecycle.Event{
		Type:    lifecycle.EventPipelineStage,
		CallID:  call.ID,
		UserID:  call.UserID,
		Stage:   stage,
		Outcome: outcome,
	})
}

// merge applies an extraction result to the user's knowledge graph. Entities
// upsert by normalized name and category; relation endpoints that were not
// listed as entities are created as topics so no edge dangles.
func (p *Processor) merge(ctx context.Context, call store.Call, extraction brain.ExtractionResult) (entities, relations int, err error) {
	now := time.Now().UTC()
	byName := make(map[string]store.Entity)

	upsert := func(name string, category store.EntityCategory, props map[string]string) (store.Entity, error) {
		key := store.NormalizeEntityName(name)
		if e, ok := byName[key]; ok {
			return e, nil
		}
		e, _, err := p.store.UpsertEntity(ctx, store.Entity{
			ID:             uuid.NewString(),
			UserID:         call.UserID,
			Name:           strings.TrimSpace(name),
			Category:       category,
			FirstMentioned: now,
			LastMentioned:  now,
			MentionCount:   1,
			Properties:     props,
		})
		if err != nil {
			return store.Entity{}, err
		}
		byName[key] = e
		return e, nil
	}

	var firstErr error
	for _, ext := range extraction.Entities {
		if strings.TrimSpace(ext.Name) == "" {
			continue
		}
		if _, err := upsert(ext.Name, CategoryFor(ext.Category), ext.Properties); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		entities++
	}

	for _, rel := range extraction.Relations {
		src, err := p.resolveEndpoint(rel.Source, call, upsert)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		dst, err := p.resolveEndpoint(rel.Target, call, upsert)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if src.ID == "" || dst.ID == "" {
			continue
		}
		_, err = p.store.InsertRelation(ctx, store.Relation{
			ID:        uuid.NewString(),
			CallID:    call.ID,
			SourceID:  src.ID,
			TargetID:  dst.ID,
			Category:  strings.TrimSpace(rel.Category),
			Timestamp: now,
			Context:   rel.Context,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		relations++
	}
	return entities, relations, firstErr
}

// resolveEndpoint maps a relation endpoint name to a graph entity. The
// literal "user" means the caller themself and yields no node; extraction
// sometimes names endpoints it never listed, so those are created as topics.
func (p *Processor) resolveEndpoint(name string, call store.Call, upsert func(string, store.EntityCategory, map[string]string) (store.Entity, error)) (store.Entity, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || strings.EqualFold(trimmed, "user") {
		return store.Entity{}, nil
	}
	return upsert(trimmed, store.CategoryTopic, nil)
}

func (p *Processor) scheduleCheckin(ctx context.Context, call store.Call, mood brain.MoodResult) (bool, error) {
	now := time.Now().UTC()
	checkin, created, err := p.store.CreateCheckInIfNonePending(ctx, store.CheckIn{
		ID:          uuid.NewString(),
		UserID:      call.UserID,
		CallID:      call.ID,
		ScheduledAt: now.Add(p.cfg.CheckinDelay),
		CreatedAt:   now,
		Status:      store.CheckInPending,
		Reason:      "low mood detected",
		Channel:     p.cfg.CheckinChannel,
	})
	if err != nil {
		return false, err
	}
	if created {
		p.metrics.CheckinsScheduled.Inc()
		p.bus.Publish(lifecycle.Event{
			Type:   lifecycle.EventCheckinScheduled,
			CallID: call.ID,
			UserID: call.UserID,
			Detail: fmt.Sprintf("%s (score %.1f)", checkin.ID, mood.Score),
		})
	}
	return created, nil
}

// Transcript renders durable turns into the flat "speaker: text" form the
// collaborator prompts expect.
func Transcript(turns []store.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(t.Speaker))
		b.WriteString(": ")
		b.WriteString(text)
	}
	return b.String()
}

// CategoryFor maps a collaborator entity type to a graph category. Unknown
// types land in Topic rather than being dropped.
func CategoryFor(raw string) store.EntityCategory {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "person":
		return store.CategoryPerson
	case "place", "location":
		return store.CategoryPlace
	case "org", "organization", "company":
		return store.CategoryOrg
	case "emotion", "feeling":
		return store.CategoryEmotion
	default:
		return store.CategoryTopic
	}
}
