package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/echodiary/echodiary/internal/brain"
	"github.com/echodiary/echodiary/internal/config"
	"github.com/echodiary/echodiary/internal/delivery"
	"github.com/echodiary/echodiary/internal/lifecycle"
	"github.com/echodiary/echodiary/internal/observability"
	"github.com/echodiary/echodiary/internal/session"
	"github.com/echodiary/echodiary/internal/store"
)

type recordFinalizer struct {
	mu      sync.Mutex
	callIDs []string
}

func (f *recordFinalizer) Enqueue(callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callIDs = append(f.callIDs, callID)
}

func (f *recordFinalizer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.callIDs)
}

type testServer struct {
	server    *Server
	store     store.Store
	finalizer *recordFinalizer
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	cfg := config.Config{
		BindAddr:             ":0",
		SessionTTL:           time.Hour,
		ContextTurnsPerParty: 3,
		CheckinChannel:       "sms",
	}
	st := store.NewInMemoryStore()
	cache := session.NewMemoryCache(cfg.SessionTTL)
	fin := &recordFinalizer{}
	bus := lifecycle.NewBus()
	metrics := observability.NewMetrics(fmt.Sprintf("echodiary_api_%d", time.Now().UnixNano()))
	adapter := brain.NewMockAdapter()
	engine := lifecycle.NewEngine(st, cache, fin, bus, metrics, cfg.WindowCapacity(), cfg.SessionTTL)
	dispatcher := delivery.NewDispatcher(st, adapter, delivery.LogSender{}, bus, metrics, "@every 15m", 50)

	return testServer{
		server:    New(cfg, engine, st, adapter, bus, dispatcher, metrics),
		store:     st,
		finalizer: fin,
	}
}

func postWebhook(t *testing.T, ts testServer, payload map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/voice", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	return rec
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt sseEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("parse SSE frame %q: %v", line, err)
		}
		events = append(events, evt)
	}
	return events
}

func TestWebhookSessionStartGreets(t *testing.T) {
	ts := newTestServer(t)
	sid := uuid.NewString()

	rec := postWebhook(t, ts, map[string]any{
		"event":       "session.start",
		"session_id":  sid,
		"from_number": "+15552001",
		"mode":        "listener",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	events := parseSSE(t, rec.Body.String())
	if len(events) != 2 {
		t.Fatalf("got %d SSE frames, want greeting + end: %+v", len(events), events)
	}
	if events[0].Type != "response.tts" || events[0].Token == "" {
		t.Fatalf("first frame should be a spoken greeting: %+v", events[0])
	}
	if events[1].Type != "response.end" {
		t.Fatalf("last frame should be response.end: %+v", events[1])
	}

	call, err := ts.store.GetCallBySID(context.Background(), sid)
	if err != nil {
		t.Fatalf("GetCallBySID: %v", err)
	}
	if call.Mode != "listener" {
		t.Fatalf("call mode = %s, want listener", call.Mode)
	}
}

func TestWebhookDuplicateStartDoesNotRepeatGreeting(t *testing.T) {
	ts := newTestServer(t)
	sid := uuid.NewString()
	payload := map[string]any{
		"event":       "session.start",
		"session_id":  sid,
		"from_number": "+15552002",
	}

	postWebhook(t, ts, payload)
	rec := postWebhook(t, ts, payload)

	events := parseSSE(t, rec.Body.String())
	if len(events) != 1 || events[0].Type != "response.end" {
		t.Fatalf("duplicate start should answer with an empty stream: %+v", events)
	}
}

func TestWebhookMessageRecordsBothTurns(t *testing.T) {
	ts := newTestServer(t)
	sid := uuid.NewString()

	postWebhook(t, ts, map[string]any{
		"event":       "session.start",
		"session_id":  sid,
		"from_number": "+15552003",
	})
	rec := postWebhook(t, ts, map[string]any{
		"event":      "message",
		"session_id": sid,
		"text":       "I had a rough day at work",
	})

	events := parseSSE(t, rec.Body.String())
	if len(events) != 2 || events[0].Type != "response.tts" {
		t.Fatalf("expected spoken reply + end, got %+v", events)
	}

	call, err := ts.store.GetCallBySID(context.Background(), sid)
	if err != nil {
		t.Fatalf("GetCallBySID: %v", err)
	}
	turns, err := ts.store.TurnsForCall(context.Background(), call.ID)
	if err != nil {
		t.Fatalf("TurnsForCall: %v", err)
	}
	// Greeting, user utterance, agent reply.
	if len(turns) != 3 {
		t.Fatalf("got %d durable turns, want 3", len(turns))
	}
	if turns[1].Speaker != store.SpeakerUser || turns[1].Text != "I had a rough day at work" {
		t.Fatalf("user turn not recorded: %+v", turns[1])
	}
	if turns[2].Speaker != store.SpeakerAgent || turns[2].Text != events[0].Token {
		t.Fatalf("agent turn should match the streamed reply: %+v vs %q", turns[2], events[0].Token)
	}
}

func TestWebhookMessageWithoutStartEstablishesSession(t *testing.T) {
	ts := newTestServer(t)
	sid := uuid.NewString()

	rec := postWebhook(t, ts, map[string]any{
		"event":      "message",
		"session_id": sid,
		"phone":      "+15552004",
		"transcript": "hello out there",
	})
	events := parseSSE(t, rec.Body.String())
	if len(events) != 2 || events[0].Type != "response.tts" {
		t.Fatalf("expected reply for late-established session, got %+v", events)
	}
	if _, err := ts.store.GetCallBySID(context.Background(), sid); err != nil {
		t.Fatalf("call should exist after implicit start: %v", err)
	}
}

func TestWebhookEndFinalizesOnce(t *testing.T) {
	ts := newTestServer(t)
	sid := uuid.NewString()

	postWebhook(t, ts, map[string]any{
		"event":       "session.start",
		"session_id":  sid,
		"from_number": "+15552005",
	})
	endPayload := map[string]any{
		"event":         "session.end",
		"session_id":    sid,
		"duration":      77,
		"recording_url": "https://cdn.example.com/rec/xyz.mp3",
	}
	postWebhook(t, ts, endPayload)
	postWebhook(t, ts, endPayload)

	call, err := ts.store.GetCallBySID(context.Background(), sid)
	if err != nil {
		t.Fatalf("GetCallBySID: %v", err)
	}
	if !call.Finalized() || call.DurationSeconds != 77 {
		t.Fatalf("call not finalized with gateway duration: %+v", call)
	}
	if call.AudioURL == "" {
		t.Fatal("recording url not attached")
	}
	if ts.finalizer.count() != 1 {
		t.Fatalf("pipeline enqueued %d times, want once", ts.finalizer.count())
	}
}

func TestWebhookMissingSessionID(t *testing.T) {
	ts := newTestServer(t)
	rec := postWebhook(t, ts, map[string]any{"event": "message", "text": "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookUnknownEventAcknowledged(t *testing.T) {
	ts := newTestServer(t)
	rec := postWebhook(t, ts, map[string]any{"event": "dtmf", "session_id": uuid.NewString()})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	events := parseSSE(t, rec.Body.String())
	if len(events) != 1 || events[0].Type != "response.end" {
		t.Fatalf("unknown event should get an empty stream: %+v", events)
	}
}

func TestDashboardCallDetail(t *testing.T) {
	ts := newTestServer(t)
	sid := uuid.NewString()

	postWebhook(t, ts, map[string]any{
		"event":       "session.start",
		"session_id":  sid,
		"from_number": "+15552006",
	})
	postWebhook(t, ts, map[string]any{
		"event":      "message",
		"session_id": sid,
		"text":       "checking the dashboard",
	})

	call, err := ts.store.GetCallBySID(context.Background(), sid)
	if err != nil {
		t.Fatalf("GetCallBySID: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/calls/"+call.ID, nil)
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out struct {
		Call  store.Call   `json:"call"`
		Turns []store.Turn `json:"turns"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Call.ID != call.ID || len(out.Turns) != 3 {
		t.Fatalf("unexpected detail payload: call=%s turns=%d", out.Call.ID, len(out.Turns))
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/calls", nil)
	rec = httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("list without user_id: status = %d, want 400", rec.Code)
	}
}

func TestDashboardUserStats(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	user, err := ts.store.ResolveUser(ctx, "+15552008")
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	now := time.Now().UTC()
	for i, score := range []float64{4.0, 6.0} {
		call, _, err := ts.store.CreateCall(ctx, store.Call{
			ID:        uuid.NewString(),
			UserID:    user.ID,
			SID:       uuid.NewString(),
			StartTime: now.Add(time.Duration(-i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("CreateCall: %v", err)
		}
		if _, err := ts.store.FinalizeCall(ctx, call.ID, now, 60); err != nil {
			t.Fatalf("FinalizeCall: %v", err)
		}
		if err := ts.store.SetCallMood(ctx, call.ID, score, "neutral", nil); err != nil {
			t.Fatalf("SetCallMood: %v", err)
		}
	}
	for _, name := range []string{"Mom", "Mom", "work"} {
		category := store.CategoryPerson
		if name == "work" {
			category = store.CategoryTopic
		}
		if _, _, err := ts.store.UpsertEntity(ctx, store.Entity{
			UserID:   user.ID,
			Name:     name,
			Category: category,
		}); err != nil {
			t.Fatalf("UpsertEntity: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/users/"+user.ID+"/stats", nil)
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out struct {
		TotalCalls           int            `json:"total_calls"`
		TotalDurationSeconds int            `json:"total_duration_seconds"`
		AverageMood          *float64       `json:"average_mood"`
		EntityCount          int            `json:"entity_count"`
		TopEntities          []store.Entity `json:"top_entities"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.TotalCalls != 2 || out.TotalDurationSeconds != 120 {
		t.Fatalf("calls=%d duration=%d, want 2/120", out.TotalCalls, out.TotalDurationSeconds)
	}
	if out.AverageMood == nil || *out.AverageMood != 5.0 {
		t.Fatalf("average mood = %v, want 5.0", out.AverageMood)
	}
	if out.EntityCount != 2 || len(out.TopEntities) != 2 {
		t.Fatalf("entity count = %d top = %d, want 2/2", out.EntityCount, len(out.TopEntities))
	}
	if out.TopEntities[0].Name != "Mom" || out.TopEntities[0].MentionCount != 2 {
		t.Fatalf("top entity = %+v, want Mom with 2 mentions", out.TopEntities[0])
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/users/"+uuid.NewString()+"/stats", nil)
	rec = httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown user: status = %d, want 404", rec.Code)
	}
}

func TestCronCheckinsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	user, err := ts.store.ResolveUser(ctx, "+15552007")
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	_, created, err := ts.store.CreateCheckInIfNonePending(ctx, store.CheckIn{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		ScheduledAt: time.Now().UTC().Add(-time.Minute),
		CreatedAt:   time.Now().UTC(),
		Status:      store.CheckInPending,
		Channel:     "sms",
	})
	if err != nil || !created {
		t.Fatalf("seed check-in: created=%v err=%v", created, err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/cron/checkins", nil)
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out struct {
		Dispatched int `json:"dispatched"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Dispatched != 1 {
		t.Fatalf("dispatched = %d, want 1", out.Dispatched)
	}
}
