package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/echodiary/echodiary/internal/brain"
	"github.com/echodiary/echodiary/internal/lifecycle"
	"github.com/echodiary/echodiary/internal/modes"
	"github.com/echodiary/echodiary/internal/session"
	"github.com/echodiary/echodiary/internal/store"
)

// webhookRequest is the envelope the voice gateway posts for every event in
// a call. Field aliases cover the gateway's older payload shapes.
type webhookRequest struct {
	Event           string   `json:"event"`
	SessionID       string   `json:"session_id"`
	FromNumber      string   `json:"from_number"`
	Phone           string   `json:"phone"`
	Text            string   `json:"text"`
	Transcript      string   `json:"transcript"`
	Mode            string   `json:"mode"`
	Confidence      *float64 `json:"confidence"`
	Emotion         string   `json:"emotion"`
	Duration        int      `json:"duration"`
	RecordingURL    string   `json:"recording_url"`
	RecordingStatus string   `json:"recording_status"`
}

func (r webhookRequest) caller() string {
	if r.FromNumber != "" {
		return r.FromNumber
	}
	return r.Phone
}

func (r webhookRequest) utterance() string {
	if r.Text != "" {
		return r.Text
	}
	return r.Transcript
}

// sseEvent is one frame of the streamed webhook response. The gateway reads
// response.tts frames as speech to synthesize and response.end as the
// end-of-turn marker.
type sseEvent struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Emotion string `json:"emotion,omitempty"`
	Last    bool   `json:"last,omitempty"`
}

// handleVoiceWebhook is the single entry point for the voice gateway. Every
// event type answers with an SSE stream, even when there is nothing to say,
// because the gateway always expects one.
func (s *Server) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "session_id is required")
		return
	}

	event := normalizeEvent(req.Event)
	s.metrics.WebhookEvents.WithLabelValues(event).Inc()

	stream, ok := newSSEStream(w)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support flushing")
		return
	}

	switch event {
	case "session.start":
		s.webhookStart(r, req, stream)
	case "message":
		s.webhookMessage(r, req, stream)
	case "session.end":
		s.webhookEnd(r, req, stream)
	case "session.update":
		s.webhookUpdate(r, req, stream)
	default:
		// Unknown events are acknowledged with an empty stream so the
		// gateway does not retry them forever.
		stream.end()
	}
}

func (s *Server) webhookStart(r *http.Request, req webhookRequest, stream sseStream) {
	h, err := s.engine.StartSession(r.Context(), req.SessionID, req.caller(), req.Mode)
	if err != nil {
		log.Printf("webhook: start session %s: %v", req.SessionID, err)
		stream.end()
		return
	}
	bundle := modes.BundleFor(h.Mode)
	if !h.Resumed {
		if _, err := s.engine.RecordTurn(r.Context(), req.SessionID, lifecycle.TurnInput{Speaker: store.SpeakerAgent, Text: bundle.Greeting, Emotion: bundle.EmotionHint}); err != nil {
			log.Printf("webhook: record greeting for %s: %v", req.SessionID, err)
		}
		stream.say(bundle.Greeting, bundle.EmotionHint)
	}
	stream.end()
}

func (s *Server) webhookMessage(r *http.Request, req webhookRequest, stream sseStream) {
	text := strings.TrimSpace(req.utterance())
	if text == "" {
		stream.end()
		return
	}

	sess, err := s.recordUserTurn(r, req, text)
	if err != nil {
		log.Printf("webhook: record turn for %s: %v", req.SessionID, err)
		stream.end()
		return
	}

	bundle := modes.BundleFor(sess.Mode)
	history := make([]brain.Message, 0, len(sess.Turns))
	for _, t := range sess.Turns[:len(sess.Turns)-1] { // current utterance goes in separately
		history = append(history, brain.Message{Speaker: t.Speaker, Text: t.Text})
	}

	reply, err := s.brain.Reply(r.Context(), sess.Mode, history, text)
	if err != nil || strings.TrimSpace(reply) == "" {
		s.metrics.CollaboratorErrors.WithLabelValues("reply", "webhook_fallback").Inc()
		reply = "I'm having a little trouble hearing myself think. Could you say that again?"
	}

	if _, err := s.engine.RecordTurn(r.Context(), req.SessionID, lifecycle.TurnInput{Speaker: store.SpeakerAgent, Text: reply, Emotion: bundle.EmotionHint}); err != nil {
		log.Printf("webhook: record reply for %s: %v", req.SessionID, err)
	}
	stream.say(reply, bundle.EmotionHint)
	stream.end()
}

// recordUserTurn appends the utterance, re-establishing the session when the
// gateway speaks before (or without) a start event.
func (s *Server) recordUserTurn(r *http.Request, req webhookRequest, text string) (session.Session, error) {
	in := lifecycle.TurnInput{
		Speaker:    store.SpeakerUser,
		Text:       text,
		Confidence: req.Confidence,
		Emotion:    req.Emotion,
	}
	sess, err := s.engine.RecordTurn(r.Context(), req.SessionID, in)
	if !errors.Is(err, lifecycle.ErrUnknownSession) {
		return sess, err
	}
	if _, err := s.engine.StartSession(r.Context(), req.SessionID, req.caller(), req.Mode); err != nil {
		return session.Session{}, err
	}
	return s.engine.RecordTurn(r.Context(), req.SessionID, in)
}

func (s *Server) webhookEnd(r *http.Request, req webhookRequest, stream sseStream) {
	if _, _, err := s.engine.EndSession(r.Context(), req.SessionID, req.Duration); err != nil && !errors.Is(err, lifecycle.ErrUnknownSession) {
		log.Printf("webhook: end session %s: %v", req.SessionID, err)
	}
	if req.RecordingURL != "" {
		if err := s.engine.AttachArtifact(r.Context(), req.SessionID, req.RecordingURL); err != nil {
			log.Printf("webhook: attach recording for %s: %v", req.SessionID, err)
		}
	}
	stream.end()
}

func (s *Server) webhookUpdate(r *http.Request, req webhookRequest, stream sseStream) {
	// Recording URLs are only final once the gateway marks them completed;
	// an empty status means the gateway predates the field.
	if req.RecordingURL != "" && (req.RecordingStatus == "" || req.RecordingStatus == "completed") {
		if err := s.engine.AttachArtifact(r.Context(), req.SessionID, req.RecordingURL); err != nil {
			log.Printf("webhook: attach recording for %s: %v", req.SessionID, err)
		}
	}
	stream.end()
}

// normalizeEvent folds the gateway's event name variants into one form.
func normalizeEvent(event string) string {
	switch strings.ToLower(strings.TrimSpace(event)) {
	case "session.start", "session_start", "start", "call.started":
		return "session.start"
	case "message", "transcript", "user.transcript", "user.message":
		return "message"
	case "session.end", "session.complete", "session_end", "end", "call.ended", "hangup":
		return "session.end"
	case "session.update", "session_update", "update", "call.recording":
		return "session.update"
	default:
		return strings.ToLower(strings.TrimSpace(event))
	}
}

type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEStream(w http.ResponseWriter) (sseStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return sseStream{}, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return sseStream{w: w, flusher: flusher}, true
}

func (s sseStream) emit(evt sseEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	_, _ = s.w.Write([]byte("data: "))
	_, _ = s.w.Write(payload)
	_, _ = s.w.Write([]byte("\n\n"))
	s.flusher.Flush()
}

func (s sseStream) say(text, emotion string) {
	s.emit(sseEvent{Type: "response.tts", Token: text, Emotion: emotion})
}

func (s sseStream) end() {
	s.emit(sseEvent{Type: "response.end", Last: true})
}
