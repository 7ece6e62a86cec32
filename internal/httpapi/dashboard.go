package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/echodiary/echodiary/internal/store"
)

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user, err := s.store.GetUser(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "user_not_found", "no such user")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// handleGetUserStats aggregates the dashboard numbers for one user: call
// volume, average mood across scored calls, and the most-mentioned graph
// nodes. Entity stores already return nodes by mention count, so "top"
// is just a prefix.
func (s *Server) handleGetUserStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user, err := s.store.GetUser(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "user_not_found", "no such user")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	calls, err := s.store.ListCalls(r.Context(), id, 1000)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	var (
		totalSeconds int
		moodSum      float64
		moodN        int
		lastCall     *time.Time
	)
	for i := range calls {
		c := &calls[i]
		totalSeconds += c.DurationSeconds
		if c.MoodScore != nil {
			moodSum += *c.MoodScore
			moodN++
		}
		if lastCall == nil || c.StartTime.After(*lastCall) {
			t := c.StartTime
			lastCall = &t
		}
	}
	var avgMood *float64
	if moodN > 0 {
		v := moodSum / float64(moodN)
		avgMood = &v
	}

	entities, err := s.store.EntitiesForUser(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	top := entities
	if len(top) > 5 {
		top = top[:5]
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":                user.ID,
		"baseline_mood":          user.BaselineMood,
		"total_calls":            len(calls),
		"total_duration_seconds": totalSeconds,
		"average_mood":           avgMood,
		"last_call_at":           lastCall,
		"entity_count":           len(entities),
		"top_entities":           top,
	})
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}
	limit := queryInt(r, "limit", 50)

	calls, err := s.store.ListCalls(r.Context(), userID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	call, err := s.store.GetCall(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "call_not_found", "no such call")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	turns, err := s.store.TurnsForCall(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"call": call, "turns": turns})
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}

	entities, err := s.store.EntitiesForUser(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	relations, err := s.store.RelationsForUser(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entities": entities, "relations": relations})
}

func (s *Server) handleListCheckIns(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}
	limit := queryInt(r, "limit", 50)

	checkins, err := s.store.ListCheckIns(r.Context(), userID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"checkins": checkins})
}

// handleDispatchCheckIns triggers one delivery sweep outside the cron
// schedule, mostly for operators and tests.
func (s *Server) handleDispatchCheckIns(w http.ResponseWriter, r *http.Request) {
	if s.delivery == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "check-in delivery not configured")
		return
	}
	sent, err := s.delivery.RunOnce(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "dispatch_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"dispatched": sent})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
