package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/echodiary/echodiary/internal/brain"
	"github.com/echodiary/echodiary/internal/config"
	"github.com/echodiary/echodiary/internal/delivery"
	"github.com/echodiary/echodiary/internal/lifecycle"
	"github.com/echodiary/echodiary/internal/observability"
	"github.com/echodiary/echodiary/internal/store"
)

type Server struct {
	cfg      config.Config
	engine   *lifecycle.Engine
	store    store.Store
	brain    brain.Adapter
	bus      *lifecycle.Bus
	delivery *delivery.Dispatcher
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, engine *lifecycle.Engine, st store.Store, adapter brain.Adapter, bus *lifecycle.Bus, deliveryDispatcher *delivery.Dispatcher, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		engine:   engine,
		store:    st,
		brain:    adapter,
		bus:      bus,
		delivery: deliveryDispatcher,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may watch the live event feed
				// unless the deployment explicitly opens it up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/webhook/voice", s.handleVoiceWebhook)

	r.Get("/v1/users/{id}", s.handleGetUser)
	r.Get("/v1/users/{id}/stats", s.handleGetUserStats)
	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/{id}", s.handleGetCall)
	r.Get("/v1/graph", s.handleGetGraph)
	r.Get("/v1/checkins", s.handleListCheckIns)
	r.Post("/v1/cron/checkins", s.handleDispatchCheckIns)
	r.Get("/v1/events/ws", s.handleEventsWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
