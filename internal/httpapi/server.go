package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/lmoressi/ordino/internal/classify"
	"github.com/lmoressi/ordino/internal/config"
	"github.com/lmoressi/ordino/internal/executor"
	"github.com/lmoressi/ordino/internal/graph"
	"github.com/lmoressi/ordino/internal/intentbuf"
	"github.com/lmoressi/ordino/internal/observability"
	"github.com/lmoressi/ordino/internal/override"
)

var errEmptyBody = errors.New("request body is empty")

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type Server struct {
	cfg        config.Config
	buffer     *intentbuf.Buffer
	store      graph.Store
	exec       *executor.Executor
	overrides  *override.Handler
	classifier *classify.Classifier
	events     *graph.EventHub
	metrics    *observability.Metrics
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, buffer *intentbuf.Buffer, store graph.Store, exec *executor.Executor, overrides *override.Handler, classifier *classify.Classifier, events *graph.EventHub, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		buffer:     buffer,
		store:      store,
		exec:       exec,
		overrides:  overrides,
		classifier: classifier,
		events:     events,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections may stream events
				// unless the deployment explicitly opens the socket up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
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

	r.Post("/v1/intents", s.handleSubmitIntent)
	r.Post("/v1/intents/flush", s.handleFlushIntents)
	r.Post("/v1/overrides", s.handleOverride)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Get("/v1/tasks/{id}/events", s.handleTaskEvents)
	r.Post("/v1/tasks/{id}/cancel", s.handleCancelTask)
	r.Post("/v1/tasks/{id}/unblock", s.handleUnblockTask)
	r.Post("/v1/tasks/{id}/tier", s.handleOverrideTier)
	r.Post("/v1/classifier/recalibrate", s.handleRecalibrate)
	r.Post("/v1/executor/resume", s.handleResume)
	r.Get("/v1/events/ws", s.handleEventsWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status := "ready"
	code := http.StatusOK
	if s.exec.Halted() {
		status = "halted"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":      status,
		"drift_score": s.classifier.DriftScore(),
	})
}

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
