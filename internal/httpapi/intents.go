package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/lmoressi/ordino/internal/intentbuf"
	"github.com/lmoressi/ordino/internal/override"
	"github.com/lmoressi/ordino/internal/policy"
)

const roleHeader = "X-Ordino-Role"

type submitIntentRequest struct {
	SenderID string `json:"sender_id"`
	Text     string `json:"text"`
	Priority string `json:"priority"`
}

type submitIntentResponse struct {
	Accepted bool `json:"accepted"`
	Buffered int  `json:"buffered"`
}

type flushIntentsRequest struct {
	SenderID string `json:"sender_id"`
}

type overrideRequest struct {
	SenderID string `json:"sender_id"`
	TaskID   string `json:"task_id"`
	Text     string `json:"text"`
}

type overrideResponse struct {
	Applied   bool     `json:"applied"`
	TaskIDs   []string `json:"task_ids"`
	Remaining int      `json:"remaining"`
}

func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	role := policy.ParseRole(r.Header.Get(roleHeader))
	if !policy.Allowed(role, policy.CapSubmitIntent) {
		respondError(w, http.StatusForbidden, "not_authorized", "role may not submit intents")
		return
	}

	var req submitIntentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.SenderID = strings.TrimSpace(req.SenderID)
	if req.SenderID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "sender_id is required")
		return
	}
	if screened := policy.ScreenIntent(req.Text); screened.Rejected {
		s.metrics.IntentsIngested.WithLabelValues("rejected").Inc()
		respondError(w, http.StatusUnprocessableEntity, "intent_rejected", screened.Reason)
		return
	}

	if err := s.buffer.Ingest(req.SenderID, req.Text, req.Priority, time.Now().UTC()); err != nil {
		if errors.Is(err, intentbuf.ErrBackpressure) {
			s.metrics.IntentsIngested.WithLabelValues("backpressure").Inc()
			respondError(w, http.StatusTooManyRequests, "buffer_backpressure", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "ingest_failed", err.Error())
		return
	}

	s.metrics.IntentsIngested.WithLabelValues("accepted").Inc()
	respondJSON(w, http.StatusAccepted, submitIntentResponse{
		Accepted: true,
		Buffered: s.buffer.Size(req.SenderID),
	})
}

func (s *Server) handleFlushIntents(w http.ResponseWriter, r *http.Request) {
	var req flushIntentsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.SenderID = strings.TrimSpace(req.SenderID)
	if req.SenderID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "sender_id is required")
		return
	}
	flushed := s.buffer.FlushNow(req.SenderID)
	respondJSON(w, http.StatusOK, map[string]any{"flushed": flushed})
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	role := policy.ParseRole(r.Header.Get(roleHeader))

	var req overrideRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.SenderID = strings.TrimSpace(req.SenderID)
	if req.SenderID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "sender_id is required")
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text != "" {
		if screened := policy.ScreenIntent(req.Text); screened.Rejected {
			s.metrics.IntentsIngested.WithLabelValues("rejected").Inc()
			respondError(w, http.StatusUnprocessableEntity, "intent_rejected", screened.Reason)
			return
		}
	}

	ids, err := s.overrides.Apply(r.Context(), override.Request{
		SenderID: req.SenderID,
		TaskID:   strings.TrimSpace(req.TaskID),
		Text:     req.Text,
		Role:     role,
	})
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, overrideResponse{
			Applied:   true,
			TaskIDs:   ids,
			Remaining: s.overrides.Remaining(req.SenderID),
		})
	case errors.Is(err, override.ErrQuotaExceeded):
		respondError(w, http.StatusTooManyRequests, "override_quota_exceeded", err.Error())
	case errors.Is(err, policy.ErrNotAuthorized):
		respondError(w, http.StatusForbidden, "not_authorized", err.Error())
	case errors.Is(err, override.ErrEmptyRequest):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	}
}
