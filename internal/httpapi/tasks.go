package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lmoressi/ordino/internal/executor"
	"github.com/lmoressi/ordino/internal/graph"
	"github.com/lmoressi/ordino/internal/policy"
)

type cancelTaskRequest struct {
	Cascade bool `json:"cascade"`
}

type unblockTaskRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	senderID := strings.TrimSpace(r.URL.Query().Get("sender_id"))
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be 1..500")
			return
		}
		limit = n
	}

	tasks, err := s.store.ListTasks(r.Context(), senderID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	// prefer the live scheduling view; fall back to the durable record
	if task, ok := s.exec.Task(taskID); ok {
		respondJSON(w, http.StatusOK, task)
		return
	}
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, graph.ErrStoreNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", "no task with id "+taskID)
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be positive")
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": s.events.History(taskID, limit)})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	role := policy.ParseRole(r.Header.Get(roleHeader))
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	var req cancelTaskRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	err := s.exec.Cancel(role, taskID, req.Cascade)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]any{"cancelled": true})
	case errors.Is(err, policy.ErrNotAuthorized):
		respondError(w, http.StatusForbidden, "not_authorized", err.Error())
	case errors.Is(err, executor.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, executor.ErrAlreadyTerminal):
		respondError(w, http.StatusConflict, "task_terminal", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "cancel_failed", err.Error())
	}
}

func (s *Server) handleUnblockTask(w http.ResponseWriter, r *http.Request) {
	role := policy.ParseRole(r.Header.Get(roleHeader))
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	var req unblockTaskRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	mode := executor.UnblockMode(strings.TrimSpace(strings.ToLower(req.Mode)))
	if mode == "" {
		mode = executor.UnblockSever
	}

	err := s.exec.Unblock(role, taskID, mode)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]any{"unblocked": true, "mode": string(mode)})
	case errors.Is(err, policy.ErrNotAuthorized):
		respondError(w, http.StatusForbidden, "not_authorized", err.Error())
	case errors.Is(err, executor.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, executor.ErrNotBlocked):
		respondError(w, http.StatusConflict, "task_not_blocked", err.Error())
	default:
		respondError(w, http.StatusBadRequest, "unblock_failed", err.Error())
	}
}

type overrideTierRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleOverrideTier(w http.ResponseWriter, r *http.Request) {
	role := policy.ParseRole(r.Header.Get(roleHeader))
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	var req overrideTierRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	mode := graph.TeamMode(strings.TrimSpace(strings.ToLower(req.Mode)))

	err := s.exec.OverrideTier(role, taskID, mode)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]any{"tier": string(mode)})
	case errors.Is(err, policy.ErrNotAuthorized):
		respondError(w, http.StatusForbidden, "not_authorized", err.Error())
	case errors.Is(err, executor.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, executor.ErrTaskRunning), errors.Is(err, executor.ErrAlreadyTerminal):
		respondError(w, http.StatusConflict, "tier_locked", err.Error())
	default:
		respondError(w, http.StatusBadRequest, "tier_override_failed", err.Error())
	}
}

func (s *Server) handleRecalibrate(w http.ResponseWriter, r *http.Request) {
	role := policy.ParseRole(r.Header.Get(roleHeader))
	if err := s.classifier.Recalibrate(role); err != nil {
		if errors.Is(err, policy.ErrNotAuthorized) {
			respondError(w, http.StatusForbidden, "not_authorized", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "recalibrate_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"recalibrated": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	role := policy.ParseRole(r.Header.Get(roleHeader))
	err := s.exec.Resume(role)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]any{"resumed": true})
	case errors.Is(err, policy.ErrNotAuthorized):
		respondError(w, http.StatusForbidden, "not_authorized", err.Error())
	case errors.Is(err, executor.ErrHalted):
		respondError(w, http.StatusConflict, "cycle_unresolved", "blocking graph still contains a cycle")
	default:
		respondError(w, http.StatusInternalServerError, "resume_failed", err.Error())
	}
}
