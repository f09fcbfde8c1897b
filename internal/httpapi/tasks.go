package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/loopd/internal/tasks"
)

type createTaskRequest struct {
	CookieContent  string `json:"cookieContent"`
	MessageContent string `json:"messageContent"`
	HatersName     string `json:"hatersName"`
	LastHereName   string `json:"lastHereName"`
	ThreadID       string `json:"threadID"`
	Delay          int    `json:"delay"`
}

type createTaskResponse struct {
	TaskID string `json:"taskId"`
}

type listTasksResponse struct {
	Tasks []tasks.Details `json:"tasks"`
}

type stopTaskResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondError(w, http.StatusNotImplemented, "task_runtime_disabled", "Task runtime is disabled.")
		return
	}

	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.ThreadID = strings.TrimSpace(req.ThreadID)
	if req.ThreadID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "threadID is required")
		return
	}

	id, err := s.tasks.Start(r.Context(), tasks.Input{
		ThreadID:       req.ThreadID,
		MessageContent: req.MessageContent,
		HatersName:     req.HatersName,
		LastHereName:   req.LastHereName,
		Delay:          req.Delay,
		CookieContent:  req.CookieContent,
	}, nil)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, tasks.ErrNoMessages) {
			status = http.StatusUnprocessableEntity
		}
		respondError(w, status, startErrorCode(err), err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, createTaskResponse{TaskID: id})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondError(w, http.StatusNotImplemented, "task_runtime_disabled", "Task runtime is disabled.")
		return
	}
	list, err := s.tasks.List(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, listTasksResponse{Tasks: list})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondError(w, http.StatusNotImplemented, "task_runtime_disabled", "Task runtime is disabled.")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	details, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		s.respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, details)
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondError(w, http.StatusNotImplemented, "task_runtime_disabled", "Task runtime is disabled.")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	if err := s.tasks.Stop(r.Context(), id); err != nil {
		s.respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stopTaskResponse{TaskID: id, Status: string(tasks.StateStopped)})
}

func (s *Server) respondTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	default:
		s.log.Error().Err(err).Msg("task request failed")
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
