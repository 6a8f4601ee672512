package api

import (
	"errors"
	"net/http"

	"github.com/fidde/radar/pkg/models"
	"github.com/go-chi/chi/v5"
)

// listTasks returns background tasks, newest queued first.
// Query params: limit, offset, since, request_id, status
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	params := parsePaginationParams(r)
	filter, err := recordFilter(r, params)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if status := models.TaskStatus(r.URL.Query().Get("status")); status != "" {
		if !status.Valid() {
			s.respondError(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter.Status = status
	}

	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, paginate(tasks, params))
}

// getTask returns one background task.
func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, models.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, task)
}

// clearTasks removes every background task and leaves other data alone.
func (s *Server) clearTasks(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearTasks(r.Context()); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("cleared background tasks")
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Background tasks cleared",
	})
}
