package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MimeLyc/video-pipeline/internal/failure"
	"github.com/MimeLyc/video-pipeline/internal/jobs"
	"github.com/MimeLyc/video-pipeline/pkg/log"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
	})
}

func (s *Server) handleQueueInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Info(r.Context()))
}

func (s *Server) handleRequeueFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.dispatcher.RequeueFailed(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requeued": n,
	})
}

func (s *Server) handleListLocalJobs(w http.ResponseWriter, _ *http.Request) {
	if s.local == nil {
		writeJSON(w, http.StatusOK, []*jobs.Job{})
		return
	}
	writeJSON(w, http.StatusOK, s.local.List())
}

type enqueueJobRequest struct {
	Kind     jobs.Kind `json:"kind"`
	EntityID string    `json:"entity_id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	id, err := s.dispatcher.Enqueue(r.Context(), req.Kind, req.EntityID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": id,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.dispatcher.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ok, err := s.dispatcher.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cancelled": ok,
	})
}

// writeFailure maps the failure kind to a status code.
func writeFailure(w http.ResponseWriter, err error) {
	var fe *failure.Error
	if !errors.As(err, &fe) {
		log.Error("request failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch fe.Kind {
	case failure.NotFound:
		writeError(w, http.StatusNotFound, fe.Message)
	case failure.Validation:
		writeError(w, http.StatusBadRequest, fe.Message)
	case failure.QueueUnavailable:
		writeError(w, http.StatusServiceUnavailable, fe.Message)
	case failure.Busy:
		writeError(w, http.StatusConflict, fe.Message)
	default:
		log.Error("request failed: %v", err)
		writeError(w, http.StatusInternalServerError, fe.Message)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
