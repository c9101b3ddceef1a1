// Package api is the thin HTTP control plane over the migration engine:
// start a job, watch it, cancel it. It carries no business logic of its own.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"s3migrate/internal/config"
	"s3migrate/internal/controller"
	"s3migrate/internal/job"
	"s3migrate/internal/metrics"
)

// Server exposes the control API.
type Server struct {
	ctrl    *controller.Controller
	metrics *metrics.Collector
	logger  *zap.Logger
}

// New creates the API server
func New(ctrl *controller.Controller, collector *metrics.Collector, logger *zap.Logger) *Server {
	return &Server{ctrl: ctrl, metrics: collector, logger: logger}
}

// Router builds the HTTP routes
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.handleStart)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleStatus)
		r.Get("/{id}/log", s.handleLog)
		r.Post("/{id}/cancel", s.handleCancel)
	})
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}

type startResponse struct {
	JobID string `json:"job_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	// Decoding over the seeded defaults keeps absent fields at their
	// defaults while an explicit zero in the body stays a zero.
	cfg := config.DefaultJob()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, err := s.ctrl.StartJob(cfg)
	if err != nil {
		var validation *job.ValidationError
		switch {
		case errors.As(err, &validation):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, job.ErrActiveName):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("failed to start job", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, startResponse{JobID: id})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	jobs, err := s.ctrl.ListJobs()
	if err != nil {
		s.logger.Error("failed to list jobs", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	j, err := s.ctrl.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := s.ctrl.ObjectLog(chi.URLParam(r, "id"), after, limit)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.ctrl.Cancel(chi.URLParam(r, "id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, job.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, job.ErrNotActive):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("failed to cancel job", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, job.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error("job lookup failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
