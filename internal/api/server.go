// Package api exposes the ingestion and inspection HTTP surface: platform
// events come in, job state and captured logs can be read back.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"modqueue/internal/config"
	"modqueue/internal/models"
	"modqueue/internal/module"
	"modqueue/internal/ratelimit"
	"modqueue/internal/store"
	"modqueue/internal/telemetry"
)

const maxEventBytes = 1 << 20

// Server wires the HTTP handlers.
type Server struct {
	cfg     config.Config
	store   store.Store
	limiter *ratelimit.TokenBucket
	logger  *slog.Logger
}

func New(cfg config.Config, st store.Store, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, store: st, limiter: limiter, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/events/{owner}/{repository}", s.handleEvent)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/log", s.handleGetJobLog)
	return r
}

// handleEvent acknowledges a platform event quickly: it queues one urgent
// system job carrying the raw payload, and the worker fans it out across the
// modules.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	eventName := r.Header.Get("X-Event-Name")
	if eventName == "" {
		http.Error(w, "X-Event-Name header is required", http.StatusBadRequest)
		return
	}
	application := r.Header.Get("X-Application")
	if application == "" {
		application = "default"
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+application)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	if !json.Valid(body) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	job := models.Job{
		Priority:    module.PriorityHigh,
		Application: application,
		Owner:       chi.URLParam(r, "owner"),
		Repository:  chi.URLParam(r, "repository"),
		EventName:   eventName,
		EventData:   body,
	}
	id, err := s.store.InsertJob(r.Context(), &job, nil)
	if err != nil {
		s.logger.Error("enqueue event failed", slog.String("error", err.Error()))
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.JobsEnqueued.Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetJobLog(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(job.Log))
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
