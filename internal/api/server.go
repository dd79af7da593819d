package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"neo-scan-engine/internal/apperror"
	"neo-scan-engine/internal/config"
	"neo-scan-engine/internal/models"
	"neo-scan-engine/internal/queue"
	"neo-scan-engine/internal/ratelimit"
	"neo-scan-engine/internal/store"
	"neo-scan-engine/internal/telemetry"
)

// Server wires HTTP handlers for scan submission and status/result reads.
// Submission is non-blocking: it inserts a pending job and returns; execution
// errors surface only through later job-status inspection.
type Server struct {
	cfg      config.Config
	jobs     store.JobStore
	events   store.EventStore
	limiter  *ratelimit.TokenBucket
	notifier *queue.Notifier
	log      *logrus.Logger
}

// New constructs the API server. limiter and notifier may be nil.
func New(cfg config.Config, jobs store.JobStore, events store.EventStore, limiter *ratelimit.TokenBucket, notifier *queue.Notifier, log *logrus.Logger) *Server {
	return &Server{
		cfg:      cfg,
		jobs:     jobs,
		events:   events,
		limiter:  limiter,
		notifier: notifier,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/v1/scans", s.handleSubmit)
	r.Get("/api/v1/scans", s.handleListScans)
	r.Get("/api/v1/scans/{id}", s.handleGetScan)
	r.Get("/api/v1/scans/{id}/risks", s.handleListRisks)
	r.Get("/api/v1/scans/{id}/summary", s.handleSummary)
	r.Get("/api/v1/alerts", s.handleListAlerts)
	return r
}

type submitRequest struct {
	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time"`
	DistanceThresholdKm float64   `json:"distance_threshold_km"`
	MaxAttempts         int       `json:"max_attempts"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, err := s.jobs.Submit(r.Context(), store.SubmitParams{
		StartTime:           req.StartTime,
		EndTime:             req.EndTime,
		DistanceThresholdKm: req.DistanceThresholdKm,
		MaxAttempts:         req.MaxAttempts,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	_ = s.jobs.AppendAudit(r.Context(), job.ID, "submitted",
		fmt.Sprintf("window=[%s,%s] threshold_km=%g", job.StartTime.UTC().Format(time.RFC3339), job.EndTime.UTC().Format(time.RFC3339), job.DistanceThresholdKm))
	telemetry.ScansSubmitted.Inc()

	// Best-effort wake hint; workers poll regardless.
	if err := s.notifier.Wake(r.Context()); err != nil {
		s.log.WithError(err).Warn("wake hint failed")
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.ListJobs(r.Context(), r.URL.Query().Get("status"), 100)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.ScanJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleListRisks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.jobs.GetJob(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}
	risks, err := s.jobs.ListRiskEvents(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if risks == nil {
		risks = []models.RiskEvent{}
	}
	writeJSON(w, http.StatusOK, risks)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.jobs.ListAlerts(r.Context(), r.URL.Query().Get("status"), 100)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

type scanSummary struct {
	JobID          string  `json:"job_id"`
	Status         string  `json:"status"`
	WindowStart    string  `json:"window_start"`
	WindowEnd      string  `json:"window_end"`
	ThresholdKm    float64 `json:"threshold_km"`
	EventsInWindow int64   `json:"events_in_window"`
	RisksFound     int64   `json:"risks_found"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}

	eventCount, err := s.events.CountEvents(r.Context(), job.StartTime, job.EndTime)
	if err != nil {
		writeAppError(w, err)
		return
	}
	riskCount, err := s.jobs.CountRiskEvents(r.Context(), job.ID)
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, scanSummary{
		JobID:          job.ID,
		Status:         job.Status,
		WindowStart:    job.StartTime.UTC().Format(time.RFC3339),
		WindowEnd:      job.EndTime.UTC().Format(time.RFC3339),
		ThresholdKm:    job.DistanceThresholdKm,
		EventsInWindow: eventCount,
		RisksFound:     riskCount,
	})
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return r.RemoteAddr
}

func writeAppError(w http.ResponseWriter, err error) {
	var ae *apperror.AppError
	if errors.As(err, &ae) {
		writeError(w, ae.HTTPStatus(), ae.Message())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
