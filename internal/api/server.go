package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/jobs"
	"github.com/JakeFAU/permit-crawler/internal/metrics"
	"github.com/JakeFAU/permit-crawler/internal/middleware"
	"github.com/JakeFAU/permit-crawler/internal/permit"
)

const (
	defaultReviewLimit = 50
	maxReviewLimit     = 500
)

// JobReader is the read side of the job store.
type JobReader interface {
	Get(key string) (jobs.ParseJob, error)
	ListByState(state jobs.State, limit int) []jobs.ParseJob
	Stats() jobs.Stats
}

// Server serves job and permit status. It never mutates state.
type Server struct {
	router  chi.Router
	jobs    JobReader
	records permit.RecordStore
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. records may be nil.
func NewServer(jobReader JobReader, records permit.RecordStore, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:    jobReader,
		records: records,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Metrics)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Recover(logger))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/jobs/stats", s.stats)
		r.Get("/jobs/review", s.review)
		r.Get("/jobs/{statusNo}", s.getJob)
		r.Get("/permits/{statusNo}", s.getPermit)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsDTO struct {
	Total          int            `json:"total"`
	ByState        map[string]int `json:"by_state"`
	SuccessRate    float64        `json:"success_rate"`
	MeanConfidence float64        `json:"mean_confidence"`
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	st := s.jobs.Stats()
	byState := make(map[string]int, len(jobs.States))
	for _, state := range jobs.States {
		byState[state.String()] = st.ByState[state]
	}
	s.writeJSON(w, http.StatusOK, statsDTO{
		Total:          st.Total,
		ByState:        byState,
		SuccessRate:    st.SuccessRate,
		MeanConfidence: st.MeanConfidence,
	})
}

func (s *Server) review(w http.ResponseWriter, r *http.Request) {
	limit := defaultReviewLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(val, maxReviewLimit)
	}
	list := s.jobs.ListByState(jobs.StateManualReview, limit)
	if list == nil {
		list = []jobs.ParseJob{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "statusNo")
	job, err := s.jobs.Get(key)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_key", key), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) getPermit(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		s.writeError(w, http.StatusServiceUnavailable, "record store unavailable")
		return
	}
	key := chi.URLParam(r, "statusNo")
	rec, ok, err := s.records.Get(r.Context(), key)
	if err != nil {
		s.logger.Error("get permit failed", zap.String("status_no", key), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load permit")
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "permit not found")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
