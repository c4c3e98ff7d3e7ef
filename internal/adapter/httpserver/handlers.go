// Package httpserver contains the capture API handlers and middleware: the
// enqueue endpoint, the read-only job, stats and rollout views used by the
// dashboard, and the health/readiness probes. HTTP concerns stop here; the
// router usecase owns validation of record state and back-end choice.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/progressive-capture/internal/config"
	"github.com/fairyhunter13/progressive-capture/internal/domain"
	"github.com/fairyhunter13/progressive-capture/internal/usecase"
	"github.com/fairyhunter13/progressive-capture/pkg/textx"
)

// maxCaptureBody caps the enqueue request body.
const maxCaptureBody = 1 << 20

// statsWindowDefault is the stats window when the caller names none.
const statsWindowDefault = 24 * time.Hour

// Server aggregates handler dependencies.
type Server struct {
	Cfg      config.Config
	Capture  usecase.CaptureService
	Rollouts usecase.RolloutService
	Jobs     domain.JobRepository
	Progress domain.ProgressRepository

	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	KafkaCheck func(ctx context.Context) error
}

// NewServer constructs the HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, capture usecase.CaptureService, rollouts usecase.RolloutService,
	jobs domain.JobRepository, progress domain.ProgressRepository,
	dbCheck, redisCheck, kafkaCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:        cfg,
		Capture:    capture,
		Rollouts:   rollouts,
		Jobs:       jobs,
		Progress:   progress,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
		KafkaCheck: kafkaCheck,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// acceptsJSON rejects callers that explicitly refuse JSON; this API speaks
// nothing else.
func acceptsJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") {
		return true
	}
	writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
		Code:    "INVALID_ARGUMENT",
		Message: "not acceptable",
		Details: map[string]any{"accept": a},
	}})
	return false
}

// captureRequest is the enqueue payload. Ranges mirror what the router
// accepts so a rejected request never creates a row.
type captureRequest struct {
	Kind           string `json:"kind" validate:"required,oneof=details reviews comments historical-sync file-changes"`
	RepositoryID   string `json:"repository_id" validate:"required,max=255"`
	RepositoryName string `json:"repository_name" validate:"required,max=255"`
	PRNumbers      []int  `json:"pr_numbers" validate:"omitempty,max=100,dive,gt=0"`
	TimeRangeDays  *int   `json:"time_range_days" validate:"omitempty,gt=0,lte=365"`
	MaxItems       *int   `json:"max_items" validate:"omitempty,gt=0,lte=1000"`
	TriggerSource  string `json:"trigger_source" validate:"omitempty,oneof=manual scheduled"`
}

// CaptureHandler enqueues a capture job and answers once the back-end has
// accepted the dispatch.
func (s *Server) CaptureHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxCaptureBody)

		var req captureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}
		if req.TriggerSource == "" {
			req.TriggerSource = domain.TriggerManual
		}

		jobID, err := s.Capture.Enqueue(r.Context(), req.Kind, domain.JobData{
			RepositoryID:   strings.TrimSpace(req.RepositoryID),
			RepositoryName: textx.SanitizeText(req.RepositoryName),
			PRNumbers:      req.PRNumbers,
			TimeRangeDays:  req.TimeRangeDays,
			MaxItems:       req.MaxItems,
			TriggerSource:  req.TriggerSource,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     jobID,
			"status": string(domain.JobPending),
		})
	}
}

// JobHandler returns one job row together with its progress counters.
func (s *Server) JobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if res := ValidateJobID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), res.Errors)
			return
		}

		ctx := r.Context()
		job, err := s.Jobs.Get(ctx, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		progress, err := s.Progress.Get(ctx, id)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			writeError(w, r, err, nil)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"job":      jobView(job),
			"progress": progressView(progress),
		})
	}
}

// RolloutHandler serves the read-only gating state for the dashboard.
// Mutations go through the rolloutctl CLI, never this surface.
func (s *Server) RolloutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		feature := r.URL.Query().Get("feature")
		if feature == "" {
			feature = domain.DefaultFeature
		}
		if res := ValidateFeature(feature); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid feature", domain.ErrInvalidArgument), res.Errors)
			return
		}

		cfg, err := s.Rollouts.Query(r.Context(), feature)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, rolloutView(cfg))
	}
}

// StatsHandler aggregates job outcomes over a window (default 24 h, capped
// at 7 days) for the dashboard.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		window := statsWindowDefault
		if v := r.URL.Query().Get("hours"); v != "" {
			hours, err := strconv.Atoi(v)
			if err != nil || hours < 1 || hours > 168 {
				writeError(w, r, fmt.Errorf("%w: hours must be between 1 and 168", domain.ErrInvalidArgument), nil)
				return
			}
			window = time.Duration(hours) * time.Hour
		}

		stats, err := s.Jobs.Stats(r.Context(), time.Now().Add(-window))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"window_hours": int(window / time.Hour),
			"total":        stats.Total,
			"completed":    stats.Completed,
			"failed":       stats.Failed,
			"processing":   stats.Processing,
		})
	}
}

// ReadyzHandler probes the store, the rollout cache and the queue brokers.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	run := func(ctx context.Context, name string, fn func(context.Context) error) check {
		if err := fn(ctx); err != nil {
			return check{Name: name, OK: false, Details: err.Error()}
		}
		return check{Name: name, OK: true}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := make([]check, 0, 3)
		if s.DBCheck != nil {
			checks = append(checks, run(ctx, "db", s.DBCheck))
		}
		if s.RedisCheck != nil {
			checks = append(checks, run(ctx, "redis", s.RedisCheck))
		}
		if s.KafkaCheck != nil {
			checks = append(checks, run(ctx, "kafka", s.KafkaCheck))
		}

		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
