package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain sentinel to its HTTP status and error code.
// Anything unmapped stays an opaque 500.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrStoreConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrRateExhausted):
		code = http.StatusTooManyRequests
		codeStr = "RATE_EXHAUSTED"
	case errors.Is(err, domain.ErrRolloutGated):
		code = http.StatusForbidden
		codeStr = "ROLLOUT_GATED"
	case errors.Is(err, domain.ErrEmergencyStopped):
		code = http.StatusServiceUnavailable
		codeStr = "EMERGENCY_STOPPED"
	case errors.Is(err, domain.ErrBackendUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "BACKEND_UNAVAILABLE"
	case errors.Is(err, domain.ErrTransport):
		code = http.StatusBadGateway
		codeStr = "UPSTREAM_TRANSPORT"
	case errors.Is(err, domain.ErrStoreError):
		codeStr = "STORE_ERROR"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}

// jobView shapes one job row for the API; optional columns are omitted
// rather than serialised as nulls.
func jobView(j domain.Job) map[string]any {
	m := map[string]any{
		"id":              j.ID,
		"kind":            j.Kind,
		"repository_id":   j.RepositoryID,
		"repository_name": j.RepositoryName,
		"backend":         string(j.Backend),
		"status":          string(j.Status),
		"created_at":      j.CreatedAt,
	}
	if j.RunID != nil {
		m["run_id"] = *j.RunID
	}
	if j.TimeRangeDays != nil {
		m["time_range_days"] = *j.TimeRangeDays
	}
	if len(j.Metadata) > 0 {
		m["metadata"] = j.Metadata
	}
	if j.Error != "" {
		m["error"] = j.Error
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt
	}
	return m
}

func progressView(p domain.Progress) map[string]any {
	m := map[string]any{
		"total_items":     p.Total,
		"processed_items": p.Processed,
		"failed_items":    p.Failed,
	}
	if p.CurrentItem != "" {
		m["current_item"] = p.CurrentItem
	}
	if len(p.RecentErrors) > 0 {
		m["recent_errors"] = p.RecentErrors
	}
	if !p.UpdatedAt.IsZero() {
		m["updated_at"] = p.UpdatedAt
	}
	return m
}

func rolloutView(c domain.RolloutConfig) map[string]any {
	m := map[string]any{
		"feature":              c.Feature,
		"percentage":           c.Percentage,
		"effective_percentage": c.EffectivePercentage(),
		"strategy":             c.Strategy,
		"emergency_stop":       c.EmergencyStop,
		"active":               c.Active,
	}
	if len(c.WhitelistedRepos) > 0 {
		m["whitelisted_repos"] = c.WhitelistedRepos
	}
	if !c.UpdatedAt.IsZero() {
		m["updated_at"] = c.UpdatedAt
	}
	return m
}
