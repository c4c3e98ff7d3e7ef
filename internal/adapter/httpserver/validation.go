package httpserver

import "regexp"

// ValidationError is one field-level rejection reported in the error envelope.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult carries the outcome of an input check.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var (
	validJobID   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	validFeature = regexp.MustCompile(`^[a-z0-9_]+$`)
)

// ValidateJobID checks a path-supplied job id before it reaches the store.
func ValidateJobID(jobID string) ValidationResult {
	if jobID == "" {
		return invalid("id", "REQUIRED", "Job ID is required")
	}
	if len(jobID) > 100 {
		return invalid("id", "TOO_LONG", "Job ID is too long (max 100 characters)")
	}
	if !validJobID.MatchString(jobID) {
		return invalid("id", "INVALID_FORMAT", "Job ID contains invalid characters")
	}
	return ValidationResult{Valid: true}
}

// ValidateFeature checks a rollout feature name from the query string.
func ValidateFeature(feature string) ValidationResult {
	if feature == "" {
		return invalid("feature", "REQUIRED", "Feature is required")
	}
	if len(feature) > 100 {
		return invalid("feature", "TOO_LONG", "Feature is too long (max 100 characters)")
	}
	if !validFeature.MatchString(feature) {
		return invalid("feature", "INVALID_FORMAT", "Feature must be lowercase snake_case")
	}
	return ValidationResult{Valid: true}
}

func invalid(field, code, message string) ValidationResult {
	return ValidationResult{
		Valid:  false,
		Errors: []ValidationError{{Field: field, Code: code, Message: message}},
	}
}
