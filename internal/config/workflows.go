// Package config provides workflow mapping for the batch back-end.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// WorkflowConfig maps capture job kinds to the named workflows the external
// job runner dispatches.
type WorkflowConfig struct {
	Workflows map[string]string `yaml:"workflows"`
}

// DefaultWorkflows returns the compiled-in kind-to-workflow mapping used when
// no workflows file is configured.
func DefaultWorkflows() map[string]string {
	return map[string]string{
		domain.JobKindDetails:    "capture-pr-details.yml",
		domain.JobKindReviews:    "capture-pr-reviews.yml",
		domain.JobKindComments:   "capture-pr-comments.yml",
		domain.JobKindHistorical: "historical-pr-sync.yml",
		domain.JobKindFileChange: "capture-pr-details.yml",
	}
}

// LoadWorkflowConfig loads the workflow mapping from a YAML file. An empty
// path or a missing file falls back to the compiled-in defaults; a present
// but unreadable or malformed file is an error.
func LoadWorkflowConfig(path string) (WorkflowConfig, error) {
	cfg := WorkflowConfig{Workflows: DefaultWorkflows()}
	if path == "" {
		return cfg, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return WorkflowConfig{}, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(absPath)
	if err != nil {
		return WorkflowConfig{}, fmt.Errorf("failed to read workflows file: %w", err)
	}

	var fileCfg WorkflowConfig
	if err := yaml.Unmarshal(content, &fileCfg); err != nil {
		return WorkflowConfig{}, fmt.Errorf("failed to parse workflows file: %w", err)
	}

	// File entries override defaults per kind; unlisted kinds keep defaults.
	for kind, workflow := range fileCfg.Workflows {
		cfg.Workflows[kind] = workflow
	}
	return cfg, nil
}

// WorkflowFor resolves the workflow name for a job kind.
func (w WorkflowConfig) WorkflowFor(kind string) (string, error) {
	name, ok := w.Workflows[kind]
	if !ok {
		return "", fmt.Errorf("no workflow configured for job kind %q", kind)
	}
	return name, nil
}
