// Package artifacts writes the JSON documents the one-shot commands leave
// behind: batch run summaries, health reports and rollback incident reports.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// timestampLayout keeps artifact names filesystem-safe; colons are out.
const timestampLayout = "2006-01-02T15-04-05"

// Writer drops JSON documents into a directory, one file per call, named
// {kind}-{timestamp}.json.
type Writer struct {
	dir string
	now func() time.Time
}

// NewWriter targets dir; an empty dir means the working directory.
func NewWriter(dir string) *Writer {
	if dir == "" {
		dir = "."
	}
	return &Writer{dir: dir, now: time.Now}
}

// Write stores doc as indented JSON and returns the path it was written to.
// The directory is created on first use.
func (w *Writer) Write(kind string, doc any) (string, error) {
	if kind == "" {
		return "", fmt.Errorf("op=artifacts.Write: empty kind: %w", domain.ErrInvalidArgument)
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("op=artifacts.Write: encode %s: %w", kind, err)
	}
	if err := os.MkdirAll(w.dir, 0750); err != nil {
		return "", fmt.Errorf("op=artifacts.Write: %w", err)
	}

	name := fmt.Sprintf("%s-%s.json", kind, w.now().UTC().Format(timestampLayout))
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return "", fmt.Errorf("op=artifacts.Write: %w", err)
	}
	return path, nil
}
