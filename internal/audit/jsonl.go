package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// JSONLRecorder appends entries as JSON lines, one file per UTC day.
type JSONLRecorder struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// JSONLPath is the daily trades file under dir.
func JSONLPath(dir string, day time.Time) string {
	return filepath.Join(dir, "trades_"+day.UTC().Format("2006-01-02")+".jsonl")
}

// NewJSONLRecorder creates/opens the day's file under dir.
func NewJSONLRecorder(dir string, day time.Time) (*JSONLRecorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	path := JSONLPath(dir, day)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &JSONLRecorder{path: path, file: file}, nil
}

// Path is the file being written.
func (r *JSONLRecorder) Path() string { return r.path }

// Record writes a single entry and syncs it.
func (r *JSONLRecorder) Record(_ context.Context, e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: encode: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return fmt.Errorf("audit: %s closed", r.path)
	}
	if _, err := r.file.Write(line); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	return r.file.Sync()
}

// Close closes the file handle.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
