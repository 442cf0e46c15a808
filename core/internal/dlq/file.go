package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/faultline-systems/faultline/core/internal/metrics"
)

// FileQueue writes one JSON file per failed workflow.
type FileQueue struct {
	basePath string
	mu       sync.Mutex
	written  uint64
}

// NewFileQueue creates a DLQ that writes to the specified directory.
func NewFileQueue(basePath string) (*FileQueue, error) {
	if basePath == "" {
		basePath = "/var/lib/faultline/dlq"
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dlq directory: %w", err)
	}

	return &FileQueue{basePath: basePath}, nil
}

func (q *FileQueue) Write(ctx context.Context, failed FailedWorkflow) error {
	if q == nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := json.MarshalIndent(failed, "", "  ")
	if err != nil {
		metrics.DLQWrites.WithLabelValues("file", "error").Inc()
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	filename, err := q.create(failed, data)
	if err != nil {
		metrics.DLQWrites.WithLabelValues("file", "error").Inc()
		return fmt.Errorf("write dlq entry: %w", err)
	}

	q.written++
	metrics.DLQWrites.WithLabelValues("file", "success").Inc()
	slog.Info("DLQ: wrote failed workflow", slog.String("file", filename), slog.String("workflow_id", failed.WorkflowID))
	return nil
}

// create writes data to a new file named after the run. Several processes may
// share basePath, so the file is opened exclusively and an existing name gets
// a numeric suffix instead of being overwritten.
func (q *FileQueue) create(failed FailedWorkflow, data []byte) (string, error) {
	base := fmt.Sprintf("failed_%d_%s_%s_%s",
		failed.Timestamp.Unix(), safeName(failed.WorkflowID), safeName(failed.RunID), failed.Reason())

	for n := 0; n < maxNameAttempts; n++ {
		filename := base + ".json"
		if n > 0 {
			filename = fmt.Sprintf("%s_%d.json", base, n)
		}

		f, err := os.OpenFile(filepath.Join(q.basePath, filename), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", err
		}
		return filename, f.Close()
	}
	return "", fmt.Errorf("no free file name for %s", base)
}

const maxNameAttempts = 100

func safeName(s string) string {
	if s == "" {
		return "none"
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, s)
}

func (q *FileQueue) Stats(ctx context.Context) map[string]any {
	if q == nil {
		return map[string]any{"enabled": false, "backend": "file"}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := os.ReadDir(q.basePath)
	if err != nil {
		return map[string]any{
			"enabled": true,
			"backend": "file",
			"written": q.written,
			"error":   err.Error(),
		}
	}

	return map[string]any{
		"enabled":       true,
		"backend":       "file",
		"written":       q.written,
		"pending_files": len(files),
		"base_path":     q.basePath,
	}
}

// List returns entries oldest first.
func (q *FileQueue) List(ctx context.Context, limit int) ([]FailedWorkflow, error) {
	if q == nil {
		return nil, ErrDisabled
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := os.ReadDir(q.basePath)
	if err != nil {
		return nil, fmt.Errorf("read dlq directory: %w", err)
	}

	var entries []FailedWorkflow
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(q.basePath, file.Name()))
		if err != nil {
			slog.Error("DLQ: failed to read file", slog.String("file", file.Name()), slog.String("error", err.Error()))
			continue
		}

		var failed FailedWorkflow
		if err := json.Unmarshal(data, &failed); err != nil {
			slog.Error("DLQ: failed to parse file", slog.String("file", file.Name()), slog.String("error", err.Error()))
			continue
		}
		entries = append(entries, failed)
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (q *FileQueue) Purge(ctx context.Context) error {
	if q == nil {
		return ErrDisabled
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := os.ReadDir(q.basePath)
	if err != nil {
		return fmt.Errorf("read dlq directory: %w", err)
	}

	deleted := 0
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(q.basePath, file.Name())); err != nil {
			slog.Error("DLQ: failed to delete file", slog.String("file", file.Name()), slog.String("error", err.Error()))
			continue
		}
		deleted++
	}

	slog.Info("DLQ: purged entries", slog.Int("deleted", deleted))
	return nil
}
