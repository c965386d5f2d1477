// Package backup exports an identity's cached tasks to JSONL and imports
// them back as local edits.
package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/emergencyprep/prepsync/internal/schema"
)

// Lister reads an identity's cached tasks. *offline.Client satisfies it.
type Lister interface {
	ListTasksLocally(ctx context.Context, userID string) ([]*schema.Task, error)
}

// Saver writes a task as a local edit. *offline.Client satisfies it.
type Saver interface {
	SaveTaskLocally(ctx context.Context, task *schema.Task) (*schema.Task, error)
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	DryRun bool // Validate without writing
	Backup bool // Export current tasks next to the input first
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Read          int
	Imported      int
	BackupCreated string
	Errors        []string
}

// WriteJSONL writes one JSON task per line.
func WriteJSONL(w io.Writer, tasks []*schema.Task) error {
	enc := json.NewEncoder(w)
	for _, task := range tasks {
		if err := enc.Encode(task); err != nil {
			return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
		}
	}
	return nil
}

// ReadJSONL parses one JSON task per line.
func ReadJSONL(r io.Reader) ([]*schema.Task, error) {
	var tasks []*schema.Task
	dec := json.NewDecoder(bufio.NewReader(r))
	line := 0

	for {
		var task schema.Task
		if err := dec.Decode(&task); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", line+1, err)
		}
		line++
		tasks = append(tasks, &task)
	}

	return tasks, nil
}

// Export writes userID's cached tasks to path atomically. Returns the
// number of tasks written.
func Export(ctx context.Context, src Lister, userID, path string) (int, error) {
	tasks, err := src.ListTasksLocally(ctx, userID)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(f)
	err = WriteJSONL(w, tasks)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to write export: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}

	return len(tasks), nil
}

// Import reads tasks from path and saves each as a local edit of userID.
//
// Imported tasks keep their ids but take userID as owner and a fresh
// timestamp, and are unsynced, so the next pass publishes them. Invalid
// rows are reported in the result and skipped.
func Import(ctx context.Context, dst Saver, src Lister, userID, path string, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()

	tasks, err := ReadJSONL(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}
	result.Read = len(tasks)

	if opts.Backup && !opts.DryRun {
		backupPath := path + ".backup." + time.Now().Format("20060102-150405")
		if _, err := Export(ctx, src, userID, backupPath); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	for i, task := range tasks {
		task.UserID = userID
		task.Synced = false
		task.Normalize()

		if opts.DryRun {
			// Validate needs an id; a fresh one is assigned on save anyway.
			check := *task
			if check.ID == "" {
				check.ID = "dry-run"
			}
			if err := check.Validate(); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", i+1, err))
				continue
			}
			result.Imported++
			continue
		}

		if _, err := dst.SaveTaskLocally(ctx, task); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d (%s): %v", i+1, task.ID, err))
			continue
		}
		result.Imported++
	}

	return result, nil
}
