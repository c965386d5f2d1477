package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"gopkg.in/yaml.v3"

	"github.com/emergencyprep/prepsync/internal/schema"
	"github.com/emergencyprep/prepsync/internal/ui"
)

// Output formats accepted by -o.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
	formatTOML  = "toml"
)

// writeTasks renders tasks in format.
func writeTasks(w io.Writer, tasks []*schema.Task, format string, now time.Time) error {
	if tasks == nil {
		tasks = []*schema.Task{}
	}

	switch format {
	case formatTable, "":
		return ui.TaskTable(w, tasks, now)
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(tasks); err != nil {
			return err
		}
		return enc.Close()
	case formatTOML:
		// TOML documents are tables, so the list goes under a key.
		return toml.NewEncoder(w).Encode(struct {
			Tasks []*schema.Task `toml:"tasks"`
		}{tasks})
	default:
		return fmt.Errorf("unknown output format %q (want table, json, yaml or toml)", format)
	}
}

// parseSince turns "yesterday", "2 hours ago", "last monday" or an RFC 3339
// timestamp into an absolute time.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: no date found", s)
	}
	return r.Time, nil
}

// updatedSince keeps tasks changed at or after since.
func updatedSince(tasks []*schema.Task, since time.Time) []*schema.Task {
	cutoff := since.UnixMilli()
	out := make([]*schema.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.UpdatedAt >= cutoff {
			out = append(out, t)
		}
	}
	return out
}
