package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/emergencyprep/prepsync/internal/schema"
	psync "github.com/emergencyprep/prepsync/internal/sync"
)

// maxTitleWidth truncates long titles in the task table.
const maxTitleWidth = 48

// TaskTable writes tasks as aligned columns. Unsynced tasks are marked
// pending.
func TaskTable(w io.Writer, tasks []*schema.Task, now time.Time) error {
	if len(tasks) == 0 {
		_, err := fmt.Fprintln(w, RenderMuted("No tasks."))
		return err
	}

	rows := [][]string{{"ID", "FOLDER", "TITLE", "UPDATED", "STATE"}}
	for _, t := range tasks {
		rows = append(rows, []string{
			ShortID(t.ID),
			t.Folder,
			truncate(t.Title, maxTitleWidth),
			RelativeTime(t.UpdatedAt, now),
			syncState(t.Synced),
		})
	}

	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if n := lipgloss.Width(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	for r, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			if r == 0 {
				cell = headerStyle.Render(cell)
			}
			if i < len(row)-1 {
				cell += strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			}
			cells[i] = cell
		}
		if _, err := fmt.Fprintln(w, strings.Join(cells, "  ")); err != nil {
			return err
		}
	}
	return nil
}

// TaskDetail writes every field of one task.
func TaskDetail(w io.Writer, t *schema.Task, now time.Time) error {
	lines := []string{
		RenderAccent(t.Title),
		fmt.Sprintf("ID:      %s", t.ID),
		fmt.Sprintf("Folder:  %s", t.Folder),
		fmt.Sprintf("Updated: %s (%s)", time.UnixMilli(t.UpdatedAt).Format(time.RFC3339), RelativeTime(t.UpdatedAt, now)),
		fmt.Sprintf("State:   %s", syncState(t.Synced)),
	}
	if t.Description != "" {
		lines = append(lines, "", t.Description)
	}
	_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))
	return err
}

// ReportLine renders a pass result for one identity.
func ReportLine(r *psync.Report) string {
	prefix := RenderPass("✓ Synced")
	if !r.OK() {
		prefix = RenderWarn(fmt.Sprintf("⚠ Synced with %d failure(s)", len(r.Failures)))
	}
	line := fmt.Sprintf("%s %s: pushed %d, deleted %d, pulled %d", prefix, r.UserID, r.Pushed, r.Deleted, r.Pulled)
	if r.Pending > 0 {
		line += RenderWarn(fmt.Sprintf(" (%d pending)", r.Pending))
	}
	return line
}

// ShortID abbreviates generated ids for tables.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// RelativeTime renders a millisecond timestamp relative to now.
func RelativeTime(ms int64, now time.Time) string {
	d := now.Sub(time.UnixMilli(ms))
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 30*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return time.UnixMilli(ms).Format("2006-01-02")
	}
}

func syncState(synced bool) string {
	if synced {
		return RenderPass("synced")
	}
	return RenderWarn("pending")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
