package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/emergencyprep/prepsync/internal/db"
	"github.com/emergencyprep/prepsync/internal/schema"
	"github.com/emergencyprep/prepsync/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add [title]",
	GroupID: "tasks",
	Short:   "Add a task",
	Long: `Add a task to the local cache. It is published on the next sync.

Without a title, an interactive form opens when running in a terminal.

Examples:
  prepsync add "Check flashlight" --folder Supplies
  prepsync add "Store 4 gallons" -f Water -d "One gallon per person per day"
  prepsync add`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		title, _ := cmd.Flags().GetString("title")
		description, _ := cmd.Flags().GetString("description")
		folder, _ := cmd.Flags().GetString("folder")
		if len(args) == 1 {
			title = args[0]
		}

		task := &schema.Task{Title: title, Description: description, Folder: folder}
		if strings.TrimSpace(title) == "" || strings.TrimSpace(folder) == "" {
			if !interactive() {
				return errors.New("title and --folder are required")
			}
			if err := taskForm(task, "New task"); err != nil {
				return err
			}
		}

		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		saved, err := a.client.SaveTaskLocally(ctx, task)
		if err != nil {
			return err
		}
		fmt.Printf("%s Added %s %s\n", ui.RenderPass("✓"), ui.RenderAccent(ui.ShortID(saved.ID)), saved.Title)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id>",
	GroupID: "tasks",
	Short:   "Edit a task",
	Long: `Edit a task in the local cache. The id may be abbreviated to any
unique prefix.

Without field flags, an interactive form opens when running in a terminal.

Examples:
  prepsync edit 5b0f4c1e --title "Check both flashlights"
  prepsync edit 5b0f --folder Lighting
  prepsync edit 5b0f`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.resolveTask(ctx, args[0])
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		changed := false
		for _, f := range []struct {
			name string
			dst  *string
		}{
			{"title", &task.Title},
			{"description", &task.Description},
			{"folder", &task.Folder},
		} {
			if flags.Changed(f.name) {
				*f.dst, _ = flags.GetString(f.name)
				changed = true
			}
		}

		if !changed {
			if !interactive() {
				return errors.New("nothing to change: pass --title, --description or --folder")
			}
			if err := taskForm(task, "Edit task"); err != nil {
				return err
			}
		}

		saved, err := a.client.SaveTaskLocally(ctx, task)
		if err != nil {
			return err
		}
		fmt.Printf("%s Updated %s %s\n", ui.RenderPass("✓"), ui.RenderAccent(ui.ShortID(saved.ID)), saved.Title)
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>...",
	Aliases: []string{"delete"},
	GroupID: "tasks",
	Short:   "Delete tasks",
	Long: `Delete tasks from the local cache. The deletion is published on the
next sync; until then the tasks cannot reappear from the server.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		uid, err := a.localUser()
		if err != nil {
			return err
		}

		var failed int
		for _, arg := range args {
			task, err := a.resolveTask(ctx, arg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), arg, err)
				failed++
				continue
			}
			if err := a.client.DeleteTaskLocally(ctx, uid, task.ID); err != nil {
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), arg, err)
				failed++
				continue
			}
			fmt.Printf("%s Deleted %s %s\n", ui.RenderPass("✓"), ui.RenderAccent(ui.ShortID(task.ID)), task.Title)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d deletions failed", failed, len(args))
		}
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	GroupID: "tasks",
	Short:   "List tasks",
	Long: `List cached tasks, grouped by folder, most recently updated first.

Examples:
  prepsync ls
  prepsync ls --folder Supplies
  prepsync ls --since yesterday
  prepsync ls --since "2 weeks ago" -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		folder, _ := cmd.Flags().GetString("folder")
		since, _ := cmd.Flags().GetString("since")
		format, _ := cmd.Flags().GetString("output")
		now := time.Now()

		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		uid, err := a.localUser()
		if err != nil {
			return err
		}

		var tasks []*schema.Task
		if folder != "" {
			tasks, err = a.client.ListByFolder(ctx, uid, folder)
		} else {
			tasks, err = a.client.ListTasksLocally(ctx, uid)
		}
		if err != nil {
			return err
		}

		if since != "" {
			t, err := parseSince(since, now)
			if err != nil {
				return err
			}
			tasks = updatedSince(tasks, t)
		}

		return writeTasks(os.Stdout, tasks, format, now)
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "tasks",
	Short:   "Show one task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("output")

		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.resolveTask(ctx, args[0])
		if err != nil {
			return err
		}
		if format == formatTable || format == "" {
			return ui.TaskDetail(os.Stdout, task, time.Now())
		}
		return writeTasks(os.Stdout, []*schema.Task{task}, format, time.Now())
	},
}

var foldersCmd = &cobra.Command{
	Use:     "folders",
	GroupID: "tasks",
	Short:   "List folders with task counts",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		uid, err := a.localUser()
		if err != nil {
			return err
		}
		tasks, err := a.client.ListTasksLocally(ctx, uid)
		if err != nil {
			return err
		}

		if len(tasks) == 0 {
			fmt.Println(ui.RenderMuted("No folders."))
			return nil
		}
		counts := make(map[string]int)
		for _, t := range tasks {
			counts[t.Folder]++
		}
		for _, f := range schema.Folders(tasks) {
			fmt.Printf("%s %s\n", f, ui.RenderMuted(fmt.Sprintf("(%d)", counts[f])))
		}
		return nil
	},
}

// resolveTask finds the signed-in user's task by id or unique id prefix.
func (a *app) resolveTask(ctx context.Context, ref string) (*schema.Task, error) {
	uid, err := a.localUser()
	if err != nil {
		return nil, err
	}

	task, err := a.client.GetTask(ctx, uid, ref)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	tasks, err := a.client.ListTasksLocally(ctx, uid)
	if err != nil {
		return nil, err
	}
	return matchPrefix(tasks, ref)
}

// matchPrefix returns the only task whose id starts with ref.
func matchPrefix(tasks []*schema.Task, ref string) (*schema.Task, error) {
	if ref == "" {
		return nil, errors.New("task id is required")
	}
	var match *schema.Task
	for _, t := range tasks {
		if !strings.HasPrefix(t.ID, ref) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("id %q is ambiguous", ref)
		}
		match = t
	}
	if match == nil {
		return nil, fmt.Errorf("task %q: %w", ref, db.ErrNotFound)
	}
	return match, nil
}

func init() {
	for _, c := range []*cobra.Command{addCmd, editCmd} {
		c.Flags().StringP("title", "t", "", "task title")
		c.Flags().StringP("description", "d", "", "task description")
		c.Flags().StringP("folder", "f", "", "folder name")
	}

	lsCmd.Flags().StringP("folder", "f", "", "only tasks in this folder")
	lsCmd.Flags().String("since", "", `only tasks updated since (e.g. "yesterday", "3 days ago", 2026-01-31)`)
	for _, c := range []*cobra.Command{lsCmd, showCmd} {
		c.Flags().StringP("output", "o", formatTable, "output format: table, json, yaml or toml")
	}

	rootCmd.AddCommand(addCmd, editCmd, rmCmd, lsCmd, showCmd, foldersCmd)
}
