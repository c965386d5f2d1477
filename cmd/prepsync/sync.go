package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/emergencyprep/prepsync/internal/db"
	"github.com/emergencyprep/prepsync/internal/remote"
	"github.com/emergencyprep/prepsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Synchronize with the server now",
	Long: `Run one sync pass for the signed-in account:
  1. Publish pending deletions
  2. Publish local edits
  3. Download the server's tasks and merge them, newest edit wins
  4. Drop local copies of tasks deleted on another device

Items that fail are kept pending and retried by the next pass.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jsonOut, _ := cmd.Flags().GetBool("json")

		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		uid, err := a.localUser()
		if err != nil {
			return err
		}
		report, err := a.client.TriggerSync(ctx, uid)
		if err != nil {
			return err
		}

		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			fmt.Println(ui.ReportLine(report))
			for _, f := range report.Failures {
				fmt.Fprintf(os.Stderr, "  %s %s\n", ui.RenderWarn("•"), f.String())
			}
		}

		if report.AuthFailed() {
			return fmt.Errorf("server rejected the sign-in: %w", remote.ErrAuthRequired)
		}
		return nil
	},
}

// statusView is the JSON shape of `prepsync status --json`.
type statusView struct {
	UserID    string     `json:"user_id,omitempty"`
	Email     string     `json:"email,omitempty"`
	SignedIn  bool       `json:"signed_in"`
	Expired   bool       `json:"expired"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Remote    string     `json:"remote"`
	Database  string     `json:"database"`
	Stats     *db.Stats  `json:"stats,omitempty"`
	Pending   int        `json:"pending"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sign-in and pending change status",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jsonOut, _ := cmd.Flags().GetBool("json")

		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		view := statusView{Remote: "not configured", Database: a.store.Path()}
		if cfg.RemoteEnabled() {
			view.Remote = fmt.Sprintf("firestore %s/%s", cfg.Firestore.Project, cfg.Firestore.Database)
		}
		if id := a.ids.Current(); id != nil {
			view.UserID = id.UserID
			view.Email = id.Email
			view.SignedIn = true
			view.Expired = a.ids.CurrentUserID() == ""
			view.ExpiresAt = id.ExpiresAt

			st, err := a.client.Pending(ctx, id.UserID)
			if err != nil {
				return err
			}
			view.Stats = &st
			view.Pending = st.Pending()
		}

		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		}

		if !view.SignedIn {
			fmt.Printf("Account:  %s\n", ui.RenderWarn("signed out"))
		} else {
			account := view.UserID
			if view.Email != "" {
				account = fmt.Sprintf("%s (%s)", view.Email, view.UserID)
			}
			if view.Expired {
				account += " " + ui.RenderWarn("[sign-in expired]")
			}
			fmt.Printf("Account:  %s\n", account)
		}
		fmt.Printf("Server:   %s\n", view.Remote)
		fmt.Printf("Database: %s\n", view.Database)

		if view.Stats != nil {
			st := view.Stats
			fmt.Printf("Tasks:    %d\n", st.Tasks)
			if view.Pending == 0 {
				fmt.Printf("Pending:  %s\n", ui.RenderPass("none, up to date"))
			} else {
				fmt.Printf("Pending:  %s\n", ui.RenderWarn(fmt.Sprintf("%d edit(s), %d deletion(s)", st.Unsynced, st.PendingDeletes)))
			}
			if !st.OldestPendingDelete.IsZero() {
				fmt.Printf("          oldest deletion %s\n", ui.RelativeTime(st.OldestPendingDelete.UnixMilli(), time.Now()))
			}
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("json", false, "print the pass report as JSON")
	statusCmd.Flags().Bool("json", false, "print status as JSON")

	rootCmd.AddCommand(syncCmd, statusCmd)
}
