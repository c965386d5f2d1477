package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emergencyprep/prepsync/internal/config"
	"github.com/emergencyprep/prepsync/internal/remote"
	"github.com/emergencyprep/prepsync/internal/ui"
)

var (
	configFile string
	dataDir    string
	noColor    bool
	verbose    bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "prepsync",
	Short: "Offline-first emergency preparedness tasks",
	Long: `prepsync keeps your emergency preparedness tasks on this device and
synchronizes them with your account whenever a connection is available.

Every change is saved locally first, so adding, editing and deleting tasks
works without a network. Run 'prepsync sync' to synchronize now, or
'prepsync daemon' to synchronize automatically in the background.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor || os.Getenv("NO_COLOR") != "" {
			ui.DisableColor()
		}
		file := configFile
		if cmd == initCmd {
			// init creates the file.
			file = ""
		}
		loaded, err := config.Load(config.LoadOptions{ConfigFile: file, DataDir: dataDir})
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "account", Title: "Account:"},
		&cobra.Group{ID: "data", Title: "Data:"},
	)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.prepsync)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log sync activity to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fatal(err)
	}
}

// fatal prints err the way every command reports failure and exits 1.
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if errors.Is(err, remote.ErrAuthRequired) {
		fmt.Fprintln(os.Stderr, "Hint: run 'prepsync login' to sign in")
	}
	os.Exit(1)
}
