package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emergencyprep/prepsync/internal/config"
	"github.com/emergencyprep/prepsync/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "data",
	Short:   "Create the data directory and a default config.yaml",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		path := cfg.ConfigPath()
		if configFile != "" {
			path = configFile
		}
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("%s %s already exists\n", ui.RenderMuted("•"), path)
			return nil
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Println("Set firestore.project, then run 'prepsync login'.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
