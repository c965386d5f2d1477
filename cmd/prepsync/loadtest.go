package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/emergencyprep/prepsync/internal/loadtest"
	"github.com/emergencyprep/prepsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "sync",
	Short:   "Simulate several devices syncing one account and check convergence",
	Long: `Run several simulated devices against a shared in-memory remote store.
Each device saves, edits and deletes tasks in its own database, synchronizing
every few operations while a share of remote calls fail as if offline. The
network then recovers, every device synchronizes, and each device's cache is
compared with the remote state.

Your own tasks and account are not touched.

Examples:
  # Three devices, 40 operations each, 10% of remote calls failing
  prepsync loadtest

  # Ten devices on a very unreliable network
  prepsync loadtest --devices 10 --fail-rate 0.5

  # Output results as JSON
  prepsync loadtest --json
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, _ := cmd.Flags().GetInt("devices")
		ops, _ := cmd.Flags().GetInt("ops")
		every, _ := cmd.Flags().GetInt("sync-every")
		failRate, _ := cmd.Flags().GetFloat64("fail-rate")
		deleteRatio, _ := cmd.Flags().GetFloat64("delete-ratio")
		seed, _ := cmd.Flags().GetInt64("seed")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		if devices <= 0 {
			return fmt.Errorf("--devices must be positive")
		}
		if ops < 0 {
			return fmt.Errorf("--ops must not be negative")
		}
		if every <= 0 {
			return fmt.Errorf("--sync-every must be positive")
		}
		if failRate < 0 || failRate > 1 {
			return fmt.Errorf("--fail-rate must be between 0.0 and 1.0")
		}
		if deleteRatio < 0 || deleteRatio > 1 {
			return fmt.Errorf("--delete-ratio must be between 0.0 and 1.0")
		}

		dir, err := os.MkdirTemp("", "prepsync-loadtest-")
		if err != nil {
			return fmt.Errorf("failed to create work directory: %w", err)
		}
		defer func() { _ = os.RemoveAll(dir) }()

		opts := loadtest.DefaultOptions(dir)
		opts.Devices = devices
		opts.OpsPerDevice = ops
		opts.SyncEvery = every
		opts.FailRate = failRate
		opts.DeleteRatio = deleteRatio
		opts.Seed = seed
		if verbose {
			opts.Logger = log.New(os.Stderr, "[loadtest] ", log.LstdFlags)
		}

		if !jsonOutput {
			fmt.Printf("Simulating %d device(s), %d operation(s) each, %.0f%% remote failures...\n",
				devices, ops, failRate*100)
		}

		res, err := loadtest.Run(cmd.Context(), opts)
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
		} else {
			printLoadtest(res)
		}

		if !res.Converged() {
			return fmt.Errorf("%d device(s) did not converge", res.Devices)
		}
		return nil
	},
}

func printLoadtest(res *loadtest.Result) {
	p := res.Passes
	fmt.Println()
	fmt.Println(ui.RenderAccent("Operations"))
	fmt.Printf("  saves:          %d\n", res.Saves)
	fmt.Printf("  deletes:        %d\n", res.Deletes)
	fmt.Printf("  item failures:  %d\n", res.ItemFailure)
	fmt.Printf("  remote tasks:   %d\n", res.RemoteTasks)
	fmt.Println()
	fmt.Println(ui.RenderAccent("Pass latency"))
	fmt.Printf("  passes:  %d\n", p.Count)
	fmt.Printf("  min:     %v\n", p.Min)
	fmt.Printf("  p50:     %v\n", p.P50)
	fmt.Printf("  p95:     %v\n", p.P95)
	fmt.Printf("  p99:     %v\n", p.P99)
	fmt.Printf("  max:     %v\n", p.Max)
	fmt.Printf("  mean:    %v\n", p.Mean)
	fmt.Println()

	if res.Converged() {
		fmt.Printf("%s All %d device(s) converged\n", ui.RenderPass("✓"), res.Devices)
		return
	}
	fmt.Printf("%s %d mismatch(es):\n", ui.RenderFail("✗"), len(res.Mismatches))
	for _, m := range res.Mismatches {
		fmt.Printf("  %s\n", m)
	}
}

func init() {
	loadtestCmd.Flags().Int("devices", 3, "number of simulated devices")
	loadtestCmd.Flags().Int("ops", 40, "operations per device")
	loadtestCmd.Flags().Int("sync-every", 5, "operations between passes on a device")
	loadtestCmd.Flags().Float64("fail-rate", 0.1, "probability that a remote call fails (0.0-1.0)")
	loadtestCmd.Flags().Float64("delete-ratio", 0.2, "share of operations that delete a task (0.0-1.0)")
	loadtestCmd.Flags().Int64("seed", 42, "random seed")
	loadtestCmd.Flags().Bool("json", false, "output results as JSON")
	rootCmd.AddCommand(loadtestCmd)
}
