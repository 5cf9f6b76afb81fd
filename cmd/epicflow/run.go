package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/epicflow/internal/orchestrator"
)

var runTitle string

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runTitle, "title", "", "epic title passed to the agent")
}

var runCmd = &cobra.Command{
	Use:   "run <epic-id>",
	Short: "Run an epic's pipeline to completion in the foreground",
	Long: `Run reconstructs the epic's state from its artifacts and checkpoints
and executes the remaining phases. Interrupting (Ctrl-C) stops the run
before its next agent invocation and records a cancelled checkpoint.

The command exits non-zero when the run fails.

Examples:
  # Run epic 42
  epicflow run 42 --title "Add widgets"

  # Resume after a crash or cancellation
  epicflow run 42`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	st, runErr := a.manager.Run(ctx, orchestrator.Epic{ID: args[0], Title: runTitle})
	if st.RunID == "" {
		return runErr
	}
	if err := printStatus(cmd.OutOrStdout(), st); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("run %s failed: %w", st.RunID, runErr)
	}
	return nil
}
