package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	httpserver "github.com/fyrsmithlabs/epicflow/internal/http"
	"github.com/fyrsmithlabs/epicflow/internal/orchestrator"
)

var (
	statusRunID string
	statusWatch bool
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(submitCmd)
	statusCmd.Flags().StringVar(&statusRunID, "run", "", "query a run on the server instead of reconstructing offline")
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "re-render whenever the epic's artifacts or checkpoints change")
	submitCmd.Flags().StringVar(&runTitle, "title", "", "epic title passed to the agent")
}

var statusCmd = &cobra.Command{
	Use:   "status [epic-id]",
	Short: "Show where an epic stands",
	Long: `Status reconstructs an epic's resume point from its markers and
checkpoint history without contacting a server. With --run it asks a
running server for a run's live status instead.

Examples:
  # Offline reconstruction
  epicflow status 42

  # Follow a run started elsewhere
  epicflow status 42 --watch

  # Live run status
  epicflow status --run 5f0c... --server http://127.0.0.1:9091`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run on the server",
	Long: `Cancel asks the server to stop a run. The run stops before its next
agent invocation; an invocation in flight completes first.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var submitCmd = &cobra.Command{
	Use:   "submit <epic-id>",
	Short: "Start a run on the server",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusRunID != "" {
		base, err := baseURL()
		if err != nil {
			return err
		}
		var st orchestrator.Status
		if err := newAPIClient(base).get("/api/v1/runs/"+url.PathEscape(statusRunID), &st); err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), st)
	}
	if len(args) != 1 {
		return fmt.Errorf("an epic id or --run is required")
	}

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

	if statusWatch {
		return watchEpic(ctx, cmd.OutOrStdout(), a, args[0])
	}
	res, err := a.engine.Reconstruct(ctx, args[0])
	if err != nil {
		return err
	}
	if err := printResume(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	return printHolder(cmd.OutOrStdout(), a.locks, args[0])
}

func runCancel(cmd *cobra.Command, args []string) error {
	base, err := baseURL()
	if err != nil {
		return err
	}
	var st orchestrator.Status
	if err := newAPIClient(base).post("/api/v1/runs/"+url.PathEscape(args[0])+"/cancel", nil, &st); err != nil {
		return err
	}
	return printStatus(cmd.OutOrStdout(), st)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	base, err := baseURL()
	if err != nil {
		return err
	}
	var resp httpserver.StartRunResponse
	req := httpserver.StartRunRequest{EpicID: args[0], Title: runTitle}
	if err := newAPIClient(base).post("/api/v1/runs", req, &resp); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run %s accepted\n", resp.RunID)
	return nil
}
