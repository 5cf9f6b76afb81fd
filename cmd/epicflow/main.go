// Package main implements the epicflow CLI: it drives epics through the
// phase pipeline, serves the run control API and inspects checkpoints.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/epicflow/internal/config"
)

var (
	// workspaceDir is the repository the pipeline operates on
	workspaceDir string
	// configPath overrides <workspace>/epicflow.yaml
	configPath string
	// serverURL is the base URL of a running epicflow server
	serverURL string
	// outputJSON selects JSON output
	outputJSON bool

	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "epicflow",
	Short: "Drive epics through the specify-to-crystallize phase pipeline",
	Long: `epicflow runs an external coding agent through an ordered pipeline of
phases for an epic. Progress is recorded as markers inside the epic's
artifacts and as git checkpoint commits, so an interrupted run can be
resumed from the repository alone.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspaceDir, "workspace", "w", ".", "workspace (repository) directory")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default <workspace>/epicflow.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "epicflow server URL (default from server.host/port)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output results as JSON")
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadWorkspace(workspaceDir)
}

// baseURL resolves the server to talk to.
func baseURL() (string, error) {
	if serverURL != "" {
		return serverURL, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s", cfg.Server.Addr()), nil
}
