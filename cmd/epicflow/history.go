package main

import (
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/epicflow/internal/artifact"
)

func init() {
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <epic-id>",
	Short: "List an epic's checkpoint commits, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	if err := artifact.ValidateEpicID(args[0]); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	c, err := openCommitter(cfg, logger)
	if err != nil {
		return err
	}
	cps, err := c.History(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printHistory(cmd.OutOrStdout(), cps)
}
