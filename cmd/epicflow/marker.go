package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/epicflow/internal/artifact"
	"github.com/fyrsmithlabs/epicflow/internal/checkpoint"
	"github.com/fyrsmithlabs/epicflow/internal/config"
	"github.com/fyrsmithlabs/epicflow/internal/marker"
	"github.com/fyrsmithlabs/epicflow/internal/phase"
)

func init() {
	rootCmd.AddCommand(markerCmd)
	markerCmd.AddCommand(markerListCmd)
	markerCmd.AddCommand(markerSetCmd)
	markerCmd.AddCommand(markerClearCmd)
}

var markerCmd = &cobra.Command{
	Use:   "marker",
	Short: "Inspect and edit phase markers",
	Long: `Markers are HTML comments such as <!-- CLARIFY_COMPLETE --> inside an
epic's artifacts. They are the source of truth for phase completion, so
editing them changes where the next run resumes. Every edit is recorded as
a marker-edit checkpoint; markers edited by other means are not trusted
past the last checkpoint.

Setting a marker removes the markers it excludes, the same way the
orchestrator does.

Examples:
  # Show markers of every artifact of epic 42
  epicflow marker list 42

  # Force the clarify loop to run again
  epicflow marker clear 42 spec CLARIFY_COMPLETE

  # Accept the tasks as analyzed
  epicflow marker set 42 tasks ANALYZE_COMPLETE`,
}

var markerListCmd = &cobra.Command{
	Use:   "list <epic-id> [artifact]",
	Short: "List markers",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := markerStore()
		if err != nil {
			return err
		}
		var only artifact.Name
		if len(args) == 2 {
			only = artifact.Name(args[1])
		}
		return listMarkers(cmd.OutOrStdout(), store, args[0], only)
	},
}

var markerSetCmd = &cobra.Command{
	Use:   "set <epic-id> <artifact> <MARKER>",
	Short: "Set a marker",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editMarker(cmd.Context(), cmd.OutOrStdout(), args, marker.OpSet)
	},
}

var markerClearCmd = &cobra.Command{
	Use:   "clear <epic-id> <artifact> <MARKER>",
	Short: "Clear a marker",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editMarker(cmd.Context(), cmd.OutOrStdout(), args, marker.OpClear)
	},
}

func markerStore() (*artifact.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return storeFor(cfg), nil
}

func storeFor(cfg *config.Config) *artifact.Store {
	return newStore(cfg, phase.Default(cfg.Pipeline.MaxRounds))
}

// checkpointer records marker edits.
type checkpointer interface {
	Commit(ctx context.Context, epicID string, files []string, msg checkpoint.Message) (string, error)
}

func editMarker(ctx context.Context, w io.Writer, args []string, op marker.Op) error {
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
	return applyMarker(ctx, w, storeFor(cfg), c, args[0], artifact.Name(args[1]), marker.Name(args[2]), op)
}

// applyMarker writes the marker and checkpoints the artifact so the edit
// counts when the epic is reconstructed.
func applyMarker(ctx context.Context, w io.Writer, store *artifact.Store, c checkpointer, epicID string, name artifact.Name, m marker.Name, op marker.Op) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := store.WriteMarker(epicID, name, m, op); err != nil {
		return err
	}
	rel, err := store.RelPath(epicID, name)
	if err != nil {
		return err
	}
	edit := fmt.Sprintf("%s %s in %s", opVerb(op), m, rel)
	id, err := c.Commit(ctx, epicID, []string{rel}, checkpoint.Message{
		Event:  checkpoint.EventMarkerEdit,
		Reason: edit,
	})
	if err != nil {
		return fmt.Errorf("recording marker edit: %w", err)
	}
	fmt.Fprintf(w, "%s (checkpoint %s)\n", edit, shortID(id))
	return nil
}

func opVerb(op marker.Op) string {
	if op == marker.OpClear {
		return "Cleared"
	}
	return "Set"
}

func listMarkers(w io.Writer, store *artifact.Store, epicID string, only artifact.Name) error {
	names := store.Names()
	if only != "" {
		names = []artifact.Name{only}
	}
	found := make(map[artifact.Name][]marker.Name)
	for _, n := range names {
		ok, err := store.Exists(epicID, n)
		if err != nil {
			return err
		}
		if !ok {
			if only != "" {
				return fmt.Errorf("%w: %s", artifact.ErrNotFound, n)
			}
			continue
		}
		ms, err := store.Markers(epicID, n)
		if err != nil {
			return err
		}
		found[n] = ms
	}
	if outputJSON {
		return printJSON(w, found)
	}
	if len(found) == 0 {
		fmt.Fprintf(w, "No artifacts found for epic %s\n", epicID)
		return nil
	}
	return printMarkers(w, found)
}
