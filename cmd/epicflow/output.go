package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fyrsmithlabs/epicflow/internal/artifact"
	"github.com/fyrsmithlabs/epicflow/internal/checkpoint"
	"github.com/fyrsmithlabs/epicflow/internal/lock"
	"github.com/fyrsmithlabs/epicflow/internal/marker"
	"github.com/fyrsmithlabs/epicflow/internal/orchestrator"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, st orchestrator.Status) error {
	if outputJSON {
		return printJSON(w, st)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%s\n", st.RunID)
	fmt.Fprintf(tw, "Epic:\t%s\n", st.Epic.ID)
	fmt.Fprintf(tw, "State:\t%s\n", stateLabel(st))
	if st.Phase != "" {
		fmt.Fprintf(tw, "Phase:\t%s (attempt %d)\n", st.Phase, st.Attempt)
	}
	if st.MaxRounds > 0 {
		fmt.Fprintf(tw, "Rounds:\t%d/%d\n", st.Rounds, st.MaxRounds)
	}
	if st.Branch != "" {
		fmt.Fprintf(tw, "Branch:\t%s\n", st.Branch)
	}
	if st.LastCheckpoint != "" {
		fmt.Fprintf(tw, "Checkpoint:\t%s\n", shortID(st.LastCheckpoint))
	}
	if st.Reason != "" {
		fmt.Fprintf(tw, "Reason:\t%s\n", st.Reason)
	}
	return tw.Flush()
}

func stateLabel(st orchestrator.Status) string {
	switch {
	case st.Cancelling:
		return string(st.State) + " (cancelling)"
	case st.ErrorKind != "":
		return string(st.State) + " (" + st.ErrorKind + ")"
	}
	return string(st.State)
}

func printResume(w io.Writer, res orchestrator.Resume) error {
	if outputJSON {
		return printJSON(w, res)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Epic:\t%s\n", res.EpicID)
	if res.Completed {
		fmt.Fprintf(tw, "State:\tcompleted\n")
	} else {
		fmt.Fprintf(tw, "Resumes at:\t%s (attempt %d, rounds %d)\n", res.Phase, res.Attempt, res.Rounds)
	}
	if len(res.Uncommitted) > 0 {
		names := make([]string, len(res.Uncommitted))
		for i, n := range res.Uncommitted {
			names[i] = string(n)
		}
		fmt.Fprintf(tw, "Uncommitted:\t%s (done markers not checkpointed, will run again)\n", strings.Join(names, ", "))
	}
	if res.Interrupted {
		fmt.Fprintf(tw, "Last run:\tinterrupted after %s %s\n", res.Last.Phase, res.Last.Event)
	}
	if res.Last.Error != "" {
		fmt.Fprintf(tw, "Last run:\t%s (%s)\n", res.Last.Event, res.Last.Error)
	}
	fmt.Fprintf(tw, "Checkpoints:\t%d\n", res.Checkpoints)
	if res.LastCheckpoint != "" {
		fmt.Fprintf(tw, "Last checkpoint:\t%s\n", shortID(res.LastCheckpoint))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return printMarkers(w, res.Markers)
}

// printHolder reports a live lock on the epic, in text mode only.
func printHolder(w io.Writer, l lock.EpicLock, epicID string) error {
	if outputJSON {
		return nil
	}
	info, err := l.Holder(epicID)
	switch {
	case err != nil:
		fmt.Fprintf(w, "Locked: unreadable lock file %s\n", l.Path(epicID))
	case info != nil:
		fmt.Fprintf(w, "Locked by run %s (pid %d) since %s\n", info.RunID, info.PID, info.CreatedAt.Format(time.DateTime))
	}
	return nil
}

func printMarkers(w io.Writer, markers map[artifact.Name][]marker.Name) error {
	if len(markers) == 0 {
		return nil
	}
	names := make([]string, 0, len(markers))
	for n := range markers {
		names = append(names, string(n))
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ARTIFACT\tMARKERS")
	for _, n := range names {
		ms := markers[artifact.Name(n)]
		parts := make([]string, len(ms))
		for i, m := range ms {
			parts[i] = string(m)
		}
		fmt.Fprintf(tw, "%s\t%s\n", n, strings.Join(parts, ", "))
	}
	return tw.Flush()
}

func printHistory(w io.Writer, cps []checkpoint.Checkpoint) error {
	if outputJSON {
		return printJSON(w, cps)
	}
	if len(cps) == 0 {
		fmt.Fprintln(w, "No checkpoints found")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tPHASE\tEVENT\tNEXT\tATTEMPT\tROUNDS\tERROR")
	for _, cp := range cps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			shortID(cp.ID),
			cp.Time.Format("2006-01-02 15:04:05"),
			cp.Phase,
			cp.Event,
			dash(cp.Next),
			cp.Attempt,
			cp.Rounds,
			dash(cp.Error),
		)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
