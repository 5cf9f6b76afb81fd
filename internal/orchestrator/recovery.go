package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/epicflow/internal/artifact"
	"github.com/fyrsmithlabs/epicflow/internal/checkpoint"
	"github.com/fyrsmithlabs/epicflow/internal/marker"
	"github.com/fyrsmithlabs/epicflow/internal/phase"
)

// Resume is run state derived from markers and checkpoint history.
type Resume struct {
	EpicID string `json:"epic_id"`

	// Phase is the first phase whose done marker is absent, unless the last
	// checkpoint stops earlier; empty when Completed.
	Phase     phase.Name `json:"phase,omitempty"`
	Completed bool       `json:"completed"`
	Attempt   int        `json:"attempt"`
	Rounds    int        `json:"rounds"`

	// Uncommitted lists phases whose done marker is present although no
	// checkpoint records them as passed. Execute clears those markers.
	Uncommitted []phase.Name `json:"uncommitted,omitempty"`
	// Interrupted is set when the last checkpoint is not a terminal one, so
	// the process that wrote it stopped mid-run.
	Interrupted bool `json:"interrupted,omitempty"`

	LastCheckpoint string            `json:"last_checkpoint,omitempty"`
	Last           checkpoint.Message `json:"-"`
	Checkpoints    int               `json:"checkpoints"`

	Markers map[artifact.Name][]marker.Name `json:"markers,omitempty"`
}

// Exhausted reports whether the last recorded run ended with an exhausted
// round budget.
func (r Resume) Exhausted() bool {
	return r.Last.Error == KindRetryExhausted
}

// ForNewRun returns the resume point for a fresh run. After an exhausted
// budget the operator has intervened, so the counters start over; after a
// crash, cancellation or other failure they carry forward.
func (r Resume) ForNewRun() Resume {
	if r.Exhausted() {
		r.Attempt = 0
		r.Rounds = 0
	}
	return r
}

// Reconstruct derives the resume point of an epic without any in-memory
// state. The phase comes from the done markers, bounded by the last
// checkpoint: markers ahead of the checkpoint's next phase were never
// committed and are not trusted, unless the checkpoint records an operator
// marker edit. The attempt and round counters come from the last checkpoint
// when it points at the same phase or loop group.
func (e *Engine) Reconstruct(ctx context.Context, epicID string) (Resume, error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.Reconstruct",
		trace.WithAttributes(attribute.String("epic.id", epicID)))
	defer span.End()

	if err := artifact.ValidateEpicID(epicID); err != nil {
		return Resume{}, err
	}

	res := Resume{EpicID: epicID, Markers: make(map[artifact.Name][]marker.Name)}
	texts := make(map[artifact.Name]string)
	for _, n := range e.store.Names() {
		text, err := readArtifact(e.store, epicID, n)
		if err != nil {
			return Resume{}, err
		}
		texts[n] = text
		if ms := marker.List(text); len(ms) > 0 {
			res.Markers[n] = ms
		}
	}

	all := e.pipeline.All()
	var current *phase.Definition
	for i, def := range all {
		if !marker.Has(texts[def.Artifact], def.DoneMarker) {
			current = &all[i]
			break
		}
	}

	history, err := e.committer.History(ctx, epicID)
	if err != nil {
		return Resume{}, fmt.Errorf("reading checkpoint history: %w", err)
	}
	res.Checkpoints = len(history)
	if len(history) > 0 {
		last := history[len(history)-1]
		res.LastCheckpoint = last.ID
		res.Last = last.Message
		res.Interrupted = !last.Event.Terminal() && last.Event != checkpoint.EventMarkerEdit
		if last.Event != checkpoint.EventMarkerEdit {
			current, res.Uncommitted = e.committedPhase(all, current, phase.Name(last.Next))
		}
	}

	if current == nil {
		res.Completed = true
		return res, nil
	}
	res.Phase = current.Name
	if len(history) == 0 {
		return res, nil
	}

	last := res.Last
	if phase.Name(last.Next) == current.Name {
		res.Attempt = last.Attempt
	}
	if current.Group != "" {
		if next, ok := e.pipeline.Get(phase.Name(last.Next)); ok && next.Group == current.Group {
			res.Rounds = last.Rounds
		}
	}
	span.SetAttributes(
		attribute.String("phase", string(res.Phase)),
		attribute.Int("attempt", res.Attempt),
		attribute.Int("rounds", res.Rounds),
	)
	return res, nil
}

// committedPhase bounds the marker-derived phase by the checkpoint's next
// phase. It returns the phase to resume at and the phases in between whose
// done markers were written without a checkpoint.
func (e *Engine) committedPhase(all []phase.Definition, current *phase.Definition, next phase.Name) (*phase.Definition, []phase.Name) {
	ci := e.pipeline.Index(next)
	if ci < 0 {
		return current, nil
	}
	mi := len(all)
	if current != nil {
		mi = e.pipeline.Index(current.Name)
	}
	if mi <= ci {
		return current, nil
	}
	var uncommitted []phase.Name
	for _, def := range all[ci:mi] {
		uncommitted = append(uncommitted, def.Name)
	}
	return &all[ci], uncommitted
}
