package orchestrator

import (
	"time"

	"github.com/fyrsmithlabs/epicflow/internal/phase"
)

// Epic is the unit of work that traverses the pipeline.
type Epic struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// State is a run's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether the run has ended.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Status is a point-in-time view of a run.
type Status struct {
	RunID string     `json:"run_id"`
	Epic  Epic       `json:"epic"`
	State State      `json:"state"`
	Phase phase.Name `json:"phase,omitempty"`

	// Attempt counts invocations of Phase since the run entered it.
	Attempt int `json:"attempt"`

	// Rounds counts invocations consumed in Phase's loop group.
	Rounds    int `json:"rounds"`
	MaxRounds int `json:"max_rounds,omitempty"`

	Reason         string    `json:"reason,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	LastCheckpoint string    `json:"last_checkpoint,omitempty"`
	Cancelling     bool      `json:"cancelling,omitempty"`
	Branch         string    `json:"branch,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
}

// Transition is reported after every checkpoint commit.
type Transition struct {
	RunID      string
	EpicID     string
	Phase      phase.Name
	Event      string
	Next       phase.Name
	Attempt    int
	Rounds     int
	State      State
	Checkpoint string
}

// TransitionFunc observes transitions. It runs on the run's goroutine
// between phases; a slow callback delays the next phase.
type TransitionFunc func(Transition)
