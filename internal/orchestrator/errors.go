package orchestrator

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/epicflow/internal/artifact"
	"github.com/fyrsmithlabs/epicflow/internal/phase"
)

var (
	// ErrAgentInvocation marks a gateway failure. Fatal to the run.
	ErrAgentInvocation = errors.New("agent invocation failed")
	// ErrRetryExhausted marks a loop group that did not converge.
	ErrRetryExhausted = errors.New("retry budget exhausted")
	// ErrMissingArtifact marks a phase that did not produce its artifact.
	ErrMissingArtifact = errors.New("missing artifact")
	// ErrMarkerConflict marks done and findings markers present together.
	// It is logged, never returned from a run.
	ErrMarkerConflict = errors.New("marker conflict")
	// ErrConcurrentRun rejects a second run for an epic.
	ErrConcurrentRun = errors.New("concurrent run conflict")
	// ErrCheckpoint marks a failed checkpoint commit.
	ErrCheckpoint = errors.New("checkpoint failure")
	// ErrCancelled ends a run cancelled between phases.
	ErrCancelled = errors.New("run cancelled")
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("run not found")
)

// Error kinds recorded in checkpoints and status.
const (
	KindAgentInvocation = "agent-invocation"
	KindRetryExhausted  = "retry-exhausted"
	KindMissingArtifact = "missing-artifact"
	KindCheckpoint      = "checkpoint"
	KindCancelled       = "cancelled"
	KindInternal        = "internal"
)

// AgentInvocationError wraps a gateway error.
type AgentInvocationError struct {
	Phase   phase.Name
	Attempt int
	Err     error
}

func (e *AgentInvocationError) Error() string {
	return fmt.Sprintf("phase %s attempt %d: agent invocation failed: %v", e.Phase, e.Attempt, e.Err)
}

func (e *AgentInvocationError) Unwrap() error { return e.Err }

// Is matches ErrAgentInvocation.
func (e *AgentInvocationError) Is(target error) bool { return target == ErrAgentInvocation }

// RetryExhaustedError reports the loop phase whose group ran out of rounds.
type RetryExhaustedError struct {
	Phase phase.Name
	Max   int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("RetryExhausted(%s, %d): phase did not converge", e.Phase, e.Max)
}

// Is matches ErrRetryExhausted.
func (e *RetryExhaustedError) Is(target error) bool { return target == ErrRetryExhausted }

// MissingArtifactError reports an artifact absent after a successful invocation.
type MissingArtifactError struct {
	Phase    phase.Name
	Artifact artifact.Name
	Path     string
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("phase %s: required artifact %s (%s) does not exist", e.Phase, e.Artifact, e.Path)
}

// Is matches ErrMissingArtifact.
func (e *MissingArtifactError) Is(target error) bool { return target == ErrMissingArtifact }

// ConcurrentRunError rejects StartRun for an epic with an active run.
type ConcurrentRunError struct {
	EpicID string
	// RunID is the active run, empty when held by another process.
	RunID string
	Err   error
}

func (e *ConcurrentRunError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("epic %s already has active run %s", e.EpicID, e.RunID)
	}
	if e.Err != nil {
		return fmt.Sprintf("epic %s already has an active run: %v", e.EpicID, e.Err)
	}
	return fmt.Sprintf("epic %s already has an active run", e.EpicID)
}

func (e *ConcurrentRunError) Unwrap() error { return e.Err }

// Is matches ErrConcurrentRun.
func (e *ConcurrentRunError) Is(target error) bool { return target == ErrConcurrentRun }

// CheckpointError wraps a committer failure. Nothing after the last
// successful checkpoint may be assumed durable.
type CheckpointError struct {
	Phase phase.Name
	Event string
	Err   error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s %s: %v", e.Phase, e.Event, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

// Is matches ErrCheckpoint.
func (e *CheckpointError) Is(target error) bool { return target == ErrCheckpoint }

// errorKind maps a run error to the kind recorded in checkpoints.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrAgentInvocation):
		return KindAgentInvocation
	case errors.Is(err, ErrRetryExhausted):
		return KindRetryExhausted
	case errors.Is(err, ErrMissingArtifact):
		return KindMissingArtifact
	case errors.Is(err, ErrCheckpoint):
		return KindCheckpoint
	default:
		return KindInternal
	}
}
