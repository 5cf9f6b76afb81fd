package http

import (
	"time"

	"github.com/fyrsmithlabs/epicflow/internal/checkpoint"
	"github.com/fyrsmithlabs/epicflow/internal/orchestrator"
	"github.com/fyrsmithlabs/epicflow/internal/telemetry"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version,omitempty"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// StartRunRequest is the request body for POST /api/v1/runs.
type StartRunRequest struct {
	EpicID string `json:"epic_id"`
	Title  string `json:"title,omitempty"`
}

// StartRunResponse is the response body for an accepted run.
type StartRunResponse struct {
	RunID string `json:"run_id"`
}

// RunListResponse is the response body for GET /api/v1/runs.
type RunListResponse struct {
	Runs []orchestrator.Status `json:"runs"`
}

// ErrorResponse carries a typed failure. RunID names the active run on a
// concurrent run conflict when it is known.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	RunID string `json:"run_id,omitempty"`
}

// CheckpointResponse is one entry of an epic's history.
type CheckpointResponse struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	RunID   string    `json:"run_id,omitempty"`
	Phase   string    `json:"phase"`
	Event   string    `json:"event"`
	Next    string    `json:"next,omitempty"`
	Attempt int       `json:"attempt"`
	Rounds  int       `json:"rounds"`
	State   string    `json:"state,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// HistoryResponse is the response body for GET /api/v1/epics/:id/history.
type HistoryResponse struct {
	EpicID      string               `json:"epic_id"`
	Checkpoints []CheckpointResponse `json:"checkpoints"`
}

func newCheckpointResponse(cp checkpoint.Checkpoint) CheckpointResponse {
	return CheckpointResponse{
		ID:      cp.ID,
		Time:    cp.Time,
		RunID:   cp.RunID,
		Phase:   cp.Phase,
		Event:   string(cp.Event),
		Next:    cp.Next,
		Attempt: cp.Attempt,
		Rounds:  cp.Rounds,
		State:   cp.State,
		Reason:  cp.Reason,
		Error:   cp.Error,
	}
}
