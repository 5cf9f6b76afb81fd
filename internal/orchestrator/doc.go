// Package orchestrator drives an epic through the phase pipeline.
//
// An Engine runs one phase at a time: it builds the phase context, invokes
// the agent gateway, classifies the result by the markers in the phase's
// status artifact and records the transition as a git checkpoint before the
// next phase starts. Bounded-loop phases and their verify phases share one
// round budget per group, so a clarify/verify cycle always terminates.
//
// Run state is never stored on the side. Reconstruct derives the current
// phase from the done markers and the attempt and round counters from the
// last checkpoint, which lets a new run continue where a crashed or
// cancelled one stopped.
//
// The Manager is the run control surface used by the CLI and the HTTP API:
// StartRun, Status, Cancel and Wait. It rejects a second run for an epic
// while one is active, both in process and across processes through the
// epic lock file.
package orchestrator
