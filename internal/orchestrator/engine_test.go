package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/epicflow/internal/agent"
	"github.com/fyrsmithlabs/epicflow/internal/artifact"
	"github.com/fyrsmithlabs/epicflow/internal/checkpoint"
	"github.com/fyrsmithlabs/epicflow/internal/marker"
	"github.com/fyrsmithlabs/epicflow/internal/phase"
)

var fullPipeline = []string{
	"specify advance",
	"clarify advance",
	"clarify-verify advance",
	"plan advance",
	"tasks advance",
	"analyze advance",
	"analyze-verify advance",
	"implement advance",
	"review advance",
	"crystallize completed",
}

func TestEngine_CompletesPipeline(t *testing.T) {
	h := newHarness(t)
	e := h.engine(nil)

	run, err := h.execute(e)
	require.NoError(t, err)

	assert.Equal(t, fullPipeline, h.events())
	var skills []string
	for _, d := range h.pipeline.All() {
		skills = append(skills, d.Skill)
		assert.True(t, h.has(d.Artifact, d.DoneMarker), "%s done marker", d.Name)
	}
	assert.Equal(t, skills, h.agent.skills())

	st := run.Status()
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, phase.Crystallize, st.Phase)
	assert.Empty(t, st.Reason)
	assert.False(t, st.EndedAt.IsZero())

	cps := h.history()
	require.Len(t, cps, 10)
	assert.Equal(t, cps[9].ID, st.LastCheckpoint)
	assert.Equal(t, checkpoint.EventCompleted, cps[9].Message.Event)
	assert.Equal(t, "completed", cps[9].Message.State)

	res, err := e.Reconstruct(context.Background(), testEpic)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, 10, res.Checkpoints)

	h.tel.AssertSpanExists(t, "orchestrator.Execute")
	h.tel.AssertSpanAttribute(t, "orchestrator.invoke", "skill", "speckit.specify")
	h.tel.AssertSpanAttribute(t, "orchestrator.invoke", "phase", "analyze")
	h.logger.AssertLogged(t, zapcore.InfoLevel, "run completed")
}

func TestEngine_InvocationArguments(t *testing.T) {
	h := newHarness(t)
	_, err := h.execute(h.engine(nil))
	require.NoError(t, err)

	specify := h.agent.argsOf(phase.Specify)
	require.Len(t, specify, 1)
	assert.Contains(t, specify[0], "--epic=42")
	assert.Contains(t, specify[0], `--title="Add widgets"`)
	assert.Contains(t, specify[0], "--spec=specs/42/spec.md")

	implement := h.agent.argsOf(phase.Implement)
	require.Len(t, implement, 1)
	assert.Contains(t, implement[0], "--base-branch=main")
	assert.Contains(t, implement[0], `--test-command="go test ./..."`)

	clarify := h.agent.argsOf(phase.Clarify)
	require.Len(t, clarify, 1)
	assert.Contains(t, clarify[0], "--round=1/5")
	assert.NotContains(t, clarify[0], "--findings=true")
}

func TestEngine_ClarifyDoneOnFirstRound(t *testing.T) {
	h := newHarness(t)
	_, err := h.execute(h.engine(nil))
	require.NoError(t, err)

	assert.Equal(t, 1, h.agent.count(phase.Clarify))
	skills := h.agent.skills()
	require.GreaterOrEqual(t, len(skills), 3)
	assert.Equal(t, "speckit.clarify", skills[1])
	assert.Equal(t, "speckit.clarify-verify", skills[2])

	h.mu.Lock()
	tr := h.transitions[1]
	h.mu.Unlock()
	assert.Equal(t, phase.Clarify, tr.Phase)
	assert.Equal(t, phase.ClarifyVerify, tr.Next)
	assert.Equal(t, 1, tr.Rounds)
}

func TestEngine_ClarifyNeverConverges(t *testing.T) {
	h := newHarness(t)
	h.agent.set(phase.Clarify, noop())

	run, err := h.execute(h.engine(nil))
	require.Error(t, err)

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, phase.Clarify, exhausted.Phase)
	assert.Equal(t, 5, exhausted.Max)
	assert.ErrorIs(t, err, ErrRetryExhausted)

	assert.Equal(t, 5, h.agent.count(phase.Clarify))
	assert.Zero(t, h.agent.count(phase.ClarifyVerify))
	assert.Equal(t, []string{
		"specify advance",
		"clarify retry", "clarify retry", "clarify retry", "clarify retry",
		"clarify failed",
	}, h.events())

	st := run.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, phase.Clarify, st.Phase)
	assert.Equal(t, 5, st.Attempt)
	assert.Equal(t, 5, st.Rounds)
	assert.Equal(t, KindRetryExhausted, st.ErrorKind)
	assert.Contains(t, st.Reason, "RetryExhausted(clarify, 5)")

	cps := h.history()
	last := cps[len(cps)-1]
	assert.Equal(t, last.ID, st.LastCheckpoint)
	assert.Equal(t, checkpoint.EventFailed, last.Message.Event)
	assert.Equal(t, KindRetryExhausted, last.Message.Error)
	assert.Equal(t, "clarify", last.Message.Next)
	assert.Equal(t, 5, last.Message.Rounds)
}

func TestEngine_VerifyFindingsLoopBack(t *testing.T) {
	h := newHarness(t)
	h.agent.set(phase.ClarifyVerify, on(1, mark(artifact.Spec, phase.VerifyFindings), noop()))
	e := h.engine(nil)

	run, err := h.execute(e)
	require.NoError(t, err)

	assert.Equal(t, 2, h.agent.count(phase.Clarify))
	assert.Equal(t, 2, h.agent.count(phase.ClarifyVerify))
	assert.Equal(t, StateCompleted, run.Status().State)

	events := h.events()
	require.GreaterOrEqual(t, len(events), 5)
	assert.Equal(t, []string{
		"specify advance",
		"clarify advance",
		"clarify-verify loop-back",
		"clarify advance",
		"clarify-verify advance",
	}, events[:5])

	h.mu.Lock()
	loopBack := h.transitions[2]
	h.mu.Unlock()
	assert.Equal(t, phase.Clarify, loopBack.Next)
	assert.Equal(t, 0, loopBack.Attempt, "attempt counter resets on loop-back")
	assert.Equal(t, 1, loopBack.Rounds, "joint round counter carries forward")

	clarify := h.agent.argsOf(phase.Clarify)
	require.Len(t, clarify, 2)
	assert.Contains(t, clarify[1], "--round=2/5")
	assert.Contains(t, clarify[1], "--findings=true")

	assert.False(t, h.has(artifact.Spec, phase.VerifyFindings))
	assert.True(t, h.has(artifact.Spec, phase.ClarifyVerified))
}

func TestEngine_VerifySharesRoundCeiling(t *testing.T) {
	h := newHarness(t)
	h.agent.set(phase.ClarifyVerify, mark(artifact.Spec, phase.VerifyFindings))

	run, err := h.execute(h.engine(nil))

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, phase.Clarify, exhausted.Phase)
	assert.Equal(t, 5, exhausted.Max)

	assert.Equal(t, 5, h.agent.count(phase.Clarify))
	assert.Equal(t, 5, h.agent.count(phase.ClarifyVerify))
	assert.Zero(t, h.agent.count(phase.Plan))

	st := run.Status()
	assert.Equal(t, phase.Clarify, st.Phase)
	assert.Equal(t, 5, st.Rounds)
	assert.True(t, h.has(artifact.Spec, phase.VerifyFindings))
	assert.False(t, h.has(artifact.Spec, phase.ClarifyComplete))
}

func TestEngine_VerifyRemovesDoneMarker(t *testing.T) {
	h := newHarness(t)
	clearDone := func(a *scriptedAgent, _ int) error {
		return a.store.WriteMarker(a.epic, artifact.Spec, phase.ClarifyComplete, marker.OpClear)
	}
	h.agent.set(phase.ClarifyVerify, on(1, clearDone, noop()))

	var sawFindings bool
	h.agent.set(phase.Clarify, func(a *scriptedAgent, n int) error {
		if n == 2 {
			sawFindings, _ = a.store.HasMarker(a.epic, artifact.Spec, phase.VerifyFindings)
		}
		return mark(artifact.Spec, phase.ClarifyComplete)(a, n)
	})

	_, err := h.execute(h.engine(nil))
	require.NoError(t, err)

	assert.Contains(t, h.events(), "clarify-verify loop-back")
	assert.True(t, sawFindings, "orchestrator writes the findings marker on loop-back")
	assert.Equal(t, 2, h.agent.count(phase.Clarify))
}

func TestEngine_MarkerConflictFindingsWin(t *testing.T) {
	t.Run("verify", func(t *testing.T) {
		h := newHarness(t)
		both := write(artifact.Spec, "# Spec\n<!-- SPECIFY_COMPLETE -->\n<!-- CLARIFY_COMPLETE -->\n<!-- CLARIFY_VERIFIED -->\n<!-- VERIFY_FINDINGS -->\n")
		h.agent.set(phase.ClarifyVerify, on(1, both, noop()))

		_, err := h.execute(h.engine(nil))
		require.NoError(t, err)

		assert.Contains(t, h.events(), "clarify-verify loop-back")
		assert.Equal(t, 2, h.agent.count(phase.Clarify))
		h.logger.AssertLogged(t, zapcore.WarnLevel, "findings win")
	})

	t.Run("loop", func(t *testing.T) {
		h := newHarness(t)
		both := write(artifact.Tasks, "# Tasks\n<!-- TASKS_COMPLETE -->\n<!-- ANALYZE_COMPLETE -->\n<!-- VERIFY_FINDINGS -->\n")
		h.agent.set(phase.Analyze, on(1, both, mark(artifact.Tasks, phase.AnalyzeComplete)))

		_, err := h.execute(h.engine(nil))
		require.NoError(t, err)

		assert.Contains(t, h.events(), "analyze retry")
		assert.Equal(t, 2, h.agent.count(phase.Analyze))
		assert.False(t, h.has(artifact.Tasks, phase.VerifyFindings))
		h.logger.AssertLogged(t, zapcore.WarnLevel, "findings win")
	})
}

func TestEngine_NoMarkerConsumesRound(t *testing.T) {
	h := newHarness(t)
	h.agent.set(phase.Analyze, on(2, noop(), mark(artifact.Tasks, phase.AnalyzeComplete)))

	_, err := h.execute(h.engine(nil))
	require.NoError(t, err)

	assert.Equal(t, 3, h.agent.count(phase.Analyze))
	analyze := h.agent.argsOf(phase.Analyze)
	assert.Contains(t, analyze[2], "--round=3/5")
}

func TestEngine_MissingArtifact(t *testing.T) {
	h := newHarness(t)
	h.agent.set(phase.Plan, noop())

	run, err := h.execute(h.engine(nil))

	var missing *MissingArtifactError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, phase.Plan, missing.Phase)
	assert.Equal(t, artifact.Plan, missing.Artifact)
	assert.Equal(t, "specs/42/plan.md", missing.Path)
	assert.ErrorIs(t, err, ErrMissingArtifact)

	assert.Equal(t, 1, h.agent.count(phase.Plan), "missing artifact is never retried")
	assert.Equal(t, "plan failed", h.events()[len(h.events())-1])
	assert.Equal(t, KindMissingArtifact, run.Status().ErrorKind)
}

func TestEngine_AgentInvocationError(t *testing.T) {
	h := newHarness(t)
	h.agent.set(phase.Specify, func(*scriptedAgent, int) error {
		return fmt.Errorf("%w: connection refused", agent.ErrAgentUnavailable)
	})

	run, err := h.execute(h.engine(nil))

	var invocation *AgentInvocationError
	require.ErrorAs(t, err, &invocation)
	assert.Equal(t, phase.Specify, invocation.Phase)
	assert.Equal(t, 1, invocation.Attempt)
	assert.ErrorIs(t, err, ErrAgentInvocation)
	assert.ErrorIs(t, err, agent.ErrAgentUnavailable)

	assert.Equal(t, []string{"specify failed"}, h.events())
	st := run.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, KindAgentInvocation, st.ErrorKind)

	cps := h.history()
	require.Len(t, cps, 1)
	assert.Equal(t, KindAgentInvocation, cps[0].Message.Error)
}

func TestEngine_CheckpointFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	committer := new(MockCommitter)
	committer.On("History", mock.Anything, testEpic).Return(nil, nil)
	committer.On("Commit", mock.Anything, testEpic, mock.Anything, mock.Anything).
		Return("", errors.New("disk full"))

	run, err := h.execute(h.engine(committer))

	var cpErr *CheckpointError
	require.ErrorAs(t, err, &cpErr)
	assert.Equal(t, phase.Specify, cpErr.Phase)
	assert.Equal(t, "advance", cpErr.Event)
	assert.ErrorIs(t, err, ErrCheckpoint)

	committer.AssertNumberOfCalls(t, "Commit", 1)
	assert.Zero(t, h.agent.count(phase.Clarify))
	assert.Equal(t, KindCheckpoint, run.Status().ErrorKind)
	assert.Empty(t, run.Status().LastCheckpoint)
}

func TestEngine_CheckpointCarriesArtifacts(t *testing.T) {
	h := newHarness(t)
	committer := new(MockCommitter)
	committer.On("History", mock.Anything, testEpic).Return(nil, nil)
	committer.On("Commit", mock.Anything, testEpic, mock.Anything, mock.Anything).Return("abc123", nil)

	_, err := h.execute(h.engine(committer))
	require.NoError(t, err)

	first := committer.Calls[1]
	files := first.Arguments.Get(2).([]string)
	assert.Contains(t, files, "specs/42/spec.md")
	assert.Contains(t, files, "specs/42/tasks.md")

	msg := first.Arguments.Get(3).(checkpoint.Message)
	assert.Equal(t, "specify", msg.Phase)
	assert.Equal(t, checkpoint.EventAdvance, msg.Event)
	assert.Equal(t, "clarify", msg.Next)
	assert.Equal(t, "run-1", msg.RunID)
}

func TestEngine_CancelBetweenPhases(t *testing.T) {
	h := newHarness(t)
	e := h.engine(nil)
	run := NewRun("run-1", Epic{ID: testEpic})
	e.OnTransition(func(tr Transition) {
		h.record(tr)
		if tr.Phase == phase.Specify {
			run.Cancel()
		}
	})

	from, err := e.Reconstruct(context.Background(), testEpic)
	require.NoError(t, err)
	err = e.Execute(context.Background(), run, from)
	require.ErrorIs(t, err, ErrCancelled)

	assert.Equal(t, []string{"specify advance", "clarify cancelled"}, h.events())
	assert.Zero(t, h.agent.count(phase.Clarify))
	st := run.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, KindCancelled, st.ErrorKind)
	assert.Equal(t, phase.Clarify, st.Phase)

	cps := h.history()
	assert.Equal(t, checkpoint.EventCancelled, cps[len(cps)-1].Message.Event)
	assert.Equal(t, cps[len(cps)-1].ID, st.LastCheckpoint)

	// a fresh run resumes at clarify and never replays specify
	e2 := h.engine(nil)
	_, err = h.execute(e2)
	require.NoError(t, err)
	assert.Equal(t, 1, h.agent.count(phase.Specify))
	assert.Equal(t, 1, h.agent.count(phase.Clarify))
}

func TestEngine_CancelledContext(t *testing.T) {
	h := newHarness(t)
	e := h.engine(nil)
	from, err := e.Reconstruct(context.Background(), testEpic)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run := NewRun("run-1", Epic{ID: testEpic})
	err = e.Execute(ctx, run, from)

	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.agent.skills())
	assert.Equal(t, []string{"specify cancelled"}, h.events())
}

func TestEngine_ResumeCarriesCountersAfterCancel(t *testing.T) {
	h := newHarness(t)
	h.agent.set(phase.Clarify, on(1, noop(), mark(artifact.Spec, phase.ClarifyComplete)))
	e := h.engine(nil)
	run := NewRun("run-1", Epic{ID: testEpic})
	e.OnTransition(func(tr Transition) {
		h.record(tr)
		if tr.Event == string(checkpoint.EventRetry) {
			run.Cancel()
		}
	})
	from, err := e.Reconstruct(context.Background(), testEpic)
	require.NoError(t, err)
	require.ErrorIs(t, e.Execute(context.Background(), run, from), ErrCancelled)

	res, err := e.Reconstruct(context.Background(), testEpic)
	require.NoError(t, err)
	assert.Equal(t, phase.Clarify, res.Phase)
	assert.Equal(t, 1, res.Attempt)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, res, res.ForNewRun())

	_, err = h.execute(h.engine(nil))
	require.NoError(t, err)
	clarify := h.agent.argsOf(phase.Clarify)
	require.Len(t, clarify, 2)
	assert.Contains(t, clarify[1], "--round=2/5")
}

func TestEngine_FreshBudgetAfterExhaustion(t *testing.T) {
	h := newHarness(t)
	h.agent.set(phase.Clarify, noop())
	_, err := h.execute(h.engine(nil))
	require.ErrorIs(t, err, ErrRetryExhausted)

	e := h.engine(nil)
	res, err := e.Reconstruct(context.Background(), testEpic)
	require.NoError(t, err)
	assert.True(t, res.Exhausted())
	assert.Equal(t, 5, res.Rounds)
	fresh := res.ForNewRun()
	assert.Zero(t, fresh.Rounds)
	assert.Zero(t, fresh.Attempt)

	h.agent.set(phase.Clarify, mark(artifact.Spec, phase.ClarifyComplete))
	_, err = h.execute(e)
	require.NoError(t, err)
	assert.Equal(t, 6, h.agent.count(phase.Clarify))
	assert.Equal(t, 1, h.agent.count(phase.Specify))
}

func TestEngine_ResumeAfterCrash(t *testing.T) {
	h := newHarness(t)
	h.agent.set(phase.Clarify, on(1, noop(), mark(artifact.Spec, phase.ClarifyComplete)))

	// commits: specify advance, clarify retry, then the process dies
	_, err := h.execute(h.engine(&crashingCommitter{next: h.committer, limit: 2}))
	require.ErrorIs(t, err, ErrCheckpoint)
	require.ErrorIs(t, err, errCrashed)

	// the agent's done marker from round 2 was never checkpointed
	e := h.engine(nil)
	res, err := e.Reconstruct(context.Background(), testEpic)
	require.NoError(t, err)
	assert.Equal(t, phase.Clarify, res.Phase)
	assert.Equal(t, 1, res.Attempt)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, 2, res.Checkpoints)
	assert.Equal(t, []phase.Name{phase.Clarify}, res.Uncommitted)
	assert.True(t, res.Interrupted)

	_, err = h.execute(e)
	require.NoError(t, err)
	assert.Equal(t, 1, h.agent.count(phase.Specify))
	assert.Equal(t, 3, h.agent.count(phase.Clarify))
	assert.Equal(t, 1, h.agent.count(phase.ClarifyVerify))
	clarify := h.agent.argsOf(phase.Clarify)
	assert.Contains(t, clarify[2], "--round=2/5")
}

func TestEngine_FailedAdvanceCheckpointIsNotSkipped(t *testing.T) {
	h := newHarness(t)

	// only the specify advance is committed; the clarify advance fails
	_, err := h.execute(h.engine(&crashingCommitter{next: h.committer, limit: 1}))
	require.ErrorIs(t, err, ErrCheckpoint)
	require.True(t, h.has(artifact.Spec, phase.ClarifyComplete))

	e := h.engine(nil)
	res, err := e.Reconstruct(context.Background(), testEpic)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checkpoints)
	assert.Equal(t, checkpoint.EventAdvance, res.Last.Event)
	assert.Equal(t, phase.Clarify, res.Phase)
	assert.Zero(t, res.Rounds)
	assert.Zero(t, res.Attempt)
	assert.Equal(t, []phase.Name{phase.Clarify}, res.Uncommitted)

	run, err := h.execute(e)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, run.Status().State)
	assert.Equal(t, 2, h.agent.count(phase.Clarify))

	cps := h.history()
	require.GreaterOrEqual(t, len(cps), 2)
	assert.Equal(t, "clarify", cps[1].Phase)
	assert.Equal(t, checkpoint.EventAdvance, cps[1].Event)
	assert.Equal(t, "clarify-verify", cps[1].Next)
}

func TestEngine_MarkerEditCheckpointIsTrusted(t *testing.T) {
	h := newHarness(t)
	h.agent.set(phase.Clarify, noop())
	_, err := h.execute(h.engine(nil))
	require.ErrorIs(t, err, ErrRetryExhausted)

	require.NoError(t, h.store.WriteMarker(testEpic, artifact.Spec, phase.ClarifyComplete, marker.OpSet))
	e := h.engine(nil)
	res, err := e.Reconstruct(context.Background(), testEpic)
	require.NoError(t, err)
	assert.Equal(t, phase.Clarify, res.Phase, "an uncommitted edit does not move the phase")

	_, err = h.committer.Commit(context.Background(), testEpic, []string{"specs/42/spec.md"}, checkpoint.Message{
		Event:  checkpoint.EventMarkerEdit,
		Reason: "set CLARIFY_COMPLETE",
	})
	require.NoError(t, err)

	res, err = e.Reconstruct(context.Background(), testEpic)
	require.NoError(t, err)
	assert.Equal(t, phase.ClarifyVerify, res.Phase)
	assert.Empty(t, res.Uncommitted)
	assert.False(t, res.Interrupted)
	assert.Zero(t, res.Rounds)

	_, err = h.execute(e)
	require.NoError(t, err)
	assert.Equal(t, phase.DefaultMaxRounds, h.agent.count(phase.Clarify))
}

// At every checkpoint, state reconstructed from markers and history alone
// matches the in-memory state of the run.
func TestEngine_ReconstructMatchesAtEveryCheckpoint(t *testing.T) {
	tests := []struct {
		name   string
		script map[phase.Name]behavior
	}{
		{"happy path", nil},
		{"retries and loop-backs", map[phase.Name]behavior{
			phase.Clarify:       on(1, noop(), mark(artifact.Spec, phase.ClarifyComplete)),
			phase.ClarifyVerify: on(1, mark(artifact.Spec, phase.VerifyFindings), noop()),
			phase.Analyze:       on(2, noop(), mark(artifact.Tasks, phase.AnalyzeComplete)),
			phase.AnalyzeVerify: on(2, mark(artifact.Tasks, phase.VerifyFindings), noop()),
		}},
		{"exhausted", map[phase.Name]behavior{phase.Analyze: noop()}},
		{"verify exhausted", map[phase.Name]behavior{
			phase.ClarifyVerify: mark(artifact.Spec, phase.VerifyFindings),
		}},
		{"missing artifact", map[phase.Name]behavior{phase.Review: noop()}},
		{"agent error", map[phase.Name]behavior{phase.Tasks: func(*scriptedAgent, int) error {
			return agent.ErrAgentTimeout
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			for name, b := range tt.script {
				h.agent.set(name, b)
			}
			e := h.engine(nil)
			run := NewRun("run-1", Epic{ID: testEpic})

			checked := 0
			e.OnTransition(func(tr Transition) {
				checked++
				res, err := e.Reconstruct(context.Background(), testEpic)
				require.NoError(t, err)
				assert.Equal(t, tr.Checkpoint, res.LastCheckpoint)
				assert.Empty(t, res.Uncommitted, "checkpoint %d", checked)

				if tr.Event == string(checkpoint.EventCompleted) {
					assert.True(t, res.Completed, "checkpoint %d", checked)
					return
				}
				st := run.Status()
				assert.Equal(t, st.Phase, res.Phase, "phase at checkpoint %d (%s %s)", checked, tr.Phase, tr.Event)
				assert.Equal(t, st.Attempt, res.Attempt, "attempt at checkpoint %d (%s %s)", checked, tr.Phase, tr.Event)
				assert.Equal(t, st.Rounds, res.Rounds, "rounds at checkpoint %d (%s %s)", checked, tr.Phase, tr.Event)
			})

			from, err := e.Reconstruct(context.Background(), testEpic)
			require.NoError(t, err)
			_ = e.Execute(context.Background(), run, from)
			assert.Equal(t, len(h.history()), checked)
		})
	}
}

func TestEngine_BoundedInvocations(t *testing.T) {
	for _, loop := range []phase.Name{phase.Clarify, phase.Analyze} {
		t.Run(string(loop), func(t *testing.T) {
			h := newHarness(t)
			h.agent.set(loop, noop())

			_, err := h.execute(h.engine(nil))
			require.ErrorIs(t, err, ErrRetryExhausted)
			assert.Equal(t, phase.DefaultMaxRounds, h.agent.count(loop))
		})
	}
}

func TestEngine_ExecuteCompletedEpic(t *testing.T) {
	h := newHarness(t)
	_, err := h.execute(h.engine(nil))
	require.NoError(t, err)
	calls := len(h.agent.skills())

	run, err := h.execute(h.engine(nil))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, run.Status().State)
	assert.Len(t, h.agent.skills(), calls)
	assert.Len(t, h.history(), 10)
}

func TestReconstruct(t *testing.T) {
	t.Run("fresh epic", func(t *testing.T) {
		h := newHarness(t)
		res, err := h.engine(nil).Reconstruct(context.Background(), testEpic)
		require.NoError(t, err)
		assert.Equal(t, phase.Specify, res.Phase)
		assert.False(t, res.Completed)
		assert.Zero(t, res.Checkpoints)
		assert.Empty(t, res.LastCheckpoint)
	})

	t.Run("manual marker edits move the phase", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Write(testEpic, artifact.Spec, "# Spec\n<!-- SPECIFY_COMPLETE -->\n<!-- CLARIFY_COMPLETE -->\n"))
		res, err := h.engine(nil).Reconstruct(context.Background(), testEpic)
		require.NoError(t, err)
		assert.Equal(t, phase.ClarifyVerify, res.Phase)
		assert.Equal(t, []string{"SPECIFY_COMPLETE", "CLARIFY_COMPLETE"}, markerStrings(res.Markers[artifact.Spec]))
	})

	t.Run("invalid epic id", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine(nil).Reconstruct(context.Background(), "../etc")
		assert.Error(t, err)
	})

	t.Run("history failure", func(t *testing.T) {
		h := newHarness(t)
		committer := new(MockCommitter)
		committer.On("History", mock.Anything, testEpic).Return(nil, errors.New("corrupt object"))
		_, err := h.engine(committer).Reconstruct(context.Background(), testEpic)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "corrupt object")
	})
}

func TestErrorKind(t *testing.T) {
	tests := map[string]error{
		KindCancelled:       fmt.Errorf("%w: %w", ErrCancelled, context.Canceled),
		KindAgentInvocation: &AgentInvocationError{Phase: phase.Plan, Err: agent.ErrAgentTimeout},
		KindRetryExhausted:  &RetryExhaustedError{Phase: phase.Clarify, Max: 5},
		KindMissingArtifact: &MissingArtifactError{Phase: phase.Plan, Artifact: artifact.Plan},
		KindCheckpoint:      &CheckpointError{Phase: phase.Plan, Err: errors.New("x")},
		KindInternal:        errors.New("boom"),
	}
	for want, err := range tests {
		assert.Equal(t, want, errorKind(err), want)
	}
	assert.Empty(t, errorKind(nil))
}

func markerStrings[T ~string](ms []T) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = string(m)
	}
	return out
}
