package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/epicflow/internal/agent"
	"github.com/fyrsmithlabs/epicflow/internal/artifact"
	"github.com/fyrsmithlabs/epicflow/internal/checkpoint"
	"github.com/fyrsmithlabs/epicflow/internal/logging"
	"github.com/fyrsmithlabs/epicflow/internal/marker"
	"github.com/fyrsmithlabs/epicflow/internal/phase"
)

const instrumentationName = "github.com/fyrsmithlabs/epicflow/internal/orchestrator"

// ArtifactStore is the artifact access the engine needs.
type ArtifactStore interface {
	Names() []artifact.Name
	RelPath(epicID string, name artifact.Name) (string, error)
	Exists(epicID string, name artifact.Name) (bool, error)
	Read(epicID string, name artifact.Name) (string, error)
	WriteMarker(epicID string, name artifact.Name, m marker.Name, op marker.Op) error
}

// Committer records checkpoints.
type Committer interface {
	Commit(ctx context.Context, epicID string, files []string, msg checkpoint.Message) (string, error)
	History(ctx context.Context, epicID string) ([]checkpoint.Checkpoint, error)
}

// Engine executes runs. It holds no per-run state and may execute runs for
// different epics concurrently.
type Engine struct {
	pipeline  *phase.Pipeline
	store     ArtifactStore
	gateway   agent.Gateway
	committer Committer
	protocol  *marker.Protocol

	project      phase.Project
	logger       *logging.Logger
	tracer       trace.Tracer
	now          func() time.Time
	onTransition TransitionFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithProject sets the repository settings passed to project phases.
func WithProject(p phase.Project) EngineOption {
	return func(e *Engine) { e.project = p }
}

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the tracer used for run and invocation spans.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine for pipeline p.
func NewEngine(p *phase.Pipeline, store ArtifactStore, gw agent.Gateway, c Committer, opts ...EngineOption) *Engine {
	e := &Engine{
		pipeline:  p,
		store:     store,
		gateway:   gw,
		committer: c,
		protocol:  p.Protocol(),
		logger:    logging.NewNop(),
		tracer:    otel.Tracer(instrumentationName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnTransition sets the transition callback.
func (e *Engine) OnTransition(fn TransitionFunc) {
	e.onTransition = fn
}

// Pipeline returns the engine's pipeline.
func (e *Engine) Pipeline() *phase.Pipeline {
	return e.pipeline
}

// Execute drives run from the resume point until it completes, fails or is
// cancelled. The returned error is the run's terminal error.
func (e *Engine) Execute(ctx context.Context, run *Run, from Resume) error {
	ctx = logging.WithEpicID(ctx, run.epic.ID)
	ctx = logging.WithRunID(ctx, run.id)
	ctx, span := e.tracer.Start(ctx, "orchestrator.Execute", trace.WithAttributes(
		attribute.String("epic.id", run.epic.ID),
		attribute.String("run.id", run.id),
		attribute.String("resume.phase", string(from.Phase)),
	))
	defer span.End()

	if from.Completed {
		e.logger.Info(ctx, "epic already completed", zap.String("last_checkpoint", from.LastCheckpoint))
		run.update(func(s *Status) { s.LastCheckpoint = from.LastCheckpoint })
		run.finish(StateCompleted, nil, e.now())
		runsTotal.WithLabelValues(string(StateCompleted)).Inc()
		return nil
	}

	cur, ok := e.pipeline.Get(from.Phase)
	if !ok {
		err := fmt.Errorf("resume phase %q is not in the pipeline", from.Phase)
		run.finish(StateFailed, err, e.now())
		runsTotal.WithLabelValues(string(StateFailed)).Inc()
		return err
	}

	r := &runner{
		e:              e,
		run:            run,
		cur:            cur,
		ran:            cur.Name,
		attempt:        from.Attempt,
		rounds:         make(map[string]int),
		lastCheckpoint: from.LastCheckpoint,
	}
	if cur.Group != "" {
		r.rounds[cur.Group] = from.Rounds
	}
	run.update(func(s *Status) { s.State = StateRunning })
	r.sync()

	e.logger.Info(ctx, "run started",
		zap.String("phase", string(cur.Name)),
		zap.Int("attempt", r.attempt),
		zap.Int("rounds", from.Rounds))

	err := r.discardUncommitted(ctx, from.Uncommitted)
	if err != nil {
		err = r.fail(ctx, err)
	} else {
		err = r.loop(ctx)
	}
	state := StateCompleted
	if err != nil {
		state = StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error(ctx, "run failed",
			zap.String("phase", string(r.cur.Name)),
			zap.Int("attempt", r.attempt),
			zap.String("last_checkpoint", r.lastCheckpoint),
			zap.Error(err))
	} else {
		e.logger.Info(ctx, "run completed", zap.String("last_checkpoint", r.lastCheckpoint))
	}
	run.finish(state, err, e.now())
	runsTotal.WithLabelValues(string(state)).Inc()
	return err
}

// runner carries the mutable counters of one execution.
type runner struct {
	e   *Engine
	run *Run

	// cur is the phase the run resumes at; ran is the phase that produced
	// the pending transition
	cur phase.Definition
	ran phase.Name

	attempt        int
	rounds         map[string]int
	lastCheckpoint string
}

// discardUncommitted clears the done markers of phases no checkpoint
// records as passed, so they run again. The next checkpoint captures the
// cleared markers.
func (r *runner) discardUncommitted(ctx context.Context, names []phase.Name) error {
	for _, name := range names {
		def, ok := r.e.pipeline.Get(name)
		if !ok {
			return fmt.Errorf("uncommitted phase %q is not in the pipeline", name)
		}
		r.e.logger.Warn(ctx, "discarding progress no checkpoint records",
			zap.String("phase", string(def.Name)),
			zap.String("done_marker", string(def.DoneMarker)))
		if err := r.clearMarkers(def, def.DoneMarker); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) loop(ctx context.Context) error {
	for {
		r.ran = r.cur.Name
		if r.run.cancelled() || ctx.Err() != nil {
			cause := ErrCancelled
			if err := ctx.Err(); err != nil {
				cause = fmt.Errorf("%w: %w", ErrCancelled, err)
			}
			return r.fail(ctx, cause)
		}

		var (
			done bool
			err  error
		)
		pctx := logging.WithPhase(ctx, string(r.cur.Name))
		switch r.cur.Class {
		case phase.BoundedLoop:
			done, err = r.stepLoop(pctx)
		case phase.Verify:
			done, err = r.stepVerify(pctx)
		default:
			done, err = r.stepSingle(pctx)
		}
		if err != nil {
			return r.fail(pctx, err)
		}
		if done {
			return nil
		}
	}
}

func (r *runner) stepSingle(ctx context.Context) (bool, error) {
	def := r.cur
	r.attempt++
	r.sync()

	in, err := r.input(def)
	if err != nil {
		return false, err
	}
	if err := r.invoke(ctx, def, in); err != nil {
		return false, err
	}
	if err := r.checkProduces(def); err != nil {
		return false, err
	}
	if err := r.setMarker(def, def.DoneMarker); err != nil {
		return false, err
	}
	return r.advance(ctx)
}

func (r *runner) stepLoop(ctx context.Context) (bool, error) {
	def := r.cur
	budget := r.e.pipeline.MaxRounds(def.Group)
	if r.rounds[def.Group] >= budget {
		return false, &RetryExhaustedError{Phase: def.Name, Max: budget}
	}
	r.rounds[def.Group]++
	r.attempt++
	r.sync()

	in, err := r.input(def)
	if err != nil {
		return false, err
	}
	in.Round = r.rounds[def.Group]
	in.MaxRounds = budget
	if err := r.invoke(ctx, def, in); err != nil {
		return false, err
	}
	if err := r.checkProduces(def); err != nil {
		return false, err
	}

	text, err := r.read(def.Artifact)
	if err != nil {
		return false, err
	}
	done := marker.Has(text, def.DoneMarker)
	if hits := r.e.protocol.Conflicting(text, def.DoneMarker); len(hits) > 0 {
		r.conflict(ctx, def, def.DoneMarker, hits)
		if err := r.clearMarkers(def, def.DoneMarker); err != nil {
			return false, err
		}
		done = false
	}

	if done {
		return r.advance(ctx)
	}
	if r.rounds[def.Group] >= budget {
		return false, &RetryExhaustedError{Phase: def.Name, Max: budget}
	}
	r.e.logger.Info(ctx, "done marker absent, retrying",
		zap.Int("round", r.rounds[def.Group]),
		zap.Int("max_rounds", budget))
	return false, r.commit(ctx, checkpoint.EventRetry, StateRunning, nil)
}

func (r *runner) stepVerify(ctx context.Context) (bool, error) {
	def := r.cur
	loop, ok := r.e.pipeline.LoopPhase(def.Group)
	if !ok || loop.Name != def.LoopBack {
		return false, fmt.Errorf("phase %s: loop-back phase %s not in pipeline", def.Name, def.LoopBack)
	}
	budget := r.e.pipeline.MaxRounds(def.Group)
	r.attempt++
	r.sync()

	in, err := r.input(def)
	if err != nil {
		return false, err
	}
	in.Round = r.rounds[def.Group]
	in.MaxRounds = budget
	if err := r.invoke(ctx, def, in); err != nil {
		return false, err
	}
	if err := r.checkProduces(def); err != nil {
		return false, err
	}

	text, err := r.read(def.Artifact)
	if err != nil {
		return false, err
	}
	findings := marker.Has(text, def.FindingsMarker)
	loopDone := marker.Has(text, loop.DoneMarker)
	if hits := r.e.protocol.Conflicting(text, def.DoneMarker); len(hits) > 0 {
		r.conflict(ctx, def, def.DoneMarker, hits)
	}

	if !findings && loopDone {
		if err := r.setMarker(def, def.DoneMarker); err != nil {
			return false, err
		}
		return r.advance(ctx)
	}

	// findings, or the loop phase's done marker was removed: normalize to
	// the findings marker with both done markers cleared
	if err := r.setMarker(def, def.FindingsMarker); err != nil {
		return false, err
	}
	if err := r.clearMarkers(def, loop.DoneMarker, def.DoneMarker); err != nil {
		return false, err
	}
	r.cur = loop
	r.attempt = 0
	if r.rounds[def.Group] >= budget {
		r.sync()
		return false, &RetryExhaustedError{Phase: loop.Name, Max: budget}
	}
	r.e.logger.Info(ctx, "verify reported findings, looping back",
		zap.String("loop_phase", string(loop.Name)),
		zap.Int("rounds", r.rounds[def.Group]),
		zap.Int("max_rounds", budget))
	return false, r.commit(ctx, checkpoint.EventLoopBack, StateRunning, nil)
}

// advance moves past the current phase and checkpoints it. It reports true
// when the pipeline is complete.
func (r *runner) advance(ctx context.Context) (bool, error) {
	next, ok := r.e.pipeline.Next(r.cur.Name)
	if !ok {
		return true, r.commit(ctx, checkpoint.EventCompleted, StateCompleted, nil)
	}
	r.cur = next
	r.attempt = 0
	return false, r.commit(ctx, checkpoint.EventAdvance, StateRunning, nil)
}

// fail records a terminal failure. A checkpoint failure is not followed by
// another commit attempt.
func (r *runner) fail(ctx context.Context, cause error) error {
	if errors.Is(cause, ErrCheckpoint) {
		return cause
	}
	event := checkpoint.EventFailed
	if errors.Is(cause, ErrCancelled) {
		event = checkpoint.EventCancelled
	}
	if err := r.commit(context.WithoutCancel(ctx), event, StateFailed, cause); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// commit checkpoints the transition produced by r.ran. Next, attempt and
// rounds describe where a resumed run continues.
func (r *runner) commit(ctx context.Context, event checkpoint.Event, state State, cause error) error {
	msg := checkpoint.Message{
		EpicID:  r.run.epic.ID,
		RunID:   r.run.id,
		Phase:   string(r.ran),
		Event:   event,
		Next:    string(r.cur.Name),
		Attempt: r.attempt,
		Rounds:  r.rounds[r.cur.Group],
		State:   string(state),
	}
	if event == checkpoint.EventCompleted {
		msg.Next = ""
		msg.Attempt = 0
		msg.Rounds = 0
	}
	if cause != nil {
		msg.Reason = cause.Error()
		msg.Error = errorKind(cause)
	}

	id, err := r.e.committer.Commit(ctx, r.run.epic.ID, r.files(), msg)
	if err != nil {
		checkpointsTotal.WithLabelValues("error").Inc()
		return &CheckpointError{Phase: r.ran, Event: string(event), Err: err}
	}
	checkpointsTotal.WithLabelValues("success").Inc()
	transitionsTotal.WithLabelValues(string(event)).Inc()

	r.lastCheckpoint = id
	r.sync()
	r.e.logger.Debug(ctx, "checkpoint committed",
		zap.String("checkpoint", id),
		zap.String("event", string(event)),
		zap.String("next", msg.Next))

	if r.e.onTransition != nil {
		r.e.onTransition(Transition{
			RunID:      r.run.id,
			EpicID:     r.run.epic.ID,
			Phase:      r.ran,
			Event:      string(event),
			Next:       phase.Name(msg.Next),
			Attempt:    msg.Attempt,
			Rounds:     msg.Rounds,
			State:      state,
			Checkpoint: id,
		})
	}
	return nil
}

func (r *runner) invoke(ctx context.Context, def phase.Definition, in phase.Input) error {
	inv := phase.BuildContext(def, in)
	ctx, span := r.e.tracer.Start(ctx, "orchestrator.invoke", trace.WithAttributes(
		attribute.String("phase", string(def.Name)),
		attribute.String("skill", inv.Skill),
		attribute.Int("attempt", r.attempt),
		attribute.Int("round", in.Round),
	))
	defer span.End()

	r.e.logger.Info(ctx, "invoking agent",
		zap.String("skill", inv.Skill),
		zap.Int("attempt", r.attempt),
		zap.Int("round", in.Round))
	r.e.logger.Trace(ctx, "agent prompt", zap.String("prompt", agent.Prompt(inv.Skill, inv.Args)))

	start := r.e.now()
	report, err := r.e.gateway.Invoke(ctx, inv.Skill, inv.Args)
	elapsed := r.e.now().Sub(start)
	invocationDuration.WithLabelValues(string(def.Name)).Observe(elapsed.Seconds())

	if err != nil {
		invocationsTotal.WithLabelValues(string(def.Name), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &AgentInvocationError{Phase: def.Name, Attempt: r.attempt, Err: err}
	}
	invocationsTotal.WithLabelValues(string(def.Name), "success").Inc()
	r.e.logger.Debug(ctx, "agent returned",
		zap.Duration("elapsed", elapsed),
		zap.Int("report_bytes", len(report.Text)))
	return nil
}

// input assembles the workspace-relative paths of the phase's artifacts.
func (r *runner) input(def phase.Definition) (phase.Input, error) {
	names := append([]artifact.Name{def.Artifact}, def.Inputs...)
	paths := make(map[artifact.Name]string, len(names))
	for _, n := range names {
		rel, err := r.e.store.RelPath(r.run.epic.ID, n)
		if err != nil {
			return phase.Input{}, fmt.Errorf("resolving artifact %s: %w", n, err)
		}
		paths[n] = rel
	}

	in := phase.Input{
		EpicID:  r.run.epic.ID,
		Title:   r.run.epic.Title,
		Paths:   paths,
		Project: r.e.project,
	}
	if def.FindingsMarker != "" {
		text, err := r.read(def.Artifact)
		if err != nil {
			return phase.Input{}, err
		}
		in.Findings = marker.Has(text, def.FindingsMarker)
	}
	return in, nil
}

func (r *runner) checkProduces(def phase.Definition) error {
	for _, n := range def.Produces {
		ok, err := r.e.store.Exists(r.run.epic.ID, n)
		if err != nil {
			return fmt.Errorf("checking artifact %s: %w", n, err)
		}
		if !ok {
			rel, _ := r.e.store.RelPath(r.run.epic.ID, n)
			return &MissingArtifactError{Phase: def.Name, Artifact: n, Path: rel}
		}
	}
	return nil
}

// read returns an artifact's text; a missing artifact reads as empty.
func (r *runner) read(name artifact.Name) (string, error) {
	return readArtifact(r.e.store, r.run.epic.ID, name)
}

func (r *runner) setMarker(def phase.Definition, m marker.Name) error {
	if err := r.e.store.WriteMarker(r.run.epic.ID, def.Artifact, m, marker.OpSet); err != nil {
		return fmt.Errorf("phase %s: writing marker %s: %w", def.Name, m, err)
	}
	return nil
}

func (r *runner) clearMarkers(def phase.Definition, ms ...marker.Name) error {
	for _, m := range ms {
		if err := r.e.store.WriteMarker(r.run.epic.ID, def.Artifact, m, marker.OpClear); err != nil {
			return fmt.Errorf("phase %s: clearing marker %s: %w", def.Name, m, err)
		}
	}
	return nil
}

func (r *runner) conflict(ctx context.Context, def phase.Definition, done marker.Name, hits []marker.Name) {
	markerConflictsTotal.WithLabelValues(string(def.Name)).Inc()
	conflicting := make([]string, len(hits))
	for i, h := range hits {
		conflicting[i] = string(h)
	}
	r.e.logger.Warn(ctx, "done marker present with exclusive markers, findings win",
		zap.String("artifact", string(def.Artifact)),
		zap.String("done_marker", string(done)),
		zap.Strings("conflicting", conflicting),
		zap.Error(ErrMarkerConflict))
}

func (r *runner) files() []string {
	names := r.e.store.Names()
	files := make([]string, 0, len(names))
	for _, n := range names {
		if rel, err := r.e.store.RelPath(r.run.epic.ID, n); err == nil {
			files = append(files, rel)
		}
	}
	return files
}

func (r *runner) sync() {
	group := r.cur.Group
	r.run.update(func(s *Status) {
		s.Phase = r.cur.Name
		s.Attempt = r.attempt
		s.Rounds = r.rounds[group]
		s.MaxRounds = r.e.pipeline.MaxRounds(group)
		s.LastCheckpoint = r.lastCheckpoint
	})
}

func readArtifact(store ArtifactStore, epicID string, name artifact.Name) (string, error) {
	text, err := store.Read(epicID, name)
	if errors.Is(err, artifact.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading artifact %s: %w", name, err)
	}
	return text, nil
}
