package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/epicflow/internal/artifact"
	"github.com/fyrsmithlabs/epicflow/internal/checkpoint"
	"github.com/fyrsmithlabs/epicflow/internal/lock"
	"github.com/fyrsmithlabs/epicflow/internal/logging"
)

// Locker provides cross-process exclusion per epic.
type Locker interface {
	Lock(epicID, runID string) (unlock func() error, err error)
}

// Manager is the run control surface: it starts runs in the background,
// tracks their status and cancels them between phases.
type Manager struct {
	engine *Engine
	locker Locker
	logger *logging.Logger
	newID  func() string
	branch func() (string, error)

	mu     sync.Mutex
	active map[string]*Run // by epic id
	runs   map[string]*Run // by run id, terminal runs included
	wg     sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLocker enables cross-process epic locks.
func WithLocker(l Locker) ManagerOption {
	return func(m *Manager) { m.locker = l }
}

// WithManagerLogger sets the manager logger.
func WithManagerLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(fn func() string) ManagerOption {
	return func(m *Manager) { m.newID = fn }
}

// WithBranch reports the workspace branch in run status.
func WithBranch(fn func() (string, error)) ManagerOption {
	return func(m *Manager) { m.branch = fn }
}

// NewManager creates a manager executing runs on engine.
func NewManager(engine *Engine, opts ...ManagerOption) *Manager {
	m := &Manager{
		engine: engine,
		logger: logging.NewNop(),
		newID:  func() string { return uuid.New().String() },
		active: make(map[string]*Run),
		runs:   make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartRun reconstructs the epic's state and executes the rest of the
// pipeline in the background. The run outlives ctx's cancellation but keeps
// its values. A second run for an epic with an active run fails with
// *ConcurrentRunError.
func (m *Manager) StartRun(ctx context.Context, epic Epic) (string, error) {
	if err := artifact.ValidateEpicID(epic.ID); err != nil {
		return "", err
	}

	m.mu.Lock()
	if r, ok := m.active[epic.ID]; ok {
		m.mu.Unlock()
		return "", &ConcurrentRunError{EpicID: epic.ID, RunID: r.id}
	}
	id := m.newID()
	unlock := func() error { return nil }
	if m.locker != nil {
		u, err := m.locker.Lock(epic.ID, id)
		if err != nil {
			m.mu.Unlock()
			var locked *lock.ErrLocked
			if errors.As(err, &locked) {
				return "", &ConcurrentRunError{EpicID: epic.ID, Err: err}
			}
			return "", fmt.Errorf("acquiring epic lock: %w", err)
		}
		unlock = u
	}
	run := newRun(id, epic, time.Now())
	m.active[epic.ID] = run
	m.runs[id] = run
	m.wg.Add(1)
	m.mu.Unlock()

	// the epic is free again by the time waiters observe the terminal state
	run.onFinish(func() {
		m.mu.Lock()
		if m.active[epic.ID] == run {
			delete(m.active, epic.ID)
		}
		m.mu.Unlock()
		if err := unlock(); err != nil {
			m.logger.Warn(ctx, "releasing epic lock", zap.String("epic.id", epic.ID), zap.Error(err))
		}
	})

	from, err := m.engine.Reconstruct(ctx, epic.ID)
	if err != nil {
		run.finish(StateFailed, err, time.Now())
		m.wg.Done()
		return "", fmt.Errorf("reconstructing epic %s: %w", epic.ID, err)
	}
	if from.Exhausted() {
		m.logger.Info(ctx, "previous run exhausted its round budget, starting a fresh budget",
			zap.String("epic.id", epic.ID),
			zap.String("phase", string(from.Phase)))
	}
	from = from.ForNewRun()

	runCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	run.setAbort(abort)
	activeRuns.Inc()
	go func() {
		defer m.wg.Done()
		defer activeRuns.Dec()
		defer abort()
		_ = m.engine.Execute(runCtx, run, from)
	}()

	m.logger.Info(ctx, "run accepted",
		zap.String("epic.id", epic.ID),
		zap.String("run.id", id),
		zap.String("phase", string(from.Phase)))
	return id, nil
}

// Run starts a run and waits for it. Cancelling ctx cancels the run between
// phases; Run still waits for the final checkpoint.
func (m *Manager) Run(ctx context.Context, epic Epic) (Status, error) {
	id, err := m.StartRun(ctx, epic)
	if err != nil {
		return Status{}, err
	}
	run, _ := m.lookup(id)
	select {
	case <-run.Done():
	case <-ctx.Done():
		run.Cancel()
		<-run.Done()
	}
	return m.status(run), run.Err()
}

// Status returns the status of a run.
func (m *Manager) Status(runID string) (Status, error) {
	run, ok := m.lookup(runID)
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return m.status(run), nil
}

// ActiveRun returns the run executing for an epic.
func (m *Manager) ActiveRun(epicID string) (Status, bool) {
	m.mu.Lock()
	run, ok := m.active[epicID]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return m.status(run), true
}

// Runs returns every known run, newest first.
func (m *Manager) Runs() []Status {
	m.mu.Lock()
	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Cancel requests cancellation. The run stops before its next invocation
// and records a cancelled checkpoint; an in-flight invocation is not
// interrupted.
func (m *Manager) Cancel(runID string) (Status, error) {
	run, ok := m.lookup(runID)
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if run.Cancel() {
		m.logger.Info(context.Background(), "run cancellation requested",
			zap.String("run.id", runID),
			zap.String("epic.id", run.epic.ID))
	}
	return m.status(run), nil
}

// Wait blocks until the run ends or ctx is done.
func (m *Manager) Wait(ctx context.Context, runID string) (Status, error) {
	run, ok := m.lookup(runID)
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	select {
	case <-run.Done():
		return m.status(run), run.Err()
	case <-ctx.Done():
		return m.status(run), ctx.Err()
	}
}

// Reconstruct derives an epic's resume point.
func (m *Manager) Reconstruct(ctx context.Context, epicID string) (Resume, error) {
	return m.engine.Reconstruct(ctx, epicID)
}

// History returns an epic's checkpoints, oldest first.
func (m *Manager) History(ctx context.Context, epicID string) ([]checkpoint.Checkpoint, error) {
	if err := artifact.ValidateEpicID(epicID); err != nil {
		return nil, err
	}
	return m.engine.committer.History(ctx, epicID)
}

// Shutdown cancels every active run between phases and waits for them. When
// ctx expires first the runs are aborted, which interrupts in-flight
// invocations.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	active := make([]*Run, 0, len(m.active))
	for _, r := range m.active {
		active = append(active, r)
	}
	m.mu.Unlock()

	for _, r := range active {
		r.Cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, r := range active {
			r.interrupt()
		}
		<-done
		return ctx.Err()
	}
}

func (m *Manager) lookup(runID string) (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	return r, ok
}

func (m *Manager) status(run *Run) Status {
	s := run.Status()
	if m.branch != nil {
		if b, err := m.branch(); err == nil {
			s.Branch = b
		}
	}
	return s
}
