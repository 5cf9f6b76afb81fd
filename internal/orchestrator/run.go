package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Run is one traversal of an epic through the pipeline. It is mutated only
// by the engine goroutine executing it; readers take snapshots.
type Run struct {
	id   string
	epic Epic

	cancelRequested atomic.Bool
	// abort hard-cancels the run context; used only on shutdown
	abort context.CancelFunc
	// release runs at the end of finish, before Done is closed
	release func()
	done    chan struct{}

	mu     sync.RWMutex
	status Status
	err    error
}

func newRun(id string, epic Epic, now time.Time) *Run {
	return &Run{
		id:    id,
		epic:  epic,
		abort: func() {},
		done:  make(chan struct{}),
		status: Status{
			RunID:     id,
			Epic:      epic,
			State:     StatePending,
			StartedAt: now,
		},
	}
}

// NewRun creates a pending run for callers driving an Engine directly.
func NewRun(id string, epic Epic) *Run {
	return newRun(id, epic, time.Now())
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Epic returns the epic the run drives.
func (r *Run) Epic() Epic { return r.epic }

// Status returns a snapshot.
func (r *Run) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.status
	s.Cancelling = r.cancelRequested.Load() && !s.State.Terminal()
	return s
}

// Err returns the terminal error, nil while running or on completion.
func (r *Run) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel asks the run to stop before its next invocation. It returns false
// when the run already ended.
func (r *Run) Cancel() bool {
	if r.Status().State.Terminal() {
		return false
	}
	r.cancelRequested.Store(true)
	return true
}

func (r *Run) setAbort(fn context.CancelFunc) {
	r.mu.Lock()
	r.abort = fn
	r.mu.Unlock()
}

func (r *Run) onFinish(fn func()) {
	r.mu.Lock()
	r.release = fn
	r.mu.Unlock()
}

// interrupt cancels the run context, interrupting an in-flight invocation.
func (r *Run) interrupt() {
	r.mu.RLock()
	abort := r.abort
	r.mu.RUnlock()
	abort()
}

func (r *Run) cancelled() bool {
	return r.cancelRequested.Load()
}

func (r *Run) update(fn func(*Status)) {
	r.mu.Lock()
	fn(&r.status)
	r.mu.Unlock()
}

func (r *Run) finish(state State, err error, now time.Time) {
	r.mu.Lock()
	if r.status.State.Terminal() {
		r.mu.Unlock()
		return
	}
	r.status.State = state
	r.status.EndedAt = now
	if err != nil {
		r.status.Reason = err.Error()
		r.status.ErrorKind = errorKind(err)
	}
	r.err = err
	release := r.release
	r.mu.Unlock()
	if release != nil {
		release()
	}
	close(r.done)
}
