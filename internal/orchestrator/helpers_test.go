package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/epicflow/internal/agent"
	"github.com/fyrsmithlabs/epicflow/internal/artifact"
	"github.com/fyrsmithlabs/epicflow/internal/checkpoint"
	"github.com/fyrsmithlabs/epicflow/internal/logging"
	"github.com/fyrsmithlabs/epicflow/internal/marker"
	"github.com/fyrsmithlabs/epicflow/internal/phase"
	"github.com/fyrsmithlabs/epicflow/internal/telemetry"
)

const testEpic = "42"

// behavior simulates one agent call; n is the 1-based call count for the
// skill.
type behavior func(a *scriptedAgent, n int) error

type call struct {
	Skill string
	Args  string
}

// scriptedAgent mutates artifacts the way an agent following the marker
// protocol would.
type scriptedAgent struct {
	t     *testing.T
	store *artifact.Store
	epic  string

	mu     sync.Mutex
	calls  []call
	counts map[string]int
	script map[phase.Name]behavior
}

func newScriptedAgent(t *testing.T, store *artifact.Store, epic string) *scriptedAgent {
	return &scriptedAgent{
		t:      t,
		store:  store,
		epic:   epic,
		counts: make(map[string]int),
		script: happyScript(),
	}
}

func happyScript() map[phase.Name]behavior {
	return map[phase.Name]behavior{
		phase.Specify:     write(artifact.Spec, "# Spec\n"),
		phase.Clarify:     mark(artifact.Spec, phase.ClarifyComplete),
		phase.Plan:        write(artifact.Plan, "# Plan\n"),
		phase.Tasks:       write(artifact.Tasks, "# Tasks\n"),
		phase.Analyze:     mark(artifact.Tasks, phase.AnalyzeComplete),
		phase.Review:      write(artifact.Review, "# Review\n"),
		phase.Crystallize: write(artifact.Context, "# Context\n"),
	}
}

func write(name artifact.Name, content string) behavior {
	return func(a *scriptedAgent, _ int) error {
		return a.store.Write(a.epic, name, content)
	}
}

func mark(name artifact.Name, m marker.Name) behavior {
	return func(a *scriptedAgent, _ int) error {
		return a.store.WriteMarker(a.epic, name, m, marker.OpSet)
	}
}

func noop() behavior {
	return func(*scriptedAgent, int) error { return nil }
}

// on runs first for calls up to n and then for the rest.
func on(n int, first, then behavior) behavior {
	return func(a *scriptedAgent, i int) error {
		if i <= n {
			return first(a, i)
		}
		return then(a, i)
	}
}

func (a *scriptedAgent) set(name phase.Name, b behavior) {
	a.mu.Lock()
	a.script[name] = b
	a.mu.Unlock()
}

func (a *scriptedAgent) Invoke(_ context.Context, skill, args string) (agent.Report, error) {
	a.mu.Lock()
	a.calls = append(a.calls, call{Skill: skill, Args: args})
	a.counts[skill]++
	n := a.counts[skill]
	b := a.script[phase.Name(strings.TrimPrefix(skill, "speckit."))]
	a.mu.Unlock()

	if b != nil {
		if err := b(a, n); err != nil {
			return agent.Report{}, err
		}
	}
	return agent.Report{Text: skill + " finished"}, nil
}

func (a *scriptedAgent) count(name phase.Name) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts["speckit."+string(name)]
}

func (a *scriptedAgent) skills() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	for i, c := range a.calls {
		out[i] = c.Skill
	}
	return out
}

func (a *scriptedAgent) argsOf(name phase.Name) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, c := range a.calls {
		if c.Skill == "speckit."+string(name) {
			out = append(out, c.Args)
		}
	}
	return out
}

type harness struct {
	t         *testing.T
	dir       string
	pipeline  *phase.Pipeline
	store     *artifact.Store
	committer *checkpoint.Committer
	agent     *scriptedAgent
	logger    *logging.TestLogger
	tel       *telemetry.TestTelemetry

	mu          sync.Mutex
	transitions []Transition
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	p := phase.Default(0)
	store := artifact.NewStore(dir, "specs", artifact.WithProtocol(p.Protocol()))
	c, err := checkpoint.Open(dir, checkpoint.WithInit())
	require.NoError(t, err)

	return &harness{
		t:         t,
		dir:       dir,
		pipeline:  p,
		store:     store,
		committer: c,
		agent:     newScriptedAgent(t, store, testEpic),
		logger:    logging.NewTestLogger(),
		tel:       telemetry.NewTestTelemetry(t),
	}
}

// engine builds an engine over the harness; c overrides the committer.
func (h *harness) engine(c Committer) *Engine {
	if c == nil {
		c = h.committer
	}
	e := NewEngine(h.pipeline, h.store, h.agent, c,
		WithLogger(h.logger.Logger),
		WithTracer(h.tel.Tracer("test")),
		WithProject(phase.Project{BaseBranch: "main", TestCommand: "go test ./..."}),
	)
	e.OnTransition(h.record)
	return e
}

func (h *harness) record(tr Transition) {
	h.mu.Lock()
	h.transitions = append(h.transitions, tr)
	h.mu.Unlock()
}

func (h *harness) events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.transitions))
	for i, tr := range h.transitions {
		out[i] = string(tr.Phase) + " " + tr.Event
	}
	return out
}

// execute reconstructs the epic and runs it to a terminal state.
func (h *harness) execute(e *Engine) (*Run, error) {
	h.t.Helper()
	ctx := context.Background()
	from, err := e.Reconstruct(ctx, testEpic)
	require.NoError(h.t, err)
	run := NewRun("run-1", Epic{ID: testEpic, Title: "Add widgets"})
	return run, e.Execute(ctx, run, from.ForNewRun())
}

func (h *harness) history() []checkpoint.Checkpoint {
	h.t.Helper()
	cps, err := h.committer.History(context.Background(), testEpic)
	require.NoError(h.t, err)
	return cps
}

func (h *harness) has(name artifact.Name, m marker.Name) bool {
	h.t.Helper()
	ok, err := h.store.HasMarker(testEpic, name, m)
	require.NoError(h.t, err)
	return ok
}

// MockCommitter is a mock implementation of Committer.
type MockCommitter struct {
	mock.Mock
}

func (m *MockCommitter) Commit(ctx context.Context, epicID string, files []string, msg checkpoint.Message) (string, error) {
	args := m.Called(ctx, epicID, files, msg)
	return args.String(0), args.Error(1)
}

func (m *MockCommitter) History(ctx context.Context, epicID string) ([]checkpoint.Checkpoint, error) {
	args := m.Called(ctx, epicID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]checkpoint.Checkpoint), args.Error(1)
}

// crashingCommitter stops committing after limit commits, like a process
// that died right after its last checkpoint.
type crashingCommitter struct {
	next  Committer
	limit int

	mu sync.Mutex
	n  int
}

func (c *crashingCommitter) Commit(ctx context.Context, epicID string, files []string, msg checkpoint.Message) (string, error) {
	c.mu.Lock()
	c.n++
	n := c.n
	c.mu.Unlock()
	if n > c.limit {
		return "", errCrashed
	}
	return c.next.Commit(ctx, epicID, files, msg)
}

func (c *crashingCommitter) History(ctx context.Context, epicID string) ([]checkpoint.Checkpoint, error) {
	return c.next.History(ctx, epicID)
}

var errCrashed = errors.New("process crashed")
