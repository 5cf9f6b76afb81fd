package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrompt(t *testing.T) {
	assert.Equal(t, "/speckit.plan", Prompt("speckit.plan", ""))
	assert.Equal(t, "/speckit.clarify --epic=42", Prompt("speckit.clarify", "--epic=42"))
}

func TestExecGateway_SubstitutesPlaceholders(t *testing.T) {
	g := NewExecGateway("sh", []string{"-c", `printf '%s|%s|%s' "$0" "$1" "$2"`, "{skill}", "{args}", "{prompt}"}, t.TempDir())

	r, err := g.Invoke(context.Background(), "speckit.plan", "--epic=42")
	require.NoError(t, err)
	assert.Equal(t, "speckit.plan|--epic=42|/speckit.plan --epic=42", r.Text)
}

func TestExecGateway_DefaultArgvIsPrompt(t *testing.T) {
	g := NewExecGateway("echo", nil, "")

	r, err := g.Invoke(context.Background(), "speckit.specify", "--epic=7")
	require.NoError(t, err)
	assert.Equal(t, "/speckit.specify --epic=7\n", r.Text)
}

func TestExecGateway_MutatesWorkingDir(t *testing.T) {
	dir := t.TempDir()
	g := NewExecGateway("sh", []string{"-c", "echo done > out.md"}, dir)

	_, err := g.Invoke(context.Background(), "s", "")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "out.md"))
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(data))
}

func TestExecGateway_Env(t *testing.T) {
	g := NewExecGateway("sh", []string{"-c", `printf '%s' "$EPICFLOW_TEST_VALUE"`}, "")
	g.Env = map[string]string{"EPICFLOW_TEST_VALUE": "hello"}

	r, err := g.Invoke(context.Background(), "s", "")
	require.NoError(t, err)
	assert.Equal(t, "hello", r.Text)
}

func TestExecGateway_NonZeroExit(t *testing.T) {
	g := NewExecGateway("sh", []string{"-c", "echo boom >&2; exit 3"}, "")

	_, err := g.Invoke(context.Background(), "s", "")
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, "boom", exitErr.Stderr)
	assert.NotErrorIs(t, err, ErrAgentUnavailable)
}

func TestExecGateway_MissingBinary(t *testing.T) {
	g := NewExecGateway("epicflow-no-such-agent-binary", nil, "")

	_, err := g.Invoke(context.Background(), "s", "")
	assert.ErrorIs(t, err, ErrAgentUnavailable)
}

func TestExecGateway_NoCommand(t *testing.T) {
	_, err := (&ExecGateway{}).Invoke(context.Background(), "s", "")
	assert.ErrorIs(t, err, ErrAgentUnavailable)
}

func TestExecGateway_Deadline(t *testing.T) {
	g := NewExecGateway("sleep", []string{"5"}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := g.Invoke(ctx, "s", "")
	assert.ErrorIs(t, err, ErrAgentTimeout)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestWithTimeout(t *testing.T) {
	t.Run("passes through fast calls", func(t *testing.T) {
		g := WithTimeout(Func(func(ctx context.Context, skill, args string) (Report, error) {
			return Report{Text: skill + " " + args}, nil
		}), time.Second)

		r, err := g.Invoke(context.Background(), "a", "b")
		require.NoError(t, err)
		assert.Equal(t, "a b", r.Text)
	})

	t.Run("waits for a gateway that ignores its context", func(t *testing.T) {
		dir := t.TempDir()
		out := filepath.Join(dir, "spec.md")
		g := WithTimeoutGrace(Func(func(ctx context.Context, skill, args string) (Report, error) {
			time.Sleep(100 * time.Millisecond)
			return Report{}, os.WriteFile(out, []byte("late"), 0o644)
		}), 20*time.Millisecond, 5*time.Second)

		_, err := g.Invoke(context.Background(), "a", "")
		assert.ErrorIs(t, err, ErrAgentTimeout)
		data, rerr := os.ReadFile(out)
		require.NoError(t, rerr, "late mutation must be visible when Invoke returns")
		assert.Equal(t, "late", string(data))
	})

	t.Run("abandons a gateway after the grace period", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		g := WithTimeoutGrace(Func(func(ctx context.Context, skill, args string) (Report, error) {
			<-release
			return Report{}, nil
		}), 20*time.Millisecond, 20*time.Millisecond)

		start := time.Now()
		_, err := g.Invoke(context.Background(), "a", "")
		assert.ErrorIs(t, err, ErrAgentTimeout)
		assert.Contains(t, err.Error(), "abandoned")
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("maps deadline errors from the gateway", func(t *testing.T) {
		g := WithTimeout(Func(func(ctx context.Context, skill, args string) (Report, error) {
			<-ctx.Done()
			return Report{}, ctx.Err()
		}), 20*time.Millisecond)

		_, err := g.Invoke(context.Background(), "a", "")
		assert.ErrorIs(t, err, ErrAgentTimeout)
	})

	t.Run("keeps gateway errors", func(t *testing.T) {
		boom := errors.New("boom")
		g := WithTimeout(Func(func(ctx context.Context, skill, args string) (Report, error) {
			return Report{}, boom
		}), time.Second)

		_, err := g.Invoke(context.Background(), "a", "")
		assert.ErrorIs(t, err, boom)
	})

	t.Run("zero timeout is identity", func(t *testing.T) {
		f := Func(func(ctx context.Context, skill, args string) (Report, error) { return Report{}, nil })
		g := WithTimeout(f, 0)
		_, ok := g.(Func)
		assert.True(t, ok)
	})
}
