// Package agent is the boundary to the external coding agent. The agent is a
// black box: it receives a skill name and an argument string, mutates
// artifacts as a side effect, and returns a free-text report. Every
// mutation is visible by the time Invoke returns.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAgentUnavailable means the agent could not be started or reached.
	ErrAgentUnavailable = errors.New("agent unavailable")
	// ErrAgentTimeout means the invocation exceeded its deadline.
	ErrAgentTimeout = errors.New("agent timeout")
)

// Report is the agent's free-text result.
type Report struct {
	Text     string
	Duration time.Duration
}

// Gateway invokes one skill. Implementations must not retry; retry policy
// belongs to the orchestrator.
type Gateway interface {
	Invoke(ctx context.Context, skill, args string) (Report, error)
}

// Func adapts a function to Gateway.
type Func func(ctx context.Context, skill, args string) (Report, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, skill, args string) (Report, error) {
	return f(ctx, skill, args)
}

// ExitError reports a non-zero exit of the agent process.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("agent exited with code %d: %s", e.Code, e.Stderr)
	}
	return fmt.Sprintf("agent exited with code %d", e.Code)
}

// DefaultGrace is how long WithTimeout waits for a gateway that ignores its
// cancelled context before abandoning the call.
const DefaultGrace = 10 * time.Second

type timeoutGateway struct {
	next    Gateway
	timeout time.Duration
	grace   time.Duration
}

// WithTimeout bounds every invocation of next with DefaultGrace. A timeout
// <= 0 returns next unchanged.
func WithTimeout(next Gateway, timeout time.Duration) Gateway {
	return WithTimeoutGrace(next, timeout, DefaultGrace)
}

// WithTimeoutGrace bounds every invocation of next. When ctx is done the
// call keeps waiting up to grace for next to return, so mutations made
// while next winds down are visible when Invoke returns. A call still
// running after grace is abandoned: it may keep writing artifacts after
// Invoke has returned ErrAgentTimeout.
func WithTimeoutGrace(next Gateway, timeout, grace time.Duration) Gateway {
	if timeout <= 0 {
		return next
	}
	return &timeoutGateway{next: next, timeout: timeout, grace: grace}
}

type invokeResult struct {
	report Report
	err    error
}

func (g *timeoutGateway) Invoke(ctx context.Context, skill, args string) (Report, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		r, err := g.next.Invoke(ctx, skill, args)
		done <- invokeResult{report: r, err: err}
	}()

	var res invokeResult
	select {
	case res = <-done:
	case <-ctx.Done():
		grace := time.NewTimer(g.grace)
		defer grace.Stop()
		select {
		case res = <-done:
		case <-grace.C:
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Report{}, fmt.Errorf("%w after %s, abandoned after %s grace", ErrAgentTimeout, g.timeout, g.grace)
			}
			return Report{}, ctx.Err()
		}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(res.err, ErrAgentTimeout) {
		if res.err == nil {
			return res.report, fmt.Errorf("%w after %s", ErrAgentTimeout, g.timeout)
		}
		return res.report, fmt.Errorf("%w after %s: %v", ErrAgentTimeout, g.timeout, res.err)
	}
	return res.report, res.err
}
