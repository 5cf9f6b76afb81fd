package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"time"
)

// Placeholders substituted in ExecGateway arguments.
const (
	PlaceholderSkill  = "{skill}"
	PlaceholderArgs   = "{args}"
	PlaceholderPrompt = "{prompt}"
)

// ExecGateway runs the agent as a local process, e.g.
//
//	claude -p "{prompt}"
//
// Stdout becomes the report text.
type ExecGateway struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string

	// WaitDelay bounds how long Wait blocks on pipes after the process is
	// killed.
	WaitDelay time.Duration
}

// NewExecGateway returns a gateway running command with args in dir.
func NewExecGateway(command string, args []string, dir string) *ExecGateway {
	return &ExecGateway{
		Command:   command,
		Args:      append([]string(nil), args...),
		Dir:       dir,
		WaitDelay: 5 * time.Second,
	}
}

// Prompt renders a skill call as the slash command an interactive agent
// accepts.
func Prompt(skill, args string) string {
	if args == "" {
		return "/" + skill
	}
	return "/" + skill + " " + args
}

// Invoke runs the agent process and waits for it.
func (g *ExecGateway) Invoke(ctx context.Context, skill, args string) (Report, error) {
	if g.Command == "" {
		return Report{}, fmt.Errorf("%w: no agent command configured", ErrAgentUnavailable)
	}

	prompt := Prompt(skill, args)
	replacer := strings.NewReplacer(
		PlaceholderSkill, skill,
		PlaceholderArgs, args,
		PlaceholderPrompt, prompt,
	)
	argv := make([]string, len(g.Args))
	for i, a := range g.Args {
		argv[i] = replacer.Replace(a)
	}
	if len(argv) == 0 {
		argv = []string{prompt}
	}

	cmd := exec.CommandContext(ctx, g.Command, argv...)
	cmd.Dir = g.Dir
	cmd.WaitDelay = g.WaitDelay
	if len(g.Env) > 0 {
		cmd.Env = cmd.Environ()
		for k, v := range g.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	report := Report{Text: stdout.String(), Duration: time.Since(start)}

	if err == nil {
		return report, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return report, fmt.Errorf("%w: %s %s", ErrAgentTimeout, g.Command, skill)
		}
		return report, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return report, &ExitError{Code: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return report, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
	return report, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
}
