// Package git runs the repository operations a deploy needs: clone, remote
// add, pull, and force push. Operations report an exit status rather than an
// error so callers can branch on "already exists" style failures.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Command is a single process invocation.
type Command struct {
	Dir  string
	Name string
	Args []string
}

// String renders the command the way it would be typed in a shell.
func (c Command) String() string {
	parts := append([]string{c.Name}, c.Args...)
	if c.Dir != "" {
		return fmt.Sprintf("cd %s && %s", c.Dir, strings.Join(parts, " "))
	}
	return strings.Join(parts, " ")
}

// Result is the observable outcome of a Command. Err is set when the process
// could not be started or was killed by its context; ExitStatus is -1 then.
type Result struct {
	ExitStatus int
	Stdout     string
	Stderr     string
	Err        error
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) Result
}

// ExecRunner runs commands as child processes.
type ExecRunner struct {
	Env []string
}

// Run starts cmd and waits for it to exit or for ctx to end.
func (r ExecRunner) Run(ctx context.Context, cmd Command) Result {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	// Prevent git from prompting for credentials interactively.
	c.Env = append(append(os.Environ(), "GIT_TERMINAL_PROMPT=0"), r.Env...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitStatus = -1
		res.Err = fmt.Errorf("%s: %w", cmd.Name, ctxErr)
		return res
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitStatus = 0
	case errors.As(err, &exitErr):
		res.ExitStatus = exitErr.ExitCode()
	default:
		res.ExitStatus = -1
		res.Err = err
	}
	return res
}
