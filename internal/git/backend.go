package git

import (
	"context"
	"strings"
)

// Op names a repository operation.
type Op string

const (
	OpClone     Op = "clone"
	OpAddRemote Op = "remote_add"
	OpPull      Op = "pull"
	OpPush      Op = "push"
)

// Outcome reports how one operation ended. Output is kept for logs only;
// callers branch on ExitStatus.
type Outcome struct {
	Op         Op
	ExitStatus int
	Output     string
	Err        error
}

// OK reports a zero exit status.
func (o Outcome) OK() bool {
	return o.ExitStatus == 0 && o.Err == nil
}

// Backend performs the deploy operations against a working copy at dir.
type Backend interface {
	Clone(ctx context.Context, originURL, dir string) Outcome
	AddRemote(ctx context.Context, dir, name, url string) Outcome
	Pull(ctx context.Context, dir, branch string) Outcome
	Push(ctx context.Context, dir, remote, branch string) Outcome
}

// CLI drives the git binary through a Runner, one invocation per operation.
type CLI struct {
	runner Runner
	binary string
}

// NewCLI returns a backend invoking binary (default "git") through runner.
func NewCLI(runner Runner, binary string) *CLI {
	if strings.TrimSpace(binary) == "" {
		binary = "git"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &CLI{runner: runner, binary: binary}
}

// Clone runs `git clone <origin> <dir>`.
func (c *CLI) Clone(ctx context.Context, originURL, dir string) Outcome {
	return c.run(ctx, OpClone, Command{Name: c.binary, Args: []string{"clone", originURL, dir}})
}

// AddRemote runs `git remote add <name> <url>` inside dir.
func (c *CLI) AddRemote(ctx context.Context, dir, name, url string) Outcome {
	return c.run(ctx, OpAddRemote, Command{Dir: dir, Name: c.binary, Args: []string{"remote", "add", name, url}})
}

// Pull runs `git pull origin <branch>` inside dir.
func (c *CLI) Pull(ctx context.Context, dir, branch string) Outcome {
	return c.run(ctx, OpPull, Command{Dir: dir, Name: c.binary, Args: []string{"pull", "origin", branch}})
}

// Push runs `git push <remote> <branch> --force` inside dir.
func (c *CLI) Push(ctx context.Context, dir, remote, branch string) Outcome {
	return c.run(ctx, OpPush, Command{Dir: dir, Name: c.binary, Args: []string{"push", remote, branch, "--force"}})
}

func (c *CLI) run(ctx context.Context, op Op, cmd Command) Outcome {
	res := c.runner.Run(ctx, cmd)
	output := strings.TrimSpace(res.Stderr)
	if output == "" {
		output = strings.TrimSpace(res.Stdout)
	}
	return Outcome{Op: op, ExitStatus: res.ExitStatus, Output: output, Err: res.Err}
}
