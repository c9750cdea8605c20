package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/autodeploy/internal/deployconf"
	"github.com/splax/autodeploy/internal/git"
	"github.com/splax/autodeploy/internal/workspace"
)

// DefaultStageTimeout bounds a single git operation.
const DefaultStageTimeout = 2 * time.Minute

var (
	// ErrStageTimeout marks a stage that did not finish within its deadline.
	ErrStageTimeout = errors.New("deploy: stage timed out")
	// ErrPushFailed marks a non-zero exit from the final push.
	ErrPushFailed = errors.New("deploy: push failed")
	// ErrStageAborted marks a stage failure under the abort policy.
	ErrStageAborted = errors.New("deploy: stage failed under abort policy")
)

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	StageTimeout time.Duration
	Policy       deployconf.StagePolicy
	Logger       *slog.Logger
	Observers    []StageObserver
}

// Orchestrator drives the clone, remote setup or pull, and push sequence.
type Orchestrator struct {
	backend      git.Backend
	workspace    *workspace.Manager
	stageTimeout time.Duration
	policy       deployconf.StagePolicy
	logger       *slog.Logger
	observers    []StageObserver
}

// NewOrchestrator wires a backend to the working copies in ws.
func NewOrchestrator(backend git.Backend, ws *workspace.Manager, opts OrchestratorOptions) *Orchestrator {
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = DefaultStageTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy.RemoteSetup == "" {
		opts.Policy.RemoteSetup = deployconf.PolicyTolerate
	}
	if opts.Policy.Pull == "" {
		opts.Policy.Pull = deployconf.PolicyTolerate
	}
	return &Orchestrator{
		backend:      backend,
		workspace:    ws,
		stageTimeout: opts.StageTimeout,
		policy:       opts.Policy,
		logger:       opts.Logger,
		observers:    append([]StageObserver(nil), opts.Observers...),
	}
}

// Deploy runs one attempt to completion. Stages run strictly in sequence and
// each invokes the backend exactly once. Only the push decides success,
// unless a stage times out or fails under the abort policy.
func (o *Orchestrator) Deploy(ctx context.Context, a Attempt) Result {
	started := time.Now()
	res := Result{AttemptID: a.ID}
	finish := func(state State, err error) Result {
		res.State = state
		res.Err = err
		res.Duration = time.Since(started)
		return res
	}

	dir, err := o.workspace.Path(a.Repository)
	if err != nil {
		return finish(StateFailed, err)
	}
	log := o.logger.With("attempt_id", a.ID, "repository", a.Repository, "ref", a.Ref)

	clone := o.stage(ctx, a, git.OpClone, func(ctx context.Context) git.Outcome {
		return o.backend.Clone(ctx, a.OriginURL, dir)
	})
	if clone.timedOut {
		res.Steps = append(res.Steps, clone)
		return finish(StateFailed, stageTimeout(ctx, git.OpClone))
	}

	if clone.ExitStatus == 0 {
		res.Path = PathFreshClone
		res.Steps = append(res.Steps, clone)
		log.Debug("repository cloned", "dir", dir)

		remote := o.stage(ctx, a, git.OpAddRemote, func(ctx context.Context) git.Outcome {
			return o.backend.AddRemote(ctx, dir, a.RemoteName, a.DeployURL)
		})
		if err := o.settle(ctx, log, &remote, o.policy.RemoteSetup); err != nil {
			res.Steps = append(res.Steps, remote)
			return finish(StateFailed, err)
		}
		res.Steps = append(res.Steps, remote)
	} else {
		clone.Tolerated = true
		res.Path = PathExistingCopy
		res.Steps = append(res.Steps, clone)
		log.Debug("clone failed, using existing working copy", "exit_status", clone.ExitStatus, "output", clone.Output)

		pull := o.stage(ctx, a, git.OpPull, func(ctx context.Context) git.Outcome {
			return o.backend.Pull(ctx, dir, a.Branch)
		})
		if err := o.settle(ctx, log, &pull, o.policy.Pull); err != nil {
			res.Steps = append(res.Steps, pull)
			return finish(StateFailed, err)
		}
		res.Steps = append(res.Steps, pull)
	}

	push := o.stage(ctx, a, git.OpPush, func(ctx context.Context) git.Outcome {
		return o.backend.Push(ctx, dir, a.RemoteName, a.Branch)
	})
	res.Steps = append(res.Steps, push)
	switch {
	case push.OK():
		return finish(StateDone, nil)
	case push.timedOut:
		return finish(StateFailed, stageTimeout(ctx, git.OpPush))
	default:
		return finish(StateFailed, fmt.Errorf("%w: exit status %d: %s", ErrPushFailed, push.ExitStatus, firstNonEmpty(push.Error, push.Output)))
	}
}

// settle applies the stage policy to an intermediate step. A nil return means
// the attempt carries on.
func (o *Orchestrator) settle(ctx context.Context, log *slog.Logger, step *Step, policy deployconf.Policy) error {
	if step.OK() {
		return nil
	}
	if step.timedOut {
		return stageTimeout(ctx, step.Stage)
	}
	if policy == deployconf.PolicyAbort {
		log.Error("stage failed", "stage", step.Stage, "exit_status", step.ExitStatus, "output", step.Output, "policy", policy)
		return fmt.Errorf("%w: %s exited with status %d", ErrStageAborted, step.Stage, step.ExitStatus)
	}
	step.Tolerated = true
	log.Warn("stage failed, continuing to push", "stage", step.Stage, "exit_status", step.ExitStatus, "output", step.Output, "policy", policy)
	return nil
}

func (o *Orchestrator) stage(ctx context.Context, a Attempt, op git.Op, fn func(context.Context) git.Outcome) Step {
	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()

	started := time.Now()
	out := fn(stageCtx)
	elapsed := time.Since(started)

	step := Step{
		Stage:      op,
		ExitStatus: out.ExitStatus,
		Output:     out.Output,
		Duration:   elapsed,
		DurationMS: elapsed.Milliseconds(),
	}
	if out.Err != nil {
		step.Error = out.Err.Error()
		if out.ExitStatus == 0 {
			step.ExitStatus = -1
		}
	}
	if err := stageCtx.Err(); err != nil && !step.OK() {
		step.timedOut = true
		step.Error = firstNonEmpty(step.Error, err.Error())
		step.ExitStatus = -1
	}
	o.logger.Debug("stage completed",
		"attempt_id", a.ID,
		"repository", a.Repository,
		"stage", op,
		"exit_status", step.ExitStatus,
		"duration_ms", step.DurationMS,
	)
	for _, obs := range o.observers {
		obs.StageCompleted(a, step)
	}
	return step
}

// stageTimeout also covers cancellation of the whole attempt, which ends the
// running stage the same way.
func stageTimeout(ctx context.Context, op git.Op) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStageTimeout, op, err)
	}
	return fmt.Errorf("%w: %s", ErrStageTimeout, op)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
