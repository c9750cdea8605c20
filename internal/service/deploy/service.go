package deploy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/autodeploy/internal/deployconf"
	"github.com/splax/autodeploy/internal/domain"
	"github.com/splax/autodeploy/internal/event"
	"github.com/splax/autodeploy/internal/hooks"
	"github.com/splax/autodeploy/internal/lock"
	"github.com/splax/autodeploy/internal/repository"
)

// DefaultLockWait bounds how long a queued attempt waits for its repository.
const DefaultLockWait = 10 * time.Minute

// ErrShuttingDown is returned by Dispatch once Wait has been called.
var ErrShuttingDown = errors.New("deploy: service is shutting down")

// Outcome classifies what Dispatch did with an event.
type Outcome string

const (
	OutcomeQueued       Outcome = "queued"
	OutcomeNoRepository Outcome = "no_repository"
	OutcomeNoTarget     Outcome = "no_target"
	OutcomeNotTriggered Outcome = "not_triggered"
)

// Decision is returned to the webhook caller before any deploy work starts.
type Decision struct {
	Outcome    Outcome        `json:"status"`
	AttemptID  string         `json:"attempt_id,omitempty"`
	Repository string         `json:"repository,omitempty"`
	Ref        string         `json:"ref,omitempty"`
	Mismatches []hooks.Result `json:"mismatches,omitempty"`
}

// Options configures a Service.
type Options struct {
	LockWait  time.Duration
	Logger    *slog.Logger
	Metrics   *Metrics
	Observers []StageObserver
	Now       func() time.Time
}

// Service resolves events, evaluates hooks and runs attempts in the
// background.
type Service struct {
	cfg          *deployconf.Config
	orchestrator *Orchestrator
	locker       lock.Locker
	deployments  repository.DeploymentRepository
	logger       *slog.Logger
	metrics      *Metrics
	observers    []StageObserver
	lockWait     time.Duration
	now          func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

// New returns a deploy service.
func New(cfg *deployconf.Config, orchestrator *Orchestrator, locker lock.Locker, deployments repository.DeploymentRepository, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LockWait <= 0 {
		opts.LockWait = DefaultLockWait
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:          cfg,
		orchestrator: orchestrator,
		locker:       locker,
		deployments:  deployments,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		observers:    append([]StageObserver(nil), opts.Observers...),
		lockWait:     opts.LockWait,
		now:          opts.Now,
		baseCtx:      ctx,
		cancel:       cancel,
	}
}

// Evaluate resolves p against cfg and checks the target's hooks without
// queuing anything. Repository and target are returned when resolved.
func Evaluate(cfg *deployconf.Config, p event.Payload) (Decision, *deployconf.Repository, *deployconf.Target) {
	decision := Decision{Repository: p.RepositoryName, Ref: p.Ref}
	repo, target, err := cfg.Resolve(p.RepositoryName, p.Ref)
	switch {
	case errors.Is(err, deployconf.ErrRepositoryNotFound):
		decision.Outcome = OutcomeNoRepository
		return decision, nil, nil
	case errors.Is(err, deployconf.ErrTargetNotFound):
		decision.Outcome = OutcomeNoTarget
		return decision, repo, nil
	}
	eval := hooks.Evaluate(p.Raw, target.Hooks)
	if !eval.Triggered {
		decision.Outcome = OutcomeNotTriggered
		decision.Mismatches = eval.Mismatches()
		return decision, repo, target
	}
	decision.Outcome = OutcomeQueued
	return decision, repo, target
}

// Dispatch decides whether p warrants a deploy and, if so, starts one in the
// background. It never waits for the deploy itself.
func (s *Service) Dispatch(ctx context.Context, p event.Payload) (Decision, error) {
	decision, repo, target := Evaluate(s.cfg, p)
	log := s.logger.With("repository", p.RepositoryName, "ref", p.Ref)

	switch decision.Outcome {
	case OutcomeNoRepository:
		log.Info("no repository configured for event")
	case OutcomeNoTarget:
		log.Info("no target configured for ref")
	case OutcomeNotTriggered:
		for _, m := range decision.Mismatches {
			log.Debug("hook did not match", "path", m.Path, "expected", m.Expected, "actual", m.Actual, "present", m.Present)
		}
		log.Warn("event did not meet the target's hook requirements")
	}
	if decision.Outcome != OutcomeQueued {
		s.metrics.recordDecision(decision.Outcome)
		return decision, nil
	}

	summary := p.Summary()
	attempt := Attempt{
		ID:            uuid.NewString(),
		Repository:    repo.Name,
		Ref:           p.Ref,
		OriginURL:     p.RepositoryURL,
		RemoteName:    s.cfg.DeployRemoteName,
		DeployURL:     target.DeployURL,
		Branch:        s.cfg.BranchFor(target),
		CommitMessage: summary.CommitMessage,
		CommitAuthor:  summary.CommitAuthor,
		ReceivedAt:    s.now().UTC(),
	}
	decision.AttemptID = attempt.ID

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return Decision{}, ErrShuttingDown
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	s.metrics.recordDecision(decision.Outcome)
	s.metrics.trackInFlight(1)
	s.record(ctx, attempt)
	log.Info("deploy queued", "attempt_id", attempt.ID)

	go s.run(attempt)
	return decision, nil
}

func (s *Service) record(ctx context.Context, a Attempt) {
	if s.deployments == nil {
		return
	}
	d := &domain.Deployment{
		ID:            a.ID,
		Repository:    a.Repository,
		Ref:           a.Ref,
		TargetURL:     a.DeployURL,
		CommitMessage: a.CommitMessage,
		CommitAuthor:  a.CommitAuthor,
		Status:        domain.DeploymentRunning,
		StartedAt:     a.ReceivedAt,
	}
	if err := s.deployments.CreateDeployment(context.WithoutCancel(ctx), d); err != nil {
		s.logger.Error("recording deployment failed", "attempt_id", a.ID, "error", err)
	}
}

func (s *Service) run(a Attempt) {
	defer s.inflight.Done()
	defer s.metrics.trackInFlight(-1)

	log := s.logger.With("attempt_id", a.ID, "repository", a.Repository, "ref", a.Ref)

	waitCtx, cancel := context.WithTimeout(s.baseCtx, s.lockWait)
	waitStarted := time.Now()
	release, err := s.locker.Acquire(waitCtx, a.Repository)
	cancel()
	s.metrics.recordLockWait(time.Since(waitStarted))
	if err != nil {
		log.Error("could not acquire repository lock", "error", err)
		s.finish(a, Result{AttemptID: a.ID, State: StateFailed, Err: err})
		return
	}
	defer release()

	log.Info("attempting to deploy branch",
		"branch", a.Branch,
		"commit_message", a.CommitMessage,
		"commit_author", a.CommitAuthor,
	)
	res := s.orchestrator.Deploy(s.baseCtx, a)
	if res.Succeeded() {
		log.Info("deployed successfully", "path", res.Path, "duration_ms", res.Duration.Milliseconds())
	} else {
		log.Error("deploy failed", "path", res.Path, "error", res.Err, "duration_ms", res.Duration.Milliseconds())
	}
	s.finish(a, res)
}

func (s *Service) finish(a Attempt, res Result) {
	if s.deployments != nil {
		status := domain.DeploymentSuccess
		if !res.Succeeded() {
			status = domain.DeploymentFailed
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.deployments.CompleteDeployment(ctx, domain.DeploymentCompletion{
			DeploymentID: a.ID,
			Status:       status,
			Path:         string(res.Path),
			Steps:        res.stepsJSON(),
			Error:        res.Error(),
			CompletedAt:  s.now().UTC(),
		})
		cancel()
		if err != nil {
			s.logger.Error("recording deployment result failed", "attempt_id", a.ID, "error", err)
		}
	}
	s.metrics.AttemptFinished(a, res)
	for _, obs := range s.observers {
		if ro, ok := obs.(ResultObserver); ok {
			ro.AttemptFinished(a, res)
		}
	}
}

// Wait stops accepting events and blocks until in-flight attempts finish. If
// ctx ends first, running stages are cancelled and ctx's error is returned
// once they unwind.
func (s *Service) Wait(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// List returns recent deployments, newest first.
func (s *Service) List(ctx context.Context, repositoryName string, limit int) ([]domain.Deployment, error) {
	if s.deployments == nil {
		return nil, nil
	}
	return s.deployments.ListDeployments(ctx, repositoryName, limit)
}

// Get returns one deployment by attempt ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	if s.deployments == nil {
		return nil, repository.ErrNotFound
	}
	return s.deployments.GetDeployment(ctx, id)
}
