package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/autodeploy/internal/deployconf"
	"github.com/splax/autodeploy/internal/domain"
	"github.com/splax/autodeploy/internal/event"
	"github.com/splax/autodeploy/internal/git"
	"github.com/splax/autodeploy/internal/lock"
	"github.com/splax/autodeploy/internal/repository"
	"github.com/splax/autodeploy/internal/repository/memory"
)

const testConfig = `{
	"deploy_remote_name": "deploy",
	"repositories": [
		{
			"name": "app",
			"targets": [
				{"ref": "refs/heads/main", "deploy_url": "git@y/app.git", "hooks": {"build_status": "success"}}
			]
		}
	]
}`

func loadConfig(t *testing.T) *deployconf.Config {
	t.Helper()
	cfg, err := deployconf.Parse([]byte(testConfig), deployconf.FormatJSON)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func payload(t *testing.T, ref, status string) event.Payload {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"repository":   map[string]any{"name": "app", "url": "git@x/app.git"},
		"ref":          ref,
		"build_status": status,
		"commit":       map[string]any{"message": "fix login", "author_name": "Sam"},
	})
	p, err := event.Parse(body)
	if err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	return p
}

type harness struct {
	svc     *Service
	backend *fakeBackend
	history *memory.Repository
	stream  *recordingBroadcaster
	reg     *prometheus.Registry
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []StreamEvent
}

func (r *recordingBroadcaster) Broadcast(_ string, payload []byte) {
	var ev StreamEvent
	_ = json.Unmarshal(payload, &ev)
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingBroadcaster) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newHarness(t *testing.T, locker lock.Locker) *harness {
	t.Helper()
	return newHarnessWithHistory(t, locker, 50)
}

func newHarnessWithHistory(t *testing.T, locker lock.Locker, capacity int) *harness {
	t.Helper()
	backend := newFakeBackend()
	history := memory.New(capacity)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	stream := &recordingBroadcaster{}
	streamObs := NewStream(stream, quietLogger())
	orch := NewOrchestrator(backend, newWorkspace(t), OrchestratorOptions{
		Logger:    quietLogger(),
		Observers: []StageObserver{metrics, streamObs},
	})
	svc := New(loadConfig(t), orch, locker, history, Options{
		Logger:    quietLogger(),
		Metrics:   metrics,
		Observers: []StageObserver{streamObs},
		LockWait:  time.Second,
	})
	return &harness{svc: svc, backend: backend, history: history, stream: stream, reg: reg}
}

// counterValue sums the named counter's series whose labels include want.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue series
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func waitIdle(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestDispatchQueuesAndDeploys(t *testing.T) {
	h := newHarness(t, nil)

	decision, err := h.svc.Dispatch(context.Background(), payload(t, "refs/heads/main", "success"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if decision.Outcome != OutcomeQueued || decision.AttemptID == "" {
		t.Fatalf("expected queued decision, got %+v", decision)
	}
	waitIdle(t, h.svc)

	want := []git.Op{git.OpClone, git.OpAddRemote, git.OpPush}
	if got := h.backend.ops(); !sameOps(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	d, err := h.svc.Get(context.Background(), decision.AttemptID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Status != domain.DeploymentSuccess || d.Path != string(PathFreshClone) || d.CompletedAt == nil {
		t.Fatalf("unexpected history: %+v", d)
	}
	if d.CommitMessage != "fix login" || d.CommitAuthor != "Sam" {
		t.Fatalf("commit summary not recorded: %+v", d)
	}
	var steps []Step
	if err := json.Unmarshal(d.Steps, &steps); err != nil || len(steps) != 3 {
		t.Fatalf("expected 3 recorded steps, got %s (%v)", d.Steps, err)
	}

	types := h.stream.types()
	if len(types) != 4 || types[3] != "result" {
		t.Fatalf("expected three step events and a result, got %v", types)
	}

	if n := counterValue(t, h.reg, "autodeploy_deploy_attempts_total", map[string]string{"repository": "app", "state": "done", "path": "fresh_clone"}); n != 1 {
		t.Fatalf("expected one done attempt counted, got %v", n)
	}
	if n := counterValue(t, h.reg, "autodeploy_webhook_events_total", map[string]string{"outcome": "queued"}); n != 1 {
		t.Fatalf("expected one queued event counted, got %v", n)
	}
}

func TestBurstLargerThanHistoryKeepsEveryResult(t *testing.T) {
	h := newHarnessWithHistory(t, nil, 2)
	// Keep the first attempt running until every event has been accepted.
	h.backend.delay = 30 * time.Millisecond

	var ids []string
	for i := 0; i < 3; i++ {
		decision, err := h.svc.Dispatch(context.Background(), payload(t, "refs/heads/main", "success"))
		if err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
		ids = append(ids, decision.AttemptID)
	}
	waitIdle(t, h.svc)

	for _, id := range ids {
		d, err := h.svc.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("attempt %s lost from history: %v", id, err)
		}
		if d.Status != domain.DeploymentSuccess {
			t.Fatalf("attempt %s recorded as %s", id, d.Status)
		}
	}
}

func TestDispatchNotTriggered(t *testing.T) {
	h := newHarness(t, nil)
	decision, err := h.svc.Dispatch(context.Background(), payload(t, "refs/heads/main", "failed"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if decision.Outcome != OutcomeNotTriggered || decision.AttemptID != "" {
		t.Fatalf("expected not_triggered, got %+v", decision)
	}
	if len(decision.Mismatches) != 1 || decision.Mismatches[0].Path != "build_status" {
		t.Fatalf("expected build_status mismatch, got %+v", decision.Mismatches)
	}
	waitIdle(t, h.svc)
	if len(h.backend.ops()) != 0 {
		t.Fatalf("orchestrator must not run")
	}
}

func TestDispatchNoTargetAndNoRepository(t *testing.T) {
	h := newHarness(t, nil)
	decision, _ := h.svc.Dispatch(context.Background(), payload(t, "refs/heads/dev", "success"))
	if decision.Outcome != OutcomeNoTarget {
		t.Fatalf("expected no_target, got %s", decision.Outcome)
	}

	p := payload(t, "refs/heads/main", "success")
	p.RepositoryName = "other"
	decision, _ = h.svc.Dispatch(context.Background(), p)
	if decision.Outcome != OutcomeNoRepository {
		t.Fatalf("expected no_repository, got %s", decision.Outcome)
	}
	waitIdle(t, h.svc)
	if len(h.backend.ops()) != 0 {
		t.Fatalf("orchestrator must not run")
	}
	list, _ := h.svc.List(context.Background(), "", 10)
	if len(list) != 0 {
		t.Fatalf("no history expected, got %d", len(list))
	}
}

func TestDispatchSerializesSameRepository(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.delay = 10 * time.Millisecond

	for i := 0; i < 3; i++ {
		if _, err := h.svc.Dispatch(context.Background(), payload(t, "refs/heads/main", "success")); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	waitIdle(t, h.svc)

	if peak := h.backend.peak(); peak != 1 {
		t.Fatalf("expected one operation at a time on the working copy, saw %d", peak)
	}
	list, err := h.svc.List(context.Background(), "app", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	fresh := 0
	for _, d := range list {
		if d.Status != domain.DeploymentSuccess {
			t.Fatalf("expected all attempts to succeed, got %+v", d)
		}
		if d.Path == string(PathFreshClone) {
			fresh++
		}
	}
	if len(list) != 3 || fresh != 1 {
		t.Fatalf("expected exactly one fresh clone among 3 attempts, got %d of %d", fresh, len(list))
	}
}

type failingLocker struct{}

func (failingLocker) Acquire(context.Context, string) (func(), error) {
	return nil, lock.ErrLockTimeout
}

func TestDispatchLockTimeoutRecordsFailure(t *testing.T) {
	h := newHarness(t, failingLocker{})
	decision, err := h.svc.Dispatch(context.Background(), payload(t, "refs/heads/main", "success"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitIdle(t, h.svc)

	d, err := h.svc.Get(context.Background(), decision.AttemptID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Status != domain.DeploymentFailed || d.Error == "" {
		t.Fatalf("expected failed deployment with error, got %+v", d)
	}
	if len(h.backend.ops()) != 0 {
		t.Fatalf("orchestrator must not run without the lock")
	}
}

func TestDispatchAfterWaitIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	waitIdle(t, h.svc)
	if _, err := h.svc.Dispatch(context.Background(), payload(t, "refs/heads/main", "success")); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestWaitCancelsRunningStages(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.block[git.OpAddRemote] = true

	decision, err := h.svc.Dispatch(context.Background(), payload(t, "refs/heads/main", "success"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.svc.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline from Wait, got %v", err)
	}
	d, err := h.svc.Get(context.Background(), decision.AttemptID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Status != domain.DeploymentFailed {
		t.Fatalf("cancelled attempt should be failed, got %+v", d)
	}
}

func TestGetUnknownDeployment(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.svc.Get(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
