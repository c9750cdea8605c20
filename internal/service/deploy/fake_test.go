package deploy

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/splax/autodeploy/internal/git"
	"github.com/splax/autodeploy/internal/workspace"
)

type call struct {
	Op   git.Op
	Args []string
}

// fakeBackend emulates git against the workspace directory: clone creates the
// directory and fails when it already exists.
type fakeBackend struct {
	mu       sync.Mutex
	calls    []call
	status   map[git.Op]int
	block    map[git.Op]bool
	delay    time.Duration
	active   map[string]int
	maxPerWC int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		status: make(map[git.Op]int),
		block:  make(map[git.Op]bool),
		active: make(map[string]int),
	}
}

func (f *fakeBackend) do(ctx context.Context, op git.Op, dir string, args ...string) git.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, call{Op: op, Args: append([]string{dir}, args...)})
	f.active[dir]++
	if f.active[dir] > f.maxPerWC {
		f.maxPerWC = f.active[dir]
	}
	blocked := f.block[op]
	status := f.status[op]
	delay := f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active[dir]--
		f.mu.Unlock()
	}()

	if blocked {
		<-ctx.Done()
		return git.Outcome{Op: op, ExitStatus: -1, Err: ctx.Err()}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return git.Outcome{Op: op, ExitStatus: status}
}

func (f *fakeBackend) Clone(ctx context.Context, originURL, dir string) git.Outcome {
	if _, err := os.Stat(dir); err == nil {
		out := f.do(ctx, git.OpClone, dir, originURL)
		if out.ExitStatus == 0 {
			out.ExitStatus = 128
			out.Output = "destination path already exists"
		}
		return out
	}
	out := f.do(ctx, git.OpClone, dir, originURL)
	if out.ExitStatus == 0 {
		_ = os.MkdirAll(dir, 0o755)
	}
	return out
}

func (f *fakeBackend) AddRemote(ctx context.Context, dir, name, url string) git.Outcome {
	return f.do(ctx, git.OpAddRemote, dir, name, url)
}

func (f *fakeBackend) Pull(ctx context.Context, dir, branch string) git.Outcome {
	return f.do(ctx, git.OpPull, dir, branch)
}

func (f *fakeBackend) Push(ctx context.Context, dir, remote, branch string) git.Outcome {
	return f.do(ctx, git.OpPush, dir, remote, branch)
}

func (f *fakeBackend) ops() []git.Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]git.Op, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Op
	}
	return out
}

func (f *fakeBackend) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxPerWC
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWorkspace(t *testing.T) *workspace.Manager {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	return ws
}

func sameOps(got, want []git.Op) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
