package git

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	gogitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Auth holds credentials for HTTP(S) remotes. SSH remotes fall back to the
// running ssh-agent.
type Auth struct {
	Username string
	Token    string
}

// Native performs the deploy operations in-process with go-git, for hosts
// without a git binary.
type Native struct {
	auth *Auth
}

// NewNative returns an in-process backend. auth may be nil.
func NewNative(auth *Auth) *Native {
	return &Native{auth: auth}
}

// Clone clones originURL into dir. An existing repository at dir is reported
// as a non-zero status, matching `git clone`.
func (n *Native) Clone(ctx context.Context, originURL, dir string) Outcome {
	_, err := gogit.PlainCloneContext(ctx, dir, false, &gogit.CloneOptions{
		URL:  originURL,
		Auth: n.authMethod(originURL),
	})
	return outcome(ctx, OpClone, err)
}

// AddRemote registers a remote named name pointing at url.
func (n *Native) AddRemote(ctx context.Context, dir, name, url string) Outcome {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return outcome(ctx, OpAddRemote, fmt.Errorf("open %s: %w", dir, err))
	}
	_, err = repo.CreateRemote(&gogitconfig.RemoteConfig{Name: name, URLs: []string{url}})
	return outcome(ctx, OpAddRemote, err)
}

// Pull fast-forwards branch from origin. Being up to date is a success.
func (n *Native) Pull(ctx context.Context, dir, branch string) Outcome {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return outcome(ctx, OpPull, fmt.Errorf("open %s: %w", dir, err))
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return outcome(ctx, OpPull, fmt.Errorf("worktree: %w", err))
	}
	err = worktree.PullContext(ctx, &gogit.PullOptions{
		RemoteName:    gogit.DefaultRemoteName,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Auth:          n.authMethod(remoteURL(repo, gogit.DefaultRemoteName)),
	})
	return outcome(ctx, OpPull, err)
}

// Push force-pushes branch to remote.
func (n *Native) Push(ctx context.Context, dir, remote, branch string) Outcome {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return outcome(ctx, OpPush, fmt.Errorf("open %s: %w", dir, err))
	}
	ref := plumbing.NewBranchReferenceName(branch)
	err = repo.PushContext(ctx, &gogit.PushOptions{
		RemoteName: remote,
		RefSpecs:   []gogitconfig.RefSpec{gogitconfig.RefSpec(fmt.Sprintf("+%s:%s", ref, ref))},
		Force:      true,
		Auth:       n.authMethod(remoteURL(repo, remote)),
	})
	return outcome(ctx, OpPush, err)
}

func (n *Native) authMethod(url string) transport.AuthMethod {
	if n.auth == nil || n.auth.Token == "" {
		return nil
	}
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		return nil
	}
	username := n.auth.Username
	if username == "" {
		// Token-only hosts accept any non-empty user name.
		username = "git"
	}
	return &http.BasicAuth{Username: username, Password: n.auth.Token}
}

func remoteURL(repo *gogit.Repository, name string) string {
	remote, err := repo.Remote(name)
	if err != nil {
		return ""
	}
	if urls := remote.Config().URLs; len(urls) > 0 {
		return urls[0]
	}
	return ""
}

func outcome(ctx context.Context, op Op, err error) Outcome {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Outcome{Op: op, ExitStatus: -1, Output: errString(err), Err: ctxErr}
	}
	switch {
	case err == nil, errors.Is(err, gogit.NoErrAlreadyUpToDate):
		return Outcome{Op: op, ExitStatus: 0}
	default:
		return Outcome{Op: op, ExitStatus: 1, Output: err.Error()}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
