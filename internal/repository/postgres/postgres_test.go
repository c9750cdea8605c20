package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/autodeploy/internal/app/migrate"
	"github.com/splax/autodeploy/internal/domain"
	"github.com/splax/autodeploy/internal/repository"
)

func openTestRepository(t *testing.T) (*Repository, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	runner, err := migrate.New(dsn, filepath.Join("..", "..", "..", "migrations"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("migrate runner: %v", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return New(pool), pool
}

func TestDeploymentLifecycle(t *testing.T) {
	repo, pool := openTestRepository(t)
	ctx := context.Background()

	// Unique names keep runs against a shared database apart.
	app := "app-" + uuid.NewString()
	api := "api-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM deployments WHERE repository = ANY($1)`, []string{app, api})
	})

	base := time.Now().UTC().Truncate(time.Millisecond)
	create := func(id, name string, offset time.Duration) {
		t.Helper()
		err := repo.CreateDeployment(ctx, &domain.Deployment{
			ID:            id,
			Repository:    name,
			Ref:           "refs/heads/main",
			TargetURL:     "git@y/" + name + ".git",
			CommitMessage: "fix login",
			CommitAuthor:  "Sam",
			Status:        domain.DeploymentRunning,
			StartedAt:     base.Add(offset),
		})
		if err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	first, second, other := uuid.NewString(), uuid.NewString(), uuid.NewString()
	create(first, app, 0)
	create(second, app, time.Second)
	create(other, api, 2*time.Second)

	got, err := repo.GetDeployment(ctx, first)
	if err != nil {
		t.Fatalf("get running: %v", err)
	}
	if got.Status != domain.DeploymentRunning || got.CompletedAt != nil || got.Steps != nil || got.Path != "" {
		t.Fatalf("unexpected running record %+v", got)
	}
	if got.CommitAuthor != "Sam" || !got.StartedAt.Equal(base) {
		t.Fatalf("fields not round-tripped: %+v", got)
	}

	steps := []map[string]any{
		{"stage": "clone", "exit_status": float64(0), "duration_ms": float64(12)},
		{"stage": "push", "exit_status": float64(1), "error": "rejected"},
	}
	rawSteps, _ := json.Marshal(steps)
	completedAt := base.Add(5 * time.Second)
	err = repo.CompleteDeployment(ctx, domain.DeploymentCompletion{
		DeploymentID: first,
		Status:       domain.DeploymentFailed,
		Path:         "fresh_clone",
		Steps:        rawSteps,
		Error:        "push failed",
		CompletedAt:  completedAt,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err = repo.GetDeployment(ctx, first)
	if err != nil {
		t.Fatalf("get completed: %v", err)
	}
	if got.Status != domain.DeploymentFailed || got.Path != "fresh_clone" || got.Error != "push failed" {
		t.Fatalf("completion not stored: %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completedAt) {
		t.Fatalf("unexpected completed_at %v", got.CompletedAt)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(got.Steps, &decoded); err != nil {
		t.Fatalf("steps not valid json: %v (%s)", err, got.Steps)
	}
	if !reflect.DeepEqual(decoded, steps) {
		t.Fatalf("steps changed in storage: %v", decoded)
	}

	apps, err := repo.ListDeployments(ctx, app, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(apps) != 2 || apps[0].ID != second || apps[1].ID != first {
		t.Fatalf("expected app deployments newest first, got %+v", apps)
	}
	limited, err := repo.ListDeployments(ctx, app, 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != second {
		t.Fatalf("limit not applied: %+v", limited)
	}
	apis, err := repo.ListDeployments(ctx, api, 10)
	if err != nil {
		t.Fatalf("list api: %v", err)
	}
	if len(apis) != 1 || apis[0].ID != other {
		t.Fatalf("repository filter not applied: %+v", apis)
	}
}

func TestUnknownDeploymentNotFound(t *testing.T) {
	repo, _ := openTestRepository(t)
	ctx := context.Background()
	missing := uuid.NewString()

	if _, err := repo.GetDeployment(ctx, missing); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from get, got %v", err)
	}
	err := repo.CompleteDeployment(ctx, domain.DeploymentCompletion{
		DeploymentID: missing,
		Status:       domain.DeploymentSuccess,
		CompletedAt:  time.Now(),
	})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from complete, got %v", err)
	}
}
