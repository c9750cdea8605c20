package migrate

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestNewValidatesSettings(t *testing.T) {
	dir := t.TempDir()
	if _, err := New("", dir, nil); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	if _, err := New("postgres://localhost/x", "", nil); err == nil {
		t.Fatalf("expected error for empty migrations dir")
	}
	if _, err := New("postgres://localhost/x", filepath.Join(dir, "missing"), nil); err == nil {
		t.Fatalf("expected error for missing migrations dir")
	}
	if _, err := New("postgres://localhost/x", dir, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEnsureAppliesRepositoryMigrations(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner, err := New(dsn, filepath.Join("..", "..", "..", "migrations"), log)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if err := runner.Ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	states, err := runner.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(states) == 0 || !states[0].Applied {
		t.Fatalf("expected first migration applied, got %+v", states)
	}
}
