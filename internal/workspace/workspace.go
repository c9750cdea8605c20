package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidName is returned for names that would escape the workspace root.
var ErrInvalidName = errors.New("workspace: invalid repository name")

// Manager owns the persistent working copies under a common root. Unlike
// per-build scratch space, directories here survive between deploys.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Path returns the working copy directory for name without touching disk.
func (m *Manager) Path(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(m.root, name), nil
}

// Exists reports whether a working copy directory is present for name.
func (m *Manager) Exists(name string) (bool, error) {
	dir, err := m.Path(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// Remove deletes the working copy for name so the next deploy clones afresh.
func (m *Manager) Remove(name string) error {
	dir, err := m.Path(name)
	if err != nil {
		return err
	}
	return m.cleanup(dir)
}

// Check verifies the root is still a writable directory.
func (m *Manager) Check() error {
	tmp, err := os.CreateTemp(m.root, ".writable-*")
	if err != nil {
		return fmt.Errorf("workspace not writable: %w", err)
	}
	name := tmp.Name()
	tmp.Close()
	return os.Remove(name)
}

func (m *Manager) cleanup(path string) error {
	// Ensure we only remove directories within the configured root.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}
