// Package memory keeps deploy history in process memory. It is the default
// store when no database is configured; history is lost on restart.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/splax/autodeploy/internal/domain"
	"github.com/splax/autodeploy/internal/repository"
)

// Repository is a bounded, newest-first deployment log.
type Repository struct {
	mu       sync.RWMutex
	capacity int
	items    []domain.Deployment
	index    map[string]int
}

var _ repository.DeploymentRepository = (*Repository)(nil)

// New returns a store that keeps at most capacity finished deployments plus
// any still running. Once the bound is reached the oldest finished record is
// evicted; running records are never dropped, so every accepted attempt can
// still be completed.
func New(capacity int) *Repository {
	if capacity <= 0 {
		capacity = 200
	}
	return &Repository{capacity: capacity, index: make(map[string]int)}
}

// CreateDeployment records a new deployment.
func (r *Repository) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	if deployment == nil || deployment.ID == "" {
		return fmt.Errorf("deployment id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.index[deployment.ID]; exists {
		return fmt.Errorf("deployment %s already recorded", deployment.ID)
	}
	r.items = append(r.items, clone(*deployment))
	r.evict()
	r.reindex()
	return nil
}

// evict drops the oldest finished records until the store is within capacity
// or only running records are left over the bound.
func (r *Repository) evict() {
	excess := len(r.items) - r.capacity
	if excess <= 0 {
		return
	}
	kept := r.items[:0]
	for _, d := range r.items {
		if excess > 0 && d.Status != domain.DeploymentRunning {
			excess--
			continue
		}
		kept = append(kept, d)
	}
	clear(r.items[len(kept):])
	r.items = kept
}

// CompleteDeployment stores the terminal state of a deployment.
func (r *Repository) CompleteDeployment(_ context.Context, completion domain.DeploymentCompletion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.index[completion.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	d := &r.items[pos]
	d.Status = completion.Status
	d.Path = completion.Path
	d.Steps = append(json.RawMessage(nil), completion.Steps...)
	d.Error = completion.Error
	completedAt := completion.CompletedAt
	d.CompletedAt = &completedAt
	return nil
}

// ListDeployments returns recent deployments, newest first.
func (r *Repository) ListDeployments(_ context.Context, name string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = repository.DefaultListLimit
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Deployment, 0, limit)
	for i := len(r.items) - 1; i >= 0 && len(out) < limit; i-- {
		if name != "" && r.items[i].Repository != name {
			continue
		}
		out = append(out, clone(r.items[i]))
	}
	return out, nil
}

// GetDeployment fetches a deployment by identifier.
func (r *Repository) GetDeployment(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.index[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	d := clone(r.items[pos])
	return &d, nil
}

func (r *Repository) reindex() {
	r.index = make(map[string]int, len(r.items))
	for i, d := range r.items {
		r.index[d.ID] = i
	}
}

func clone(d domain.Deployment) domain.Deployment {
	d.Steps = append(json.RawMessage(nil), d.Steps...)
	if d.CompletedAt != nil {
		completedAt := *d.CompletedAt
		d.CompletedAt = &completedAt
	}
	return d
}
