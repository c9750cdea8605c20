package repository

import (
	"context"

	"github.com/splax/autodeploy/internal/domain"
)

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	CompleteDeployment(ctx context.Context, completion domain.DeploymentCompletion) error
	// ListDeployments returns the newest deployments first. An empty
	// repository name lists every repository.
	ListDeployments(ctx context.Context, repository string, limit int) ([]domain.Deployment, error)
	GetDeployment(ctx context.Context, deploymentID string) (*domain.Deployment, error)
}

// DefaultListLimit applies when a caller passes a non-positive limit.
const DefaultListLimit = 20
