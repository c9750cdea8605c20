package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/autodeploy/internal/domain"
	"github.com/splax/autodeploy/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var _ repository.DeploymentRepository = (*Repository)(nil)

const deploymentColumns = `id, repository, ref, target_url, commit_message, commit_author, status, path, steps, error, started_at, completed_at`

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (` + deploymentColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.Repository,
		deployment.Ref,
		deployment.TargetURL,
		deployment.CommitMessage,
		deployment.CommitAuthor,
		deployment.Status,
		deployment.Path,
		nullJSON(deployment.Steps),
		deployment.Error,
		deployment.StartedAt,
		deployment.CompletedAt,
	)
	return err
}

// CompleteDeployment stores the terminal state of a deployment.
func (r *Repository) CompleteDeployment(ctx context.Context, completion domain.DeploymentCompletion) error {
	const query = `UPDATE deployments
		SET status = $2,
			path = COALESCE($3, path),
			steps = COALESCE($4, steps),
			error = $5,
			completed_at = $6
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query,
		completion.DeploymentID,
		completion.Status,
		emptyToNil(completion.Path),
		nullJSON(completion.Steps),
		completion.Error,
		completion.CompletedAt,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDeployments fetches recent deployments, optionally for one repository.
func (r *Repository) ListDeployments(ctx context.Context, name string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = repository.DefaultListLimit
	}
	const query = `SELECT ` + deploymentColumns + `
		FROM deployments WHERE ($1 = '' OR repository = $1) ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// GetDeployment fetches a deployment by identifier.
func (r *Repository) GetDeployment(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// Ping checks the connection for health reporting.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	var completedAt sql.NullTime
	var steps []byte
	if err := row.Scan(&d.ID, &d.Repository, &d.Ref, &d.TargetURL, &d.CommitMessage, &d.CommitAuthor, &d.Status, &d.Path, &steps, &d.Error, &d.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	if len(steps) > 0 {
		d.Steps = steps
	}
	if completedAt.Valid {
		value := completedAt.Time
		d.CompletedAt = &value
	}
	return &d, nil
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
