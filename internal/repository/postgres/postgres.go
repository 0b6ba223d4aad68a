package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/covibes/internal/domain"
	"github.com/splax/covibes/internal/repository"
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

const deploymentColumns = `team_id, container_name, host, port, status, last_health_check, created_at, updated_at`

// GetDeployment fetches the preview deployment of a team.
func (r *Repository) GetDeployment(ctx context.Context, teamID string) (*domain.PreviewDeployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM preview_deployments WHERE team_id = $1`
	row := r.pool.QueryRow(ctx, query, teamID)
	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// UpsertDeployment creates or replaces the deployment row of a team.
func (r *Repository) UpsertDeployment(ctx context.Context, deployment *domain.PreviewDeployment) error {
	const query = `INSERT INTO preview_deployments (team_id, container_name, host, port, status, last_health_check, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (team_id) DO UPDATE
		SET container_name = EXCLUDED.container_name,
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			status = EXCLUDED.status,
			last_health_check = EXCLUDED.last_health_check,
			updated_at = EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, query,
		deployment.TeamID,
		deployment.ContainerName,
		deployment.Host,
		deployment.Port,
		deployment.Status,
		deployment.LastHealthCheck,
		deployment.UpdatedAt,
	)
	return err
}

// UpdateDeploymentStatus updates lifecycle fields, leaving empty ones untouched.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.PreviewStatusUpdate) error {
	const query = `UPDATE preview_deployments
		SET status = COALESCE($2, status),
			host = COALESCE($3, host),
			port = COALESCE($4, port),
			last_health_check = COALESCE($5, last_health_check),
			updated_at = NOW()
		WHERE team_id = $1`
	cmdTag, err := r.pool.Exec(ctx, query,
		update.TeamID,
		emptyToNil(update.Status),
		emptyToNil(update.Host),
		zeroToNil(update.Port),
		update.LastHealthCheck,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDeploymentsByStatus returns all deployments currently in status.
func (r *Repository) ListDeploymentsByStatus(ctx context.Context, status string) ([]domain.PreviewDeployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM preview_deployments WHERE status = $1 ORDER BY team_id`
	rows, err := r.pool.Query(ctx, query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.PreviewDeployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func scanDeployment(row pgx.Row) (*domain.PreviewDeployment, error) {
	var d domain.PreviewDeployment
	var checked sql.NullTime
	if err := row.Scan(&d.TeamID, &d.ContainerName, &d.Host, &d.Port, &d.Status, &checked, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if checked.Valid {
		value := checked.Time
		d.LastHealthCheck = &value
	}
	return &d, nil
}

func emptyToNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func zeroToNil(value int) any {
	if value == 0 {
		return nil
	}
	return value
}
