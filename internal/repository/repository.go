package repository

import (
	"context"

	"github.com/splax/covibes/internal/domain"
)

// DeploymentRepository stores team preview deployments.
type DeploymentRepository interface {
	GetDeployment(ctx context.Context, teamID string) (*domain.PreviewDeployment, error)
	UpsertDeployment(ctx context.Context, deployment *domain.PreviewDeployment) error
	UpdateDeploymentStatus(ctx context.Context, update domain.PreviewStatusUpdate) error
	ListDeploymentsByStatus(ctx context.Context, status string) ([]domain.PreviewDeployment, error)
}
