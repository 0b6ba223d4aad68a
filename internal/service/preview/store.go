package preview

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/covibes/internal/domain"
	"github.com/splax/covibes/internal/repository"
)

// Provisioner starts a team's pre-built preview workload and reports where it listens.
type Provisioner interface {
	Start(ctx context.Context, dep domain.PreviewDeployment) (domain.BackendAddress, error)
}

// StoreRegistry serves deployments from the repository and starts them through a Provisioner.
type StoreRegistry struct {
	repo        repository.DeploymentRepository
	provisioner Provisioner
	logger      *slog.Logger
	now         func() time.Time
}

// NewStoreRegistry constructs a StoreRegistry. A nil provisioner makes
// EnsureRunning report ErrNotRunning for stopped deployments.
func NewStoreRegistry(repo repository.DeploymentRepository, provisioner Provisioner, logger *slog.Logger) *StoreRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreRegistry{repo: repo, provisioner: provisioner, logger: logger.With("component", "preview_store"), now: time.Now}
}

// GetDeployment returns the stored deployment of a team.
func (s *StoreRegistry) GetDeployment(ctx context.Context, teamID string) (*domain.PreviewDeployment, error) {
	return s.repo.GetDeployment(ctx, teamID)
}

// EnsureRunning starts the deployment when it is not already serving.
func (s *StoreRegistry) EnsureRunning(ctx context.Context, teamID string) (domain.BackendAddress, error) {
	dep, err := s.repo.GetDeployment(ctx, teamID)
	if err != nil {
		return domain.BackendAddress{}, err
	}
	if dep.Running() {
		return dep.Address(), nil
	}
	if s.provisioner == nil {
		return domain.BackendAddress{}, fmt.Errorf("%w: %s is %s", ErrNotRunning, teamID, dep.Status)
	}

	if err := s.repo.UpdateDeploymentStatus(ctx, domain.PreviewStatusUpdate{TeamID: teamID, Status: domain.PreviewStarting}); err != nil {
		s.logger.Warn("failed to mark deployment starting", "team_id", teamID, "error", err)
	}
	addr, err := s.provisioner.Start(ctx, *dep)
	if err != nil {
		// A timed out start says nothing about the workload itself.
		if ctx.Err() == nil {
			s.markStatus(teamID, domain.PreviewCrashed)
		}
		return domain.BackendAddress{}, err
	}
	checked := s.now().UTC()
	update := domain.PreviewStatusUpdate{
		TeamID:          teamID,
		Status:          domain.PreviewRunning,
		Host:            addr.Host,
		Port:            addr.Port,
		LastHealthCheck: &checked,
	}
	if err := s.repo.UpdateDeploymentStatus(ctx, update); err != nil {
		s.logger.Warn("failed to record running deployment", "team_id", teamID, "error", err)
	}
	return addr, nil
}

func (s *StoreRegistry) markStatus(teamID, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.repo.UpdateDeploymentStatus(ctx, domain.PreviewStatusUpdate{TeamID: teamID, Status: status}); err != nil {
		s.logger.Warn("failed to update deployment status", "team_id", teamID, "status", status, "error", err)
	}
}
