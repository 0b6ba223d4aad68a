package preview

import (
	"context"
	"sync"

	"github.com/splax/covibes/internal/domain"
	"github.com/splax/covibes/internal/repository"
)

type memoryRepo struct {
	mu          sync.Mutex
	deployments map[string]domain.PreviewDeployment
	updates     []domain.PreviewStatusUpdate
}

func newMemoryRepo(deps ...domain.PreviewDeployment) *memoryRepo {
	repo := &memoryRepo{deployments: make(map[string]domain.PreviewDeployment)}
	for _, dep := range deps {
		repo.deployments[dep.TeamID] = dep
	}
	return repo
}

func (r *memoryRepo) GetDeployment(_ context.Context, teamID string) (*domain.PreviewDeployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dep, ok := r.deployments[teamID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &dep, nil
}

func (r *memoryRepo) UpsertDeployment(_ context.Context, deployment *domain.PreviewDeployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deployments[deployment.TeamID] = *deployment
	return nil
}

func (r *memoryRepo) UpdateDeploymentStatus(_ context.Context, update domain.PreviewStatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dep, ok := r.deployments[update.TeamID]
	if !ok {
		return repository.ErrNotFound
	}
	r.updates = append(r.updates, update)
	if update.Status != "" {
		dep.Status = update.Status
	}
	if update.Host != "" {
		dep.Host = update.Host
	}
	if update.Port != 0 {
		dep.Port = update.Port
	}
	if update.LastHealthCheck != nil {
		dep.LastHealthCheck = update.LastHealthCheck
	}
	r.deployments[update.TeamID] = dep
	return nil
}

func (r *memoryRepo) ListDeploymentsByStatus(_ context.Context, status string) ([]domain.PreviewDeployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []domain.PreviewDeployment
	for _, dep := range r.deployments {
		if dep.Status == status {
			result = append(result, dep)
		}
	}
	return result, nil
}

func (r *memoryRepo) status(teamID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deployments[teamID].Status
}
