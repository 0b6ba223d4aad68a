package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/splax/covibes/internal/domain"
	"github.com/splax/covibes/internal/repository"
)

const defaultEnsureTimeout = 20 * time.Second

// Registry is the deployment lookup consumed by the proxy.
type Registry interface {
	GetDeployment(ctx context.Context, teamID string) (*domain.PreviewDeployment, error)
	EnsureRunning(ctx context.Context, teamID string) (domain.BackendAddress, error)
}

// Resolver maps tenants to backend addresses.
type Resolver struct {
	registry      Registry
	logger        *slog.Logger
	ensureTimeout time.Duration
	group         singleflight.Group
}

// NewResolver constructs a Resolver around registry.
func NewResolver(registry Registry, logger *slog.Logger, ensureTimeout time.Duration) *Resolver {
	if ensureTimeout <= 0 {
		ensureTimeout = defaultEnsureTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		registry:      registry,
		logger:        logger.With("component", "preview_resolver"),
		ensureTimeout: ensureTimeout,
	}
}

// Deployment returns the raw deployment record of a team.
func (r *Resolver) Deployment(ctx context.Context, teamID string) (*domain.PreviewDeployment, error) {
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return nil, ErrRouting
	}
	dep, err := r.registry.GetDeployment(ctx, teamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRouting, teamID)
		}
		return nil, err
	}
	return dep, nil
}

// ResolveBackend returns the address of a team's running dev server, asking
// the registry to start it when needed.
func (r *Resolver) ResolveBackend(ctx context.Context, teamID string) (domain.BackendAddress, error) {
	dep, err := r.Deployment(ctx, teamID)
	if err != nil {
		return domain.BackendAddress{}, err
	}
	if dep.Running() {
		return dep.Address(), nil
	}

	ch := r.group.DoChan(dep.TeamID, func() (any, error) {
		return r.ensure(dep.TeamID)
	})
	select {
	case <-ctx.Done():
		return domain.BackendAddress{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.BackendAddress{}, res.Err
		}
		return res.Val.(domain.BackendAddress), nil
	}
}

// ensure runs detached from any single caller so collapsed waiters are not
// failed by the first caller going away.
func (r *Resolver) ensure(teamID string) (domain.BackendAddress, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.ensureTimeout)
		addr, err := r.registry.EnsureRunning(ctx, teamID)
		timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
		cancel()
		if err == nil {
			r.logger.Info("preview deployment ready", "team_id", teamID, "host", addr.Host, "port", addr.Port, "attempt", attempt)
			return addr, nil
		}
		if !timedOut {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.BackendAddress{}, fmt.Errorf("%w: %s", ErrRouting, teamID)
			}
			r.logger.Warn("ensure running failed", "team_id", teamID, "error", err)
			return domain.BackendAddress{}, err
		}
		lastErr = err
		r.logger.Warn("ensure running timed out", "team_id", teamID, "attempt", attempt, "timeout", r.ensureTimeout)
	}
	return domain.BackendAddress{}, fmt.Errorf("%w: %s: %v", ErrUpstreamTimeout, teamID, lastErr)
}
