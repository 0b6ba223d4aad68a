package preview

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/splax/covibes/internal/domain"
	"github.com/splax/covibes/internal/repository"
)

const (
	defaultMonitorInterval = 30 * time.Second
	probeTimeout           = 2 * time.Second
	crashThreshold         = 2
)

// Monitor probes running deployments and records their health.
type Monitor struct {
	repo     repository.DeploymentRepository
	logger   *slog.Logger
	interval time.Duration
	probe    func(ctx context.Context, addr domain.BackendAddress) error

	failures map[string]int
	now      func() time.Time
}

// NewMonitor constructs a health monitor. It returns nil when repo is nil.
func NewMonitor(repo repository.DeploymentRepository, logger *slog.Logger, interval time.Duration) *Monitor {
	if repo == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		repo:     repo,
		logger:   logger.With("component", "preview_monitor"),
		interval: interval,
		probe:    dialProbe,
		failures: make(map[string]int),
		now:      time.Now,
	}
}

// Run executes the probe loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("preview monitor started", "interval", m.interval)
	m.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("preview monitor stopped")
			return
		case <-ticker.C:
			m.runIteration(ctx)
		}
	}
}

func (m *Monitor) runIteration(parent context.Context) {
	timeout := m.interval
	if timeout > 15*time.Second {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	deployments, err := m.repo.ListDeploymentsByStatus(ctx, domain.PreviewRunning)
	if err != nil {
		m.logger.Warn("failed to list running deployments", "error", err)
		return
	}
	seen := make(map[string]struct{}, len(deployments))
	for _, dep := range deployments {
		seen[dep.TeamID] = struct{}{}
		m.check(ctx, dep)
	}
	for teamID := range m.failures {
		if _, ok := seen[teamID]; !ok {
			delete(m.failures, teamID)
		}
	}
}

func (m *Monitor) check(ctx context.Context, dep domain.PreviewDeployment) {
	checked := m.now().UTC()
	update := domain.PreviewStatusUpdate{TeamID: dep.TeamID, LastHealthCheck: &checked}

	if err := m.probe(ctx, dep.Address()); err != nil {
		m.failures[dep.TeamID]++
		m.logger.Warn("preview probe failed", "team_id", dep.TeamID, "addr", dep.Address().HostPort(), "failures", m.failures[dep.TeamID], "error", err)
		if m.failures[dep.TeamID] < crashThreshold {
			return
		}
		update.Status = domain.PreviewCrashed
		delete(m.failures, dep.TeamID)
	} else {
		delete(m.failures, dep.TeamID)
	}

	if err := m.repo.UpdateDeploymentStatus(ctx, update); err != nil {
		m.logger.Warn("failed to record health check", "team_id", dep.TeamID, "error", err)
		return
	}
	if update.Status == domain.PreviewCrashed {
		m.logger.Info("preview deployment marked crashed", "team_id", dep.TeamID)
	}
}

func dialProbe(ctx context.Context, addr domain.BackendAddress) error {
	dialer := net.Dialer{Timeout: probeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.HostPort())
	if err != nil {
		return err
	}
	return conn.Close()
}
