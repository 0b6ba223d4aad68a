package docker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/splax/covibes/internal/domain"
	"github.com/splax/covibes/internal/service/preview"
)

const pollInterval = 250 * time.Millisecond

// ProvisionerConfig controls how preview containers are located and addressed.
type ProvisionerConfig struct {
	ContainerPrefix string
	ContainerPort   int
	PublishHost     string
}

// Provisioner starts pre-built preview containers. Image building and
// container creation belong to the lifecycle manager, not to this service.
type Provisioner struct {
	api    ContainerAPI
	cfg    ProvisionerConfig
	logger *slog.Logger
	dial   func(ctx context.Context, address string) error
}

var _ preview.Provisioner = (*Provisioner)(nil)

// NewProvisioner constructs a Provisioner.
func NewProvisioner(api ContainerAPI, cfg ProvisionerConfig, logger *slog.Logger) *Provisioner {
	if cfg.ContainerPort <= 0 {
		cfg.ContainerPort = 5173
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{api: api, cfg: cfg, logger: logger.With("component", "docker_provisioner"), dial: dialTCP}
}

// ContainerName returns the container backing a deployment.
func (p *Provisioner) ContainerName(dep domain.PreviewDeployment) string {
	if name := strings.TrimSpace(dep.ContainerName); name != "" {
		return name
	}
	return p.cfg.ContainerPrefix + dep.TeamID
}

// Start makes sure the team's container runs and its dev server accepts connections.
func (p *Provisioner) Start(ctx context.Context, dep domain.PreviewDeployment) (domain.BackendAddress, error) {
	name := p.ContainerName(dep)
	info, err := p.api.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return domain.BackendAddress{}, fmt.Errorf("%w: container %s does not exist", preview.ErrNotRunning, name)
		}
		return domain.BackendAddress{}, fmt.Errorf("inspect container %s: %w", name, err)
	}

	if !isRunning(info) {
		p.logger.Info("starting preview container", "team_id", dep.TeamID, "container", name)
		if err := p.api.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
			return domain.BackendAddress{}, fmt.Errorf("start container %s: %w", name, err)
		}
		info, err = p.waitRunning(ctx, name)
		if err != nil {
			return domain.BackendAddress{}, err
		}
	}

	addr, err := p.address(info)
	if err != nil {
		return domain.BackendAddress{}, fmt.Errorf("container %s: %w", name, err)
	}
	if err := p.waitListening(ctx, addr); err != nil {
		return domain.BackendAddress{}, err
	}
	return addr, nil
}

func (p *Provisioner) waitRunning(ctx context.Context, name string) (types.ContainerJSON, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		info, err := p.api.ContainerInspect(ctx, name)
		if err != nil {
			return types.ContainerJSON{}, fmt.Errorf("inspect container %s: %w", name, err)
		}
		if isRunning(info) {
			return info, nil
		}
		if info.ContainerJSONBase != nil && info.State != nil && (info.State.Dead || info.State.Status == "exited") {
			return types.ContainerJSON{}, fmt.Errorf("container %s exited with code %d", name, info.State.ExitCode)
		}
		select {
		case <-ctx.Done():
			return types.ContainerJSON{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Provisioner) waitListening(ctx context.Context, addr domain.BackendAddress) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if err := p.dial(ctx, addr.HostPort()); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Provisioner) address(info types.ContainerJSON) (domain.BackendAddress, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(p.cfg.ContainerPort))
	if err != nil {
		return domain.BackendAddress{}, err
	}
	if info.NetworkSettings == nil {
		return domain.BackendAddress{}, fmt.Errorf("no network settings")
	}
	for _, binding := range info.NetworkSettings.Ports[port] {
		hostPort, err := strconv.Atoi(binding.HostPort)
		if err != nil || hostPort <= 0 {
			continue
		}
		host := binding.HostIP
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = p.cfg.PublishHost
		}
		return domain.BackendAddress{Host: host, Port: hostPort}, nil
	}
	// Unpublished port: reach the container directly on its network.
	for _, endpoint := range info.NetworkSettings.Networks {
		if endpoint != nil && endpoint.IPAddress != "" {
			return domain.BackendAddress{Host: endpoint.IPAddress, Port: p.cfg.ContainerPort}, nil
		}
	}
	return domain.BackendAddress{}, fmt.Errorf("port %s is neither published nor reachable", port)
}

func isRunning(info types.ContainerJSON) bool {
	return info.ContainerJSONBase != nil && info.State != nil && info.State.Running
}

func dialTCP(ctx context.Context, address string) error {
	dialer := net.Dialer{Timeout: time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}
