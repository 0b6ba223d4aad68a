package domain

import (
	"net"
	"strconv"
	"time"
)

// Preview deployment lifecycle states.
const (
	PreviewStarting = "starting"
	PreviewRunning  = "running"
	PreviewCrashed  = "crashed"
	PreviewStopped  = "stopped"
)

// PreviewDeployment is a team's live development server.
type PreviewDeployment struct {
	TeamID          string
	ContainerName   string
	Host            string
	Port            int
	Status          string
	LastHealthCheck *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Running reports whether the deployment can accept traffic.
func (d PreviewDeployment) Running() bool {
	return d.Status == PreviewRunning && d.Host != "" && d.Port > 0
}

// Address returns the backend address recorded for the deployment.
func (d PreviewDeployment) Address() BackendAddress {
	return BackendAddress{Host: d.Host, Port: d.Port}
}

// BackendAddress locates a preview dev server.
type BackendAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// HostPort formats the address for dialing.
func (a BackendAddress) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// PreviewStatusUpdate captures mutable fields written by lifecycle adapters.
type PreviewStatusUpdate struct {
	TeamID          string
	Status          string
	Host            string
	Port            int
	LastHealthCheck *time.Time
}

// ValidPreviewStatus reports whether status is a known lifecycle state.
func ValidPreviewStatus(status string) bool {
	switch status {
	case PreviewStarting, PreviewRunning, PreviewCrashed, PreviewStopped:
		return true
	}
	return false
}
