package terminal

import "context"

// SpawnSpec describes the agent process a backend should start.
type SpawnSpec struct {
	AgentID string
	TeamID  string
	UserID  string
	Cols    uint16
	Rows    uint16
}

// PTY is a running interactive process bound to a pseudo-terminal.
type PTY interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	// Kill terminates the process. Read returns an error once it is gone.
	Kill() error
	// Wait blocks until the process exits and reports its exit code.
	Wait() (int, error)
}

// Backend spawns PTY processes.
type Backend interface {
	Spawn(ctx context.Context, spec SpawnSpec) (PTY, error)
}

// Metrics receives session lifecycle events.
type Metrics interface {
	SessionOpened()
	SessionClosed(reason string)
	SubscriberJoined(role Role)
	SubscriberLeft()
	OutputDropped()
}

type nopMetrics struct{}

func (nopMetrics) SessionOpened()        {}
func (nopMetrics) SessionClosed(string)  {}
func (nopMetrics) SubscriberJoined(Role) {}
func (nopMetrics) SubscriberLeft()       {}
func (nopMetrics) OutputDropped()        {}
