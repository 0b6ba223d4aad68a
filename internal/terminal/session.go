package terminal

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Status is the lifecycle state of an agent session.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusClosed     Status = "closed"
)

// Role decides what a subscriber may do with a session.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleObserver Role = "observer"
)

// Identity is the caller on whose behalf an operation runs.
type Identity struct {
	UserID string
	TeamID string
}

// Subscriber receives server messages for the sessions it joined. Send is
// called with the session lock held and must not block.
type Subscriber interface {
	Send(msg ServerMessage)
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	AgentID         string     `json:"agent_id"`
	TeamID          string     `json:"team_id,omitempty"`
	OwnerUserID     string     `json:"owner_user_id"`
	Status          Status     `json:"status"`
	Subscribers     int        `json:"subscribers"`
	ScrollbackBytes int        `json:"scrollback_bytes"`
	CreatedAt       time.Time  `json:"created_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	CloseReason     string     `json:"close_reason,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
}

type subscription struct {
	role     Role
	userID   string
	joinedAt time.Time
}

const readBufferSize = 32 * 1024

// Session owns one PTY and fans its output out to subscribers.
type Session struct {
	agentID     string
	teamID      string
	ownerUserID string
	createdAt   time.Time

	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
	onClose func(*Session)

	mu          sync.Mutex
	status      Status
	pty         PTY
	scrollback  *Scrollback
	subscribers map[Subscriber]*subscription
	pending     []byte
	closedAt    time.Time
	closeReason string
	exitCode    *int

	writeMu sync.Mutex
	done    chan struct{}
}

func newSession(agentID string, owner Identity, scrollbackBytes int, logger *slog.Logger, metrics Metrics, now func() time.Time) *Session {
	return &Session{
		agentID:     agentID,
		teamID:      owner.TeamID,
		ownerUserID: owner.UserID,
		createdAt:   now(),
		logger:      logger.With("agent_id", agentID),
		metrics:     metrics,
		now:         now,
		status:      StatusConnecting,
		scrollback:  NewScrollback(scrollbackBytes),
		subscribers: make(map[Subscriber]*subscription),
		done:        make(chan struct{}),
	}
}

// AgentID returns the session's agent identifier.
func (s *Session) AgentID() string { return s.agentID }

// Done is closed once the session reaches the closed state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info returns a snapshot of the session state.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		AgentID:         s.agentID,
		TeamID:          s.teamID,
		OwnerUserID:     s.ownerUserID,
		Status:          s.status,
		Subscribers:     len(s.subscribers),
		ScrollbackBytes: s.scrollback.Len(),
		CreatedAt:       s.createdAt,
		CloseReason:     s.closeReason,
	}
	if !s.closedAt.IsZero() {
		closedAt := s.closedAt
		info.ClosedAt = &closedAt
	}
	if s.exitCode != nil {
		code := *s.exitCode
		info.ExitCode = &code
	}
	return info
}

func (s *Session) start(pty PTY) {
	s.mu.Lock()
	s.pty = pty
	s.status = StatusConnected
	s.mu.Unlock()
	go s.pump()
}

// attach delivers the connected acknowledgment and the scrollback replay, then
// registers sub for live output. Holding the session lock for all three keeps
// the pump from interleaving a chunk between replay and registration.
func (s *Session) attach(sub Subscriber, id Identity) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusConnected {
		return "", fmt.Errorf("%w: agent %s is %s", ErrSessionNotFound, s.agentID, s.status)
	}
	if _, ok := s.subscribers[sub]; ok {
		return "", fmt.Errorf("%w: already connected to agent %s", ErrProtocol, s.agentID)
	}

	role := RoleObserver
	if id.UserID != "" && id.UserID == s.ownerUserID {
		role = RoleOwner
	}
	sub.Send(connectedMessage(s.agentID, role))
	if replay := s.scrollback.Snapshot(); len(replay) > 0 {
		sub.Send(outputMessage(s.agentID, replay, true))
	}
	s.subscribers[sub] = &subscription{role: role, userID: id.UserID, joinedAt: s.now()}
	s.metrics.SubscriberJoined(role)
	return role, nil
}

func (s *Session) detach(sub Subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[sub]; !ok {
		return false
	}
	delete(s.subscribers, sub)
	s.metrics.SubscriberLeft()
	return true
}

// writer returns the PTY if sub holds the owner role.
func (s *Session) writer(sub Subscriber) (PTY, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusConnected {
		return nil, fmt.Errorf("%w: agent %s is %s", ErrSessionNotFound, s.agentID, s.status)
	}
	entry, ok := s.subscribers[sub]
	if !ok {
		return nil, fmt.Errorf("%w: not connected to agent %s", ErrSessionNotFound, s.agentID)
	}
	if entry.role != RoleOwner {
		return nil, fmt.Errorf("%w: observers cannot write to agent %s", ErrPermissionDenied, s.agentID)
	}
	return s.pty, nil
}

func (s *Session) input(sub Subscriber, data []byte) error {
	pty, err := s.writer(sub)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for len(data) > 0 {
		n, err := pty.Write(data)
		if err != nil {
			return fmt.Errorf("write to agent %s: %w", s.agentID, err)
		}
		data = data[n:]
	}
	return nil
}

func (s *Session) resize(sub Subscriber, cols, rows uint16) error {
	pty, err := s.writer(sub)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := pty.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize agent %s: %w", s.agentID, err)
	}
	return nil
}

// stop closes the session and kills its process. It reports false when the
// session was already closed.
func (s *Session) stop(reason string) bool {
	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		return false
	}
	pty := s.pty
	s.closeLocked(reason, nil)
	s.mu.Unlock()

	if pty != nil {
		if err := pty.Kill(); err != nil {
			s.logger.Warn("kill agent process failed", "error", err)
		}
	}
	s.finish(reason)
	return true
}

func (s *Session) pump() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			s.emit(buf[:n])
		}
		if err != nil {
			break
		}
	}
	code, err := s.pty.Wait()
	if err != nil {
		s.logger.Debug("agent process wait", "error", err)
	}
	s.exited(code)
}

// emit appends a chunk to the scrollback and delivers it to every subscriber
// in the order it was read.
func (s *Session) emit(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		return
	}
	data := make([]byte, 0, len(s.pending)+len(chunk))
	data = append(data, s.pending...)
	data = append(data, chunk...)
	complete, tail := splitIncompleteUTF8(data)
	s.pending = append(s.pending[:0], tail...)
	if len(complete) == 0 {
		return
	}
	s.broadcastLocked(complete)
}

func (s *Session) broadcastLocked(output []byte) {
	s.scrollback.Write(output)
	msg := outputMessage(s.agentID, output, false)
	for sub := range s.subscribers {
		sub.Send(msg)
	}
}

func (s *Session) exited(code int) {
	s.mu.Lock()
	s.exitCode = &code
	if s.status == StatusClosed {
		s.mu.Unlock()
		return
	}
	if len(s.pending) > 0 {
		s.broadcastLocked(s.pending)
		s.pending = nil
	}
	s.logger.Warn("agent process exited unexpectedly", "exit_code", code)
	s.closeLocked(ReasonExited, fmt.Errorf("%w: agent process exited with code %d", ErrUnexpectedExit, code))
	s.mu.Unlock()
	s.finish(ReasonExited)
}

// closeLocked notifies subscribers and moves the session to the closed state.
// A non-nil cause is delivered as terminal_error before terminal_closed.
func (s *Session) closeLocked(reason string, cause error) {
	for sub := range s.subscribers {
		if cause != nil {
			sub.Send(ErrorMessage(s.agentID, cause))
		}
		sub.Send(closedMessage(s.agentID, reason))
		s.metrics.SubscriberLeft()
	}
	clear(s.subscribers)
	s.status = StatusClosed
	s.closedAt = s.now()
	s.closeReason = reason
	close(s.done)
}

func (s *Session) finish(reason string) {
	s.metrics.SessionClosed(reason)
	if s.onClose != nil {
		s.onClose(s)
	}
}
