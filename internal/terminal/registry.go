package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options tunes a Registry. Zero values select defaults; a negative
// Retention evicts closed sessions immediately.
//
// Retention bounds how long a closed session answers status queries.
// TombstoneTTL and Tombstones bound how long, and for how many agents, the
// id of an evicted session stays retired and refuses a new spawn.
type Options struct {
	ScrollbackBytes int
	Retention       time.Duration
	TombstoneTTL    time.Duration
	Tombstones      int
	SpawnTimeout    time.Duration
	Cols            uint16
	Rows            uint16
	Metrics         Metrics
}

const (
	defaultRetention    = 30 * time.Second
	defaultTombstoneTTL = 24 * time.Hour
	defaultTombstones   = 10000
	defaultSpawnTimeout = 10 * time.Second
	defaultCols         = 120
	defaultRows         = 32
)

// Registry is the sole owner of agent sessions and their PTYs. Lifecycle
// operations for one agent are serialized; different agents never contend
// beyond the short map lock.
type Registry struct {
	backend Backend
	logger  *slog.Logger
	opts    Options
	now     func() time.Time
	newID   func() string

	mu       sync.Mutex
	locks    map[string]*agentLock
	sessions map[string]*Session
	timers   map[*Session]*time.Timer
	retired  map[string]time.Time
	order    []tombstone
	closed   bool
}

type tombstone struct {
	agentID string
	at      time.Time
}

type agentLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry constructs a Registry spawning processes through backend.
func NewRegistry(backend Backend, logger *slog.Logger, opts Options) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ScrollbackBytes <= 0 {
		opts.ScrollbackBytes = DefaultScrollbackBytes
	}
	if opts.Retention < 0 {
		opts.Retention = 0
	} else if opts.Retention == 0 {
		opts.Retention = defaultRetention
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = defaultTombstoneTTL
	}
	if opts.Tombstones <= 0 {
		opts.Tombstones = defaultTombstones
	}
	if opts.SpawnTimeout <= 0 {
		opts.SpawnTimeout = defaultSpawnTimeout
	}
	if opts.Cols == 0 {
		opts.Cols = defaultCols
	}
	if opts.Rows == 0 {
		opts.Rows = defaultRows
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &Registry{
		backend:  backend,
		logger:   logger.With("component", "terminal_registry"),
		opts:     opts,
		now:      time.Now,
		newID:    uuid.NewString,
		locks:    make(map[string]*agentLock),
		sessions: make(map[string]*Session),
		timers:   make(map[*Session]*time.Timer),
		retired:  make(map[string]time.Time),
	}
}

// Metrics returns the sink the registry reports to.
func (r *Registry) Metrics() Metrics {
	return r.opts.Metrics
}

// lockAgent serializes lifecycle operations for agentID.
func (r *Registry) lockAgent(agentID string) func() {
	r.mu.Lock()
	l, ok := r.locks[agentID]
	if !ok {
		l = &agentLock{}
		r.locks[agentID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, agentID)
		}
		r.mu.Unlock()
	}
}

func (r *Registry) lookup(agentID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[agentID]
}

// Connect attaches sub to the agent's session, spawning the agent when no
// session exists. The user who causes the spawn becomes the owner. Closed
// and retired agents are reported as not found.
func (r *Registry) Connect(ctx context.Context, agentID string, sub Subscriber, id Identity) (Role, error) {
	if !ValidAgentID(agentID) {
		return "", fmt.Errorf("%w: invalid agentId", ErrProtocol)
	}
	unlock := r.lockAgent(agentID)
	defer unlock()

	session := r.lookup(agentID)
	if session == nil {
		if r.isRetired(agentID) {
			return "", fmt.Errorf("%w: agent %s is closed", ErrSessionNotFound, agentID)
		}
		var err error
		session, err = r.spawnLocked(ctx, agentID, id)
		if err != nil {
			return "", err
		}
	}
	if session.teamID != "" && id.TeamID != "" && session.teamID != id.TeamID {
		return "", fmt.Errorf("%w: agent %s belongs to another team", ErrPermissionDenied, agentID)
	}
	role, err := session.attach(sub, id)
	if err != nil {
		return "", err
	}
	r.logger.Info("terminal subscriber attached", "agent_id", agentID, "user_id", id.UserID, "role", role)
	return role, nil
}

// Spawn starts an agent without attaching a subscriber. An empty agentID is
// replaced with a generated one. When a live session already exists for the
// same team it is returned with created set to false.
func (r *Registry) Spawn(ctx context.Context, agentID string, id Identity) (SessionInfo, bool, error) {
	if agentID == "" {
		agentID = r.newID()
	}
	if !ValidAgentID(agentID) {
		return SessionInfo{}, false, fmt.Errorf("%w: invalid agentId", ErrProtocol)
	}
	unlock := r.lockAgent(agentID)
	defer unlock()

	if session := r.lookup(agentID); session != nil {
		if session.teamID != "" && id.TeamID != "" && session.teamID != id.TeamID {
			return SessionInfo{}, false, fmt.Errorf("%w: agent %s belongs to another team", ErrPermissionDenied, agentID)
		}
		info := session.Info()
		if info.Status == StatusClosed {
			return SessionInfo{}, false, fmt.Errorf("%w: agent %s is closed", ErrSessionNotFound, agentID)
		}
		return info, false, nil
	}
	if r.isRetired(agentID) {
		return SessionInfo{}, false, fmt.Errorf("%w: agent %s is closed", ErrSessionNotFound, agentID)
	}
	session, err := r.spawnLocked(ctx, agentID, id)
	if err != nil {
		return SessionInfo{}, false, err
	}
	return session.Info(), true, nil
}

// spawnLocked creates a session in the connecting state and starts its
// process. On failure the session is discarded. The caller holds the agent lock.
func (r *Registry) spawnLocked(ctx context.Context, agentID string, id Identity) (*Session, error) {
	session := newSession(agentID, id, r.opts.ScrollbackBytes, r.logger, r.opts.Metrics, r.now)
	session.onClose = r.sessionClosed

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	r.sessions[agentID] = session
	r.mu.Unlock()

	spawnCtx, cancel := context.WithTimeout(ctx, r.opts.SpawnTimeout)
	defer cancel()
	pty, err := r.backend.Spawn(spawnCtx, SpawnSpec{
		AgentID: agentID,
		TeamID:  id.TeamID,
		UserID:  id.UserID,
		Cols:    r.opts.Cols,
		Rows:    r.opts.Rows,
	})
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, agentID)
		r.mu.Unlock()
		r.logger.Error("spawn agent failed", "agent_id", agentID, "team_id", id.TeamID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrBackendSpawnFailure, err)
	}

	session.start(pty)
	r.opts.Metrics.SessionOpened()
	r.logger.Info("agent spawned", "agent_id", agentID, "team_id", id.TeamID, "owner", id.UserID)
	return session, nil
}

// Input writes data to the agent's PTY on behalf of sub. Only the owner may write.
func (r *Registry) Input(agentID string, sub Subscriber, data []byte) error {
	session := r.lookup(agentID)
	if session == nil {
		return fmt.Errorf("%w: agent %s", ErrSessionNotFound, agentID)
	}
	return session.input(sub, data)
}

// Resize changes the PTY window size on behalf of sub. Only the owner may resize.
func (r *Registry) Resize(agentID string, sub Subscriber, cols, rows uint16) error {
	session := r.lookup(agentID)
	if session == nil {
		return fmt.Errorf("%w: agent %s", ErrSessionNotFound, agentID)
	}
	return session.resize(sub, cols, rows)
}

// Disconnect removes sub from the agent's session. The PTY keeps running.
func (r *Registry) Disconnect(agentID string, sub Subscriber) error {
	unlock := r.lockAgent(agentID)
	defer unlock()

	session := r.lookup(agentID)
	if session == nil || !session.detach(sub) {
		return fmt.Errorf("%w: agent %s", ErrSessionNotFound, agentID)
	}
	return nil
}

// Stop kills the agent's process and closes its session. Subscribers receive
// terminal_closed. The closed session is kept for status queries until the
// retention window expires.
func (r *Registry) Stop(agentID string) error {
	unlock := r.lockAgent(agentID)
	defer unlock()

	session := r.lookup(agentID)
	if session == nil || !session.stop(ReasonStopped) {
		return fmt.Errorf("%w: agent %s", ErrSessionNotFound, agentID)
	}
	r.logger.Info("agent stopped", "agent_id", agentID)
	return nil
}

// Status returns the agent's session info, including retained closed sessions.
func (r *Registry) Status(agentID string) (SessionInfo, error) {
	session := r.lookup(agentID)
	if session == nil {
		return SessionInfo{}, fmt.Errorf("%w: agent %s", ErrSessionNotFound, agentID)
	}
	return session.Info(), nil
}

// List returns the sessions of a team, oldest first. An empty teamID lists all.
func (r *Registry) List(teamID string) []SessionInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		if teamID == "" || session.teamID == teamID {
			sessions = append(sessions, session)
		}
	}
	r.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].AgentID < infos[j].AgentID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Shutdown stops every live session and refuses new spawns.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.Unlock()

	for _, session := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		unlock := r.lockAgent(session.agentID)
		session.stop(ReasonShutdown)
		unlock()
	}

	r.mu.Lock()
	for session, timer := range r.timers {
		timer.Stop()
		delete(r.timers, session)
	}
	r.mu.Unlock()
	return nil
}

// sessionClosed schedules eviction of a closed session after the retention window.
func (r *Registry) sessionClosed(session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.timers[session] = time.AfterFunc(r.opts.Retention, func() {
		r.evict(session)
	})
}

func (r *Registry) evict(session *Session) {
	unlock := r.lockAgent(session.agentID)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.timers, session)
	if r.sessions[session.agentID] == session {
		delete(r.sessions, session.agentID)
		r.retireLocked(session.agentID)
	}
}

// retireLocked records a tombstone for agentID, dropping expired entries and
// the oldest ones beyond the configured bound. The caller holds r.mu.
func (r *Registry) retireLocked(agentID string) {
	now := r.now()
	r.retired[agentID] = now
	r.order = append(r.order, tombstone{agentID: agentID, at: now})
	for len(r.order) > 0 {
		oldest := r.order[0]
		if len(r.order) <= r.opts.Tombstones && now.Sub(oldest.at) < r.opts.TombstoneTTL {
			break
		}
		r.order = r.order[1:]
		if at, ok := r.retired[oldest.agentID]; ok && at.Equal(oldest.at) {
			delete(r.retired, oldest.agentID)
		}
	}
}

func (r *Registry) isRetired(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.retired[agentID]
	if !ok {
		return false
	}
	if r.now().Sub(at) >= r.opts.TombstoneTTL {
		delete(r.retired, agentID)
		return false
	}
	return true
}
