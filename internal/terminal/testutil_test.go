package terminal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakePTY struct {
	out      chan []byte
	killed   chan struct{}
	exited   chan struct{}
	killOnce sync.Once
	exitOnce sync.Once
	echo     bool

	mu       sync.Mutex
	written  bytes.Buffer
	resized  [][2]uint16
	exitCode int
}

func newFakePTY(echo bool) *fakePTY {
	return &fakePTY{
		out:    make(chan []byte, 64),
		killed: make(chan struct{}),
		exited: make(chan struct{}),
		echo:   echo,
	}
}

func (p *fakePTY) Read(buf []byte) (int, error) {
	select {
	case chunk := <-p.out:
		return copy(buf, chunk), nil
	case <-p.killed:
		return 0, io.EOF
	case <-p.exited:
		return 0, io.EOF
	}
}

func (p *fakePTY) Write(buf []byte) (int, error) {
	p.mu.Lock()
	p.written.Write(buf)
	p.mu.Unlock()
	if p.echo {
		p.emit(string(buf))
	}
	return len(buf), nil
}

func (p *fakePTY) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resized = append(p.resized, [2]uint16{cols, rows})
	return nil
}

func (p *fakePTY) Kill() error {
	p.killOnce.Do(func() {
		p.mu.Lock()
		p.exitCode = -1
		p.mu.Unlock()
		close(p.killed)
	})
	return nil
}

func (p *fakePTY) Wait() (int, error) {
	select {
	case <-p.killed:
	case <-p.exited:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, nil
}

func (p *fakePTY) emit(s string) {
	p.out <- []byte(s)
}

func (p *fakePTY) exit(code int) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		close(p.exited)
	})
}

func (p *fakePTY) input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

type fakeBackend struct {
	mu     sync.Mutex
	ptys   []*fakePTY
	specs  []SpawnSpec
	err    error
	echo   bool
	spawns int
}

func (b *fakeBackend) Spawn(_ context.Context, spec SpawnSpec) (PTY, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spawns++
	if b.err != nil {
		return nil, b.err
	}
	p := newFakePTY(b.echo)
	b.ptys = append(b.ptys, p)
	b.specs = append(b.specs, spec)
	return p, nil
}

func (b *fakeBackend) pty(i int) *fakePTY {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ptys[i]
}

func (b *fakeBackend) spawnCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spawns
}

type recordingSubscriber struct {
	mu   sync.Mutex
	msgs []ServerMessage
}

func (s *recordingSubscriber) Send(msg ServerMessage) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

func (s *recordingSubscriber) messages() []ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ServerMessage(nil), s.msgs...)
}

// output concatenates terminal_output payloads, optionally including replays.
func (s *recordingSubscriber) output(withReplay bool) string {
	var b strings.Builder
	for _, msg := range s.messages() {
		if msg.Type == TypeOutput && (withReplay || !msg.Replay) {
			b.WriteString(msg.Output)
		}
	}
	return b.String()
}

func (s *recordingSubscriber) waitOutput(t *testing.T, withReplay bool, want string) {
	t.Helper()
	waitFor(t, func() bool { return strings.Contains(s.output(withReplay), want) }, "output %q", want)
}

func (s *recordingSubscriber) waitType(t *testing.T, typ string) ServerMessage {
	t.Helper()
	var found ServerMessage
	waitFor(t, func() bool {
		for _, msg := range s.messages() {
			if msg.Type == typ {
				found = msg
				return true
			}
		}
		return false
	}, "message %s", typ)
	return found
}

func waitFor(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for "+format, args...)
}

type countingMetrics struct {
	mu      sync.Mutex
	opened  int
	closed  map[string]int
	dropped int
}

func (m *countingMetrics) SessionOpened() {
	m.mu.Lock()
	m.opened++
	m.mu.Unlock()
}

func (m *countingMetrics) SessionClosed(reason string) {
	m.mu.Lock()
	if m.closed == nil {
		m.closed = make(map[string]int)
	}
	m.closed[reason]++
	m.mu.Unlock()
}

func (m *countingMetrics) SubscriberJoined(Role) {}
func (m *countingMetrics) SubscriberLeft()       {}

func (m *countingMetrics) OutputDropped() {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

func newTestRegistry(backend Backend, opts Options) *Registry {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	return NewRegistry(backend, logger, opts)
}

var errSpawn = errors.New("exec: agent not found")
