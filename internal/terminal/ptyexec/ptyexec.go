// Package ptyexec runs agent processes on local pseudo-terminals.
package ptyexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"

	"github.com/splax/covibes/internal/terminal"
)

// Config describes the command launched for every agent.
type Config struct {
	// Command is split on whitespace into the program and its arguments.
	Command string
	// WorkspaceRoot holds one working directory per team. Empty keeps the
	// server's working directory.
	WorkspaceRoot string
	Env           []string
}

// Backend spawns agents with github.com/creack/pty.
type Backend struct {
	cfg    Config
	logger *slog.Logger
}

var _ terminal.Backend = (*Backend)(nil)

// New constructs a Backend.
func New(cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{cfg: cfg, logger: logger.With("component", "ptyexec")}
}

// Spawn starts the configured command on a new PTY. The process outlives ctx;
// ctx only bounds the start itself.
func (b *Backend) Spawn(ctx context.Context, spec terminal.SpawnSpec) (terminal.PTY, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	argv := strings.Fields(b.cfg.Command)
	if len(argv) == 0 {
		return nil, errors.New("agent command not configured")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	dir, err := b.workdir(spec.TeamID)
	if err != nil {
		return nil, err
	}
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), b.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"TERM=xterm-256color",
		"COVIBES_AGENT_ID="+spec.AgentID,
		"COVIBES_TEAM_ID="+spec.TeamID,
		"COVIBES_USER_ID="+spec.UserID,
	)

	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: spec.Cols, Rows: spec.Rows})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	b.logger.Debug("agent process started", "agent_id", spec.AgentID, "pid", cmd.Process.Pid, "dir", dir)
	return &process{cmd: cmd, tty: tty}, nil
}

func (b *Backend) workdir(teamID string) (string, error) {
	if b.cfg.WorkspaceRoot == "" {
		return "", nil
	}
	dir := b.cfg.WorkspaceRoot
	if teamID != "" {
		dir = filepath.Join(dir, filepath.Base(filepath.Clean("/"+teamID)))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("prepare workspace %s: %w", dir, err)
	}
	return dir, nil
}

// process is a started agent. pty.Start runs the command in a new session,
// so its process group id equals its pid.
type process struct {
	cmd *exec.Cmd
	tty *os.File

	reaped    atomic.Bool
	closeOnce sync.Once
	waitOnce  sync.Once
	exitCode  int
	waitErr   error
}

func (p *process) Read(buf []byte) (int, error) {
	return p.tty.Read(buf)
}

func (p *process) Write(buf []byte) (int, error) {
	return p.tty.Write(buf)
}

func (p *process) Resize(cols, rows uint16) error {
	return pty.Setsize(p.tty, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill terminates the whole process group and closes the terminal so a
// pending Read returns even when a descendant still holds the slave side.
func (p *process) Kill() error {
	var err error
	if !p.reaped.Load() {
		if kerr := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); kerr != nil && !errors.Is(kerr, syscall.ESRCH) {
			err = fmt.Errorf("kill process group %d: %w", p.cmd.Process.Pid, kerr)
			if kerr := p.cmd.Process.Kill(); kerr == nil || errors.Is(kerr, os.ErrProcessDone) {
				err = nil
			}
		}
	}
	p.closeTTY()
	return err
}

func (p *process) closeTTY() {
	p.closeOnce.Do(func() {
		_ = p.tty.Close()
	})
}

func (p *process) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.reaped.Store(true)
		p.closeTTY()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			p.exitCode = 0
		case errors.As(err, &exitErr):
			p.exitCode = exitErr.ExitCode()
		default:
			p.exitCode = -1
			p.waitErr = err
		}
	})
	return p.exitCode, p.waitErr
}
