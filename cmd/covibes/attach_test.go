package main

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	apiclient "github.com/splax/covibes/pkg/api/client"
)

type scriptedFrames struct {
	frames []apiclient.TerminalMessage
}

func (s *scriptedFrames) ReadJSON(v any) error {
	if len(s.frames) == 0 {
		return io.EOF
	}
	*(v.(*apiclient.TerminalMessage)) = s.frames[0]
	s.frames = s.frames[1:]
	return nil
}

func TestRenderTerminalWritesOutputUntilClosed(t *testing.T) {
	frames := &scriptedFrames{frames: []apiclient.TerminalMessage{
		{Type: "terminal_connected", AgentID: "a1", Role: "observer"},
		{Type: "terminal_output", AgentID: "a1", Output: "history\r\n", Replay: true},
		{Type: "terminal_output", AgentID: "a1", Output: "live"},
		{Type: "terminal_closed", AgentID: "a1", Reason: "stopped"},
		{Type: "terminal_output", AgentID: "a1", Output: "never"},
	}}
	var out, status bytes.Buffer
	var role string
	if err := renderTerminal(frames, &out, &status, func(r string) { role = r }); err != nil {
		t.Fatalf("render: %v", err)
	}
	if out.String() != "history\r\nlive" {
		t.Fatalf("unexpected output %q", out.String())
	}
	if role != "observer" {
		t.Fatalf("unexpected role %q", role)
	}
	if !strings.Contains(status.String(), "closed: stopped") {
		t.Fatalf("missing close notice in %q", status.String())
	}
}

func TestRenderTerminalFailsBeforeConnect(t *testing.T) {
	frames := &scriptedFrames{frames: []apiclient.TerminalMessage{
		{Type: "terminal_error", AgentID: "a1", Code: "permission_denied", Error: "agent belongs to another team"},
	}}
	err := renderTerminal(frames, io.Discard, io.Discard, nil)
	if err == nil || !strings.Contains(err.Error(), "permission_denied") {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestForwardInputStopsAtDetachKey(t *testing.T) {
	var sent [][]byte
	err := forwardInput(strings.NewReader("ls -la\r\x1dignored"), func(b []byte) error {
		sent = append(sent, b)
		return nil
	})
	if !errors.Is(err, errDetached) {
		t.Fatalf("expected detach, got %v", err)
	}
	if len(sent) != 1 || string(sent[0]) != "ls -la\r" {
		t.Fatalf("unexpected input %q", sent)
	}
}

func TestForwardInputEOF(t *testing.T) {
	err := forwardInput(strings.NewReader(""), func([]byte) error { return nil })
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}
