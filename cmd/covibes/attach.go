package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/covibes/pkg/api/client"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

var errDetached = errors.New("detached")

type frameReader interface {
	ReadJSON(v any) error
}

func agentAttach(args []string) error {
	fs := flag.NewFlagSet("agent attach", flag.ExitOnError)
	agentID := fs.String("agent", "", "Agent identifier")
	fs.Parse(args)
	if strings.TrimSpace(*agentID) == "" {
		return errors.New("--agent is required")
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, err := client.DialTerminal(dialCtx, token)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(msg apiclient.TerminalMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(msg)
	}
	if err := send(apiclient.TerminalMessage{Type: "terminal_connect", AgentID: *agentID}); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		state, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("raw terminal: %w", err)
		}
		defer term.Restore(stdin, state)
	}

	var owner atomic.Bool
	done := make(chan error, 2)
	go func() {
		done <- renderTerminal(conn, os.Stdout, os.Stderr, func(role string) {
			if role != "owner" {
				return
			}
			owner.Store(true)
			if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil && cols > 0 && rows > 0 {
				_ = send(apiclient.TerminalMessage{Type: "terminal_resize", AgentID: *agentID, Cols: uint16(cols), Rows: uint16(rows)})
			}
		})
	}()
	go func() {
		done <- forwardInput(os.Stdin, func(data []byte) error {
			if !owner.Load() {
				return nil
			}
			return send(apiclient.TerminalMessage{Type: "terminal_input", AgentID: *agentID, Data: string(data)})
		})
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
	}
	_ = send(apiclient.TerminalMessage{Type: "terminal_disconnect", AgentID: *agentID})
	fmt.Fprint(os.Stderr, "\r\n")
	if errors.Is(err, errDetached) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// renderTerminal writes agent output to out and status lines to errOut until
// the session closes. onConnected runs once with the granted role.
func renderTerminal(conn frameReader, out, errOut io.Writer, onConnected func(role string)) error {
	connected := false
	for {
		var msg apiclient.TerminalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read terminal: %w", err)
		}
		switch msg.Type {
		case "terminal_connected":
			connected = true
			fmt.Fprintf(errOut, "[attached to %s as %s, Ctrl-] to detach]\r\n", msg.AgentID, msg.Role)
			if onConnected != nil {
				onConnected(msg.Role)
			}
		case "terminal_output":
			if _, err := io.WriteString(out, msg.Output); err != nil {
				return err
			}
		case "terminal_error":
			if !connected {
				return fmt.Errorf("%s: %s", msg.Code, msg.Error)
			}
			if msg.Code != "permission_denied" {
				fmt.Fprintf(errOut, "\r\n[%s: %s]\r\n", msg.Code, msg.Error)
			}
		case "terminal_closed":
			fmt.Fprintf(errOut, "\r\n[agent %s closed: %s]\r\n", msg.AgentID, msg.Reason)
			return nil
		}
	}
}

// forwardInput copies in to send until EOF or the detach key.
func forwardInput(in io.Reader, send func([]byte) error) error {
	buf := make([]byte, 4096)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			idx := bytes.IndexByte(chunk, detachKey)
			if idx >= 0 {
				chunk = chunk[:idx]
			}
			if len(chunk) > 0 {
				if err := send(append([]byte(nil), chunk...)); err != nil {
					return err
				}
			}
			if idx >= 0 {
				return errDetached
			}
		}
		if err != nil {
			return err
		}
	}
}
