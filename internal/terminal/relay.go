package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/splax/covibes/internal/ws"
)

// Relay serves the terminal bridge protocol over websocket connections.
type Relay struct {
	registry  *Registry
	logger    *slog.Logger
	queueSize int
}

// NewRelay constructs a Relay. queueSize bounds each connection's outbound queue.
func NewRelay(registry *Registry, logger *slog.Logger, queueSize int) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{registry: registry, logger: logger.With("component", "terminal_relay"), queueSize: queueSize}
}

// connSubscriber adapts a websocket client to Subscriber. Live output frames
// may be dropped under backpressure; replay and control frames never are.
type connSubscriber struct {
	id     string
	client *ws.Client
	logger *slog.Logger
}

func (s *connSubscriber) Send(msg ServerMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encode terminal message", "type", msg.Type, "error", err)
		return
	}
	s.client.Enqueue(payload, droppable(msg))
}

func droppable(msg ServerMessage) bool {
	return msg.Type == TypeOutput && !msg.Replay
}

// Serve runs the protocol on conn until the connection ends or ctx is
// cancelled. Every subscription made on the connection is removed on return;
// the agents themselves keep running.
func (r *Relay) Serve(ctx context.Context, conn *websocket.Conn, id Identity) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	connID := uuid.NewString()
	logger := r.logger.With("conn_id", connID, "user_id", id.UserID)
	client := ws.NewClient(conn, logger, r.queueSize)
	client.OnDrop(r.registry.Metrics().OutputDropped)
	sub := &connSubscriber{id: connID, client: client, logger: logger}

	go func() {
		_ = client.WritePump(ctx)
	}()
	go func() {
		<-ctx.Done()
		client.Close()
	}()

	joined := make(map[string]struct{})
	defer func() {
		for agentID := range joined {
			if err := r.registry.Disconnect(agentID, sub); err != nil && !errors.Is(err, ErrSessionNotFound) {
				logger.Warn("terminal disconnect failed", "agent_id", agentID, "error", err)
			}
		}
		client.Close()
		logger.Debug("terminal connection closed", "subscriptions", len(joined))
	}()

	logger.Debug("terminal connection opened")
	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("terminal connection read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			sub.Send(ErrorMessage("", fmt.Errorf("%w: only text frames are accepted", ErrProtocol)))
			continue
		}
		msg, err := DecodeClientMessage(raw)
		if err != nil {
			sub.Send(ErrorMessage(msg.AgentID, err))
			continue
		}
		if err := r.dispatch(ctx, msg, sub, id, joined); err != nil {
			sub.Send(ErrorMessage(msg.AgentID, err))
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, msg ClientMessage, sub *connSubscriber, id Identity, joined map[string]struct{}) error {
	switch msg.Type {
	case TypeConnect:
		if _, ok := joined[msg.AgentID]; ok {
			// A previous session may have closed underneath this connection.
			_ = r.registry.Disconnect(msg.AgentID, sub)
			delete(joined, msg.AgentID)
		}
		if _, err := r.registry.Connect(ctx, msg.AgentID, sub, id); err != nil {
			return err
		}
		joined[msg.AgentID] = struct{}{}
		return nil
	case TypeInput:
		return r.registry.Input(msg.AgentID, sub, []byte(msg.Data))
	case TypeResize:
		return r.registry.Resize(msg.AgentID, sub, msg.Cols, msg.Rows)
	case TypeDisconnect:
		delete(joined, msg.AgentID)
		return r.registry.Disconnect(msg.AgentID, sub)
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrProtocol, msg.Type)
	}
}
