package terminal

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
)

// Client to server message types.
const (
	TypeConnect    = "terminal_connect"
	TypeInput      = "terminal_input"
	TypeDisconnect = "terminal_disconnect"
	TypeResize     = "terminal_resize"
)

// Server to client message types.
const (
	TypeConnected = "terminal_connected"
	TypeOutput    = "terminal_output"
	TypeError     = "terminal_error"
	TypeClosed    = "terminal_closed"
)

// Close reasons carried by terminal_closed.
const (
	ReasonStopped  = "stopped"
	ReasonExited   = "exited"
	ReasonShutdown = "shutdown"
)

// MaxInputBytes bounds a single terminal_input payload.
const MaxInputBytes = 64 * 1024

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// clientFields lists the exact set of fields each client message carries.
var clientFields = map[string][]string{
	TypeConnect:    {"type", "agentId"},
	TypeInput:      {"type", "agentId", "data"},
	TypeDisconnect: {"type", "agentId"},
	TypeResize:     {"type", "agentId", "cols", "rows"},
}

// ClientMessage is a validated message received from a terminal client.
type ClientMessage struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Data    string `json:"data,omitempty"`
	Cols    uint16 `json:"cols,omitempty"`
	Rows    uint16 `json:"rows,omitempty"`
}

// ServerMessage is any message sent to a terminal client.
//
// Output is text. Multi-byte runes split across PTY reads are reassembled
// before sending, but bytes that are not valid UTF-8 reach clients as
// U+FFFD. Every subscriber and the replay see the same substitution.
type ServerMessage struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Message string `json:"message,omitempty"`
	Role    Role   `json:"role,omitempty"`
	Output  string `json:"output,omitempty"`
	Replay  bool   `json:"replay,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// DecodeClientMessage parses and validates a raw client frame. Messages with
// unknown types, unknown or missing fields, or invalid values are rejected
// with ErrProtocol. The returned message carries whatever agent id could be
// read so errors can still be attributed.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return ClientMessage{}, fmt.Errorf("%w: message must be a JSON object", ErrProtocol)
	}

	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if !agentIDPattern.MatchString(msg.AgentID) {
		msg.AgentID = ""
	}

	allowed, ok := clientFields[msg.Type]
	if !ok {
		return msg, fmt.Errorf("%w: unknown message type %q", ErrProtocol, msg.Type)
	}
	for name := range fields {
		if !slices.Contains(allowed, name) {
			return msg, fmt.Errorf("%w: unknown field %q for %s", ErrProtocol, name, msg.Type)
		}
	}
	for _, name := range allowed {
		if _, ok := fields[name]; !ok {
			return msg, fmt.Errorf("%w: %s requires field %q", ErrProtocol, msg.Type, name)
		}
	}
	if msg.AgentID == "" {
		return msg, fmt.Errorf("%w: invalid agentId", ErrProtocol)
	}

	switch msg.Type {
	case TypeInput:
		if len(msg.Data) > MaxInputBytes {
			return msg, fmt.Errorf("%w: input exceeds %d bytes", ErrProtocol, MaxInputBytes)
		}
	case TypeResize:
		if msg.Cols == 0 || msg.Rows == 0 {
			return msg, fmt.Errorf("%w: cols and rows must be positive", ErrProtocol)
		}
	}
	return msg, nil
}

// ValidAgentID reports whether id is acceptable as an agent identifier.
func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

func connectedMessage(agentID string, role Role) ServerMessage {
	return ServerMessage{
		Type:    TypeConnected,
		AgentID: agentID,
		Message: fmt.Sprintf("connected to agent %s as %s", agentID, role),
		Role:    role,
	}
}

func outputMessage(agentID string, output []byte, replay bool) ServerMessage {
	return ServerMessage{Type: TypeOutput, AgentID: agentID, Output: string(output), Replay: replay}
}

// ErrorMessage builds the terminal_error frame for err.
func ErrorMessage(agentID string, err error) ServerMessage {
	return ServerMessage{Type: TypeError, AgentID: agentID, Error: err.Error(), Code: ErrorCode(err)}
}

func closedMessage(agentID, reason string) ServerMessage {
	return ServerMessage{Type: TypeClosed, AgentID: agentID, Reason: reason}
}
