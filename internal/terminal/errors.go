package terminal

import "errors"

var (
	// ErrSessionNotFound is returned when no live session exists for an agent,
	// including sessions that already reached the closed state.
	ErrSessionNotFound = errors.New("session not found")
	// ErrPermissionDenied is returned when a subscriber may not perform an operation.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrBackendSpawnFailure is returned when the PTY backend could not start a process.
	ErrBackendSpawnFailure = errors.New("backend spawn failure")
	// ErrUnexpectedExit is reported when an agent process exits without being stopped.
	ErrUnexpectedExit = errors.New("unexpected exit")
	// ErrProtocol is returned for malformed client messages.
	ErrProtocol = errors.New("protocol error")
	// ErrRegistryClosed is returned once the registry has been shut down.
	ErrRegistryClosed = errors.New("registry closed")
)

// Wire codes carried by terminal_error messages and HTTP error bodies.
const (
	CodeSessionNotFound     = "session_not_found"
	CodePermissionDenied    = "permission_denied"
	CodeBackendSpawnFailure = "backend_spawn_failure"
	CodeUnexpectedExit      = "unexpected_exit"
	CodeProtocolError       = "protocol_error"
	CodeUnavailable         = "unavailable"
	CodeInternal            = "internal_error"
)

// ErrorCode maps an error to its stable wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrBackendSpawnFailure):
		return CodeBackendSpawnFailure
	case errors.Is(err, ErrUnexpectedExit):
		return CodeUnexpectedExit
	case errors.Is(err, ErrProtocol):
		return CodeProtocolError
	case errors.Is(err, ErrRegistryClosed):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
