package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/splax/covibes/internal/service/preview"
)

var (
	// ErrProtocol marks a malformed websocket upgrade request.
	ErrProtocol = errors.New("proxy: malformed websocket upgrade")
	// ErrUpstreamUnreachable marks a backend that refused or dropped the connection.
	ErrUpstreamUnreachable = errors.New("proxy: upstream unreachable")
)

// Error codes returned in proxy error bodies.
const (
	CodeRoutingError        = "routing_error"
	CodeNotRunning          = "not_running"
	CodeUpstreamTimeout     = "upstream_timeout"
	CodeUpstreamUnreachable = "upstream_unreachable"
	CodeProtocolError       = "protocol_error"
)

// classify maps a proxy failure to its HTTP status and wire code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, preview.ErrRouting):
		return http.StatusNotFound, CodeRoutingError
	case errors.Is(err, ErrProtocol):
		return http.StatusBadRequest, CodeProtocolError
	case errors.Is(err, preview.ErrNotRunning):
		return http.StatusServiceUnavailable, CodeNotRunning
	case errors.Is(err, preview.ErrUpstreamTimeout), isTimeout(err):
		return http.StatusBadGateway, CodeUpstreamTimeout
	default:
		return http.StatusBadGateway, CodeUpstreamUnreachable
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	TeamID string `json:"team_id,omitempty"`
}

// writeError sends a structured error and returns its wire code.
func writeError(w http.ResponseWriter, teamID string, err error) string {
	status, code := classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error(), Code: code, TeamID: teamID})
	return code
}
