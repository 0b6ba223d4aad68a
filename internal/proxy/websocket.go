package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const tunnelWriteWait = 10 * time.Second

// errTunnelClosed ends a tunnel after a close frame was relayed.
var errTunnelClosed = errors.New("tunnel closed")

// forwardedHeaders are copied from the client handshake to the backend one.
var forwardedHeaders = []string{"Origin", "Cookie", "User-Agent", "Accept-Language"}

type wsFrame struct {
	messageType int
	data        []byte
}

func wantsWebSocket(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

// validateUpgrade checks the parts of the handshake that must be present
// before any backend is contacted.
func validateUpgrade(r *http.Request) error {
	if r.Method != http.MethodGet {
		return fmt.Errorf("%w: method %s", ErrProtocol, r.Method)
	}
	if !headerContainsToken(r.Header, "Connection", "upgrade") {
		return fmt.Errorf("%w: missing Connection: upgrade", ErrProtocol)
	}
	if r.Header.Get("Sec-Websocket-Version") != "13" {
		return fmt.Errorf("%w: unsupported websocket version", ErrProtocol)
	}
	if strings.TrimSpace(r.Header.Get("Sec-Websocket-Key")) == "" {
		return fmt.Errorf("%w: missing Sec-WebSocket-Key", ErrProtocol)
	}
	return nil
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// ForwardWebSocket bridges a websocket upgrade, typically the dev server's
// hot-reload channel, to the team's backend. The backend is dialed first so
// its negotiated subprotocol can be offered to the client.
func (h *Handler) ForwardWebSocket(w http.ResponseWriter, r *http.Request, route Route) {
	start := time.Now()
	if err := validateUpgrade(r); err != nil {
		code := writeError(w, route.TeamID, err)
		h.cfg.Metrics.ObserveRequest("websocket", code, time.Since(start))
		return
	}
	addr, err := h.resolver.ResolveBackend(r.Context(), route.TeamID)
	if err != nil {
		code := writeError(w, route.TeamID, err)
		h.logger.Warn("preview resolve failed", "team_id", route.TeamID, "code", code, "error", err)
		h.cfg.Metrics.ObserveRequest("websocket", code, time.Since(start))
		return
	}

	target := url.URL{
		Scheme:   "ws",
		Host:     addr.HostPort(),
		Path:     route.Path,
		RawPath:  route.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	header := http.Header{}
	for _, name := range forwardedHeaders {
		for _, value := range r.Header.Values(name) {
			header.Add(name, value)
		}
	}
	header.Set("X-Forwarded-Prefix", route.Prefix)
	header.Set("X-Forwarded-Host", r.Host)

	dialer := *h.dialer
	dialer.Subprotocols = websocket.Subprotocols(r)
	dialCtx, cancel := context.WithTimeout(r.Context(), h.cfg.DialTimeout)
	backend, resp, err := dialer.DialContext(dialCtx, target.String(), header)
	cancel()
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w: backend answered handshake with %s", ErrUpstreamUnreachable, resp.Status)
		} else if !isTimeout(err) {
			err = fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
		}
		code := writeError(w, route.TeamID, err)
		h.logger.Warn("preview websocket dial failed", "team_id", route.TeamID, "backend", addr.HostPort(), "path", route.Path, "error", err)
		h.cfg.Metrics.ObserveRequest("websocket", code, time.Since(start))
		return
	}

	var responseHeader http.Header
	if protocol := backend.Subprotocol(); protocol != "" {
		responseHeader = http.Header{"Sec-Websocket-Protocol": {protocol}}
	}
	client, err := h.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		_ = backend.Close()
		h.logger.Warn("preview websocket upgrade failed", "team_id", route.TeamID, "error", err)
		h.cfg.Metrics.ObserveRequest("websocket", CodeProtocolError, time.Since(start))
		return
	}

	h.cfg.Metrics.TunnelOpened()
	defer h.cfg.Metrics.TunnelClosed()
	h.logger.Debug("preview websocket opened", "team_id", route.TeamID, "path", route.Path, "subprotocol", backend.Subprotocol())
	err = h.tunnel(r.Context(), client, backend)
	h.logger.Debug("preview websocket closed", "team_id", route.TeamID, "path", route.Path, "duration", time.Since(start), "error", err)
	h.cfg.Metrics.ObserveRequest("websocket", "ok", time.Since(start))
}

// tunnel pipes frames between client and backend until either side closes.
// Each direction is a reader and a writer joined by a bounded queue; a full
// queue blocks the reader, which stops reading from that peer. Closing either
// side tears down both.
func (h *Handler) tunnel(ctx context.Context, client, backend *websocket.Conn) error {
	g, ctx := errgroup.WithContext(ctx)
	toBackend := make(chan wsFrame, h.cfg.WSQueue)
	toClient := make(chan wsFrame, h.cfg.WSQueue)

	g.Go(func() error { return pumpReader(ctx, client, toBackend) })
	g.Go(func() error { return pumpWriter(ctx, backend, toBackend) })
	g.Go(func() error { return pumpReader(ctx, backend, toClient) })
	g.Go(func() error { return pumpWriter(ctx, client, toClient) })
	g.Go(func() error {
		<-ctx.Done()
		_ = client.Close()
		_ = backend.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, errTunnelClosed) {
		return nil
	}
	return err
}

func pumpReader(ctx context.Context, conn *websocket.Conn, out chan<- wsFrame) error {
	defer close(out)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			// Relay the close to the peer; the writer ends the tunnel after sending it.
			select {
			case out <- wsFrame{messageType: websocket.CloseMessage, data: closePayload(err)}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case out <- wsFrame{messageType: messageType, data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func pumpWriter(ctx context.Context, conn *websocket.Conn, in <-chan wsFrame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-in:
			if !ok {
				return errTunnelClosed
			}
			if frame.messageType == websocket.CloseMessage {
				_ = conn.WriteControl(websocket.CloseMessage, frame.data, time.Now().Add(tunnelWriteWait))
				return errTunnelClosed
			}
			_ = conn.SetWriteDeadline(time.Now().Add(tunnelWriteWait))
			if err := conn.WriteMessage(frame.messageType, frame.data); err != nil {
				return err
			}
		}
	}
}

// closePayload builds the close frame forwarded after a read error. Codes
// that must not appear on the wire are replaced.
func closePayload(err error) []byte {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	}
	switch closeErr.Code {
	case websocket.CloseNoStatusReceived:
		return []byte{}
	case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	default:
		return websocket.FormatCloseMessage(closeErr.Code, closeErr.Text)
	}
}
