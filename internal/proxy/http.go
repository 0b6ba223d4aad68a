package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"

	"github.com/splax/covibes/internal/domain"
)

const (
	defaultDialTimeout     = 5 * time.Second
	defaultResponseTimeout = 60 * time.Second
	defaultWSQueue         = 64
	// maxRewriteBytes caps how much of a body is buffered for rewriting.
	maxRewriteBytes = 16 << 20
)

// Resolver maps a team to its backend dev server.
type Resolver interface {
	ResolveBackend(ctx context.Context, teamID string) (domain.BackendAddress, error)
}

// Metrics receives proxy outcomes.
type Metrics interface {
	ObserveRequest(kind, code string, duration time.Duration)
	TunnelOpened()
	TunnelClosed()
}

type nopMetrics struct{}

func (nopMetrics) ObserveRequest(string, string, time.Duration) {}
func (nopMetrics) TunnelOpened()                                {}
func (nopMetrics) TunnelClosed()                                {}

// Config tunes a Handler.
type Config struct {
	BasePath        string
	DialTimeout     time.Duration
	ResponseTimeout time.Duration
	WSQueue         int
	Metrics         Metrics
}

// Handler forwards tenant-scoped HTTP and websocket traffic to preview backends.
type Handler struct {
	resolver  Resolver
	logger    *slog.Logger
	cfg       Config
	transport http.RoundTripper
	dialer    *websocket.Dialer
	upgrader  websocket.Upgrader
}

// New constructs a Handler.
func New(resolver Resolver, logger *slog.Logger, cfg Config) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BasePath == "" {
		cfg.BasePath = DefaultBasePath
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	if cfg.WSQueue <= 0 {
		cfg.WSQueue = defaultWSQueue
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	netDialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	return &Handler{
		resolver: resolver,
		logger:   logger.With("component", "preview_proxy"),
		cfg:      cfg,
		transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           netDialer.DialContext,
			MaxIdleConns:          256,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: cfg.ResponseTimeout,
			ExpectContinueTimeout: time.Second,
		},
		dialer: &websocket.Dialer{
			NetDialContext:   netDialer.DialContext,
			HandshakeTimeout: cfg.DialTimeout,
		},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP routes a request under the base path to the team's backend.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, err := ParseRoute(h.cfg.BasePath, r)
	if err != nil {
		code := writeError(w, "", err)
		h.cfg.Metrics.ObserveRequest("http", code, 0)
		return
	}
	if wantsWebSocket(r) {
		h.ForwardWebSocket(w, r, route)
		return
	}
	h.ForwardHTTP(w, r, route)
}

// ForwardHTTP proxies a plain HTTP request, rewriting references in HTML,
// JavaScript and CSS responses so they stay under the route prefix.
func (h *Handler) ForwardHTTP(w http.ResponseWriter, r *http.Request, route Route) {
	start := time.Now()
	addr, err := h.resolver.ResolveBackend(r.Context(), route.TeamID)
	if err != nil {
		code := writeError(w, route.TeamID, err)
		h.logger.Warn("preview resolve failed", "team_id", route.TeamID, "code", code, "error", err)
		h.cfg.Metrics.ObserveRequest("http", code, time.Since(start))
		return
	}

	target := &url.URL{Scheme: "http", Host: addr.HostPort()}
	rewriter := NewRewriter(route.Prefix)
	outcome := "ok"
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = route.Path
			pr.Out.URL.RawPath = route.RawPath
			pr.Out.URL.RawQuery = pr.In.URL.RawQuery
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Forwarded-Prefix", route.Prefix)
			pr.Out.Header.Del("Authorization")
			if acceptsGzip(pr.In.Header) {
				pr.Out.Header.Set("Accept-Encoding", "gzip")
			} else {
				pr.Out.Header.Del("Accept-Encoding")
			}
		},
		Transport:     h.transport,
		FlushInterval: -1,
		ModifyResponse: func(resp *http.Response) error {
			return h.modifyResponse(resp, route, addr, rewriter)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(r.Context().Err(), context.Canceled) {
				outcome = "client_closed"
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			if !isTimeout(err) {
				err = fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
			}
			outcome = writeError(w, route.TeamID, err)
			h.logger.Warn("preview upstream failed", "team_id", route.TeamID, "backend", addr.HostPort(), "path", route.Path, "error", err)
		},
		ErrorLog: slog.NewLogLogger(h.logger.Handler(), slog.LevelWarn),
	}
	rp.ServeHTTP(&noSniffWriter{ResponseWriter: w}, r)
	h.cfg.Metrics.ObserveRequest("http", outcome, time.Since(start))
}

// modifyResponse rewrites redirects and rewritable bodies.
func (h *Handler) modifyResponse(resp *http.Response, route Route, addr domain.BackendAddress, rewriter *Rewriter) error {
	if loc := resp.Header.Get("Location"); loc != "" {
		resp.Header.Set("Location", rewriteLocation(loc, addr, rewriter))
	}

	kind := ClassifyContent(resp.Header.Get("Content-Type"))
	if kind == KindOther || !hasBody(resp) {
		return nil
	}
	body, decoded, err := decodedBody(resp)
	if err != nil {
		h.logger.Debug("skip rewrite of encoded body", "team_id", route.TeamID, "path", route.Path, "error", err)
		return nil
	}

	buf, err := io.ReadAll(io.LimitReader(body, maxRewriteBytes+1))
	if err != nil {
		_ = resp.Body.Close()
		return fmt.Errorf("read upstream body: %w", err)
	}
	if decoded {
		resp.Header.Del("Content-Encoding")
		resp.Uncompressed = true
	}
	if len(buf) > maxRewriteBytes {
		// Too large to buffer: stream the remainder untouched.
		resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), body), Closer: resp.Body}
		resp.ContentLength = -1
		resp.Header.Del("Content-Length")
		return nil
	}
	_ = resp.Body.Close()

	out := rewriter.Rewrite(kind, buf)
	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	return nil
}

// decodedBody returns a reader of the identity-encoded body. decoded reports
// whether a content coding was removed.
func decodedBody(resp *http.Response) (io.Reader, bool, error) {
	switch enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
		return resp.Body, false, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, false, err
		}
		return zr, true, nil
	default:
		return nil, false, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

func rewriteLocation(loc string, addr domain.BackendAddress, rewriter *Rewriter) string {
	if strings.HasPrefix(loc, "/") {
		return rewriter.URL(loc)
	}
	u, err := url.Parse(loc)
	if err != nil || u.Host != addr.HostPort() {
		return loc
	}
	rel := u.EscapedPath()
	if rel == "" {
		rel = "/"
	}
	if u.RawQuery != "" {
		rel += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		rel += "#" + u.EscapedFragment()
	}
	return rewriter.URL(rel)
}

func hasBody(resp *http.Response) bool {
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return false
	}
	switch {
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotModified:
		return false
	case resp.StatusCode >= 100 && resp.StatusCode < 200:
		return false
	}
	return true
}

func acceptsGzip(h http.Header) bool {
	for _, value := range h.Values("Accept-Encoding") {
		for _, part := range strings.Split(value, ",") {
			coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
			if strings.EqualFold(strings.TrimSpace(coding), "gzip") && strings.ReplaceAll(params, " ", "") != "q=0" {
				return true
			}
		}
	}
	return false
}

type readCloser struct {
	io.Reader
	io.Closer
}

// noSniffWriter keeps net/http from guessing a Content-Type the backend did
// not send.
type noSniffWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *noSniffWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		if _, ok := w.Header()["Content-Type"]; !ok {
			w.Header()["Content-Type"] = nil
		}
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *noSniffWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func (w *noSniffWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
