package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"

	"github.com/splax/covibes/internal/domain"
	"github.com/splax/covibes/internal/service/preview"
)

const appJSX = `import React from "/node_modules/.vite/deps/react.js?v=4f2c";
import App from "/src/App.jsx";
import "./index.css";
const cdn = "//cdn.example.com/lib.js";
const Lazy = React.lazy(() => import("/src/Lazy.jsx"));
export { default as Header } from '/src/Header.jsx';
`

const indexHTML = `<!doctype html>
<html>
  <head>
    <script type="module" src="/@vite/client"></script>
    <script type="module">import RefreshRuntime from "/@react-refresh"; RefreshRuntime.injectIntoGlobalHook(window);</script>
    <link rel="stylesheet" href="/src/index.css">
    <link rel="icon" href="https://example.com/favicon.ico">
    <style>body { background: url(/bg.png); }</style>
  </head>
  <body>
    <h1>Hello</h1>
    <a href="/api/preview/proxy/demo-team-001/already">kept</a>
    <img src="logo.svg">
    <script type="module" src="/src/main.jsx"></script>
  </body>
</html>
`

type fakeResolver struct {
	mu    sync.Mutex
	addrs map[string]domain.BackendAddress
	errs  map[string]error
	calls int
}

func (f *fakeResolver) ResolveBackend(_ context.Context, teamID string) (domain.BackendAddress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[teamID]; ok {
		return domain.BackendAddress{}, err
	}
	addr, ok := f.addrs[teamID]
	if !ok {
		return domain.BackendAddress{}, fmt.Errorf("%w: %s", preview.ErrRouting, teamID)
	}
	return addr, nil
}

func backendAddress(t *testing.T, rawURL string) domain.BackendAddress {
	t.Helper()
	hostPort := strings.TrimPrefix(rawURL, "http://")
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		t.Fatalf("split %s: %v", rawURL, err)
	}
	port, _ := strconv.Atoi(portStr)
	return domain.BackendAddress{Host: host, Port: port}
}

func newDevServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{"vite-hmr"}}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected"}`))
			for {
				mt, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if string(msg) == "bye" {
					_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(4001, "done"), time.Now().Add(time.Second))
					return
				}
				_ = conn.WriteMessage(mt, append([]byte("echo:"), msg...))
			}
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, indexHTML)
	})
	serveScript := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("X-Dev-Path", r.URL.Path+"?"+r.URL.RawQuery)
		w.Header().Set("X-Dev-Prefix", r.Header.Get("X-Forwarded-Prefix"))
		_, _ = io.WriteString(w, appJSX)
	}
	mux.HandleFunc("/src/App.jsx", serveScript)
	mux.HandleFunc("/main/src/App.jsx", serveScript)
	mux.HandleFunc("/src/index.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		_, _ = io.WriteString(zw, `@import "/src/theme.css"; .hero { background-image: url("/hero.png"); } .x { background: url(data:image/png;base64,AAAA); }`)
		_ = zw.Close()
	})
	mux.HandleFunc("/logo.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G', '/', 's', 'r', 'c'})
	})
	mux.HandleFunc("/raw", func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = io.WriteString(w, "<html>not sniffed</html>")
	})
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new?x=1", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestHandler(t *testing.T, resolver Resolver) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	h := New(resolver, logger, Config{DialTimeout: time.Second, WSQueue: 4})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func setup(t *testing.T) (*httptest.Server, *fakeResolver) {
	t.Helper()
	dev := newDevServer(t)
	resolver := &fakeResolver{
		addrs: map[string]domain.BackendAddress{"demo-team-001": backendAddress(t, dev.URL)},
		errs: map[string]error{
			"sleeping-team": fmt.Errorf("%w: sleeping-team", preview.ErrNotRunning),
			"slow-team":     fmt.Errorf("%w: slow-team", preview.ErrUpstreamTimeout),
		},
	}
	return newTestHandler(t, resolver), resolver
}

func get(t *testing.T, rawURL string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", rawURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func TestScriptKeepsScriptMimeType(t *testing.T) {
	srv, _ := setup(t)
	resp, body := get(t, srv.URL+"/api/preview/proxy/demo-team-001/src/App.jsx?t=1700", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ClassifyContent(ct) != KindJavaScript {
		t.Fatalf("expected script MIME type, got %q", ct)
	}
	if got := resp.Header.Get("X-Dev-Path"); got != "/src/App.jsx?t=1700" {
		t.Fatalf("backend saw %q", got)
	}
	if got := resp.Header.Get("X-Dev-Prefix"); got != "/api/preview/proxy/demo-team-001" {
		t.Fatalf("backend saw prefix %q", got)
	}

	for _, want := range []string{
		`from "/api/preview/proxy/demo-team-001/node_modules/.vite/deps/react.js?v=4f2c"`,
		`from "/api/preview/proxy/demo-team-001/src/App.jsx"`,
		`import("/api/preview/proxy/demo-team-001/src/Lazy.jsx")`,
		`from '/api/preview/proxy/demo-team-001/src/Header.jsx'`,
		`import "./index.css"`,
		`"//cdn.example.com/lib.js"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %s\n%s", want, body)
		}
	}
	if resp.Header.Get("Content-Length") != strconv.Itoa(len(body)) {
		t.Fatalf("content length %s does not match body %d", resp.Header.Get("Content-Length"), len(body))
	}
}

func TestBranchScopedScriptPath(t *testing.T) {
	srv, _ := setup(t)
	resp, body := get(t, srv.URL+"/api/preview/proxy/demo-team-001/main/src/App.jsx", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	ct := resp.Header.Get("Content-Type")
	if ClassifyContent(ct) != KindJavaScript || strings.Contains(ct, "html") {
		t.Fatalf("expected script MIME type, got %q", ct)
	}
	if got := resp.Header.Get("X-Dev-Path"); got != "/main/src/App.jsx?" {
		t.Fatalf("backend saw %q", got)
	}
}

func TestHTMLRewrite(t *testing.T) {
	srv, _ := setup(t)
	resp, body := get(t, srv.URL+"/api/preview/proxy/demo-team-001/", nil)
	if ClassifyContent(resp.Header.Get("Content-Type")) != KindHTML {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	for _, want := range []string{
		`src="/api/preview/proxy/demo-team-001/@vite/client"`,
		`import RefreshRuntime from "/api/preview/proxy/demo-team-001/@react-refresh"`,
		`href="/api/preview/proxy/demo-team-001/src/index.css"`,
		`href="https://example.com/favicon.ico"`,
		`url(/api/preview/proxy/demo-team-001/bg.png)`,
		`href="/api/preview/proxy/demo-team-001/already"`,
		`<img src="logo.svg">`,
		`src="/api/preview/proxy/demo-team-001/src/main.jsx"`,
		`<h1>Hello</h1>`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %s\n%s", want, body)
		}
	}
	if strings.Contains(body, "/api/preview/proxy/demo-team-001/api/preview") {
		t.Fatalf("prefix applied twice:\n%s", body)
	}
}

func TestGzipCSSIsDecodedAndRewritten(t *testing.T) {
	srv, _ := setup(t)
	resp, body := get(t, srv.URL+"/api/preview/proxy/demo-team-001/src/index.css", http.Header{"Accept-Encoding": {"gzip"}})
	if enc := resp.Header.Get("Content-Encoding"); enc != "" {
		t.Fatalf("expected identity encoding, got %q", enc)
	}
	for _, want := range []string{
		`@import "/api/preview/proxy/demo-team-001/src/theme.css"`,
		`url("/api/preview/proxy/demo-team-001/hero.png")`,
		`url(data:image/png;base64,AAAA)`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %s\n%s", want, body)
		}
	}
}

func TestBinaryBodiesPassThrough(t *testing.T) {
	srv, _ := setup(t)
	resp, body := get(t, srv.URL+"/api/preview/proxy/demo-team-001/logo.png", nil)
	if resp.Header.Get("Content-Type") != "image/png" || body != "\x89PNG/src" {
		t.Fatalf("unexpected response %q %q", resp.Header.Get("Content-Type"), body)
	}
}

func TestMissingContentTypeIsNotSniffed(t *testing.T) {
	srv, _ := setup(t)
	resp, body := get(t, srv.URL+"/api/preview/proxy/demo-team-001/raw", nil)
	if ct, ok := resp.Header["Content-Type"]; ok {
		t.Fatalf("proxy invented content type %v", ct)
	}
	if body != "<html>not sniffed</html>" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestRedirectLocationIsPrefixed(t *testing.T) {
	srv, _ := setup(t)
	resp, _ := get(t, srv.URL+"/api/preview/proxy/demo-team-001/old", nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/api/preview/proxy/demo-team-001/new?x=1" {
		t.Fatalf("unexpected location %q", loc)
	}
}

func TestErrorResponses(t *testing.T) {
	srv, _ := setup(t)
	dead := newTestHandler(t, &fakeResolver{addrs: map[string]domain.BackendAddress{
		"gone-team": {Host: "127.0.0.1", Port: closedPort(t)},
	}})

	cases := []struct {
		name   string
		url    string
		status int
		code   string
	}{
		{name: "unknown team", url: srv.URL + "/api/preview/proxy/nobody/", status: http.StatusNotFound, code: CodeRoutingError},
		{name: "invalid team", url: srv.URL + "/api/preview/proxy/..%2F/x", status: http.StatusNotFound, code: CodeRoutingError},
		{name: "not running", url: srv.URL + "/api/preview/proxy/sleeping-team/", status: http.StatusServiceUnavailable, code: CodeNotRunning},
		{name: "ensure timeout", url: srv.URL + "/api/preview/proxy/slow-team/", status: http.StatusBadGateway, code: CodeUpstreamTimeout},
		{name: "unreachable", url: dead.URL + "/api/preview/proxy/gone-team/", status: http.StatusBadGateway, code: CodeUpstreamUnreachable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := get(t, tc.url, nil)
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, resp.StatusCode, body)
			}
			var payload errorBody
			if err := json.Unmarshal([]byte(body), &payload); err != nil {
				t.Fatalf("decode %q: %v", body, err)
			}
			if payload.Code != tc.code || payload.Error == "" {
				t.Fatalf("unexpected body %+v", payload)
			}
		})
	}
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestWebSocketRelaysHotReloadFrames(t *testing.T) {
	srv, _ := setup(t)
	dialer := websocket.Dialer{Subprotocols: []string{"vite-hmr"}}
	conn, resp, err := dialer.Dial(wsURL(srv, "/api/preview/proxy/demo-team-001/?token=abc"), nil)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	defer conn.Close()
	if conn.Subprotocol() != "vite-hmr" {
		t.Fatalf("subprotocol not negotiated: %q", conn.Subprotocol())
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil || string(msg) != `{"type":"connected"}` {
		t.Fatalf("expected backend greeting, got %q %v", msg, err)
	}

	update := `{"type":"update","updates":[{"type":"js-update","path":"/src/App.jsx"}]}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(update)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, msg, err = conn.ReadMessage()
	if err != nil || string(msg) != "echo:"+update {
		t.Fatalf("unexpected echo %q %v", msg, err)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	mt, msg, err := conn.ReadMessage()
	if err != nil || mt != websocket.BinaryMessage || !bytes.Equal(msg, []byte("echo:\x01\x02\x03")) {
		t.Fatalf("unexpected binary echo %d %q %v", mt, msg, err)
	}

	// A close from the backend reaches the client with its code.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("bye")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, 4001) {
		t.Fatalf("expected close 4001, got %v", err)
	}
}

// newTunnelBackend serves a websocket backend whose connections are handed to
// the test, behind a proxy handler.
func newTunnelBackend(t *testing.T) (*httptest.Server, <-chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	var upgrader websocket.Upgrader
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		t.Cleanup(func() { _ = conn.Close() })
		conns <- conn
	}))
	t.Cleanup(backend.Close)
	resolver := &fakeResolver{addrs: map[string]domain.BackendAddress{"tunnel-team": backendAddress(t, backend.URL)}}
	return newTestHandler(t, resolver), conns
}

func acceptBackend(t *testing.T, conns <-chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("backend connection not established")
		return nil
	}
}

func TestWebSocketClientCloseReachesBackend(t *testing.T) {
	srv, conns := newTunnelBackend(t)
	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/api/preview/proxy/tunnel-team/"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	backend := acceptBackend(t, conns)

	msg := websocket.FormatCloseMessage(4002, "tab closed")
	if err := client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("write close: %v", err)
	}
	_ = backend.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = backend.ReadMessage()
	if !websocket.IsCloseError(err, 4002) {
		t.Fatalf("expected backend to see close 4002, got %v", err)
	}
}

func TestWebSocketFullQueuePausesReader(t *testing.T) {
	srv, conns := newTunnelBackend(t)
	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/api/preview/proxy/tunnel-team/"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	backend := acceptBackend(t, conns)

	// The backend never reads, so once socket buffers and the four queued
	// frames are full the proxy stops reading from the client.
	const frames = 400
	payload := bytes.Repeat([]byte("x"), 256<<10)
	written := 0
	for ; written < frames; written++ {
		_ = client.SetWriteDeadline(time.Now().Add(500 * time.Millisecond))
		if err := client.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			break
		}
	}
	if written == frames {
		t.Fatalf("wrote %d frames of %d bytes without blocking", written, len(payload))
	}

	_ = backend.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, got, err := backend.ReadMessage()
	if err != nil || mt != websocket.BinaryMessage || len(got) != len(payload) {
		t.Fatalf("expected the first queued frame, got type %d len %d err %v", mt, len(got), err)
	}
}

func TestWebSocketErrors(t *testing.T) {
	srv, _ := setup(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/api/preview/proxy/nobody/"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown team, got %v %v", resp, err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/preview/proxy/demo-team-001/", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed upgrade, got %d", res.StatusCode)
	}
	var payload errorBody
	_ = json.NewDecoder(res.Body).Decode(&payload)
	if payload.Code != CodeProtocolError {
		t.Fatalf("unexpected code %q", payload.Code)
	}
}

func TestParseRoute(t *testing.T) {
	cases := []struct {
		path   string
		team   string
		sub    string
		routed bool
	}{
		{path: "/api/preview/proxy/demo-team-001/main/src/App.jsx", team: "demo-team-001", sub: "/main/src/App.jsx", routed: true},
		{path: "/api/preview/proxy/demo-team-001", team: "demo-team-001", sub: "/", routed: true},
		{path: "/api/preview/proxy/demo-team-001/", team: "demo-team-001", sub: "/", routed: true},
		{path: "/api/preview/proxy/", routed: false},
		{path: "/api/preview/other/x", routed: false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		route, err := ParseRoute(DefaultBasePath, req)
		if !tc.routed {
			if err == nil {
				t.Errorf("%s: expected routing error", tc.path)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.path, err)
			continue
		}
		if route.TeamID != tc.team || route.Path != tc.sub || route.Prefix != DefaultBasePath+"/"+tc.team {
			t.Errorf("%s: unexpected route %+v", tc.path, route)
		}
	}
}
