package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/covibes/internal/domain"
	"github.com/splax/covibes/internal/proxy"
	"github.com/splax/covibes/internal/service/preview"
	"github.com/splax/covibes/internal/terminal"
)

// Deployments looks up preview deployment records.
type Deployments interface {
	Deployment(ctx context.Context, teamID string) (*domain.PreviewDeployment, error)
}

// Dependencies are the services a Router exposes.
type Dependencies struct {
	Proxy              http.Handler
	ProxyBasePath      string
	Deployments        Deployments
	Terminals          *terminal.Registry
	Relay              *terminal.Relay
	Limiter            RateLimiter
	Metrics            *Metrics
	JWTSecret          string
	PreviewRequireAuth bool
	DBHealth           func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux                *http.ServeMux
	logger             *slog.Logger
	proxy              http.Handler
	proxyBasePath      string
	deployments        Deployments
	terminals          *terminal.Registry
	relay              *terminal.Relay
	upgrader           websocket.Upgrader
	limiter            RateLimiter
	metrics            *Metrics
	jwtSecret          string
	previewRequireAuth bool
	dbHealth           func(context.Context) error
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	maxRequestBody     = 64 << 10
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Dependencies) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:           http.NewServeMux(),
		logger:        logger,
		proxy:         deps.Proxy,
		proxyBasePath: strings.TrimSuffix(deps.ProxyBasePath, "/"),
		deployments:   deps.Deployments,
		terminals:     deps.Terminals,
		relay:         deps.Relay,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:            deps.Limiter,
		metrics:            deps.Metrics,
		jwtSecret:          deps.JWTSecret,
		previewRequireAuth: deps.PreviewRequireAuth,
		dbHealth:           deps.DBHealth,
	}
	if r.proxyBasePath == "" {
		r.proxyBasePath = proxy.DefaultBasePath
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	if r.proxy != nil {
		r.mux.HandleFunc(r.proxyBasePath+"/", r.audit("/api/preview/proxy", r.previewAuth(r.handlePreviewProxy)))
	}
	if r.deployments != nil {
		r.mux.HandleFunc("/api/preview/deployments/", r.audit("/api/preview/deployments", r.previewAuth(r.handleDeployment)))
	}
	if r.terminals != nil {
		r.mux.HandleFunc("/api/agents", r.audit("/api/agents", r.handlerAuthRate("/api/agents", rateLimitUserWrite, rateWindowDefault, r.handleAgents)))
		r.mux.HandleFunc("/api/agents/", r.audit("/api/agents/{id}", r.handlerAuthRate("/api/agents/{id}", rateLimitUserRead, rateWindowDefault, r.handleAgentSubroutes)))
	}
	if r.relay != nil {
		r.mux.HandleFunc("/ws/terminal", r.audit("/ws/terminal", r.handlerAuthRate("/ws/terminal", rateLimitWebsocket, rateWindowRealtime, r.handleTerminalWS)))
	}
}

// previewAuth gates preview routes behind a token when configured, and keeps
// the query token from reaching the team's dev server.
func (r *Router) previewAuth(next http.HandlerFunc) http.HandlerFunc {
	if !r.previewRequireAuth {
		return next
	}
	gated := r.requireAuth(next)
	return func(w http.ResponseWriter, req *http.Request) {
		stripQueryToken(req)
		gated(w, req)
	}
}

// stripQueryToken moves an access_token query parameter into the
// Authorization header.
func stripQueryToken(req *http.Request) {
	if !strings.Contains(req.URL.RawQuery, "access_token") {
		return
	}
	query, err := url.ParseQuery(req.URL.RawQuery)
	if err != nil {
		return
	}
	token := strings.TrimSpace(query.Get("access_token"))
	if token == "" {
		return
	}
	query.Del("access_token")
	req.URL.RawQuery = query.Encode()
	if req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (r *Router) handlePreviewProxy(w http.ResponseWriter, req *http.Request) {
	r.proxy.ServeHTTP(w, req)
}

func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	teamID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/preview/deployments/"), "/")
	if teamID == "" || strings.Contains(teamID, "/") {
		r.notFound(w)
		return
	}
	if info, ok := authInfoFromContext(req.Context()); ok && info.TeamID != "" && info.TeamID != teamID {
		writeErrorCode(w, http.StatusForbidden, terminal.CodePermissionDenied, "deployment belongs to another team")
		return
	}
	dep, err := r.deployments.Deployment(req.Context(), teamID)
	if err != nil {
		if errors.Is(err, preview.ErrRouting) {
			writeErrorCode(w, http.StatusNotFound, proxy.CodeRoutingError, "no preview deployment for team")
			return
		}
		r.logger.Error("deployment lookup failed", "team_id", teamID, "error", err)
		writeError(w, http.StatusInternalServerError, "deployment lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, marshalDeployment(dep))
}

func marshalDeployment(dep *domain.PreviewDeployment) map[string]any {
	payload := map[string]any{
		"team_id":    dep.TeamID,
		"status":     dep.Status,
		"ready":      dep.Running(),
		"updated_at": dep.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if dep.Host != "" && dep.Port > 0 {
		payload["address"] = dep.Address()
	}
	if dep.LastHealthCheck != nil {
		payload["last_health_check"] = dep.LastHealthCheck.UTC().Format(time.RFC3339Nano)
	}
	return payload
}

func (r *Router) handleAgents(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for agents", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			AgentID string `json:"agentId"`
		}
		body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
		}
		session, created, err := r.terminals.Spawn(req.Context(), strings.TrimSpace(payload.AgentID), info.identity())
		if err != nil {
			r.writeTerminalError(w, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, session)
	case http.MethodGet:
		teamID := strings.TrimSpace(req.URL.Query().Get("team_id"))
		if teamID == "" {
			teamID = info.TeamID
		}
		if info.TeamID != "" && teamID != info.TeamID {
			writeErrorCode(w, http.StatusForbidden, terminal.CodePermissionDenied, "cannot list agents of another team")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": r.terminals.List(teamID)})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAgentSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for agent", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/agents/"), "/")
	parts := strings.Split(rest, "/")
	agentID := parts[0]
	if agentID == "" || !terminal.ValidAgentID(agentID) || len(parts) > 2 {
		r.notFound(w)
		return
	}
	session, err := r.terminals.Status(agentID)
	if err != nil {
		r.writeTerminalError(w, err)
		return
	}
	if session.TeamID != "" && info.TeamID != "" && session.TeamID != info.TeamID {
		r.writeTerminalError(w, terminal.ErrPermissionDenied)
		return
	}

	if len(parts) == 1 {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, session)
		return
	}
	if parts[1] != "stop" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if session.OwnerUserID != info.UserID {
		writeErrorCode(w, http.StatusForbidden, terminal.CodePermissionDenied, "only the owner can stop an agent")
		return
	}
	if err := r.terminals.Stop(agentID); err != nil {
		r.writeTerminalError(w, err)
		return
	}
	r.logger.Info("agent stopped", "agent_id", agentID, "user_id", info.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) writeTerminalError(w http.ResponseWriter, err error) {
	code := terminal.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case terminal.CodeSessionNotFound:
		status = http.StatusNotFound
	case terminal.CodePermissionDenied:
		status = http.StatusForbidden
	case terminal.CodeProtocolError:
		status = http.StatusBadRequest
	case terminal.CodeBackendSpawnFailure:
		status = http.StatusBadGateway
	case terminal.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		r.logger.Error("terminal operation failed", "code", code, "error", err)
	}
	writeErrorCode(w, status, code, err.Error())
}

func (r *Router) handleTerminalWS(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for terminal websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	r.relay.Serve(req.Context(), conn, info.identity())
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	if r.terminals != nil {
		components["terminal"] = map[string]any{"sessions": len(r.terminals.List(""))}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.metrics.recordRequest(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
			if info.TeamID != "" {
				fields = append(fields, "team_id", info.TeamID)
			}
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		case strings.HasPrefix(route, "/api/preview/proxy"):
			// Dev servers issue many asset requests per page load.
			r.logger.Debug("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	conn, rw, err := h.Hijack()
	if err == nil && sr.status == 0 {
		sr.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
