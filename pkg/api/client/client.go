package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client provides typed access to the covibes API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("api request failed (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp.StatusCode, resp.Body)
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(status int, body io.Reader) APIError {
	apiErr := APIError{Status: status}
	if body == nil {
		return apiErr
	}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return apiErr
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Code = payload.Code
	apiErr.Message = strings.TrimSpace(payload.Error)
	return apiErr
}

// Agent reflects agent session payloads.
type Agent struct {
	AgentID         string     `json:"agent_id"`
	TeamID          string     `json:"team_id"`
	OwnerUserID     string     `json:"owner_user_id"`
	Status          string     `json:"status"`
	Subscribers     int        `json:"subscribers"`
	ScrollbackBytes int        `json:"scrollback_bytes"`
	CreatedAt       time.Time  `json:"created_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	CloseReason     string     `json:"close_reason,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
}

// SpawnAgent starts an agent. An empty agentID lets the server pick one.
func (c *Client) SpawnAgent(ctx context.Context, token, agentID string) (Agent, error) {
	var agent Agent
	body := map[string]string{}
	if strings.TrimSpace(agentID) != "" {
		body["agentId"] = strings.TrimSpace(agentID)
	}
	if err := c.do(ctx, http.MethodPost, "/api/agents", body, token, &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// ListAgents lists agents of teamID, or of the caller's team when empty.
func (c *Client) ListAgents(ctx context.Context, token, teamID string) ([]Agent, error) {
	path := "/api/agents"
	if strings.TrimSpace(teamID) != "" {
		path += "?team_id=" + url.QueryEscape(strings.TrimSpace(teamID))
	}
	var resp struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// GetAgent fetches a single agent.
func (c *Client) GetAgent(ctx context.Context, token, agentID string) (Agent, error) {
	var agent Agent
	if err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(agentID), nil, token, &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// StopAgent stops an agent. Only its owner may do so.
func (c *Client) StopAgent(ctx context.Context, token, agentID string) error {
	return c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/stop", nil, token, nil)
}

// Deployment reflects preview deployment payloads.
type Deployment struct {
	TeamID  string `json:"team_id"`
	Status  string `json:"status"`
	Ready   bool   `json:"ready"`
	Address *struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"address,omitempty"`
	LastHealthCheck *time.Time `json:"last_health_check,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// GetDeployment fetches the preview deployment of a team.
func (c *Client) GetDeployment(ctx context.Context, token, teamID string) (Deployment, error) {
	var dep Deployment
	if err := c.do(ctx, http.MethodGet, "/api/preview/deployments/"+url.PathEscape(teamID), nil, token, &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// PreviewURL returns the proxied preview address of a team.
func (c *Client) PreviewURL(teamID string) string {
	return c.baseURL + "/api/preview/proxy/" + url.PathEscape(teamID) + "/"
}

// TerminalMessage is a frame of the terminal bridge protocol.
type TerminalMessage struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Data    string `json:"data,omitempty"`
	Cols    uint16 `json:"cols,omitempty"`
	Rows    uint16 `json:"rows,omitempty"`
	Message string `json:"message,omitempty"`
	Role    string `json:"role,omitempty"`
	Output  string `json:"output,omitempty"`
	Replay  bool   `json:"replay,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// DialTerminal opens the terminal bridge websocket.
func (c *Client) DialTerminal(ctx context.Context, token string) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL + "/ws/terminal")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	if strings.TrimSpace(token) != "" {
		header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, extractError(resp.StatusCode, resp.Body)
		}
		return nil, fmt.Errorf("dial terminal: %w", err)
	}
	return conn, nil
}
