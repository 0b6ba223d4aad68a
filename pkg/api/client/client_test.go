package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
)

func TestSpawnAgentSendsBodyAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/agents" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"agent_id": body["agentId"], "owner_user_id": "user-1", "status": "connected"})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	agent, err := c.SpawnAgent(context.Background(), "tok", " agent-7 ")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if agent.AgentID != "agent-7" || agent.OwnerUserID != "user-1" || agent.Status != "connected" {
		t.Fatalf("unexpected agent %+v", agent)
	}
}

func TestAPIErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"only the owner can stop an agent","code":"permission_denied"}`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	err := c.StopAgent(context.Background(), "tok", "agent-1")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Code != "permission_denied" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestDialTerminalSendsToken(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/terminal" || r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication required"}`))
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(TerminalMessage{Type: "terminal_connected", AgentID: "a1", Role: "owner"})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	conn, err := c.DialTerminal(context.Background(), "tok")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	var msg TerminalMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Role != "owner" {
		t.Fatalf("unexpected message %+v", msg)
	}

	_, err = c.DialTerminal(context.Background(), "wrong")
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
}

func TestPreviewURL(t *testing.T) {
	c, _ := New("localhost:4000/")
	if got := c.PreviewURL("demo-team-001"); got != "http://localhost:4000/api/preview/proxy/demo-team-001/" {
		t.Fatalf("unexpected preview url %q", got)
	}
}
