package terminal

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeClientMessage(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    ClientMessage
		wantErr bool
	}{
		{name: "connect", raw: `{"type":"terminal_connect","agentId":"agent-1"}`, want: ClientMessage{Type: TypeConnect, AgentID: "agent-1"}},
		{name: "input", raw: `{"type":"terminal_input","agentId":"agent-1","data":"ls\r"}`, want: ClientMessage{Type: TypeInput, AgentID: "agent-1", Data: "ls\r"}},
		{name: "empty input", raw: `{"type":"terminal_input","agentId":"agent-1","data":""}`, want: ClientMessage{Type: TypeInput, AgentID: "agent-1"}},
		{name: "disconnect", raw: `{"type":"terminal_disconnect","agentId":"a.b:c_d-1"}`, want: ClientMessage{Type: TypeDisconnect, AgentID: "a.b:c_d-1"}},
		{name: "resize", raw: `{"type":"terminal_resize","agentId":"agent-1","cols":120,"rows":40}`, want: ClientMessage{Type: TypeResize, AgentID: "agent-1", Cols: 120, Rows: 40}},
		{name: "not an object", raw: `["terminal_connect"]`, wantErr: true},
		{name: "null", raw: `null`, wantErr: true},
		{name: "garbage", raw: `{"type":`, wantErr: true},
		{name: "unknown type", raw: `{"type":"terminal_grant","agentId":"agent-1"}`, wantErr: true},
		{name: "legacy field name", raw: `{"type":"terminal_connect","agent_id":"agent-1"}`, wantErr: true},
		{name: "extra field", raw: `{"type":"terminal_connect","agentId":"agent-1","data":"x"}`, wantErr: true},
		{name: "missing data", raw: `{"type":"terminal_input","agentId":"agent-1"}`, wantErr: true},
		{name: "wrong field type", raw: `{"type":"terminal_input","agentId":"agent-1","data":42}`, wantErr: true},
		{name: "invalid agent id", raw: `{"type":"terminal_connect","agentId":"../etc"}`, wantErr: true},
		{name: "zero resize", raw: `{"type":"terminal_resize","agentId":"agent-1","cols":0,"rows":40}`, wantErr: true},
		{name: "resize overflow", raw: `{"type":"terminal_resize","agentId":"agent-1","cols":70000,"rows":40}`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeClientMessage([]byte(tc.raw))
			if tc.wantErr {
				if !errors.Is(err, ErrProtocol) {
					t.Fatalf("expected protocol error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestDecodeErrorKeepsAgentID(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"terminal_input","agentId":"agent-1","data":"x","extra":true}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if msg.AgentID != "agent-1" {
		t.Fatalf("agent id lost: %+v", msg)
	}
}

func TestServerMessageWireFormat(t *testing.T) {
	payload, err := json.Marshal(outputMessage("agent-1", []byte("hi"), true))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got := string(payload); got != `{"type":"terminal_output","agentId":"agent-1","output":"hi","replay":true}` {
		t.Fatalf("unexpected payload %s", got)
	}
	payload, _ = json.Marshal(ErrorMessage("agent-1", ErrPermissionDenied))
	if got := string(payload); got != `{"type":"terminal_error","agentId":"agent-1","error":"permission denied","code":"permission_denied"}` {
		t.Fatalf("unexpected payload %s", got)
	}
}

func TestOutputInvalidUTF8IsReplacedConsistently(t *testing.T) {
	raw := []byte("ok \xff\xfe done")
	live, err := json.Marshal(outputMessage("agent-1", raw, false))
	if err != nil {
		t.Fatalf("marshal live: %v", err)
	}
	replay, err := json.Marshal(outputMessage("agent-1", raw, true))
	if err != nil {
		t.Fatalf("marshal replay: %v", err)
	}
	var a, b ServerMessage
	if err := json.Unmarshal(live, &a); err != nil {
		t.Fatalf("unmarshal live: %v", err)
	}
	if err := json.Unmarshal(replay, &b); err != nil {
		t.Fatalf("unmarshal replay: %v", err)
	}
	want := "ok \ufffd\ufffd done"
	if a.Output != want || b.Output != want {
		t.Fatalf("unexpected output live=%q replay=%q", a.Output, b.Output)
	}
}
