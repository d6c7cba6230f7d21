package mcp

import (
	"strings"
	"testing"
)

func TestUnmarshalResponse(t *testing.T) {
	resp, err := UnmarshalResponse([]byte(`{"jsonrpc": "2.0", "id": "1", "result": {"ok": true}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "1" {
		t.Errorf("expected id 1, got %v", resp.ID)
	}
	if resp.IsError() {
		t.Error("expected no error object")
	}
}

func TestUnmarshalResponseRejectsWrongVersion(t *testing.T) {
	_, err := UnmarshalResponse([]byte(`{"jsonrpc": "1.0", "id": 1}`))
	if err == nil {
		t.Fatal("expected version error")
	}
	if !strings.Contains(err.Error(), "invalid JSON-RPC version") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestUnmarshalResponseRejectsGarbage(t *testing.T) {
	_, err := UnmarshalResponse([]byte("not json"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("expected *RPCError, got %T", err)
	}
	if rpcErr.Code != ParseError {
		t.Errorf("expected code %d, got %d", ParseError, rpcErr.Code)
	}
}

func TestResponseErrorObject(t *testing.T) {
	resp, err := UnmarshalResponse([]byte(`{"jsonrpc": "2.0", "id": 2, "error": {"code": -32601, "message": "method not found"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.IsError() {
		t.Fatal("expected error object")
	}
	if resp.Error.Code != MethodNotFound {
		t.Errorf("expected code %d, got %d", MethodNotFound, resp.Error.Code)
	}
	if got := resp.Error.Error(); !strings.Contains(got, "method not found") {
		t.Errorf("unexpected error string: %s", got)
	}
}

func TestRequestIDGeneratorIsSequential(t *testing.T) {
	g := NewRequestIDGenerator()
	for i, want := range []string{"1", "2", "3"} {
		if got := g.Next(); got != want {
			t.Errorf("call %d: expected %s, got %s", i, want, got)
		}
	}
}

func TestNewRequestAndNotification(t *testing.T) {
	req := NewRequest("7", "tools/list", map[string]any{"cursor": ""})
	if req.JSONRPC != JSONRPCVersion || req.Method != "tools/list" || req.ID != "7" {
		t.Errorf("unexpected request: %+v", req)
	}

	note := NewNotification("notifications/initialized", nil)
	if note.JSONRPC != JSONRPCVersion || note.Method != "notifications/initialized" {
		t.Errorf("unexpected notification: %+v", note)
	}

	data, err := Marshal(note)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), `"id"`) {
		t.Error("notification must not carry an id")
	}
}
