package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewSendPromptCommand(t *testing.T) {
	cmd, err := NewSendPromptCommand("t1", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Method != MethodSendPrompt {
		t.Fatalf("expected method %s, got %s", MethodSendPrompt, cmd.Method)
	}
	if cmd.ThreadID != "t1" {
		t.Fatalf("expected threadId t1, got %s", cmd.ThreadID)
	}
	if cmd.RequestID == "" {
		t.Fatal("expected non-empty request id")
	}

	var params SendPromptParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if params.Text != "hello" {
		t.Fatalf("expected text 'hello', got %q", params.Text)
	}
}

func TestRequestIDsUnique(t *testing.T) {
	seen := make(map[RequestID]bool)
	for i := 0; i < 1000; i++ {
		id := NewRequestID()
		if seen[id] {
			t.Fatalf("duplicate request id: %s", id)
		}
		seen[id] = true
	}
}

func TestNewPermissionResponseCommandCancel(t *testing.T) {
	cmd, err := NewPermissionResponseCommand("t1", "rpc-7", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var params PermissionResponseParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if params.RPCID != "rpc-7" {
		t.Fatalf("expected rpcId rpc-7, got %s", params.RPCID)
	}
	if params.OptionID != nil {
		t.Fatalf("expected nil optionId for cancel, got %v", *params.OptionID)
	}
	// The wire form must carry an explicit null so the server can tell
	// cancel apart from a malformed response.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(cmd.Params, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if string(raw["optionId"]) != "null" {
		t.Fatalf("expected optionId=null on the wire, got %s", raw["optionId"])
	}
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"turn_started","threadId":"t1","data":{"startedAt":"2026-01-02T15:04:05Z"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != EventTurnStarted {
		t.Fatalf("expected turn_started, got %s", ev.Type)
	}
	var payload TurnStartedPayload
	if err := ev.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.StartedAt.IsZero() {
		t.Fatal("expected non-zero startedAt")
	}
}

func TestParseEventMissingType(t *testing.T) {
	if _, err := ParseEvent([]byte(`{"threadId":"t1"}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestParseEventInvalidJSON(t *testing.T) {
	if _, err := ParseEvent([]byte(`{nope`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	ev := Event{Type: EventPlanUpdated, ThreadID: "t1"}
	var payload PlanPayload
	if err := ev.Decode(&payload); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestTurnStateRank(t *testing.T) {
	if !(TurnBlocked.Rank() < TurnWorking.Rank() && TurnWorking.Rank() < TurnIdle.Rank()) {
		t.Fatalf("expected blocked < working < idle, got %d %d %d",
			TurnBlocked.Rank(), TurnWorking.Rank(), TurnIdle.Rank())
	}
}

func TestTransportErrorUnwrap(t *testing.T) {
	inner := errors.New("connection reset")
	err := &TransportError{Op: "send_prompt", Err: inner}
	if !errors.Is(err, inner) {
		t.Fatal("expected errors.Is to find the wrapped error")
	}
}
