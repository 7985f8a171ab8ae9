package ledger

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/workspace/agent-console/internal/protocol"
)

func event(t *testing.T, typ protocol.EventType, threadID string, payload interface{}) protocol.Event {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		data = raw
	}
	return protocol.Event{Type: typ, ThreadID: threadID, Data: data}
}

func TestOptimisticLifecycleConfirm(t *testing.T) {
	l := New()
	msg := l.AppendLocal("t1", protocol.RoleUser, "", "run the tests")
	if msg.Status != StatusPending {
		t.Fatalf("expected pending, got %s", msg.Status)
	}

	l.Confirm("t1", msg.ID, &protocol.MessagePayload{
		ID:        "srv-1",
		Role:      protocol.RoleUser,
		Text:      "run the tests",
		CreatedAt: time.Now().UTC(),
	})

	msgs := l.Messages("t1")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ID != "srv-1" || msgs[0].Status != StatusConfirmed {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}
}

func TestOptimisticLifecycleFail(t *testing.T) {
	l := New()
	msg := l.AppendLocal("t1", protocol.RoleUser, "", "hello")
	l.Fail("t1", msg.ID)

	msgs := l.Messages("t1")
	if len(msgs) != 1 || msgs[0].Status != StatusFailed {
		t.Fatalf("expected one failed message, got %+v", msgs)
	}

	// A late confirm after failure must not resurrect the entry.
	l.Confirm("t1", msg.ID, nil)
	if l.Messages("t1")[0].Status != StatusFailed {
		t.Fatal("expected failed status to stick")
	}
}

func TestAppendDedupesByID(t *testing.T) {
	l := New()
	p := protocol.MessagePayload{ID: "m1", Role: protocol.RoleAssistant, Text: "hi", CreatedAt: time.Now().UTC()}
	l.Append("t1", p)
	l.Append("t1", p)

	if n := len(l.Messages("t1")); n != 1 {
		t.Fatalf("expected 1 message after duplicate delivery, got %d", n)
	}
}

func TestTurnLifecycle(t *testing.T) {
	l := New()
	started := time.Now().UTC()
	if err := l.ApplyEvent(event(t, protocol.EventTurnStarted, "t1", protocol.TurnStartedPayload{TurnID: "turn-1", StartedAt: started})); err != nil {
		t.Fatalf("apply turn_started: %v", err)
	}

	ts := l.TurnStatus("t1")
	if !ts.Open || ts.TurnID != "turn-1" || !ts.StartedAt.Equal(started) {
		t.Fatalf("unexpected turn status: %+v", ts)
	}

	if err := l.ApplyEvent(protocol.Event{Type: protocol.EventTurnEnded, ThreadID: "t1"}); err != nil {
		t.Fatalf("apply turn_ended: %v", err)
	}
	ts = l.TurnStatus("t1")
	if ts.Open || !ts.StartedAt.IsZero() {
		t.Fatalf("expected cleared turn status, got %+v", ts)
	}
}

func TestReasoningStreamFreezes(t *testing.T) {
	l := New()
	l.ApplyEvent(event(t, protocol.EventReasoningDelta, "t1", protocol.ReasoningDeltaPayload{Text: "thinking"}))
	l.ApplyEvent(event(t, protocol.EventReasoningDelta, "t1", protocol.ReasoningDeltaPayload{Text: " harder"}))

	buf, streaming := l.StreamingReasoning("t1")
	if !streaming || buf != "thinking harder" {
		t.Fatalf("unexpected buffer %q streaming=%v", buf, streaming)
	}

	l.ApplyEvent(event(t, protocol.EventReasoningDone, "t1", protocol.ReasoningDonePayload{MessageID: "r1"}))

	buf, streaming = l.StreamingReasoning("t1")
	if streaming || buf != "" {
		t.Fatalf("expected frozen buffer, got %q streaming=%v", buf, streaming)
	}

	msgs := l.Messages("t1")
	if len(msgs) != 1 || msgs[0].Kind != protocol.KindReasoning || msgs[0].Text != "thinking harder" {
		t.Fatalf("expected frozen reasoning message, got %+v", msgs)
	}
	if msgs[0].ID != "r1" {
		t.Fatalf("expected server-assigned id, got %s", msgs[0].ID)
	}
}

func TestTurnEndFreezesDanglingReasoning(t *testing.T) {
	l := New()
	l.ApplyEvent(event(t, protocol.EventTurnStarted, "t1", protocol.TurnStartedPayload{StartedAt: time.Now().UTC()}))
	l.ApplyEvent(event(t, protocol.EventReasoningDelta, "t1", protocol.ReasoningDeltaPayload{Text: "partial"}))
	l.ApplyEvent(protocol.Event{Type: protocol.EventTurnEnded, ThreadID: "t1"})

	if _, streaming := l.StreamingReasoning("t1"); streaming {
		t.Fatal("expected stream closed by turn end")
	}
	msgs := l.Messages("t1")
	if len(msgs) != 1 || msgs[0].Text != "partial" {
		t.Fatalf("expected dangling buffer frozen, got %+v", msgs)
	}
}

func TestPlanReplacedAndLatestTracked(t *testing.T) {
	l := New()
	l.ApplyEvent(event(t, protocol.EventPlanUpdated, "t1", protocol.PlanPayload{
		MessageID: "p1",
		Entries:   []protocol.PlanEntry{{Content: "step one", Status: "pending"}},
	}))
	l.ApplyEvent(event(t, protocol.EventPlanUpdated, "t1", protocol.PlanPayload{
		MessageID: "p2",
		Entries:   []protocol.PlanEntry{{Content: "step one", Status: "completed"}, {Content: "step two"}},
	}))

	plan, ok := l.Plan("t1")
	if !ok {
		t.Fatal("expected plan snapshot")
	}
	if plan.MessageID != "p2" || len(plan.Entries) != 2 {
		t.Fatalf("unexpected plan: %+v", plan)
	}

	// Both plan messages stay in the log; only the snapshot moves.
	msgs := l.Messages("t1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 plan messages in log, got %d", len(msgs))
	}
}

func TestMalformedPayloadIsViolationAndSkipped(t *testing.T) {
	l := New()
	ev := protocol.Event{Type: protocol.EventPlanUpdated, ThreadID: "t1", Data: json.RawMessage(`{"entries":"nope"}`)}
	err := l.ApplyEvent(ev)

	var violation *protocol.ProtocolViolation
	if !errors.As(err, &violation) {
		t.Fatalf("expected ProtocolViolation, got %v", err)
	}

	// The thread must remain usable.
	if err := l.ApplyEvent(event(t, protocol.EventMessage, "t1", protocol.MessagePayload{ID: "m1", Role: protocol.RoleAssistant, Text: "still here"})); err != nil {
		t.Fatalf("apply after violation: %v", err)
	}
	if len(l.Messages("t1")) != 1 {
		t.Fatal("expected subsequent events to apply")
	}
}

func TestHistoryRehydration(t *testing.T) {
	l := New()
	if !l.IsEmpty("t1") {
		t.Fatal("expected empty thread")
	}

	l.Append("t1", protocol.MessagePayload{ID: "m2", Role: protocol.RoleAssistant, Text: "live"})
	l.ApplyEvent(event(t, protocol.EventHistory, "t1", protocol.HistoryPayload{
		Messages: []protocol.MessagePayload{
			{ID: "m1", Role: protocol.RoleUser, Text: "old"},
			{ID: "m2", Role: protocol.RoleAssistant, Text: "live"},
		},
	}))

	msgs := l.Messages("t1")
	if len(msgs) != 2 {
		t.Fatalf("expected history merge without duplicates, got %d messages", len(msgs))
	}
}

func TestConfirmAfterBroadcastKeepsOneEntry(t *testing.T) {
	l := New()
	local := l.AppendLocal("t1", protocol.RoleUser, "", "run the tests")

	// The server broadcasts the confirmed message before the
	// acknowledgement arrives.
	l.Append("t1", protocol.MessagePayload{
		ID:        "srv-1",
		Role:      protocol.RoleUser,
		Text:      "run the tests",
		CreatedAt: time.Now().UTC(),
	})
	l.Confirm("t1", local.ID, &protocol.MessagePayload{
		ID:   "srv-1",
		Role: protocol.RoleUser,
		Text: "run the tests",
	})

	msgs := l.Messages("t1")
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one entry after broadcast-then-ack, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].ID != "srv-1" || msgs[0].Status != StatusConfirmed {
		t.Fatalf("unexpected surviving entry: %+v", msgs[0])
	}
}

func TestConfirmAfterBroadcastReindexesLaterEntries(t *testing.T) {
	l := New()
	local := l.AppendLocal("t1", protocol.RoleUser, "", "first")
	l.Append("t1", protocol.MessagePayload{ID: "srv-1", Role: protocol.RoleUser, Text: "first"})
	l.Append("t1", protocol.MessagePayload{ID: "srv-2", Role: protocol.RoleAssistant, Text: "second"})

	l.Confirm("t1", local.ID, &protocol.MessagePayload{ID: "srv-1"})

	// Dropping the optimistic entry must not break dedupe for entries
	// that shifted position.
	l.Append("t1", protocol.MessagePayload{ID: "srv-2", Role: protocol.RoleAssistant, Text: "second (edited)"})

	msgs := l.Messages("t1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].ID != "srv-1" || msgs[1].ID != "srv-2" {
		t.Fatalf("unexpected order: %+v", msgs)
	}
	if msgs[1].Text != "second (edited)" {
		t.Fatalf("expected dedupe update after reindex, got %+v", msgs[1])
	}
}
