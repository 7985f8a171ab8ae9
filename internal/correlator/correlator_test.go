package correlator

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/workspace/agent-console/internal/ledger"
	"github.com/workspace/agent-console/internal/protocol"
)

type fakeSender struct {
	sent []protocol.Command
	err  error
}

func (f *fakeSender) SendReliable(cmd protocol.Command) error {
	f.sent = append(f.sent, cmd)
	return f.err
}

func ackEvent(t *testing.T, reqID protocol.RequestID, threadID string, payload protocol.AckPayload) protocol.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal ack: %v", err)
	}
	return protocol.Event{Type: protocol.EventAck, ThreadID: threadID, RequestID: reqID, Data: data}
}

func TestSubmitCreatesOneOptimisticMessage(t *testing.T) {
	lg := ledger.New()
	sender := &fakeSender{}
	c := New(sender, lg)

	cmd, _ := protocol.NewSendPromptCommand("t1", "hello")
	if err := c.Submit(cmd, &Optimistic{Role: protocol.RoleUser, Text: "hello"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	msgs := lg.Messages("t1")
	if len(msgs) != 1 || msgs[0].Status != ledger.StatusPending {
		t.Fatalf("expected one pending message, got %+v", msgs)
	}
	if len(sender.sent) != 1 || sender.sent[0].RequestID != cmd.RequestID {
		t.Fatalf("expected command sent with same request id")
	}
}

func TestSubmitDuplicateRequestIDIsNoOp(t *testing.T) {
	lg := ledger.New()
	c := New(&fakeSender{}, lg)

	cmd, _ := protocol.NewSendPromptCommand("t1", "hello")
	c.Submit(cmd, &Optimistic{Role: protocol.RoleUser, Text: "hello"})
	c.Submit(cmd, &Optimistic{Role: protocol.RoleUser, Text: "hello"})

	if n := len(lg.Messages("t1")); n != 1 {
		t.Fatalf("expected a single optimistic message, got %d", n)
	}
	if n := len(c.Pending()); n != 1 {
		t.Fatalf("expected a single pending request, got %d", n)
	}
}

func TestSubmitTransportFailureMarksFailed(t *testing.T) {
	lg := ledger.New()
	sender := &fakeSender{err: errors.New("not connected")}
	c := New(sender, lg)

	cmd, _ := protocol.NewSendPromptCommand("t1", "hello")
	err := c.Submit(cmd, &Optimistic{Role: protocol.RoleUser, Text: "hello"})

	var terr *protocol.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	msgs := lg.Messages("t1")
	if len(msgs) != 1 || msgs[0].Status != ledger.StatusFailed {
		t.Fatalf("expected failed optimistic message, got %+v", msgs)
	}
	if len(c.Pending()) != 0 {
		t.Fatal("expected no pending entry after send failure")
	}
}

func TestResolveConfirmsOnce(t *testing.T) {
	lg := ledger.New()
	c := New(&fakeSender{}, lg)

	cmd, _ := protocol.NewSendPromptCommand("t1", "hello")
	c.Submit(cmd, &Optimistic{Role: protocol.RoleUser, Text: "hello"})

	ack := ackEvent(t, cmd.RequestID, "t1", protocol.AckPayload{
		Message: &protocol.MessagePayload{ID: "srv-1", Role: protocol.RoleUser, Text: "hello"},
	})

	if !c.Resolve(ack) {
		t.Fatal("expected first ack consumed")
	}
	// Duplicate delivery: consumed, but not applied again.
	if !c.Resolve(ack) {
		t.Fatal("expected duplicate ack swallowed")
	}

	msgs := lg.Messages("t1")
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one confirmed message, got %d", len(msgs))
	}
	if msgs[0].ID != "srv-1" || msgs[0].Status != ledger.StatusConfirmed {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}
}

func TestResolveServerRejection(t *testing.T) {
	lg := ledger.New()
	c := New(&fakeSender{}, lg)

	cmd, _ := protocol.NewSendPromptCommand("t1", "hello")
	c.Submit(cmd, &Optimistic{Role: protocol.RoleUser, Text: "hello"})

	c.Resolve(ackEvent(t, cmd.RequestID, "t1", protocol.AckPayload{Error: "thread is read-only"}))

	msgs := lg.Messages("t1")
	if len(msgs) != 1 || msgs[0].Status != ledger.StatusFailed {
		t.Fatalf("expected failed message on rejection, got %+v", msgs)
	}
}

func TestResolvePassesThroughUncorrelatedEvents(t *testing.T) {
	c := New(&fakeSender{}, ledger.New())

	ev := protocol.Event{Type: protocol.EventMessage, ThreadID: "t1"}
	if c.Resolve(ev) {
		t.Fatal("expected uncorrelated event to pass through")
	}

	// An event carrying a stale id that is not an ack also passes.
	ev = protocol.Event{Type: protocol.EventMessage, ThreadID: "t1", RequestID: "stale"}
	if c.Resolve(ev) {
		t.Fatal("expected stale-but-non-ack event to pass through")
	}
}

func TestSubmitWithoutOptimistic(t *testing.T) {
	lg := ledger.New()
	c := New(&fakeSender{}, lg)

	cmd, _ := protocol.NewInterruptCommand("t1")
	if err := c.Submit(cmd, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if n := len(lg.Messages("t1")); n != 0 {
		t.Fatalf("expected no optimistic message for interrupt, got %d", n)
	}
	if !c.Resolve(ackEvent(t, cmd.RequestID, "t1", protocol.AckPayload{})) {
		t.Fatal("expected ack consumed")
	}
}

func TestResolveSettlesMatchedSubstantiveReply(t *testing.T) {
	lg := ledger.New()
	c := New(&fakeSender{}, lg)

	cmd, _ := protocol.NewFetchHistoryCommand("t1", 50)
	if err := c.Submit(cmd, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The history reply echoes the request id but carries data the
	// ledger needs, so it must settle the pending entry and still
	// pass through.
	ev := protocol.Event{Type: protocol.EventHistory, ThreadID: "t1", RequestID: cmd.RequestID}
	if c.Resolve(ev) {
		t.Fatal("expected substantive reply to pass through")
	}
	if n := len(c.Pending()); n != 0 {
		t.Fatalf("expected pending table drained, got %d entries", n)
	}
}
