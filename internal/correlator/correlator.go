// Package correlator stamps outbound mutating commands with fresh
// client request ids, keeps the optimistic ledger entry for each one,
// and reconciles server acknowledgements back to the pending record.
//
// No retry happens at this layer. A send failure marks the optimistic
// message failed and surfaces the error; re-issue is a UI decision.
package correlator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/agent-console/internal/ledger"
	"github.com/workspace/agent-console/internal/protocol"
)

// Sender is the reliable-send half of the transport session.
type Sender interface {
	SendReliable(cmd protocol.Command) error
}

// Optimistic describes the message shown immediately on submit, before
// the server confirms the command.
type Optimistic struct {
	Role string
	Kind string
	Text string
}

// PendingRequest tracks one in-flight command.
type PendingRequest struct {
	RequestID    protocol.RequestID
	ThreadID     string
	Method       protocol.Method
	IssuedAt     time.Time
	OptimisticID string // ledger id of the optimistic message, if any
}

// Correlator owns the pending-request table.
type Correlator struct {
	sender Sender
	ledger *ledger.Ledger

	mu      sync.Mutex
	pending map[protocol.RequestID]PendingRequest
}

// New creates a correlator writing optimistic entries to lg and sending
// through sender.
func New(sender Sender, lg *ledger.Ledger) *Correlator {
	return &Correlator{
		sender:  sender,
		ledger:  lg,
		pending: make(map[protocol.RequestID]PendingRequest),
	}
}

// Submit registers the command, creates its optimistic message (when opt
// is non-nil), and hands it to the transport. A repeated RequestID is a
// no-op: the first registration wins and no second optimistic message is
// created.
func (c *Correlator) Submit(cmd protocol.Command, opt *Optimistic) error {
	c.mu.Lock()
	if _, exists := c.pending[cmd.RequestID]; exists {
		c.mu.Unlock()
		slog.Debug("Ignoring duplicate submit", "requestId", cmd.RequestID, "method", cmd.Method)
		return nil
	}

	entry := PendingRequest{
		RequestID: cmd.RequestID,
		ThreadID:  cmd.ThreadID,
		Method:    cmd.Method,
		IssuedAt:  time.Now().UTC(),
	}
	if opt != nil {
		msg := c.ledger.AppendLocal(cmd.ThreadID, opt.Role, opt.Kind, opt.Text)
		entry.OptimisticID = msg.ID
	}
	c.pending[cmd.RequestID] = entry
	c.mu.Unlock()

	if err := c.sender.SendReliable(cmd); err != nil {
		c.mu.Lock()
		delete(c.pending, cmd.RequestID)
		c.mu.Unlock()
		if entry.OptimisticID != "" {
			c.ledger.Fail(cmd.ThreadID, entry.OptimisticID)
		}
		return &protocol.TransportError{Op: string(cmd.Method), Err: err}
	}
	return nil
}

// Resolve matches an inbound event against the pending table. It
// returns true when the event was consumed as an acknowledgement; false
// means the event carries no live correlation id and should be applied
// directly. A second delivery of the same acknowledgement finds no
// pending entry and is reported consumed-without-effect for ack events,
// so the ledger is never double-applied.
func (c *Correlator) Resolve(ev protocol.Event) bool {
	if ev.RequestID == "" {
		return false
	}

	c.mu.Lock()
	entry, ok := c.pending[ev.RequestID]
	if ok {
		delete(c.pending, ev.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		// Duplicate or unknown ack: swallow ack envelopes, let
		// anything else flow through to the stores.
		return ev.Type == protocol.EventAck
	}

	if ev.Type != protocol.EventAck {
		// A substantive reply (history, for one) settles the command
		// but still carries data the stores need. Promote any
		// optimistic entry and let the event flow through.
		if entry.OptimisticID != "" {
			c.ledger.Confirm(entry.ThreadID, entry.OptimisticID, nil)
		}
		return false
	}

	var ack protocol.AckPayload
	if len(ev.Data) > 0 {
		if err := ev.Decode(&ack); err != nil {
			slog.Warn("Malformed acknowledgement payload", "requestId", ev.RequestID, "error", err)
		}
	}

	if ack.Error != "" {
		if entry.OptimisticID != "" {
			c.ledger.Fail(entry.ThreadID, entry.OptimisticID)
		}
		slog.Info("Command rejected by server",
			"requestId", ev.RequestID, "method", entry.Method, "error", ack.Error)
		return true
	}

	if entry.OptimisticID != "" {
		c.ledger.Confirm(entry.ThreadID, entry.OptimisticID, ack.Message)
	}
	return true
}

// Pending returns a snapshot of the in-flight requests.
func (c *Correlator) Pending() []PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p)
	}
	return out
}
