// Package ledger keeps the per-thread ordered message logs and the
// per-thread state derived from the event stream: open turns, the
// streaming reasoning buffer, and the current plan snapshot.
//
// The log is append-only. Optimistic entries created on local submit are
// mutated in place when the server confirms or rejects them; they are
// never silently dropped. Confirmed entries are deduplicated by server
// message id, so a twice-delivered acknowledgement applies once.
package ledger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/agent-console/internal/protocol"
)

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	StatusPending   Status = "pending"   // optimistic, awaiting server confirmation
	StatusConfirmed Status = "confirmed" // server-acknowledged or server-originated
	StatusFailed    Status = "failed"    // send failed; UI offers retry
)

// Message is one entry in a thread's log.
type Message struct {
	ID        string            `json:"id"`
	ThreadID  string            `json:"threadId"`
	Role      string            `json:"role"`
	Kind      string            `json:"kind,omitempty"`
	Text      string            `json:"text"`
	Status    Status            `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TurnStatus describes a thread's current turn, if any.
type TurnStatus struct {
	Open      bool      `json:"open"`
	TurnID    string    `json:"turnId,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
}

// Plan is the thread's latest plan snapshot. MessageID identifies the
// plan message that produced it, so the UI can mark older plan messages
// as historical.
type Plan struct {
	MessageID string               `json:"messageId"`
	Entries   []protocol.PlanEntry `json:"entries"`
}

// threadLog is all per-thread state. Guarded by Ledger.mu.
type threadLog struct {
	messages  []Message
	byID      map[string]int
	turn      TurnStatus
	reasoning strings.Builder
	streaming bool
	plan      *Plan
}

// Ledger is the message store for all threads.
type Ledger struct {
	mu      sync.RWMutex
	threads map[string]*threadLog
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{threads: make(map[string]*threadLog)}
}

func (l *Ledger) log(threadID string) *threadLog {
	tl, ok := l.threads[threadID]
	if !ok {
		tl = &threadLog{byID: make(map[string]int)}
		l.threads[threadID] = tl
	}
	return tl
}

// AppendLocal records an optimistic message for a locally issued action
// and returns it. The entry stays pending until Confirm or Fail.
func (l *Ledger) AppendLocal(threadID, role, kind, text string) Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Role:      role,
		Kind:      kind,
		Text:      text,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	tl := l.log(threadID)
	tl.byID[msg.ID] = len(tl.messages)
	tl.messages = append(tl.messages, msg)
	return msg
}

// Confirm promotes a pending entry to confirmed, in place. When the
// server supplies its own version of the message the entry adopts the
// server's id, text, and timestamp. Confirming an already confirmed or
// unknown entry is a no-op.
func (l *Ledger) Confirm(threadID, localID string, confirmed *protocol.MessagePayload) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl, ok := l.threads[threadID]
	if !ok {
		return
	}
	idx, ok := tl.byID[localID]
	if !ok || tl.messages[idx].Status != StatusPending {
		return
	}

	msg := tl.messages[idx]
	msg.Status = StatusConfirmed
	if confirmed != nil {
		if confirmed.ID != "" && confirmed.ID != localID {
			if dupIdx, taken := tl.byID[confirmed.ID]; taken && dupIdx != idx {
				// The server broadcast the confirmed message before the
				// acknowledgement arrived. The broadcast copy is already
				// authoritative; drop the optimistic entry so the id
				// stays unique within the thread.
				removeAtLocked(tl, idx, localID)
				return
			}
		}
		if confirmed.ID != "" {
			delete(tl.byID, localID)
			msg.ID = confirmed.ID
			tl.byID[msg.ID] = idx
		}
		if confirmed.Text != "" {
			msg.Text = confirmed.Text
		}
		if confirmed.Role != "" {
			msg.Role = confirmed.Role
		}
		if confirmed.Kind != "" {
			msg.Kind = confirmed.Kind
		}
		if !confirmed.CreatedAt.IsZero() {
			msg.CreatedAt = confirmed.CreatedAt
		}
		if confirmed.Metadata != nil {
			msg.Metadata = confirmed.Metadata
		}
	}
	tl.messages[idx] = msg
}

// removeAtLocked deletes the entry at idx and reindexes everything that
// followed it.
func removeAtLocked(tl *threadLog, idx int, id string) {
	delete(tl.byID, id)
	tl.messages = append(tl.messages[:idx], tl.messages[idx+1:]...)
	for otherID, otherIdx := range tl.byID {
		if otherIdx > idx {
			tl.byID[otherID] = otherIdx - 1
		}
	}
}

// Fail marks a pending entry as failed after a send-layer error.
func (l *Ledger) Fail(threadID, localID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl, ok := l.threads[threadID]
	if !ok {
		return
	}
	idx, ok := tl.byID[localID]
	if !ok || tl.messages[idx].Status != StatusPending {
		return
	}
	tl.messages[idx].Status = StatusFailed
}

// Append records a confirmed message, deduplicating by id: a message
// whose id is already present updates the existing entry instead of
// appending a second copy.
func (l *Ledger) Append(threadID string, p protocol.MessagePayload) Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(threadID, p)
}

func (l *Ledger) appendLocked(threadID string, p protocol.MessagePayload) Message {
	tl := l.log(threadID)

	msg := Message{
		ID:        p.ID,
		ThreadID:  threadID,
		Role:      p.Role,
		Kind:      p.Kind,
		Text:      p.Text,
		Status:    StatusConfirmed,
		CreatedAt: p.CreatedAt,
		Metadata:  p.Metadata,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	if idx, ok := tl.byID[msg.ID]; ok {
		tl.messages[idx] = msg
		return msg
	}
	tl.byID[msg.ID] = len(tl.messages)
	tl.messages = append(tl.messages, msg)
	return msg
}

// ApplyEvent dispatches one inbound event to the thread's log and
// derived state. A malformed payload returns a ProtocolViolation and
// leaves the thread's other state untouched. Events the ledger does not
// own (acks, approval prompts, thread metadata) are ignored here.
func (l *Ledger) ApplyEvent(ev protocol.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch ev.Type {
	case protocol.EventTurnStarted:
		var p protocol.TurnStartedPayload
		if err := ev.Decode(&p); err != nil {
			return malformed(ev, err)
		}
		tl := l.log(ev.ThreadID)
		tl.turn = TurnStatus{Open: true, TurnID: p.TurnID, StartedAt: p.StartedAt}
		if tl.turn.StartedAt.IsZero() {
			tl.turn.StartedAt = time.Now().UTC()
		}

	case protocol.EventTurnEnded:
		// Clearing StartedAt resets the elapsed-time display.
		tl := l.log(ev.ThreadID)
		tl.turn = TurnStatus{}
		if tl.streaming {
			l.freezeReasoningLocked(ev.ThreadID, "")
		}

	case protocol.EventMessage:
		var p protocol.MessagePayload
		if err := ev.Decode(&p); err != nil {
			return malformed(ev, err)
		}
		l.appendLocked(ev.ThreadID, p)

	case protocol.EventReasoningDelta:
		var p protocol.ReasoningDeltaPayload
		if err := ev.Decode(&p); err != nil {
			return malformed(ev, err)
		}
		tl := l.log(ev.ThreadID)
		tl.reasoning.WriteString(p.Text)
		tl.streaming = true

	case protocol.EventReasoningDone:
		var p protocol.ReasoningDonePayload
		if len(ev.Data) > 0 {
			if err := ev.Decode(&p); err != nil {
				return malformed(ev, err)
			}
		}
		l.freezeReasoningLocked(ev.ThreadID, p.MessageID)

	case protocol.EventPlanUpdated:
		var p protocol.PlanPayload
		if err := ev.Decode(&p); err != nil {
			return malformed(ev, err)
		}
		tl := l.log(ev.ThreadID)
		if p.MessageID == "" {
			p.MessageID = uuid.NewString()
		}
		tl.plan = &Plan{MessageID: p.MessageID, Entries: p.Entries}
		l.appendLocked(ev.ThreadID, protocol.MessagePayload{
			ID:   p.MessageID,
			Role: protocol.RoleAssistant,
			Kind: protocol.KindPlan,
			Text: renderPlan(p.Entries),
		})

	case protocol.EventHistory:
		var p protocol.HistoryPayload
		if err := ev.Decode(&p); err != nil {
			return malformed(ev, err)
		}
		for _, m := range p.Messages {
			l.appendLocked(ev.ThreadID, m)
		}
	}
	return nil
}

// freezeReasoningLocked turns the streaming buffer into a normal
// reasoning message and clears it. No-op when nothing was streamed.
func (l *Ledger) freezeReasoningLocked(threadID, messageID string) {
	tl := l.log(threadID)
	text := tl.reasoning.String()
	tl.reasoning.Reset()
	tl.streaming = false
	if text == "" {
		return
	}
	l.appendLocked(threadID, protocol.MessagePayload{
		ID:   messageID,
		Role: protocol.RoleAssistant,
		Kind: protocol.KindReasoning,
		Text: text,
	})
}

func renderPlan(entries []protocol.PlanEntry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		if e.Status != "" {
			b.WriteString("[" + e.Status + "] ")
		}
		b.WriteString(e.Content)
	}
	return b.String()
}

func malformed(ev protocol.Event, err error) error {
	return &protocol.ProtocolViolation{
		ThreadID: ev.ThreadID,
		Reason:   fmt.Sprintf("malformed %s payload: %v", ev.Type, err),
	}
}

// Messages returns a copy of the thread's log in insertion order.
func (l *Ledger) Messages(threadID string) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tl, ok := l.threads[threadID]
	if !ok {
		return nil
	}
	out := make([]Message, len(tl.messages))
	copy(out, tl.messages)
	return out
}

// IsEmpty reports whether the thread has no messages in memory, which
// makes it a candidate for history rehydration.
func (l *Ledger) IsEmpty(threadID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tl, ok := l.threads[threadID]
	return !ok || len(tl.messages) == 0
}

// TurnStatus returns the thread's current turn state.
func (l *Ledger) TurnStatus(threadID string) TurnStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if tl, ok := l.threads[threadID]; ok {
		return tl.turn
	}
	return TurnStatus{}
}

// StreamingReasoning returns the in-flight reasoning buffer and whether
// a stream is active.
func (l *Ledger) StreamingReasoning(threadID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if tl, ok := l.threads[threadID]; ok {
		return tl.reasoning.String(), tl.streaming
	}
	return "", false
}

// Plan returns the thread's latest plan snapshot, if one exists.
func (l *Ledger) Plan(threadID string) (Plan, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if tl, ok := l.threads[threadID]; ok && tl.plan != nil {
		return *tl.plan, true
	}
	return Plan{}, false
}
