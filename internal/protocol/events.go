package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
)

// EventType discriminates inbound server events.
type EventType string

const (
	// Server -> client event types
	EventThreadUpserted      EventType = "thread_upserted"
	EventTurnStarted         EventType = "turn_started"
	EventTurnEnded           EventType = "turn_ended"
	EventMessage             EventType = "message"
	EventReasoningDelta      EventType = "reasoning_delta"
	EventReasoningDone       EventType = "reasoning_done"
	EventPlanUpdated         EventType = "plan_updated"
	EventApprovalRequested   EventType = "approval_requested"
	EventUserInputRequested  EventType = "user_input_requested"
	EventPermissionRequested EventType = "permission_requested"
	EventHistory             EventType = "history"
	EventAck                 EventType = "ack"
	EventError               EventType = "error"
)

// Event is the envelope for every server -> client push. Events that
// acknowledge a client command carry the command's RequestID; pure
// server-originated pushes leave it empty.
type Event struct {
	Type      EventType       `json:"type"`
	ThreadID  string          `json:"threadId,omitempty"`
	RequestID RequestID       `json:"clientRequestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ParseEvent decodes an event envelope from raw transport bytes.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("parse event: missing type")
	}
	return ev, nil
}

// Decode unmarshals the event's payload into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decode %s event: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s event: %w", e.Type, err)
	}
	return nil
}

// Event payloads.

// TurnStartedPayload marks the beginning of one unit of agent work.
type TurnStartedPayload struct {
	TurnID    string    `json:"turnId,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// TurnEndedPayload marks the end of a turn. StopReason is the upstream
// reason string (completed, cancelled, refusal, ...).
type TurnEndedPayload struct {
	TurnID     string `json:"turnId,omitempty"`
	StopReason string `json:"stopReason,omitempty"`
}

// ReasoningDeltaPayload appends to the thread's streaming reasoning buffer.
type ReasoningDeltaPayload struct {
	Text string `json:"text"`
}

// ReasoningDonePayload freezes the streaming buffer into a normal message.
type ReasoningDonePayload struct {
	MessageID string `json:"messageId,omitempty"`
}

// PlanEntry is a single step of an agent plan snapshot.
type PlanEntry struct {
	Content  string `json:"content"`
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// PlanPayload replaces the thread's current plan snapshot.
type PlanPayload struct {
	MessageID string      `json:"messageId"`
	Entries   []PlanEntry `json:"entries"`
}

// ApprovalRequestedPayload is a native approval prompt. Resolution is
// keyed on ApprovalID.
type ApprovalRequestedPayload struct {
	ApprovalID  string          `json:"approvalId"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
}

// UserInputRequestedPayload asks a free-form question of the user.
type UserInputRequestedPayload struct {
	PromptID string `json:"promptId"`
	Question string `json:"question"`
}

// PermissionRequestedPayload is a server -> client JSON-RPC tool
// permission request from an ACP provider. Resolution is keyed on RPCID
// and must select exactly one of Options, or nil for cancel. Option ids
// and kinds reuse the ACP SDK types.
type PermissionRequestedPayload struct {
	RPCID     string                    `json:"rpcId"`
	ToolKind  string                    `json:"toolKind,omitempty"`
	ToolTitle string                    `json:"toolTitle,omitempty"`
	Options   []acpsdk.PermissionOption `json:"options"`
}

// AckPayload confirms a client command. Message, when present, is the
// server's confirmed version of the optimistic message. Error, when
// present, marks the command as rejected.
type AckPayload struct {
	Message *MessagePayload `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// HistoryPayload rehydrates a thread's message log.
type HistoryPayload struct {
	Messages []MessagePayload `json:"messages"`
}

// ErrorPayload is a server-reported error not tied to any command.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
