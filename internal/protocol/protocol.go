// Package protocol defines the logical wire shapes exchanged with the
// console server: outbound commands, inbound events, and the shared
// identifiers used to correlate them. The encoding is JSON over whatever
// duplex transport carries it; nothing here depends on the transport.
package protocol

import (
	"encoding/json"
	"time"
)

// Method identifies an outbound mutating command.
type Method string

const (
	MethodSendPrompt         Method = "send_prompt"
	MethodStartTurn          Method = "start_turn"
	MethodInterrupt          Method = "interrupt"
	MethodArchiveThread      Method = "archive_thread"
	MethodApprovalResponse   Method = "approval_response"
	MethodPermissionResponse Method = "permission_response"
	MethodSubscribeThread    Method = "subscribe_thread"
	MethodUnsubscribeThread  Method = "unsubscribe_thread"
	MethodFetchHistory       Method = "fetch_history"
)

// Command is the envelope for every client -> server mutating call.
// RequestID is client-generated and globally unique for the process
// lifetime; the server echoes it on the matching acknowledgement.
type Command struct {
	Method    Method          `json:"method"`
	RequestID RequestID       `json:"clientRequestId"`
	ThreadID  string          `json:"threadId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Provider identifies the upstream agent protocol backing a thread.
type Provider string

const (
	ProviderNative Provider = "native"
	ProviderACP    Provider = "acp"
)

// Capability is a per-provider feature flag gating UI actions.
type Capability string

const (
	CapabilitySendPrompt Capability = "send_prompt"
	CapabilityApprovals  Capability = "approvals"
	CapabilityInterrupt  Capability = "interrupt"
)

// TurnState is the derived per-thread execution state. Blocked outranks
// working, which outranks idle, when signals disagree.
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnWorking
	TurnBlocked
)

// Rank returns the urgency rank used for thread ordering. Lower sorts first.
func (s TurnState) Rank() int {
	switch s {
	case TurnBlocked:
		return 0
	case TurnWorking:
		return 1
	default:
		return 2
	}
}

func (s TurnState) String() string {
	switch s {
	case TurnBlocked:
		return "blocked"
	case TurnWorking:
		return "working"
	default:
		return "idle"
	}
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleApproval  = "approval"
	RoleSystem    = "system"
)

// Message kinds (optional refinement of a role).
const (
	KindPlan             = "plan"
	KindReasoning        = "reasoning"
	KindUserInputRequest = "user-input-request"
	KindHelperOutcome    = "helper-agent-outcome"
)

// Command parameter payloads.

// SendPromptParams carries the user's prompt text.
type SendPromptParams struct {
	Text string `json:"text"`
}

// ApprovalResponseParams resolves a native approval request.
type ApprovalResponseParams struct {
	ApprovalID string `json:"approvalId"`
	Decision   string `json:"decision"` // "approve", "decline", or "cancel"
}

// PermissionResponseParams resolves an ACP tool-permission request.
// A nil OptionID means the request was cancelled.
type PermissionResponseParams struct {
	RPCID    string  `json:"rpcId"`
	OptionID *string `json:"optionId"`
}

// FetchHistoryParams requests rehydration of a thread's message log.
type FetchHistoryParams struct {
	Limit int `json:"limit,omitempty"`
}

func newCommand(method Method, threadID string, params interface{}) (Command, error) {
	cmd := Command{
		Method:    method,
		RequestID: NewRequestID(),
		ThreadID:  threadID,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return Command{}, err
		}
		cmd.Params = data
	}
	return cmd, nil
}

// NewSendPromptCommand stamps a send-prompt command for the given thread.
func NewSendPromptCommand(threadID, text string) (Command, error) {
	return newCommand(MethodSendPrompt, threadID, SendPromptParams{Text: text})
}

// NewInterruptCommand requests a best-effort stop of the thread's current turn.
func NewInterruptCommand(threadID string) (Command, error) {
	return newCommand(MethodInterrupt, threadID, nil)
}

// NewArchiveCommand flags a thread as archived upstream.
func NewArchiveCommand(threadID string) (Command, error) {
	return newCommand(MethodArchiveThread, threadID, nil)
}

// NewApprovalResponseCommand answers a native approval request.
func NewApprovalResponseCommand(threadID, approvalID, decision string) (Command, error) {
	return newCommand(MethodApprovalResponse, threadID, ApprovalResponseParams{
		ApprovalID: approvalID,
		Decision:   decision,
	})
}

// NewPermissionResponseCommand answers an ACP tool-permission request.
// optionID is nil for cancel.
func NewPermissionResponseCommand(threadID, rpcID string, optionID *string) (Command, error) {
	return newCommand(MethodPermissionResponse, threadID, PermissionResponseParams{
		RPCID:    rpcID,
		OptionID: optionID,
	})
}

// NewFetchHistoryCommand requests the server replay a thread's history.
func NewFetchHistoryCommand(threadID string, limit int) (Command, error) {
	return newCommand(MethodFetchHistory, threadID, FetchHistoryParams{Limit: limit})
}

// ThreadPayload is the wire shape of thread metadata. An absent
// Capabilities list means the provider advertises no restrictions.
type ThreadPayload struct {
	ID                 string       `json:"id"`
	Title              string       `json:"title,omitempty"`
	Provider           Provider     `json:"provider"`
	Status             string       `json:"status,omitempty"`
	Archived           bool         `json:"archived,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpstreamActivityAt *time.Time   `json:"upstreamActivityAt,omitempty"`
	Capabilities       []Capability `json:"capabilities,omitempty"`
}

// MessagePayload is the wire shape of a confirmed message.
type MessagePayload struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Kind      string            `json:"kind,omitempty"`
	Text      string            `json:"text"`
	CreatedAt time.Time         `json:"createdAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
