// Package approval drives the two human-in-the-loop approval protocols:
// the native flow keyed by approval id, and the bidirectional ACP
// tool-permission flow keyed by JSON-RPC id. It owns timeout handling
// and policy-based auto-resolution.
package approval

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/workspace/agent-console/internal/correlator"
	"github.com/workspace/agent-console/internal/ledger"
	"github.com/workspace/agent-console/internal/protocol"
)

// NativeState is the lifecycle of a native approval. All states but
// NativePending are terminal.
type NativeState string

const (
	NativePending   NativeState = "pending"
	NativeApproved  NativeState = "approved"
	NativeDeclined  NativeState = "declined"
	NativeCancelled NativeState = "cancelled"
)

// ACPState is the lifecycle of an ACP tool-permission request.
type ACPState string

const (
	ACPPending   ACPState = "pending"
	ACPResolved  ACPState = "resolved"
	ACPTimedOut  ACPState = "timed_out"
	ACPCancelled ACPState = "cancelled"
)

// Origin records who resolved an approval, so a deadline expiry stays
// distinguishable from a user-chosen cancel in history.
type Origin string

const (
	OriginUser       Origin = "user"
	OriginPolicy     Origin = "policy"
	OriginTimeout    Origin = "timeout"
	OriginCapability Origin = "capability_gate"
)

// NativeApproval is a pending or resolved native approval prompt.
type NativeApproval struct {
	ID          string      `json:"id"`
	ThreadID    string      `json:"threadId"`
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	State       NativeState `json:"state"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// ACPApproval is a pending or resolved ACP tool-permission request.
type ACPApproval struct {
	ThreadID  string                    `json:"threadId"`
	RPCID     string                    `json:"rpcId"`
	ToolKind  string                    `json:"toolKind,omitempty"`
	ToolTitle string                    `json:"toolTitle,omitempty"`
	Options   []acpsdk.PermissionOption `json:"options"`
	Deadline  time.Time                 `json:"deadline"`
	State     ACPState                  `json:"state"`
	Origin    Origin                    `json:"origin,omitempty"`
	OptionID  string                    `json:"optionId,omitempty"`
}

// Resolution is one entry of the approval audit trail.
type Resolution struct {
	ThreadID   string    `json:"threadId"`
	Flow       string    `json:"flow"` // "native" or "acp"
	Key        string    `json:"key"`  // approval id or rpc id
	Outcome    string    `json:"outcome"`
	Origin     Origin    `json:"origin"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// Submitter sends correlated commands; satisfied by the correlator.
type Submitter interface {
	Submit(cmd protocol.Command, opt *correlator.Optimistic) error
}

// Capabilities answers capability queries from thread metadata alone.
type Capabilities interface {
	SupportsApprovals(threadID string) bool
}

// Coordinator is the approval engine for all threads.
type Coordinator struct {
	submitter Submitter
	ledger    *ledger.Ledger
	policies  PolicyStore
	caps      Capabilities
	timeout   time.Duration

	// OnResolution, when set, receives every audit entry. Set before
	// the first event is applied; not guarded afterwards.
	OnResolution func(Resolution)

	mu      sync.Mutex
	native  map[string]*NativeApproval // approval id -> record
	acp     map[string]*ACPApproval    // thread id -> single pending record
	byRPC   map[string]string          // rpc id -> thread id
	timers  map[string]*time.Timer     // rpc id -> deadline timer
	history []Resolution
	inputs  map[string]protocol.UserInputRequestedPayload // thread id -> open question
}

// New creates a coordinator. timeout bounds ACP pending lifetimes; the
// native flow deliberately has none.
func New(submitter Submitter, lg *ledger.Ledger, policies PolicyStore, caps Capabilities, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Coordinator{
		submitter: submitter,
		ledger:    lg,
		policies:  policies,
		caps:      caps,
		timeout:   timeout,
		native:    make(map[string]*NativeApproval),
		acp:       make(map[string]*ACPApproval),
		byRPC:     make(map[string]string),
		timers:    make(map[string]*time.Timer),
		inputs:    make(map[string]protocol.UserInputRequestedPayload),
	}
}

// HandleEvent routes approval-shaped events. Returns a ProtocolViolation
// for malformed payloads or a duplicate ACP request; other events are
// ignored so the caller can dispatch unconditionally.
func (c *Coordinator) HandleEvent(ev protocol.Event) error {
	switch ev.Type {
	case protocol.EventApprovalRequested:
		var p protocol.ApprovalRequestedPayload
		if err := ev.Decode(&p); err != nil {
			return &protocol.ProtocolViolation{ThreadID: ev.ThreadID, Reason: fmt.Sprintf("malformed approval payload: %v", err)}
		}
		c.handleNativeRequest(ev.ThreadID, p)
		return nil

	case protocol.EventPermissionRequested:
		var p protocol.PermissionRequestedPayload
		if err := ev.Decode(&p); err != nil {
			return &protocol.ProtocolViolation{ThreadID: ev.ThreadID, Reason: fmt.Sprintf("malformed permission payload: %v", err)}
		}
		return c.handlePermissionRequest(ev.ThreadID, p)

	case protocol.EventUserInputRequested:
		var p protocol.UserInputRequestedPayload
		if err := ev.Decode(&p); err != nil {
			return &protocol.ProtocolViolation{ThreadID: ev.ThreadID, Reason: fmt.Sprintf("malformed user-input payload: %v", err)}
		}
		c.handleUserInputRequest(ev.ThreadID, p)
		return nil
	}
	return nil
}

// handleNativeRequest creates the pending record. A re-request for an
// already pending id is a protocol reset: the new request replaces the
// old one and the UI re-prompts.
func (c *Coordinator) handleNativeRequest(threadID string, p protocol.ApprovalRequestedPayload) {
	c.mu.Lock()
	if existing, ok := c.native[p.ApprovalID]; ok && existing.State == NativePending {
		slog.Warn("Approval re-requested, resetting", "threadId", threadID, "approvalId", p.ApprovalID)
	}
	c.native[p.ApprovalID] = &NativeApproval{
		ID:          p.ApprovalID,
		ThreadID:    threadID,
		Title:       p.Title,
		Description: p.Description,
		State:       NativePending,
		CreatedAt:   time.Now().UTC(),
	}
	c.mu.Unlock()

	c.ledger.Append(threadID, protocol.MessagePayload{
		ID:   "approval:" + p.ApprovalID,
		Role: protocol.RoleApproval,
		Text: p.Title,
	})
}

// ResolveNative answers a native approval exactly once. decision is
// "approve", "decline", or "cancel".
func (c *Coordinator) ResolveNative(approvalID, decision string) error {
	c.mu.Lock()
	rec, ok := c.native[approvalID]
	if !ok || rec.State != NativePending {
		c.mu.Unlock()
		return fmt.Errorf("approval %s is not pending", approvalID)
	}

	var state NativeState
	switch decision {
	case "approve":
		state = NativeApproved
	case "decline":
		state = NativeDeclined
	case "cancel":
		state = NativeCancelled
	default:
		c.mu.Unlock()
		return fmt.Errorf("unknown approval decision %q", decision)
	}

	// Optimistic transition; the server ack is correlated separately.
	rec.State = state
	threadID := rec.ThreadID
	c.recordLocked(Resolution{
		ThreadID:   threadID,
		Flow:       "native",
		Key:        approvalID,
		Outcome:    decision,
		Origin:     OriginUser,
		ResolvedAt: time.Now().UTC(),
	})
	c.mu.Unlock()

	cmd, err := protocol.NewApprovalResponseCommand(threadID, approvalID, decision)
	if err != nil {
		return err
	}
	return c.submitter.Submit(cmd, nil)
}

// handlePermissionRequest runs the ACP intake: capability gate, then
// policy auto-apply, then a pending record with a deadline.
func (c *Coordinator) handlePermissionRequest(threadID string, p protocol.PermissionRequestedPayload) error {
	// Providers without approval support still get an answer; leaving
	// the RPC unanswered would hang the remote tool.
	if c.caps != nil && !c.caps.SupportsApprovals(threadID) {
		slog.Warn("Permission request on thread without approval capability, auto-cancelling",
			"threadId", threadID, "rpcId", p.RPCID)
		c.ledger.Append(threadID, protocol.MessagePayload{
			ID:   "permission:" + p.RPCID,
			Role: protocol.RoleSystem,
			Text: "A tool permission request was automatically declined: this provider does not support approvals.",
		})
		c.record(Resolution{
			ThreadID: threadID, Flow: "acp", Key: p.RPCID,
			Outcome: "cancel", Origin: OriginCapability, ResolvedAt: time.Now().UTC(),
		})
		return c.sendPermissionResponse(threadID, p.RPCID, nil)
	}

	// Policy auto-apply path: resolved without ever surfacing a
	// pending record to the UI.
	if c.policies != nil {
		if policy, ok := matchPolicy(c.policies.Policies(), p.ToolKind, p.ToolTitle); ok {
			if opt, found := pickOption(p.Options, policy.Decision); found {
				slog.Info("Permission auto-resolved by policy",
					"threadId", threadID, "rpcId", p.RPCID,
					"policyId", policy.ID, "decision", policy.Decision, "optionId", opt.OptionId)
				c.record(Resolution{
					ThreadID: threadID, Flow: "acp", Key: p.RPCID,
					Outcome: string(policy.Decision), Origin: OriginPolicy, ResolvedAt: time.Now().UTC(),
				})
				optionID := string(opt.OptionId)
				return c.sendPermissionResponse(threadID, p.RPCID, &optionID)
			}
			slog.Warn("Policy matched but no compatible option offered",
				"threadId", threadID, "rpcId", p.RPCID, "decision", policy.Decision)
		}
	}

	c.mu.Lock()
	if existing, ok := c.acp[threadID]; ok && existing.State == ACPPending {
		c.mu.Unlock()
		return &protocol.ProtocolViolation{
			ThreadID: threadID,
			Reason:   fmt.Sprintf("permission request %s while %s is still pending", p.RPCID, existing.RPCID),
		}
	}

	rec := &ACPApproval{
		ThreadID:  threadID,
		RPCID:     p.RPCID,
		ToolKind:  p.ToolKind,
		ToolTitle: p.ToolTitle,
		Options:   p.Options,
		Deadline:  time.Now().UTC().Add(c.timeout),
		State:     ACPPending,
	}
	c.acp[threadID] = rec
	c.byRPC[p.RPCID] = threadID
	c.timers[p.RPCID] = time.AfterFunc(c.timeout, func() { c.expire(p.RPCID) })
	c.mu.Unlock()

	c.ledger.Append(threadID, protocol.MessagePayload{
		ID:   "permission:" + p.RPCID,
		Role: protocol.RoleApproval,
		Text: p.ToolTitle,
		Metadata: map[string]string{
			"toolKind": p.ToolKind,
			"rpcId":    p.RPCID,
		},
	})
	return nil
}

// ResolveACP answers a pending tool-permission request. optionID nil
// cancels. Only the first resolution of an rpcId is honored; later
// attempts are no-ops.
func (c *Coordinator) ResolveACP(rpcID string, optionID *string) error {
	c.mu.Lock()
	threadID, ok := c.byRPC[rpcID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	rec := c.acp[threadID]
	if rec == nil || rec.RPCID != rpcID || rec.State != ACPPending {
		c.mu.Unlock()
		return nil
	}

	outcome := "cancel"
	if optionID != nil {
		if !hasOption(rec.Options, *optionID) {
			c.mu.Unlock()
			return fmt.Errorf("option %q is not offered for request %s", *optionID, rpcID)
		}
		outcome = *optionID
		rec.OptionID = *optionID
		rec.State = ACPResolved
	} else {
		rec.State = ACPCancelled
	}
	rec.Origin = OriginUser
	c.stopTimerLocked(rpcID)
	c.recordLocked(Resolution{
		ThreadID: threadID, Flow: "acp", Key: rpcID,
		Outcome: outcome, Origin: OriginUser, ResolvedAt: time.Now().UTC(),
	})
	c.mu.Unlock()

	return c.sendPermissionResponse(threadID, rpcID, optionID)
}

// expire fires when an ACP deadline passes with no resolution. The
// cancel-equivalent response is sent exactly once; a concurrent user
// resolution wins by flipping the state first.
func (c *Coordinator) expire(rpcID string) {
	c.mu.Lock()
	threadID, ok := c.byRPC[rpcID]
	if !ok {
		c.mu.Unlock()
		return
	}
	rec := c.acp[threadID]
	if rec == nil || rec.RPCID != rpcID || rec.State != ACPPending {
		c.mu.Unlock()
		return
	}
	rec.State = ACPTimedOut
	rec.Origin = OriginTimeout
	c.stopTimerLocked(rpcID)
	c.recordLocked(Resolution{
		ThreadID: threadID, Flow: "acp", Key: rpcID,
		Outcome: "cancel", Origin: OriginTimeout, ResolvedAt: time.Now().UTC(),
	})
	c.mu.Unlock()

	slog.Info("Permission request timed out, auto-cancelling", "threadId", threadID, "rpcId", rpcID)
	c.ledger.Append(threadID, protocol.MessagePayload{
		ID:   "permission-timeout:" + rpcID,
		Role: protocol.RoleSystem,
		Text: "Tool permission request timed out and was cancelled automatically.",
	})
	if err := c.sendPermissionResponse(threadID, rpcID, nil); err != nil {
		slog.Error("Failed to send timeout cancel", "rpcId", rpcID, "error", err)
	}
}

func (c *Coordinator) sendPermissionResponse(threadID, rpcID string, optionID *string) error {
	cmd, err := protocol.NewPermissionResponseCommand(threadID, rpcID, optionID)
	if err != nil {
		return err
	}
	return c.submitter.Submit(cmd, nil)
}

func (c *Coordinator) handleUserInputRequest(threadID string, p protocol.UserInputRequestedPayload) {
	c.mu.Lock()
	c.inputs[threadID] = p
	c.mu.Unlock()

	c.ledger.Append(threadID, protocol.MessagePayload{
		ID:   "input:" + p.PromptID,
		Role: protocol.RoleApproval,
		Kind: protocol.KindUserInputRequest,
		Text: p.Question,
	})
}

// ClearUserInput marks a thread's open question answered. Called when
// the user sends a prompt on the thread or the turn ends.
func (c *Coordinator) ClearUserInput(threadID string) {
	c.mu.Lock()
	delete(c.inputs, threadID)
	c.mu.Unlock()
}

// stopTimerLocked cancels and forgets the deadline timer for rpcID.
func (c *Coordinator) stopTimerLocked(rpcID string) {
	if timer, ok := c.timers[rpcID]; ok {
		timer.Stop()
		delete(c.timers, rpcID)
	}
}

func (c *Coordinator) record(r Resolution) {
	c.mu.Lock()
	c.recordLocked(r)
	c.mu.Unlock()
}

func (c *Coordinator) recordLocked(r Resolution) {
	c.history = append(c.history, r)
	if c.OnResolution != nil {
		go c.OnResolution(r)
	}
}

// PendingNative returns the thread's unresolved native approvals.
func (c *Coordinator) PendingNative(threadID string) []NativeApproval {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []NativeApproval
	for _, rec := range c.native {
		if rec.ThreadID == threadID && rec.State == NativePending {
			out = append(out, *rec)
		}
	}
	return out
}

// PendingACP returns the thread's pending tool-permission request, if any.
func (c *Coordinator) PendingACP(threadID string) (ACPApproval, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.acp[threadID]; ok && rec.State == ACPPending {
		return *rec, true
	}
	return ACPApproval{}, false
}

// Blocked reports whether the thread is waiting on any human input:
// a native approval, an ACP permission, or an open question.
func (c *Coordinator) Blocked(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.acp[threadID]; ok && rec.State == ACPPending {
		return true
	}
	if _, ok := c.inputs[threadID]; ok {
		return true
	}
	for _, rec := range c.native {
		if rec.ThreadID == threadID && rec.State == NativePending {
			return true
		}
	}
	return false
}

// History returns a copy of the audit trail.
func (c *Coordinator) History() []Resolution {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Resolution, len(c.history))
	copy(out, c.history)
	return out
}
