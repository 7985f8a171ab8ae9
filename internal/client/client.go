// Package client is the composition root of the console engine. It owns
// the dispatch loop that applies inbound events in arrival order across
// the directory, the message ledger, the request correlator, and the
// approval coordinator, and it exposes the operations a UI calls.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/agent-console/internal/approval"
	"github.com/workspace/agent-console/internal/correlator"
	"github.com/workspace/agent-console/internal/directory"
	"github.com/workspace/agent-console/internal/ledger"
	"github.com/workspace/agent-console/internal/persistence"
	"github.com/workspace/agent-console/internal/protocol"
	"github.com/workspace/agent-console/internal/subs"
)

// Transport is the slice of the wire layer the engine needs.
type Transport interface {
	SendReliable(cmd protocol.Command) error
	SubscribeThread(threadID string) error
	UnsubscribeThread(threadID string) error
	IsHealthy() bool
}

// SnapshotStore persists thread metadata and the approval audit trail.
// Nil disables persistence; the engine runs fully in memory.
type SnapshotStore interface {
	approval.PolicyStore
	UpsertThread(t persistence.ThreadSnapshot) error
	ListThreads() ([]persistence.ThreadSnapshot, error)
	RecordResolution(r approval.Resolution) error
}

// Options configures a client engine.
type Options struct {
	// Transport may be left nil and bound later with AttachTransport,
	// which breaks the construction cycle with a dialer that needs the
	// engine's callbacks.
	Transport         Transport
	Store             SnapshotStore // may be nil
	PermissionTimeout time.Duration
	HistoryFetchLimit int
	// SubscriptionWindow keeps the top N directory threads subscribed
	// even when the UI has not opened them. Zero disables the window.
	SubscriptionWindow int
}

// transportRef is an indirection over the bound transport so the engine
// can exist before the connection does. Calls before AttachTransport
// fail with a transport error instead of panicking.
type transportRef struct {
	mu sync.RWMutex
	t  Transport
}

func (r *transportRef) get() (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.t == nil {
		return nil, &protocol.TransportError{Op: "send", Err: errNotConnected}
	}
	return r.t, nil
}

var errNotConnected = errors.New("no transport attached")

func (r *transportRef) set(t Transport) {
	r.mu.Lock()
	r.t = t
	r.mu.Unlock()
}

func (r *transportRef) SendReliable(cmd protocol.Command) error {
	t, err := r.get()
	if err != nil {
		return err
	}
	return t.SendReliable(cmd)
}

func (r *transportRef) SubscribeThread(threadID string) error {
	t, err := r.get()
	if err != nil {
		return err
	}
	return t.SubscribeThread(threadID)
}

func (r *transportRef) UnsubscribeThread(threadID string) error {
	t, err := r.get()
	if err != nil {
		return err
	}
	return t.UnsubscribeThread(threadID)
}

func (r *transportRef) IsHealthy() bool {
	t, err := r.get()
	return err == nil && t.IsHealthy()
}

// Client is the engine facade.
type Client struct {
	transport *transportRef
	store     SnapshotStore

	directory  *directory.Directory
	ledger     *ledger.Ledger
	correlator *correlator.Correlator
	approvals  *approval.Coordinator

	subs         *subs.Manager
	historyLimit int
	window       int

	mu      sync.Mutex
	desired map[string]struct{} // threads the UI has open
}

// New wires the engine together. The transport's event callback must be
// pointed at HandleEvent and its connect callback at HandleConnected.
func New(opts Options) *Client {
	ref := &transportRef{}
	if opts.Transport != nil {
		ref.set(opts.Transport)
	}
	c := &Client{
		transport:    ref,
		store:        opts.Store,
		ledger:       ledger.New(),
		subs:         subs.New(ref),
		historyLimit: opts.HistoryFetchLimit,
		window:       opts.SubscriptionWindow,
		desired:      make(map[string]struct{}),
	}
	c.directory = directory.New(c.TurnState)
	c.correlator = correlator.New(ref, c.ledger)

	var policies approval.PolicyStore
	if opts.Store != nil {
		policies = opts.Store
	}
	c.approvals = approval.New(c.correlator, c.ledger, policies, capabilityView{c}, opts.PermissionTimeout)
	if opts.Store != nil {
		c.approvals.OnResolution = func(r approval.Resolution) {
			if err := opts.Store.RecordResolution(r); err != nil {
				slog.Error("Failed to persist approval resolution", "key", r.Key, "error", err)
			}
		}
	}
	return c
}

// AttachTransport binds the live transport. Must be called before any
// command is submitted when Options.Transport was nil.
func (c *Client) AttachTransport(t Transport) {
	c.transport.set(t)
}

// capabilityView adapts the engine to the coordinator's capability
// query without exporting it.
type capabilityView struct{ c *Client }

func (v capabilityView) SupportsApprovals(threadID string) bool {
	return v.c.SupportsApprovals(threadID)
}

// Prime seeds the directory from persisted snapshots so a directory
// listing works before the first server event lands.
func (c *Client) Prime() error {
	if c.store == nil {
		return nil
	}
	snaps, err := c.store.ListThreads()
	if err != nil {
		return fmt.Errorf("load thread snapshots: %w", err)
	}
	for _, s := range snaps {
		p := protocol.ThreadPayload{
			ID:       s.ID,
			Title:    s.Title,
			Provider: protocol.Provider(s.Provider),
			Archived: s.Archived,
		}
		if ts, err := time.Parse(time.RFC3339, s.CreatedAt); err == nil {
			p.CreatedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339, s.LastActivityAt); err == nil && s.LastActivityAt != "" {
			p.UpstreamActivityAt = &ts
		}
		c.directory.Upsert(p)
	}
	slog.Info("Directory primed from snapshots", "threads", len(snaps))
	return nil
}

// HandleConnected replays the desired subscription set after every
// successful connect. The server forgets subscriptions on disconnect,
// so tracked state is reset before reconverging.
func (c *Client) HandleConnected() {
	c.subs.Reset()
	if err := c.subs.SetDesired(c.desiredList()); err != nil {
		slog.Error("Subscription replay failed", "error", err)
	}
}

// HandleEvent applies one inbound event. Events referencing unknown
// threads self-heal by creating a directory stub first. Correlated
// acknowledgements are settled before anything reaches the ledger.
func (c *Client) HandleEvent(ev protocol.Event) {
	if ev.ThreadID != "" {
		c.directory.Ensure(ev.ThreadID)
	}

	if c.correlator.Resolve(ev) {
		if ev.ThreadID != "" {
			c.directory.Touch(ev.ThreadID, time.Now().UTC())
		}
		return
	}

	switch ev.Type {
	case protocol.EventThreadUpserted:
		var p protocol.ThreadPayload
		if err := ev.Decode(&p); err != nil {
			slog.Warn("Malformed thread payload", "threadId", ev.ThreadID, "error", err)
			return
		}
		t := c.directory.Upsert(p)
		c.persistSnapshot(t)

	case protocol.EventApprovalRequested, protocol.EventPermissionRequested, protocol.EventUserInputRequested:
		if err := c.approvals.HandleEvent(ev); err != nil {
			slog.Warn("Approval event rejected", "threadId", ev.ThreadID, "type", ev.Type, "error", err)
		}

	case protocol.EventError:
		var p protocol.ErrorPayload
		if err := ev.Decode(&p); err != nil {
			slog.Warn("Malformed error payload", "error", err)
			return
		}
		slog.Error("Server reported error", "code", p.Code, "message", p.Message, "threadId", ev.ThreadID)

	default:
		if ev.Type == protocol.EventTurnEnded {
			c.approvals.ClearUserInput(ev.ThreadID)
		}
		if err := c.ledger.ApplyEvent(ev); err != nil {
			slog.Warn("Event rejected by ledger", "threadId", ev.ThreadID, "type", ev.Type, "error", err)
		}
	}

	if ev.ThreadID != "" {
		c.directory.Touch(ev.ThreadID, time.Now().UTC())
	}
}

func (c *Client) persistSnapshot(t directory.Thread) {
	if c.store == nil {
		return
	}
	snap := persistence.ThreadSnapshot{
		ID:        t.ID,
		Title:     t.Title,
		Provider:  string(t.Provider),
		Archived:  t.Archived,
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
	}
	if t.UpstreamActivityAt != nil {
		snap.LastActivityAt = t.UpstreamActivityAt.UTC().Format(time.RFC3339)
	}
	if err := c.store.UpsertThread(snap); err != nil {
		slog.Error("Failed to persist thread snapshot", "threadId", t.ID, "error", err)
	}
}

// OpenThread marks a thread as visible in the UI: it is subscribed and,
// when its ledger is empty, a history fetch is issued to rehydrate it.
func (c *Client) OpenThread(threadID string) error {
	c.directory.Ensure(threadID)

	c.mu.Lock()
	c.desired[threadID] = struct{}{}
	c.mu.Unlock()

	if err := c.subs.SetDesired(c.desiredList()); err != nil {
		return err
	}

	if c.ledger.IsEmpty(threadID) {
		cmd, err := protocol.NewFetchHistoryCommand(threadID, c.historyLimit)
		if err != nil {
			return err
		}
		return c.correlator.Submit(cmd, nil)
	}
	return nil
}

// CloseThread drops a thread from the visible set and unsubscribes it.
// Its ledger is kept so reopening is instant.
func (c *Client) CloseThread(threadID string) error {
	c.mu.Lock()
	delete(c.desired, threadID)
	c.mu.Unlock()
	return c.subs.SetDesired(c.desiredList())
}

// desiredList is the union of UI-opened threads and the top of the
// directory ordering when a subscription window is configured.
func (c *Client) desiredList() []string {
	want := make(map[string]struct{})
	c.mu.Lock()
	for id := range c.desired {
		want[id] = struct{}{}
	}
	c.mu.Unlock()

	if c.window > 0 {
		active := false
		for i, t := range c.directory.List(directory.Filter{Archived: &active}) {
			if i >= c.window {
				break
			}
			want[t.ID] = struct{}{}
		}
	}

	out := make([]string, 0, len(want))
	for id := range want {
		out = append(out, id)
	}
	return out
}

// SyncSubscriptions reconverges the subscription set after directory
// ordering changes. Callers decide when; the engine never reacts to its
// own listing output.
func (c *Client) SyncSubscriptions() error {
	return c.subs.SetDesired(c.desiredList())
}

// SendPrompt submits user prompt text with an optimistic ledger entry.
// The capability check happens before any network traffic.
func (c *Client) SendPrompt(threadID, text string) error {
	t, ok := c.directory.Get(threadID)
	if !ok {
		t = c.directory.Ensure(threadID)
	}
	if !t.Supports(protocol.CapabilitySendPrompt) {
		return &protocol.CapabilityMismatch{
			Provider:   t.Provider,
			Capability: protocol.CapabilitySendPrompt,
			Reason:     "provider does not accept prompts on this thread",
		}
	}

	cmd, err := protocol.NewSendPromptCommand(threadID, text)
	if err != nil {
		return err
	}
	if err := c.correlator.Submit(cmd, &correlator.Optimistic{
		Role: protocol.RoleUser,
		Text: text,
	}); err != nil {
		return err
	}
	c.approvals.ClearUserInput(threadID)
	c.directory.Touch(threadID, time.Now().UTC())
	return nil
}

// Interrupt requests a best-effort stop of the current turn. The thread
// stays in its current state until the server reports the turn ended.
func (c *Client) Interrupt(threadID string) error {
	t, ok := c.directory.Get(threadID)
	if ok && !t.Supports(protocol.CapabilityInterrupt) {
		return &protocol.CapabilityMismatch{
			Provider:   t.Provider,
			Capability: protocol.CapabilityInterrupt,
			Reason:     "provider cannot interrupt a running turn",
		}
	}
	cmd, err := protocol.NewInterruptCommand(threadID)
	if err != nil {
		return err
	}
	return c.correlator.Submit(cmd, nil)
}

// ArchiveThread hides the thread locally and tells the server. The
// local flag is applied optimistically and is sticky.
func (c *Client) ArchiveThread(threadID string) error {
	if !c.directory.Archive(threadID) {
		return fmt.Errorf("unknown thread %s", threadID)
	}
	if t, ok := c.directory.Get(threadID); ok {
		c.persistSnapshot(t)
	}
	cmd, err := protocol.NewArchiveCommand(threadID)
	if err != nil {
		return err
	}
	return c.correlator.Submit(cmd, nil)
}

// ResolveApproval answers a native approval prompt.
func (c *Client) ResolveApproval(approvalID, decision string) error {
	return c.approvals.ResolveNative(approvalID, decision)
}

// ResolvePermission answers an ACP tool-permission request. optionID
// nil cancels it.
func (c *Client) ResolvePermission(rpcID string, optionID *string) error {
	return c.approvals.ResolveACP(rpcID, optionID)
}

// TurnState derives the thread's execution state. Pending human input
// outranks an open turn, which outranks idle.
func (c *Client) TurnState(threadID string) protocol.TurnState {
	if c.approvals.Blocked(threadID) {
		return protocol.TurnBlocked
	}
	if c.ledger.TurnStatus(threadID).Open {
		return protocol.TurnWorking
	}
	return protocol.TurnIdle
}

// CanSendPrompt answers from local metadata only.
func (c *Client) CanSendPrompt(threadID string) bool {
	t, ok := c.directory.Get(threadID)
	return ok && t.Supports(protocol.CapabilitySendPrompt)
}

// SupportsApprovals answers from local metadata only.
func (c *Client) SupportsApprovals(threadID string) bool {
	t, ok := c.directory.Get(threadID)
	return ok && t.Supports(protocol.CapabilityApprovals)
}

// Threads lists threads through the directory's ordering rules.
func (c *Client) Threads(filter directory.Filter) []directory.Thread {
	return c.directory.List(filter)
}

// Messages returns the thread's ledger view.
func (c *Client) Messages(threadID string) []ledger.Message {
	return c.ledger.Messages(threadID)
}

// StreamingReasoning exposes the in-progress reasoning buffer.
func (c *Client) StreamingReasoning(threadID string) (string, bool) {
	return c.ledger.StreamingReasoning(threadID)
}

// Plan returns the thread's current plan snapshot.
func (c *Client) Plan(threadID string) (ledger.Plan, bool) {
	return c.ledger.Plan(threadID)
}

// PendingApprovals returns unresolved native approvals for a thread.
func (c *Client) PendingApprovals(threadID string) []approval.NativeApproval {
	return c.approvals.PendingNative(threadID)
}

// PendingPermission returns the thread's pending ACP request, if any.
func (c *Client) PendingPermission(threadID string) (approval.ACPApproval, bool) {
	return c.approvals.PendingACP(threadID)
}

// Healthy reports transport health.
func (c *Client) Healthy() bool {
	return c.transport.IsHealthy()
}
