package protocol

import "fmt"

// TransportError reports a failed or impossible send. The optimistic
// action is marked failed and the caller may re-issue; it never crashes
// the engine.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: %s failed", e.Op)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolViolation reports a server event that breaks protocol rules
// (duplicate ACP permission for a thread, malformed payload). The
// offending event is dropped; subsequent events still apply.
type ProtocolViolation struct {
	ThreadID string
	Reason   string
}

func (e *ProtocolViolation) Error() string {
	if e.ThreadID == "" {
		return fmt.Sprintf("protocol violation: %s", e.Reason)
	}
	return fmt.Sprintf("protocol violation: thread %s: %s", e.ThreadID, e.Reason)
}

// CapabilityMismatch reports an action attempted against a provider that
// lacks the required capability. Rejected before any network call.
type CapabilityMismatch struct {
	Provider   Provider
	Capability Capability
	Reason     string
}

func (e *CapabilityMismatch) Error() string {
	return fmt.Sprintf("provider %q does not support %s: %s", e.Provider, e.Capability, e.Reason)
}
