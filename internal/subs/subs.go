// Package subs reconciles the set of thread subscriptions held on the
// server with the set the client currently wants. The manager is
// diff-based: callers declare the desired set and it issues only the
// subscribe/unsubscribe commands needed to converge.
package subs

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/workspace/agent-console/internal/protocol"
)

// Transport issues raw subscription commands. Subscription traffic is
// fire-and-forget; it does not flow through the request correlator.
type Transport interface {
	SubscribeThread(threadID string) error
	UnsubscribeThread(threadID string) error
}

// Manager tracks which threads the server believes we are subscribed
// to and converges it toward the desired set.
type Manager struct {
	transport Transport

	// reconcileMu serializes whole convergence passes so two callers
	// (reconnect replay racing a UI open) cannot both compute the same
	// diff and double-issue commands.
	reconcileMu sync.Mutex

	mu         sync.Mutex
	subscribed map[string]struct{}
}

func New(transport Transport) *Manager {
	return &Manager{
		transport:  transport,
		subscribed: make(map[string]struct{}),
	}
}

// SetDesired converges the server-side subscription set toward want.
// Threads are processed in sorted order so retries after a partial
// failure are deterministic. The first transport error aborts the pass;
// already-applied changes stay recorded so the next pass picks up where
// this one stopped.
func (m *Manager) SetDesired(want []string) error {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	desired := make(map[string]struct{}, len(want))
	for _, id := range want {
		if id != "" {
			desired[id] = struct{}{}
		}
	}

	m.mu.Lock()
	var toAdd, toRemove []string
	for id := range desired {
		if _, ok := m.subscribed[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}
	for id := range m.subscribed {
		if _, ok := desired[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	m.mu.Unlock()

	sort.Strings(toAdd)
	sort.Strings(toRemove)

	for _, id := range toRemove {
		if err := m.transport.UnsubscribeThread(id); err != nil {
			return &protocol.TransportError{Op: "unsubscribe " + id, Err: err}
		}
		m.mu.Lock()
		delete(m.subscribed, id)
		m.mu.Unlock()
	}
	for _, id := range toAdd {
		if err := m.transport.SubscribeThread(id); err != nil {
			return &protocol.TransportError{Op: "subscribe " + id, Err: err}
		}
		m.mu.Lock()
		m.subscribed[id] = struct{}{}
		m.mu.Unlock()
	}

	if len(toAdd) > 0 || len(toRemove) > 0 {
		slog.Debug("Subscriptions reconciled", "added", len(toAdd), "removed", len(toRemove), "total", m.Len())
	}
	return nil
}

// Reset forgets all tracked subscriptions without issuing unsubscribes.
// Called when the connection drops: server-side state is gone, so the
// next SetDesired re-issues every subscribe from scratch.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.subscribed = make(map[string]struct{})
	m.mu.Unlock()
}

// Subscribed returns the tracked subscription set, sorted.
func (m *Manager) Subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subscribed))
	for id := range m.subscribed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsSubscribed reports whether threadID is currently tracked.
func (m *Manager) IsSubscribed(threadID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subscribed[threadID]
	return ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribed)
}
