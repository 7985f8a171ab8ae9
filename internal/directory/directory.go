// Package directory holds the set of known threads and their metadata.
// It is the single authority for thread identity: every inbound event
// referencing an unknown thread upserts a stub here before it is applied
// elsewhere. Threads are never hard-deleted; archiving is a flag.
package directory

import (
	"sort"
	"sync"
	"time"

	"github.com/workspace/agent-console/internal/protocol"
)

// Thread is the locally tracked metadata for one remote conversation.
type Thread struct {
	ID                 string            `json:"id"`
	Title              string            `json:"title,omitempty"`
	Provider           protocol.Provider `json:"provider"`
	Status             string            `json:"status,omitempty"`
	Archived           bool              `json:"archived"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpstreamActivityAt *time.Time        `json:"upstreamActivityAt,omitempty"`
	LocalActivityAt    *time.Time        `json:"localActivityAt,omitempty"`

	// Capabilities is the provider-advertised feature set. Empty means
	// unrestricted.
	Capabilities []protocol.Capability `json:"capabilities,omitempty"`
}

// Supports reports whether the thread's provider advertises the
// capability. An empty list advertises everything.
func (t Thread) Supports(c protocol.Capability) bool {
	if len(t.Capabilities) == 0 {
		return true
	}
	for _, have := range t.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// activityAt is the sort timestamp: local activity, falling back to
// upstream-reported activity, falling back to creation time.
func (t Thread) activityAt() time.Time {
	if t.LocalActivityAt != nil {
		return *t.LocalActivityAt
	}
	if t.UpstreamActivityAt != nil {
		return *t.UpstreamActivityAt
	}
	return t.CreatedAt
}

// Filter selects threads for listing. Nil fields match everything;
// non-nil predicates compose with AND.
type Filter struct {
	Provider *protocol.Provider
	Archived *bool
}

func (f Filter) matches(t Thread) bool {
	if f.Provider != nil && t.Provider != *f.Provider {
		return false
	}
	if f.Archived != nil && t.Archived != *f.Archived {
		return false
	}
	return true
}

// StateFunc reports the derived turn state for a thread. The directory
// consults it only at listing time; it never caches the result.
type StateFunc func(threadID string) protocol.TurnState

// Directory is the thread store. All mutation goes through Upsert,
// Ensure, Touch, and Archive; readers get copies.
type Directory struct {
	mu      sync.RWMutex
	threads map[string]Thread
	stateFn StateFunc
}

// New creates an empty directory. stateFn may be nil, in which case all
// threads rank as idle.
func New(stateFn StateFunc) *Directory {
	if stateFn == nil {
		stateFn = func(string) protocol.TurnState { return protocol.TurnIdle }
	}
	return &Directory{
		threads: make(map[string]Thread),
		stateFn: stateFn,
	}
}

// Upsert applies server-reported thread metadata. Locally tracked
// activity survives the update, and a zero CreatedAt never overwrites a
// known creation time.
func (d *Directory) Upsert(p protocol.ThreadPayload) Thread {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, known := d.threads[p.ID]
	t := Thread{
		ID:                 p.ID,
		Title:              p.Title,
		Provider:           p.Provider,
		Status:             p.Status,
		Archived:           p.Archived,
		CreatedAt:          p.CreatedAt,
		UpstreamActivityAt: p.UpstreamActivityAt,
		Capabilities:       p.Capabilities,
	}
	if known {
		t.LocalActivityAt = existing.LocalActivityAt
		if len(t.Capabilities) == 0 {
			t.Capabilities = existing.Capabilities
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = existing.CreatedAt
		}
		if t.Title == "" {
			t.Title = existing.Title
		}
		if t.Provider == "" {
			t.Provider = existing.Provider
		}
		// Archiving is one-way: once set, no later upsert clears it.
		t.Archived = t.Archived || existing.Archived
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	d.threads[p.ID] = t
	return t
}

// Ensure creates a stub thread if id is unknown and returns the entry.
// Used for self-healing when an event references a thread the directory
// has never seen.
func (d *Directory) Ensure(id string) Thread {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.threads[id]; ok {
		return t
	}
	t := Thread{
		ID:        id,
		Provider:  protocol.ProviderNative,
		CreatedAt: time.Now().UTC(),
	}
	d.threads[id] = t
	return t
}

// Get returns a copy of the thread, if known.
func (d *Directory) Get(id string) (Thread, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.threads[id]
	return t, ok
}

// Touch records local activity on a thread at the given time.
func (d *Directory) Touch(id string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.threads[id]
	if !ok {
		return
	}
	at = at.UTC()
	t.LocalActivityAt = &at
	d.threads[id] = t
}

// Archive flags a thread as archived. Archiving twice is a no-op, not
// an error; false is returned only for an unknown id.
func (d *Directory) Archive(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.threads[id]
	if !ok {
		return false
	}
	if !t.Archived {
		t.Archived = true
		d.threads[id] = t
	}
	return true
}

// List returns the threads matching filter, ranked first by turn-state
// urgency (blocked before working before idle), then most-recent
// activity, then creation time descending, then id ascending so that
// equal-timestamp threads never reorder between calls.
func (d *Directory) List(filter Filter) []Thread {
	d.mu.RLock()
	result := make([]Thread, 0, len(d.threads))
	for _, t := range d.threads {
		if filter.matches(t) {
			result = append(result, t)
		}
	}
	stateFn := d.stateFn
	d.mu.RUnlock()

	// Resolve states outside the lock; stateFn may consult other stores.
	ranks := make(map[string]int, len(result))
	for _, t := range result {
		ranks[t.ID] = stateFn(t.ID).Rank()
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if ranks[a.ID] != ranks[b.ID] {
			return ranks[a.ID] < ranks[b.ID]
		}
		aAct, bAct := a.activityAt(), b.activityAt()
		if !aAct.Equal(bAct) {
			return aAct.After(bAct)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return result
}

// Len reports the number of known threads.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.threads)
}
