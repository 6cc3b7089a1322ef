// Package registry tracks the live connections known to the hub: at most
// one addressable connection per agent id, plus the set of connected
// frontends. Entries are non-owning references; the connection handler
// that created a peer remains responsible for closing it.
package registry

import (
	"sort"
	"sync"
	"time"
)

// Peer is one open bidirectional message channel. Send marshals the
// payload as JSON and writes it; implementations must be safe for
// concurrent use.
type Peer interface {
	Send(payload any) error
}

// AgentEntry is the registry's record for one registered agent.
type AgentEntry struct {
	ID        string
	Peer      Peer
	Mac       string
	IP        string
	FirstSeen time.Time
	LastSeen  time.Time
}

// Registry holds the agent map and the frontend set. Each structure is a
// plain associative collection behind one mutex; no operation spans a
// blocking call while the lock is held.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*AgentEntry
	frontends map[string]Peer
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		agents:    make(map[string]*AgentEntry),
		frontends: make(map[string]Peer),
	}
}

// RegisterAgent records p as the connection for id, unconditionally
// replacing any existing entry. Last writer wins on reconnection races.
func (r *Registry) RegisterAgent(id string, p Peer, mac, ip string) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[id] = &AgentEntry{
		ID:        id,
		Peer:      p,
		Mac:       mac,
		IP:        ip,
		FirstSeen: now,
		LastSeen:  now,
	}
}

// UnregisterAgent removes the entry for id only if it still points at p,
// and reports whether removal happened. A stale handler closing after a
// reconnection must not evict the newer connection.
func (r *Registry) UnregisterAgent(id string, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.agents[id]
	if !ok || entry.Peer != p {
		return false
	}
	delete(r.agents, id)
	return true
}

// LookupAgent returns the current connection for id.
func (r *Registry) LookupAgent(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return entry.Peer, true
}

// TouchAgent updates the last_seen timestamp for id, if registered.
func (r *Registry) TouchAgent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.agents[id]; ok {
		entry.LastSeen = time.Now()
	}
}

// AgentIDs returns the registered agent ids in sorted order, for
// deterministic client-side rendering.
func (r *Registry) AgentIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Agents returns a snapshot of all agent entries.
func (r *Registry) Agents() []AgentEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]AgentEntry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, *e)
	}
	return entries
}

// AddFrontend adds a frontend connection under its connection id.
// Idempotent.
func (r *Registry) AddFrontend(id string, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frontends[id] = p
}

// RemoveFrontend removes a frontend connection. Idempotent.
func (r *Registry) RemoveFrontend(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.frontends, id)
}

// Frontends returns a snapshot of the frontend set, safe to iterate
// while the live set is mutated by other goroutines.
func (r *Registry) Frontends() map[string]Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := make(map[string]Peer, len(r.frontends))
	for id, p := range r.frontends {
		snap[id] = p
	}
	return snap
}

// FrontendCount returns the number of connected frontends.
func (r *Registry) FrontendCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.frontends)
}
