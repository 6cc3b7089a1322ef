// Package cache keeps the last known state message per sub-device.
// Entries represent "last observed", not "currently true": they are
// never expired, only overwritten.
package cache

import (
	"encoding/json"
	"sync"
)

// Key identifies one addressable sub-device of one agent.
type Key struct {
	AgentID string
	Device  string
	Index   int
}

// Cache is a last-write-wins map from Key to the full state message as
// received on the wire. The key space is bounded by the number of
// physical devices, so there is no size limit.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]json.RawMessage
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[Key]json.RawMessage)}
}

// stateKey mirrors the key fields of a state message. Pointers keep
// missing fields distinguishable from zero values; a mistyped field
// fails the unmarshal.
type stateKey struct {
	From   *string `json:"from"`
	Device *string `json:"device"`
	ID     *int    `json:"id"`
}

// Put validates the three key fields of a state message and stores the
// raw message under the derived key. Malformed input is discarded and
// Put returns false; the caller logs, the sender is not notified.
func (c *Cache) Put(raw json.RawMessage) bool {
	var k stateKey
	if err := json.Unmarshal(raw, &k); err != nil {
		return false
	}
	if k.From == nil || k.Device == nil || k.ID == nil {
		return false
	}

	key := Key{AgentID: *k.From, Device: *k.Device, Index: *k.ID}
	stored := append(json.RawMessage(nil), raw...)

	c.mu.Lock()
	c.entries[key] = stored
	c.mu.Unlock()
	return true
}

// Get returns the stored state message for the key, if any.
func (c *Cache) Get(agentID, device string, index int) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msg, ok := c.entries[Key{AgentID: agentID, Device: device, Index: index}]
	return msg, ok
}

// Count returns the number of cached entries, for status reporting.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
