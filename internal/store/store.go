// Package store defines the event-log storage interface for the hub and
// provides SQLite and PostgreSQL implementations.
//
// The store is write-behind observability only: routing, the connection
// registry, and the state cache never read from it, and a store failure
// never affects message flow.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for device records and hub events.
type Store interface {
	// Devices
	UpsertDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context) ([]Device, error)
	SetDeviceOnline(ctx context.Context, id string, online bool) error

	// Events
	LogEvent(ctx context.Context, ev *Event) error
	ListEvents(ctx context.Context, limit, offset int) ([]Event, error)
	PurgeOldEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Device is the persisted record for one agent id.
type Device struct {
	ID        string    `json:"id"`
	Mac       string    `json:"mac,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Online    bool      `json:"online"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Event is one entry in the append-only hub event log.
type Event struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"device_id,omitempty"`
	Action    string          `json:"action"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Event actions logged by the hub.
const (
	ActionDeviceOnline     = "device.online"
	ActionDeviceOffline    = "device.offline"
	ActionStateChanged     = "state.changed"
	ActionCommandForwarded = "command.forwarded"
	ActionCommandFailed    = "command.failed"
)
