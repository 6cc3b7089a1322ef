package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedDevice(t *testing.T, s Store, id string, online bool) {
	t.Helper()
	now := time.Now()
	err := s.UpsertDevice(context.Background(), &Device{
		ID: id, Mac: "AA:BB:CC", IP: "10.0.0.9", Online: online, FirstSeen: now, LastSeen: now,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func seedEvent(t *testing.T, s Store, deviceID, action string, at time.Time) {
	t.Helper()
	err := s.LogEvent(context.Background(), &Event{
		ID: uuid.New().String(), DeviceID: deviceID, Action: action, CreatedAt: at,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestUpsertAndGetDevice(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seedDevice(t, s, "esp32_store_01", true)

	d, err := s.GetDevice(ctx, "esp32_store_01")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if d == nil {
		t.Fatal("expected device")
	}
	if d.Mac != "AA:BB:CC" || d.IP != "10.0.0.9" || !d.Online {
		t.Errorf("device: %+v", d)
	}

	// Upsert with new metadata replaces the mutable fields.
	now := time.Now()
	err = s.UpsertDevice(ctx, &Device{
		ID: "esp32_store_01", Mac: "DD:EE:FF", IP: "10.0.0.10", Online: false, FirstSeen: now, LastSeen: now,
	})
	if err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	d, err = s.GetDevice(ctx, "esp32_store_01")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if d.Mac != "DD:EE:FF" || d.Online {
		t.Errorf("device after upsert: %+v", d)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := setupTestStore(t)

	d, err := s.GetDevice(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if d != nil {
		t.Errorf("expected nil for unknown id, got %+v", d)
	}
}

func TestSetDeviceOnline(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seedDevice(t, s, "esp32_store_02", true)

	if err := s.SetDeviceOnline(ctx, "esp32_store_02", false); err != nil {
		t.Fatalf("SetDeviceOnline: %v", err)
	}

	d, err := s.GetDevice(ctx, "esp32_store_02")
	if err != nil {
		t.Fatal(err)
	}
	if d.Online {
		t.Error("expected device offline")
	}
}

func TestListDevicesSorted(t *testing.T) {
	s := setupTestStore(t)

	seedDevice(t, s, "esp32_list_02", true)
	seedDevice(t, s, "esp32_list_01", false)

	devices, err := s.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) < 2 {
		t.Fatalf("device count: got %d", len(devices))
	}

	var prev string
	for _, d := range devices {
		if d.ID < prev {
			t.Errorf("devices not sorted: %q after %q", d.ID, prev)
		}
		prev = d.ID
	}
}

func TestLogAndListEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	detail := json.RawMessage(`{"state":"on"}`)
	err := s.LogEvent(ctx, &Event{
		ID:        uuid.New().String(),
		DeviceID:  "esp32_ev_01",
		Action:    ActionStateChanged,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("LogEvent: %v", err)
	}

	events, err := s.ListEvents(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}

	found := false
	for _, ev := range events {
		if ev.DeviceID == "esp32_ev_01" && ev.Action == ActionStateChanged {
			found = true
			if string(ev.Detail) != string(detail) {
				t.Errorf("detail: got %s", ev.Detail)
			}
		}
	}
	if !found {
		t.Error("logged event not returned by ListEvents")
	}
}

func TestListEventsNewestFirst(t *testing.T) {
	s := setupTestStore(t)

	base := time.Now().Add(-time.Hour)
	seedEvent(t, s, "esp32_ord", ActionDeviceOnline, base)
	seedEvent(t, s, "esp32_ord", ActionDeviceOffline, base.Add(time.Minute))

	events, err := s.ListEvents(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("event count: got %d, want 2", len(events))
	}
	if events[0].CreatedAt.Before(events[1].CreatedAt) {
		t.Error("expected newest event first")
	}
}

func TestPurgeOldEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	seedEvent(t, s, "esp32_purge", ActionDeviceOnline, old)
	seedEvent(t, s, "esp32_purge", ActionDeviceOffline, time.Now())

	n, err := s.PurgeOldEvents(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOldEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("purged: got %d, want 1", n)
	}

	events, err := s.ListEvents(ctx, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range events {
		if ev.DeviceID == "esp32_purge" && ev.Action == ActionDeviceOnline {
			t.Error("old event still present after purge")
		}
	}
}

func TestPing(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
