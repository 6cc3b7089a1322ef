package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the
	// pool see the same data. Without this, each pooled connection gets a
	// separate empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			mac TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			online INTEGER NOT NULL DEFAULT 0,
			first_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_device_id ON events(device_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Devices ---

func (s *SQLiteStore) UpsertDevice(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, mac, ip, online, first_seen, last_seen) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET mac=excluded.mac, ip=excluded.ip, online=excluded.online, last_seen=excluded.last_seen`,
		d.ID, d.Mac, d.IP, d.Online, d.FirstSeen, d.LastSeen,
	)
	return err
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	var d Device
	err := s.db.QueryRowContext(ctx,
		"SELECT id, mac, ip, online, first_seen, last_seen FROM devices WHERE id = ?", id,
	).Scan(&d.ID, &d.Mac, &d.IP, &d.Online, &d.FirstSeen, &d.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, mac, ip, online, first_seen, last_seen FROM devices ORDER BY id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.Mac, &d.IP, &d.Online, &d.FirstSeen, &d.LastSeen); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *SQLiteStore) SetDeviceOnline(ctx context.Context, id string, online bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE devices SET online = ?, last_seen = ? WHERE id = ?",
		online, time.Now(), id,
	)
	return err
}

// --- Events ---

func (s *SQLiteStore) LogEvent(ctx context.Context, ev *Event) error {
	detail := ""
	if ev.Detail != nil {
		detail = string(ev.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events (id, device_id, action, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		ev.ID, ev.DeviceID, ev.Action, detail, ev.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, limit, offset int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, action, detail, created_at
		 FROM events ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var detail string
		if err := rows.Scan(&ev.ID, &ev.DeviceID, &ev.Action, &detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			ev.Detail = []byte(detail)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) PurgeOldEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
