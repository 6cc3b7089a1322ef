package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			mac TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			online BOOLEAN NOT NULL DEFAULT FALSE,
			first_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Devices ---

func (s *PostgresStore) UpsertDevice(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, mac, ip, online, first_seen, last_seen) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT(id) DO UPDATE SET mac=EXCLUDED.mac, ip=EXCLUDED.ip, online=EXCLUDED.online, last_seen=EXCLUDED.last_seen`,
		d.ID, d.Mac, d.IP, d.Online, d.FirstSeen, d.LastSeen,
	)
	return err
}

func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	var d Device
	err := s.db.QueryRowContext(ctx,
		"SELECT id, mac, ip, online, first_seen, last_seen FROM devices WHERE id = $1", id,
	).Scan(&d.ID, &d.Mac, &d.IP, &d.Online, &d.FirstSeen, &d.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) ListDevices(ctx context.Context) ([]Device, error) {
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

func (s *PostgresStore) SetDeviceOnline(ctx context.Context, id string, online bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE devices SET online = $1, last_seen = $2 WHERE id = $3",
		online, time.Now(), id,
	)
	return err
}

// --- Events ---

func (s *PostgresStore) LogEvent(ctx context.Context, ev *Event) error {
	detail := ""
	if ev.Detail != nil {
		detail = string(ev.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events (id, device_id, action, detail, created_at) VALUES ($1, $2, $3, $4, $5)",
		ev.ID, ev.DeviceID, ev.Action, detail, ev.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, limit, offset int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, action, detail, created_at
		 FROM events ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
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

func (s *PostgresStore) PurgeOldEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
