package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists audit entries to a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path. ":memory:" is
// accepted for tests.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			level TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			request_id TEXT,
			caller_device_id TEXT,
			capability TEXT,
			check_name TEXT,
			allowed INTEGER NOT NULL,
			reason TEXT,
			duration_ms INTEGER,
			details TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create audit_entries table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_audit_capability ON audit_entries(capability)",
		"CREATE INDEX IF NOT EXISTS idx_audit_caller ON audit_entries(caller_device_id)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Insert stores a single entry.
func (s *SQLiteStore) Insert(ctx context.Context, entry Entry) error {
	var details []byte
	if len(entry.Details) > 0 {
		var err error
		details, err = json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
	}
	allowed := 0
	if entry.Allowed {
		allowed = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO audit_entries
			(id, type, level, timestamp, request_id, caller_device_id, capability, check_name, allowed, reason, duration_ms, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		string(entry.Type),
		string(entry.Level),
		entry.Timestamp.UnixNano(),
		entry.RequestID,
		entry.CallerDeviceID,
		entry.Capability,
		entry.Check,
		allowed,
		entry.Reason,
		entry.Duration.Milliseconds(),
		nullString(string(details)),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Query returns up to limit entries, newest first. An empty capability
// matches every entry.
func (s *SQLiteStore) Query(ctx context.Context, capability string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, level, timestamp, request_id, caller_device_id, capability, check_name, allowed, reason, duration_ms, details
		FROM audit_entries
		WHERE (? = '' OR capability = ?)
		ORDER BY timestamp DESC
		LIMIT ?
	`, capability, capability, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			typ, level string
			ts         int64
			allowed    int
			durationMs int64
			details    sql.NullString
		)
		if err := rows.Scan(&e.ID, &typ, &level, &ts, &e.RequestID, &e.CallerDeviceID,
			&e.Capability, &e.Check, &allowed, &e.Reason, &durationMs, &details); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Type = EventType(typ)
		e.Level = Level(level)
		e.Timestamp = time.Unix(0, ts)
		e.Allowed = allowed == 1
		e.Duration = time.Duration(durationMs) * time.Millisecond
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
