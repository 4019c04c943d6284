// Package epgstore persists parsed program-guide entries in a local SQLite
// database: one row per (frequency, source_id, event_id), upserted as the
// guide scanner finds them, queryable by time window, and expirable once
// old enough to no longer be useful.
package epgstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zaplink/zaplink-server/internal/psi"
)

const schema = `
CREATE TABLE IF NOT EXISTS programs (
	frequency       TEXT NOT NULL,
	channel_number  TEXT NOT NULL,
	source_id       INTEGER NOT NULL,
	event_id        INTEGER NOT NULL,
	title           TEXT NOT NULL,
	start_unix_ms   INTEGER NOT NULL,
	end_unix_ms     INTEGER NOT NULL,
	PRIMARY KEY (frequency, source_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_programs_window ON programs(start_unix_ms, end_unix_ms);
CREATE INDEX IF NOT EXISTS idx_programs_channel ON programs(channel_number);
`

// Store is a SQLite-backed EPG database. It implements guidescan.Store
// (via psi.Sink plus HasRecentData) so internal/guidescan can report
// parsed programs directly into it.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at path and ensures its schema
// exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("epgstore: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("epgstore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// AddProgram upserts one parsed program, implementing psi.Sink.
func (s *Store) AddProgram(p psi.Program) {
	if err := s.Upsert(p); err != nil {
		// psi.Sink has no error return; the scan loop logs its own
		// spawn/read failures and a persistence hiccup here shouldn't
		// abort an in-flight mux scan, so this is swallowed. Callers
		// that need the error should call Upsert directly.
		return
	}
}

// Upsert inserts or replaces one program keyed by (frequency, source_id,
// event_id).
func (s *Store) Upsert(p psi.Program) error {
	_, err := s.db.Exec(`
		INSERT INTO programs (frequency, channel_number, source_id, event_id, title, start_unix_ms, end_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (frequency, source_id, event_id) DO UPDATE SET
			channel_number = excluded.channel_number,
			title          = excluded.title,
			start_unix_ms  = excluded.start_unix_ms,
			end_unix_ms    = excluded.end_unix_ms
	`, p.Frequency, p.ChannelNumber, p.SourceID, p.EventID, p.Title, p.StartUnixMillis, p.EndUnixMillis)
	if err != nil {
		return fmt.Errorf("epgstore: upsert: %w", err)
	}
	return nil
}

// Query returns every program whose window overlaps [fromUnixMillis,
// toUnixMillis), ordered by channel then start time.
func (s *Store) Query(fromUnixMillis, toUnixMillis int64) ([]psi.Program, error) {
	rows, err := s.db.Query(`
		SELECT frequency, channel_number, source_id, event_id, title, start_unix_ms, end_unix_ms
		FROM programs
		WHERE start_unix_ms < ? AND end_unix_ms > ?
		ORDER BY channel_number, start_unix_ms
	`, toUnixMillis, fromUnixMillis)
	if err != nil {
		return nil, fmt.Errorf("epgstore: query: %w", err)
	}
	defer rows.Close()

	var out []psi.Program
	for rows.Next() {
		var p psi.Program
		if err := rows.Scan(&p.Frequency, &p.ChannelNumber, &p.SourceID, &p.EventID, &p.Title, &p.StartUnixMillis, &p.EndUnixMillis); err != nil {
			return nil, fmt.Errorf("epgstore: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Expire deletes every program whose window ended before cutoff, returning
// the number of deleted rows.
func (s *Store) Expire(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM programs WHERE end_unix_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("epgstore: expire: %w", err)
	}
	return res.RowsAffected()
}

// HasRecentData reports whether any program starting no earlier than 24
// hours ago (future programs included) already exists, letting the guide
// scanner skip an initial cycle against an already-warm catalog.
func (s *Store) HasRecentData() bool {
	cutoff := time.Now().Add(-24 * time.Hour).UnixMilli()
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM programs WHERE start_unix_ms >= ?`, cutoff).Scan(&count); err != nil {
		return false
	}
	return count > 0
}
