// Package journal persists broadcast events to a local SQLite database.
// A server with an attached journal records every event it broadcasts,
// giving operators an audit trail that survives restarts.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

var ErrClosed = errors.New("journal closed")

// Entry is one recorded event
type Entry struct {
	ID        int64
	Name      string
	Version   uint16
	Payload   []byte
	Timestamp int64 // Unix ms
}

// EventJournal is an append-only event log backed by SQLite
type EventJournal struct {
	db *sql.DB
}

// Open opens (or creates) a journal database at path
func Open(path string) (*EventJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// WAL mode keeps appends cheap while readers poke around.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		name      TEXT NOT NULL,
		version   INTEGER NOT NULL,
		payload   BLOB,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_name ON events(name);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &EventJournal{db: db}, nil
}

// Append records one broadcast event
func (j *EventJournal) Append(name string, version uint16, payload []byte) error {
	if j.db == nil {
		return ErrClosed
	}

	_, err := j.db.Exec(
		"INSERT INTO events (name, version, payload, timestamp) VALUES (?, ?, ?, ?)",
		name, version, payload, nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first
func (j *EventJournal) Recent(limit int) ([]Entry, error) {
	if j.db == nil {
		return nil, ErrClosed
	}

	rows, err := j.db.Query(
		"SELECT id, name, version, payload, timestamp FROM events ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Name, &e.Version, &e.Payload, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the total number of recorded events
func (j *EventJournal) Count() (int64, error) {
	if j.db == nil {
		return 0, ErrClosed
	}

	var n int64
	err := j.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n)
	return n, err
}

// Close closes the underlying database
func (j *EventJournal) Close() error {
	if j.db == nil {
		return nil
	}
	db := j.db
	j.db = nil
	return db.Close()
}
