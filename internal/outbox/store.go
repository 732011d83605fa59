// Package outbox implements the durable local queue of not-yet-confirmed
// submissions plus its retry state machine. SQLite gives write-ahead
// durability: an entry is on disk before the first network attempt, so a
// crash between enqueue and send never loses a submission.
package outbox

import (
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Open creates or opens the outbox database at path. Safe to call on every
// start; schema application is idempotent.
//
// The database runs in WAL mode with a single writer connection and a
// busy timeout, which keeps concurrent enqueue/flush interleavings safe.
func Open(path string) (*Outbox, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open outbox db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect outbox db: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply outbox schema: %w", err)
	}
	return &Outbox{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying database.
func (o *Outbox) Close() error {
	if o.db == nil {
		return nil
	}
	return o.db.Close()
}
