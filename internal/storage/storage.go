// Package storage implements the SQLite-backed keystore: a single
// key-value table persisting the identity package's AES-GCM-wrapped
// private key blob across restarts.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a sqlite3-backed keystore.
type DB struct {
	x *sqlx.DB
}

// Open opens (creating if necessary) the sqlite3 database at path and
// migrates it to the latest schema version. WAL mode and a busy timeout are
// set so the keystore tolerates being touched from both the HTTP handler
// goroutine and the CLI pairing flow.
func Open(path string) (*DB, error) {
	dsn := (&url.URL{
		Path: path,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String()

	x, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	db := &DB{x: x}
	if err := db.migrateToLatest(); err != nil {
		x.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return db, nil
}

// Close closes the underlying database handle.
func (db *DB) Close() error {
	return db.x.Close()
}

// Get returns the value stored under key. ok is false if no such key exists.
func (db *DB) Get(key string) (value []byte, ok bool, err error) {
	var v []byte
	if err := db.x.Get(&v, `SELECT value FROM keyvalue WHERE key = ?`, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("storage: get %q: %w", key, err)
	}
	return v, true, nil
}

// Put inserts or replaces the value stored under key.
func (db *DB) Put(key string, value []byte) error {
	if _, err := db.x.Exec(`
		INSERT INTO keyvalue (key, value, updated_at)
		VALUES (?, ?, strftime('%s', 'now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value); err != nil {
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	return nil
}

// Delete removes the value stored under key, if any.
func (db *DB) Delete(key string) error {
	if _, err := db.x.Exec(`DELETE FROM keyvalue WHERE key = ?`, key); err != nil {
		return fmt.Errorf("storage: delete %q: %w", key, err)
	}
	return nil
}
