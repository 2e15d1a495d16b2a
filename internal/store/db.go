// Package store holds the Envelope Store and Key Directory: the two
// persistent components of the delivery plane, both backed by sqlx
// over mattn/go-sqlite3 the way the teacher's userstore and
// publicKeyCache are.
package store

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the relay's sqlite database and applies pool limits
// from config. A single pool is shared by the Envelope Store and Key
// Directory (spec.md §5: "a single bounded connection pool shared by
// all components"). acquireTimeout becomes sqlite's busy_timeout, so a
// connection contending for the single-writer lock waits rather than
// failing immediately with SQLITE_BUSY. Every transaction begins
// IMMEDIATE (takes the write lock up front), so concurrent writers such
// as two takeovers for the same user run one after the other and the
// later commit wins.
func Open(path string, maxOpenConns int, acquireTimeout time.Duration) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", path, acquireTimeout.Milliseconds())
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}
