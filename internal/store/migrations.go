package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migrate creates the relational tables spec.md §6 names: users,
// identity keys, signed pre-keys, one-time pre-keys, envelopes, and
// external device tokens. Backup metadata is out-of-core and not
// created here. Opaque public-key and ciphertext columns are BLOB
// with no server-side interpretation.
func migrate(db *sqlx.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			handle TEXT NOT NULL UNIQUE,
			credential_handle BLOB NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS identity_keys (
			user_id TEXT PRIMARY KEY,
			public_key BLOB NOT NULL,
			registration_counter INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS signed_pre_keys (
			user_id TEXT PRIMARY KEY,
			key_id INTEGER NOT NULL,
			public_key BLOB NOT NULL,
			signature BLOB NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS one_time_pre_keys (
			user_id TEXT NOT NULL,
			key_id INTEGER NOT NULL,
			public_key BLOB NOT NULL,
			PRIMARY KEY (user_id, key_id)
		)`,
		`CREATE TABLE IF NOT EXISTS envelopes (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			submission_id TEXT NOT NULL,
			type_tag TEXT NOT NULL,
			ciphertext BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			UNIQUE (sender_id, submission_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_envelopes_recipient_order
			ON envelopes (recipient_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_envelopes_expiry
			ON envelopes (expires_at)`,
		`CREATE TABLE IF NOT EXISTS external_device_tokens (
			user_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration %q: %w", stmt, err)
		}
	}
	return nil
}
