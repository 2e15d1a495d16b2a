package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/propolis-net/relay/internal/model"
	"github.com/propolis-net/relay/internal/notify"
	"github.com/propolis-net/relay/pkg/crypt"
)

// KeyDirectory is the identity key + signed pre-key + one-time pre-key
// pool of spec.md §4.2. The transaction-scoped Tx helpers below are
// shared with the Takeover Coordinator, which composes them into the
// single atomic cascade spec.md §4.6 requires; KeyDirectory itself only
// exposes the read paths and the non-cascading refill path.
type KeyDirectory struct {
	db       *sqlx.DB
	cap      int
	lowWater int
	notifier *notify.Notifier
}

func NewKeyDirectory(db *sqlx.DB, oneTimePreKeyCap, lowWater int, notifier *notify.Notifier) *KeyDirectory {
	return &KeyDirectory{db: db, cap: oneTimePreKeyCap, lowWater: lowWater, notifier: notifier}
}

func (k *KeyDirectory) DB() *sqlx.DB { return k.db }

func (k *KeyDirectory) GetIdentityKey(userID model.UserID) (*model.IdentityKey, error) {
	var key model.IdentityKey
	err := k.db.Get(&key, `SELECT * FROM identity_keys WHERE user_id = ?`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorNoIdentityKey
		}
		return nil, fmt.Errorf("fetching identity key: %w", err)
	}
	return &key, nil
}

func (k *KeyDirectory) HasIdentityKey(userID model.UserID) (bool, error) {
	var count int
	if err := k.db.Get(&count, `SELECT COUNT(1) FROM identity_keys WHERE user_id = ?`, userID); err != nil {
		return false, fmt.Errorf("checking identity key: %w", err)
	}
	return count > 0, nil
}

func (k *KeyDirectory) CountOneTime(userID model.UserID) (int, error) {
	var count int
	if err := k.db.Get(&count, `SELECT COUNT(1) FROM one_time_pre_keys WHERE user_id = ?`, userID); err != nil {
		return 0, fmt.Errorf("counting one-time pre-keys: %w", err)
	}
	return count, nil
}

// TakeBundle consumes (deletes) one one-time pre-key atomically with
// the read and returns the full bundle. Strict failure per spec.md
// §4.2: if no one-time pre-key remains, the whole call fails rather
// than degrading to a bundle without one.
func (k *KeyDirectory) TakeBundle(userID model.UserID) (*model.Bundle, error) {
	tx, err := k.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var identity model.IdentityKey
	if err := tx.Get(&identity, `SELECT * FROM identity_keys WHERE user_id = ?`, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorNoIdentityKey
		}
		return nil, fmt.Errorf("fetching identity key: %w", err)
	}

	var signed model.SignedPreKey
	if err := tx.Get(&signed, `SELECT * FROM signed_pre_keys WHERE user_id = ?`, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorNoIdentityKey
		}
		return nil, fmt.Errorf("fetching signed pre-key: %w", err)
	}

	var oneTime model.OneTimePreKey
	err = tx.Get(&oneTime, `SELECT * FROM one_time_pre_keys WHERE user_id = ? LIMIT 1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorNoOneTimePreKey
		}
		return nil, fmt.Errorf("fetching one-time pre-key: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM one_time_pre_keys WHERE user_id = ? AND key_id = ?`, userID, oneTime.KeyID); err != nil {
		return nil, fmt.Errorf("consuming one-time pre-key: %w", err)
	}

	var remaining int
	if err := tx.Get(&remaining, `SELECT COUNT(1) FROM one_time_pre_keys WHERE user_id = ?`, userID); err != nil {
		return nil, fmt.Errorf("counting remaining one-time pre-keys: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing bundle fetch: %w", err)
	}

	// spec.md §4.3: LowPreKeys is a poke to the bundle owner's own live
	// sessions, not the caller of this fetch — fired post-commit so a
	// rolled-back fetch never produces a spurious notice.
	if remaining < k.lowWater && k.notifier != nil {
		k.notifier.Publish(userID, model.UserEvent{Kind: model.EventLowPreKeys, Reason: "one-time pre-key pool below replenishment threshold"})
	}

	return &model.Bundle{IdentityKey: identity, SignedPreKey: signed, OneTime: &oneTime}, nil
}

// PutSignedPreKey is the non-cascading refill path: the caller already
// knows there is no identity-key replacement in this call, so normal
// monotonicity applies.
func (k *KeyDirectory) PutSignedPreKey(userID model.UserID, keyID int64, publicKey, signature []byte) error {
	identity, err := k.GetIdentityKey(userID)
	if err != nil {
		return err
	}
	if err := crypt.VerifySignedPreKey(identity.PublicKey, publicKey, signature); err != nil {
		return fmt.Errorf("%w: %s", model.ErrorSignatureMismatch, err)
	}

	tx, err := k.db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := PutSignedPreKeyTx(tx, userID, keyID, publicKey, signature, false); err != nil {
		return err
	}
	return tx.Commit()
}

// PutOneTimePreKeys merges a batch of one-time pre-keys into the pool.
// Items with a (user_id, key_id) that already exists are silently
// skipped (idempotent refill); the batch is rejected outright if it
// would push the stored total past the configured cap.
func (k *KeyDirectory) PutOneTimePreKeys(userID model.UserID, items []model.OneTimePreKey) error {
	tx, err := k.db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := PutOneTimePreKeysTx(tx, userID, items, k.cap); err != nil {
		return err
	}
	return tx.Commit()
}

// --- transaction-scoped helpers shared with the Takeover Coordinator ---

// UpsertIdentityKeyTx writes the identity key row unconditionally. The
// caller is responsible for having already decided, and executed, the
// cascade that a replacement implies.
func UpsertIdentityKeyTx(tx *sqlx.Tx, userID model.UserID, publicKey []byte, registrationCounter int, now time.Time) error {
	_, err := tx.Exec(`INSERT INTO identity_keys (user_id, public_key, registration_counter, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET public_key = excluded.public_key,
			registration_counter = excluded.registration_counter`,
		userID, publicKey, registrationCounter, now)
	if err != nil {
		return fmt.Errorf("upserting identity key: %w", err)
	}
	return nil
}

// PutSignedPreKeyTx writes a signed pre-key row. When resetMonotonicity
// is false (the common path), keyID must be strictly greater than the
// currently stored key id. When true (a takeover is in progress in the
// same transaction), the monotonicity counter resets.
func PutSignedPreKeyTx(tx *sqlx.Tx, userID model.UserID, keyID int64, publicKey, signature []byte, resetMonotonicity bool) error {
	if !resetMonotonicity {
		var currentKeyID sql.NullInt64
		err := tx.Get(&currentKeyID, `SELECT key_id FROM signed_pre_keys WHERE user_id = ?`, userID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("reading current signed pre-key id: %w", err)
		}
		if currentKeyID.Valid && keyID <= currentKeyID.Int64 {
			return model.ErrorPreKeyNotMonotonic
		}
	}

	_, err := tx.Exec(`INSERT INTO signed_pre_keys (user_id, key_id, public_key, signature, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET key_id = excluded.key_id,
			public_key = excluded.public_key, signature = excluded.signature,
			created_at = excluded.created_at`,
		userID, keyID, publicKey, signature, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("writing signed pre-key: %w", err)
	}
	return nil
}

// PutOneTimePreKeysTx is the transaction-scoped batch insert shared by
// PutOneTimePreKeys and, during a takeover+refill in the same call, the
// Takeover Coordinator.
func PutOneTimePreKeysTx(tx *sqlx.Tx, userID model.UserID, items []model.OneTimePreKey, cap int) error {
	seen := make(map[int64]bool, len(items))
	for _, item := range items {
		if seen[item.KeyID] {
			return fmt.Errorf("duplicate key_id %d within batch", item.KeyID)
		}
		seen[item.KeyID] = true
	}

	var existing int
	if err := tx.Get(&existing, `SELECT COUNT(1) FROM one_time_pre_keys WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("counting existing one-time pre-keys: %w", err)
	}
	if existing+len(items) > cap {
		return model.ErrorOneTimeKeyCapacity
	}

	for _, item := range items {
		_, err := tx.Exec(`INSERT INTO one_time_pre_keys (user_id, key_id, public_key)
			VALUES (?, ?, ?) ON CONFLICT(user_id, key_id) DO NOTHING`,
			userID, item.KeyID, item.PublicKey)
		if err != nil {
			return fmt.Errorf("inserting one-time pre-key %d: %w", item.KeyID, err)
		}
	}
	return nil
}

// DeleteSignedPreKeyTx and DeleteOneTimePreKeysTx implement steps 1-2
// of the takeover cascade in spec.md §4.6.
func DeleteSignedPreKeyTx(tx *sqlx.Tx, userID model.UserID) error {
	_, err := tx.Exec(`DELETE FROM signed_pre_keys WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("deleting signed pre-key: %w", err)
	}
	return nil
}

func DeleteOneTimePreKeysTx(tx *sqlx.Tx, userID model.UserID) error {
	_, err := tx.Exec(`DELETE FROM one_time_pre_keys WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("deleting one-time pre-keys: %w", err)
	}
	return nil
}

// GetIdentityKeyTx reads the identity key inside an existing
// transaction (used by the Takeover Coordinator to decide whether the
// submitted key differs from the stored one before it commits to the
// cascade). Returns model.ErrorNoIdentityKey if unset.
func GetIdentityKeyTx(tx *sqlx.Tx, userID model.UserID) (*model.IdentityKey, error) {
	var key model.IdentityKey
	err := tx.Get(&key, `SELECT * FROM identity_keys WHERE user_id = ?`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorNoIdentityKey
		}
		return nil, fmt.Errorf("fetching identity key: %w", err)
	}
	return &key, nil
}
