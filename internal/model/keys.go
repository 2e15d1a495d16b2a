package model

import "time"

// IdentityKey is the long-lived key that anchors a user's identity.
// Replacing it is a takeover event (spec.md §3, §4.6).
type IdentityKey struct {
	UserID              UserID    `db:"user_id"`
	PublicKey           []byte    `db:"public_key"`
	RegistrationCounter int       `db:"registration_counter"`
	CreatedAt           time.Time `db:"created_at"`
}

// SignedPreKey is replaced wholesale on every publish; KeyID must
// strictly increase unless the publish is part of a takeover.
type SignedPreKey struct {
	UserID    UserID    `db:"user_id"`
	KeyID     int64     `db:"key_id"`
	PublicKey []byte    `db:"public_key"`
	Signature []byte    `db:"signature"`
	CreatedAt time.Time `db:"created_at"`
}

// OneTimePreKey is consumed (deleted) the moment a peer's bundle fetch
// reads it. (UserID, KeyID) is unique; total count per user is capped.
type OneTimePreKey struct {
	UserID    UserID `db:"user_id"`
	KeyID     int64  `db:"key_id"`
	PublicKey []byte `db:"public_key"`
}

// Bundle is what a peer lookup returns: identity + signed pre-key, and
// optionally one one-time pre-key. spec.md §4.2 requires strict
// failure (not a degraded bundle) when none is available.
type Bundle struct {
	IdentityKey  IdentityKey
	SignedPreKey SignedPreKey
	OneTime      *OneTimePreKey
}
