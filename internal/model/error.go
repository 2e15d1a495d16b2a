package model

import "errors"

// Sentinel errors for the error-kind taxonomy of spec.md §7. Components
// surface these (wrapped with fmt.Errorf("...: %w", err) per the
// teacher's idiom); the HTTP and gateway edges translate them to their
// own wire formats without leaking internals such as SQL text.
var (
	// Validation
	ErrorInvalidHandle    = errors.New("handle does not match required pattern")
	ErrorInvalidKeyLength = errors.New("public key has wrong length")
	ErrorPayloadTooLarge  = errors.New("ciphertext payload exceeds configured maximum")

	// Authentication / Authorization
	ErrorTokenInvalid      = errors.New("bearer token invalid or expired")
	ErrorIdentityNotBound  = errors.New("no identity key registered for user")
	ErrorSenderMismatch    = errors.New("sender mismatch")
	ErrorSignatureMismatch = errors.New("signed pre-key signature does not verify under identity key")

	// Resource not found
	ErrorUserNotFound        = errors.New("user not found")
	ErrorNoOneTimePreKey     = errors.New("no one-time pre-key available")
	ErrorNoIdentityKey       = errors.New("no identity key on file")
	ErrorDeviceTokenNotFound = errors.New("no external device token registered")

	// Conflict
	ErrorPreKeyNotMonotonic = errors.New("signed pre-key id is not strictly greater than the stored id")
	ErrorOneTimeKeyCapacity = errors.New("one-time pre-key batch exceeds configured maximum")

	// Capacity / transient
	ErrorRateLimited  = errors.New("rate limited")
	ErrorQueueBackoff = errors.New("push queue temporarily unavailable")

	// Fatal
	ErrorConfigInvalid = errors.New("invalid configuration")
)

// InsertOutcome is the result kind of EnvelopeStore.Insert — spec.md
// §4.1 requires Duplicate to be a success alias, not an error.
type InsertOutcome int

const (
	InsertAccepted InsertOutcome = iota
	InsertDuplicate
	InsertRecipientUnknown
)

// IdentityKeyOutcome is the result kind of KeyDirectory.PutIdentityKey.
type IdentityKeyOutcome int

const (
	IdentityKeyCreated IdentityKeyOutcome = iota
	IdentityKeyReplaced
)
