package model

import "time"

// TypeTag distinguishes ordinary ciphertext envelopes from
// non-ciphertext notices sharing the same per-recipient FIFO. The store
// keeps whatever tag the sender submits; no code in this repository
// writes TypePreKeyExhaust envelopes itself (a low-pre-key notice is
// sent only as a live Control frame).
type TypeTag string

const (
	TypeCiphertext    TypeTag = "ciphertext"
	TypePreKeyExhaust TypeTag = "prekey-exhausted"
)

// Envelope is the opaque ciphertext unit addressed from one user to
// another. (SenderID, SubmissionID) is globally unique — dedup key.
type Envelope struct {
	ID           string    `db:"id"`
	SenderID     UserID    `db:"sender_id"`
	RecipientID  UserID    `db:"recipient_id"`
	SubmissionID string    `db:"submission_id"`
	TypeTag      TypeTag   `db:"type_tag"`
	Ciphertext   []byte    `db:"ciphertext"`
	CreatedAt    time.Time `db:"created_at"`
	ExpiresAt    time.Time `db:"expires_at"`
}

// InsertResult is the return shape of EnvelopeStore.Insert: exactly one
// of the three outcomes in spec.md §4.1, carrying the envelope id that
// now exists under (SenderID, SubmissionID) whichever branch fired.
type InsertResult struct {
	Outcome    InsertOutcome
	EnvelopeID string
	// DeliveredCount is the Local Notifier's delivered_count for the
	// post-commit wake, valid only when Outcome is InsertAccepted. The
	// submit path uses it to decide whether to schedule a push
	// fallback job (spec.md §4.3, §4.7).
	DeliveredCount int
}
