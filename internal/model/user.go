package model

import (
	"regexp"
	"time"
)

// UserID is a time-ordered, base58-encoded opaque identifier. See internal/idgen.
type UserID string

var handlePattern = regexp.MustCompile(`^[a-z0-9_]{3,50}$`)

// ValidHandle reports whether handle meets the registration contract
// (ASCII-lowercase, 3-50 chars, [a-z0-9_]). Registration itself is an
// external collaborator, and no code path in this repository calls
// ValidHandle.
func ValidHandle(handle string) bool {
	return handlePattern.MatchString(handle)
}

// User is the minimal account shape the delivery plane needs: enough
// to route envelopes and gate session handshakes. Credential storage,
// password hashing, and token issuance live outside this repo.
type User struct {
	ID               UserID    `db:"id"`
	Handle           string    `db:"handle"`
	CredentialHandle []byte    `db:"credential_handle"` // opaque verifier blob, never interpreted here
	CreatedAt        time.Time `db:"created_at"`
}
