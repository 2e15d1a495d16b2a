// Package takeover implements the Takeover Coordinator of spec.md
// §4.6: the atomic identity-key replacement that cascades into wiping
// pre-keys and pending envelopes, and forcibly disconnects every
// extant session for the user.
package takeover

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/propolis-net/relay/internal/bus"
	"github.com/propolis-net/relay/internal/model"
	"github.com/propolis-net/relay/internal/notify"
	"github.com/propolis-net/relay/internal/store"
	"github.com/propolis-net/relay/pkg/crypt"
)

// Coordinator owns the PUT /keys entry point: publishing identity,
// signed, and one-time pre-key material in one call, deciding whether
// this is a takeover (new identity key differs from the stored one)
// or a refill (same key, pre-keys merged in), and running whichever
// cascade that implies inside one transaction.
type Coordinator struct {
	db         *sqlx.DB
	notifier   *notify.Notifier
	bus        *bus.Bus
	oneTimeCap int
}

func New(db *sqlx.DB, notifier *notify.Notifier, crossNode *bus.Bus, oneTimePreKeyCap int) *Coordinator {
	return &Coordinator{db: db, notifier: notifier, bus: crossNode, oneTimeCap: oneTimePreKeyCap}
}

// PublishParams mirrors the PUT /keys request body: identity key plus
// the mandatory signed pre-key and an optional batch of one-time
// pre-keys, all published together per spec.md §6.
type PublishParams struct {
	UserID              model.UserID
	IdentityPublicKey   []byte
	RegistrationCounter int
	SignedPreKeyID      int64
	SignedPreKeyPublic  []byte
	SignedPreKeySig     []byte
	OneTimePreKeys      []model.OneTimePreKey
}

// Publish is spec.md §4.2 (put_identity_key / put_signed_prekey /
// put_one_time_prekeys) and §4.6 (the takeover cascade) fused into the
// single atomic call the real wire protocol makes. Returns the
// identity-key outcome (Created/Replaced) for the caller to report.
func (c *Coordinator) Publish(params PublishParams, now time.Time) (model.IdentityKeyOutcome, error) {
	if len(params.IdentityPublicKey) != crypt.KeyLength || len(params.SignedPreKeyPublic) != crypt.KeyLength {
		return 0, model.ErrorInvalidKeyLength
	}

	tx, err := c.db.Beginx()
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	previous, err := store.GetIdentityKeyTx(tx, params.UserID)
	isTakeover := false
	outcome := model.IdentityKeyCreated

	switch {
	case errors.Is(err, model.ErrorNoIdentityKey):
		// first-ever publish: nothing to cascade
	case err != nil:
		return 0, fmt.Errorf("reading current identity key: %w", err)
	default:
		outcome = model.IdentityKeyReplaced
		isTakeover = !bytes.Equal(previous.PublicKey, params.IdentityPublicKey)
	}

	if isTakeover {
		if err := store.DeleteSignedPreKeyTx(tx, params.UserID); err != nil {
			return 0, err
		}
		if err := store.DeleteOneTimePreKeysTx(tx, params.UserID); err != nil {
			return 0, err
		}
		if err := store.DeleteAllForTx(tx, params.UserID); err != nil {
			return 0, err
		}
	}

	if err := store.UpsertIdentityKeyTx(tx, params.UserID, params.IdentityPublicKey, params.RegistrationCounter, now); err != nil {
		return 0, err
	}

	if err := crypt.VerifySignedPreKey(params.IdentityPublicKey, params.SignedPreKeyPublic, params.SignedPreKeySig); err != nil {
		return 0, fmt.Errorf("%w: %s", model.ErrorSignatureMismatch, err)
	}
	if err := store.PutSignedPreKeyTx(tx, params.UserID, params.SignedPreKeyID, params.SignedPreKeyPublic, params.SignedPreKeySig, isTakeover); err != nil {
		return 0, err
	}

	if len(params.OneTimePreKeys) > 0 {
		if err := store.PutOneTimePreKeysTx(tx, params.UserID, params.OneTimePreKeys, c.oneTimeCap); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing key publish: %w", err)
	}

	if isTakeover {
		c.notifier.Publish(params.UserID, model.UserEvent{Kind: model.EventDisconnect, Reason: "identity key replaced"})
		c.bus.PublishWake(params.UserID)
	}

	return outcome, nil
}
