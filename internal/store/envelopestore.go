package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/propolis-net/relay/internal/bus"
	"github.com/propolis-net/relay/internal/idgen"
	"github.com/propolis-net/relay/internal/model"
	"github.com/propolis-net/relay/internal/notify"
)

// EnvelopeStore is the durable, per-recipient FIFO inbox described in
// spec.md §4.1: dedup on (sender_id, submission_id), TTL expiry, and
// "accept then prune" capacity enforcement. It also owns the
// post-commit wake fan-out spec.md §4.1 assigns to insert: "emits a
// post-commit Delivered event... to the Local Notifier and the
// Cross-Node Bus in that order."
type EnvelopeStore struct {
	db       *sqlx.DB
	ttl      time.Duration
	inboxCap int
	notifier *notify.Notifier
	bus      *bus.Bus
}

func NewEnvelopeStore(db *sqlx.DB, ttl time.Duration, inboxCap int, notifier *notify.Notifier, crossNode *bus.Bus) *EnvelopeStore {
	return &EnvelopeStore{db: db, ttl: ttl, inboxCap: inboxCap, notifier: notifier, bus: crossNode}
}

// Insert persists a ciphertext envelope. On a (sender_id, submission_id)
// collision it returns InsertDuplicate carrying the existing envelope
// id rather than an error, so senders can retry safely. On overflow it
// accepts the new row then prunes the oldest rows for that recipient
// down to the inbox cap — the inserted row always survives, even if it
// becomes the new oldest, per spec.md §4.1's "accept then prune" rule.
func (s *EnvelopeStore) Insert(senderID, recipientID model.UserID, submissionID string, typeTag model.TypeTag, ciphertext []byte, now time.Time) (model.InsertResult, error) {
	var exists int
	if err := s.db.Get(&exists, `SELECT COUNT(1) FROM users WHERE id = ?`, recipientID); err != nil {
		return model.InsertResult{}, fmt.Errorf("checking recipient: %w", err)
	}
	if exists == 0 {
		return model.InsertResult{Outcome: model.InsertRecipientUnknown}, nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return model.InsertResult{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	id := idgen.New().String()
	expiresAt := now.Add(s.ttl)

	_, err = tx.Exec(`INSERT INTO envelopes
		(id, sender_id, recipient_id, submission_id, type_tag, ciphertext, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, senderID, recipientID, submissionID, typeTag, ciphertext, now, expiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			var existingID string
			getErr := s.db.Get(&existingID, `SELECT id FROM envelopes WHERE sender_id = ? AND submission_id = ?`, senderID, submissionID)
			if getErr != nil {
				return model.InsertResult{}, fmt.Errorf("loading duplicate envelope id: %w", getErr)
			}
			return model.InsertResult{Outcome: model.InsertDuplicate, EnvelopeID: existingID}, nil
		}
		return model.InsertResult{}, fmt.Errorf("inserting envelope: %w", err)
	}

	if err := s.pruneOverflow(tx, recipientID); err != nil {
		return model.InsertResult{}, fmt.Errorf("pruning overflow: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.InsertResult{}, fmt.Errorf("committing insert: %w", err)
	}

	delivered := s.notifier.Publish(recipientID, model.UserEvent{Kind: model.EventMessageReceived})
	s.bus.PublishWake(recipientID)

	return model.InsertResult{Outcome: model.InsertAccepted, EnvelopeID: id, DeliveredCount: delivered}, nil
}

func (s *EnvelopeStore) pruneOverflow(tx *sqlx.Tx, recipientID model.UserID) error {
	var count int
	if err := tx.Get(&count, `SELECT COUNT(1) FROM envelopes WHERE recipient_id = ?`, recipientID); err != nil {
		return fmt.Errorf("counting inbox: %w", err)
	}
	if count <= s.inboxCap {
		return nil
	}

	overflow := count - s.inboxCap
	_, err := tx.Exec(`DELETE FROM envelopes WHERE id IN (
		SELECT id FROM envelopes WHERE recipient_id = ?
		ORDER BY created_at ASC, id ASC LIMIT ?
	)`, recipientID, overflow)
	return err
}

// FetchBatch returns up to limit pending envelopes for recipientID,
// ordered by created_at ASC with ties broken by id ASC, per spec.md §4.1.
func (s *EnvelopeStore) FetchBatch(recipientID model.UserID, limit int) ([]model.Envelope, error) {
	var envelopes []model.Envelope
	err := s.db.Select(&envelopes, `SELECT * FROM envelopes
		WHERE recipient_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching batch: %w", err)
	}
	return envelopes, nil
}

// AckMany deletes envelopes by id. Idempotent: acking an id twice, or
// an id that no longer exists, leaves state unchanged and is not an error.
func (s *EnvelopeStore) AckMany(envelopeIDs []string) (int, error) {
	if len(envelopeIDs) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`DELETE FROM envelopes WHERE id IN (?)`, envelopeIDs)
	if err != nil {
		return 0, fmt.Errorf("building ack query: %w", err)
	}
	result, err := s.db.Exec(s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("acking envelopes: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return int(affected), nil
}

// DeleteAllFor removes every pending envelope addressed to recipientID.
// Used by the Takeover Coordinator's cascade cleanup.
func (s *EnvelopeStore) DeleteAllFor(recipientID model.UserID) error {
	_, err := s.db.Exec(`DELETE FROM envelopes WHERE recipient_id = ?`, recipientID)
	if err != nil {
		return fmt.Errorf("deleting inbox for %s: %w", recipientID, err)
	}
	return nil
}

// DeleteAllForTx is DeleteAllFor run inside a caller-supplied
// transaction, for the Takeover Coordinator's single logical transaction.
func DeleteAllForTx(tx *sqlx.Tx, recipientID model.UserID) error {
	_, err := tx.Exec(`DELETE FROM envelopes WHERE recipient_id = ?`, recipientID)
	if err != nil {
		return fmt.Errorf("deleting inbox for %s: %w", recipientID, err)
	}
	return nil
}

// SweepExpired deletes up to batchSize envelopes whose expires_at has
// passed, returning the count removed. Safe to call repeatedly; a
// sweep that finds nothing to do returns 0, nil.
func (s *EnvelopeStore) SweepExpired(now time.Time, batchSize int) (int, error) {
	result, err := s.db.Exec(`DELETE FROM envelopes WHERE id IN (
		SELECT id FROM envelopes WHERE expires_at <= ? LIMIT ?
	)`, now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired envelopes: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return int(affected), nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
