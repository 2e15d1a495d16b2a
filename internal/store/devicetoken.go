package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/propolis-net/relay/internal/model"
)

// DeviceTokenStore owns the ExternalDeviceToken table: one row per
// user, replaced wholesale on re-registration.
type DeviceTokenStore struct {
	db *sqlx.DB
}

func NewDeviceTokenStore(db *sqlx.DB) *DeviceTokenStore {
	return &DeviceTokenStore{db: db}
}

func (d *DeviceTokenStore) Put(userID model.UserID, token string, now time.Time) error {
	_, err := d.db.Exec(`INSERT INTO external_device_tokens (user_id, token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		userID, token, now)
	if err != nil {
		return fmt.Errorf("registering device token: %w", err)
	}
	return nil
}

func (d *DeviceTokenStore) Get(userID model.UserID) (*model.ExternalDeviceToken, error) {
	var token model.ExternalDeviceToken
	err := d.db.Get(&token, `SELECT * FROM external_device_tokens WHERE user_id = ?`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorDeviceTokenNotFound
		}
		return nil, fmt.Errorf("fetching device token: %w", err)
	}
	return &token, nil
}

func (d *DeviceTokenStore) Delete(userID model.UserID) error {
	_, err := d.db.Exec(`DELETE FROM external_device_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("deleting device token: %w", err)
	}
	return nil
}

// DeleteExternalDeviceTokens implements push.TokenStore for the Token
// Janitor's batched invalidation flush.
func (d *DeviceTokenStore) DeleteExternalDeviceTokens(userIDs []model.UserID) (int, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`DELETE FROM external_device_tokens WHERE user_id IN (?)`, userIDs)
	if err != nil {
		return 0, fmt.Errorf("building delete query: %w", err)
	}
	result, err := d.db.Exec(d.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("deleting device tokens: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return int(affected), nil
}
