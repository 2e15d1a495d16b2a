package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/propolis-net/relay/internal/model"
)

func newTestDeviceTokenStore(t *testing.T) *DeviceTokenStore {
	db, err := Open(filepath.Join(t.TempDir(), "relay.db"), 4, 5*time.Second)
	if err != nil {
		t.Fatalf("opening test database: %+v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewDeviceTokenStore(db)
}

func TestPutGetReplacesTokenWholesale(t *testing.T) {
	assert := assert.New(t)

	tokens := newTestDeviceTokenStore(t)
	userID := model.UserID("alice")

	assert.Nil(tokens.Put(userID, "token-1", time.Now().UTC()))
	token, err := tokens.Get(userID)
	assert.Nil(err)
	assert.Equal("token-1", token.Token)

	assert.Nil(tokens.Put(userID, "token-2", time.Now().UTC()))
	token, err = tokens.Get(userID)
	assert.Nil(err)
	assert.Equal("token-2", token.Token)
}

func TestGetUnknownUserReturnsNotFound(t *testing.T) {
	assert := assert.New(t)

	tokens := newTestDeviceTokenStore(t)
	_, err := tokens.Get(model.UserID("nobody"))
	assert.ErrorIs(err, model.ErrorDeviceTokenNotFound)
}

func TestDeleteExternalDeviceTokensBatch(t *testing.T) {
	assert := assert.New(t)

	tokens := newTestDeviceTokenStore(t)
	assert.Nil(tokens.Put("alice", "t1", time.Now().UTC()))
	assert.Nil(tokens.Put("bob", "t2", time.Now().UTC()))
	assert.Nil(tokens.Put("carol", "t3", time.Now().UTC()))

	count, err := tokens.DeleteExternalDeviceTokens([]model.UserID{"alice", "bob"})
	assert.Nil(err)
	assert.Equal(2, count)

	_, err = tokens.Get("alice")
	assert.ErrorIs(err, model.ErrorDeviceTokenNotFound)

	_, err = tokens.Get("carol")
	assert.Nil(err)
}

func TestDeleteExternalDeviceTokensEmptyBatchIsNoop(t *testing.T) {
	assert := assert.New(t)

	tokens := newTestDeviceTokenStore(t)
	count, err := tokens.DeleteExternalDeviceTokens(nil)
	assert.Nil(err)
	assert.Equal(0, count)
}
