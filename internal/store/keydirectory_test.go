package store

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/propolis-net/relay/internal/model"
	"github.com/propolis-net/relay/internal/notify"
	"github.com/propolis-net/relay/pkg/crypt"
)

func newTestKeyDirectory(t *testing.T, cap, lowWater int, notifier *notify.Notifier) *KeyDirectory {
	db, err := Open(filepath.Join(t.TempDir(), "relay.db"), 4, 5*time.Second)
	if err != nil {
		t.Fatalf("opening test database: %+v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewKeyDirectory(db, cap, lowWater, notifier)
}

func generateSignedBundle(t *testing.T) (identityPublic []byte, signedPreKeyPublic, signature []byte) {
	identity, err := ecdsa.GenerateKey(crypt.Curve, rand.Reader)
	if err != nil {
		t.Fatalf("generating identity key: %+v", err)
	}
	signedPreKey, err := ecdsa.GenerateKey(crypt.Curve, rand.Reader)
	if err != nil {
		t.Fatalf("generating signed pre-key: %+v", err)
	}

	identityPublic = crypt.MarshalPublicKey(&identity.PublicKey)
	signedPreKeyPublic = crypt.MarshalPublicKey(&signedPreKey.PublicKey)

	digest := sha256.Sum256(signedPreKeyPublic)
	signature, err = ecdsa.SignASN1(rand.Reader, identity, digest[:])
	if err != nil {
		t.Fatalf("signing pre-key: %+v", err)
	}
	return identityPublic, signedPreKeyPublic, signature
}

func TestHasIdentityKeyBeforeAndAfterPublish(t *testing.T) {
	assert := assert.New(t)

	keys := newTestKeyDirectory(t, 10, 2, nil)
	userID := model.UserID("alice")

	bound, err := keys.HasIdentityKey(userID)
	assert.Nil(err)
	assert.False(bound)

	identityPublic, signedPreKeyPublic, signature := generateSignedBundle(t)

	tx, err := keys.db.Beginx()
	assert.Nil(err)
	assert.Nil(UpsertIdentityKeyTx(tx, userID, identityPublic, 0, time.Now().UTC()))
	assert.Nil(PutSignedPreKeyTx(tx, userID, 1, signedPreKeyPublic, signature, false))
	assert.Nil(tx.Commit())

	bound, err = keys.HasIdentityKey(userID)
	assert.Nil(err)
	assert.True(bound)
}

func TestTakeBundleIsConsumptiveAndStrictlyFails(t *testing.T) {
	assert := assert.New(t)

	keys := newTestKeyDirectory(t, 10, 1, nil)
	userID := model.UserID("alice")

	identityPublic, signedPreKeyPublic, signature := generateSignedBundle(t)
	tx, err := keys.db.Beginx()
	assert.Nil(err)
	assert.Nil(UpsertIdentityKeyTx(tx, userID, identityPublic, 0, time.Now().UTC()))
	assert.Nil(PutSignedPreKeyTx(tx, userID, 1, signedPreKeyPublic, signature, false))
	assert.Nil(PutOneTimePreKeysTx(tx, userID, []model.OneTimePreKey{
		{UserID: userID, KeyID: 1, PublicKey: []byte("otk-1")},
	}, 10))
	assert.Nil(tx.Commit())

	bundle, err := keys.TakeBundle(userID)
	assert.Nil(err)
	assert.NotNil(bundle.OneTime)

	_, err = keys.TakeBundle(userID)
	assert.ErrorIs(err, model.ErrorNoOneTimePreKey, "bundle fetch must strictly fail rather than degrade once the pool is empty")
}

func TestTakeBundleFiresLowPreKeysBelowThreshold(t *testing.T) {
	assert := assert.New(t)

	n := notify.New(1, 4)
	keys := newTestKeyDirectory(t, 10, 1, n)
	userID := model.UserID("alice")

	events, _ := n.Subscribe(userID)

	identityPublic, signedPreKeyPublic, signature := generateSignedBundle(t)
	tx, err := keys.db.Beginx()
	assert.Nil(err)
	assert.Nil(UpsertIdentityKeyTx(tx, userID, identityPublic, 0, time.Now().UTC()))
	assert.Nil(PutSignedPreKeyTx(tx, userID, 1, signedPreKeyPublic, signature, false))
	assert.Nil(PutOneTimePreKeysTx(tx, userID, []model.OneTimePreKey{
		{UserID: userID, KeyID: 1, PublicKey: []byte("otk-1")},
	}, 10))
	assert.Nil(tx.Commit())

	_, err = keys.TakeBundle(userID)
	assert.Nil(err)

	select {
	case event := <-events:
		assert.Equal(model.EventLowPreKeys, event.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a LowPreKeys notice after consuming the last one-time pre-key")
	}
}

func TestPutSignedPreKeyRejectsNonMonotonicID(t *testing.T) {
	assert := assert.New(t)

	keys := newTestKeyDirectory(t, 10, 1, nil)
	userID := model.UserID("alice")

	identityPublic, signedPreKeyPublic, signature := generateSignedBundle(t)
	tx, err := keys.db.Beginx()
	assert.Nil(err)
	assert.Nil(UpsertIdentityKeyTx(tx, userID, identityPublic, 0, time.Now().UTC()))
	assert.Nil(PutSignedPreKeyTx(tx, userID, 5, signedPreKeyPublic, signature, false))
	assert.Nil(tx.Commit())

	err = keys.PutSignedPreKey(userID, 5, signedPreKeyPublic, signature)
	assert.ErrorIs(err, model.ErrorPreKeyNotMonotonic)
}

func TestPutOneTimePreKeysRejectsBatchOverCap(t *testing.T) {
	assert := assert.New(t)

	keys := newTestKeyDirectory(t, 2, 1, nil)
	userID := model.UserID("alice")

	err := keys.PutOneTimePreKeys(userID, []model.OneTimePreKey{
		{UserID: userID, KeyID: 1, PublicKey: []byte("a")},
		{UserID: userID, KeyID: 2, PublicKey: []byte("b")},
		{UserID: userID, KeyID: 3, PublicKey: []byte("c")},
	})
	assert.ErrorIs(err, model.ErrorOneTimeKeyCapacity)
}

func TestPutOneTimePreKeysSkipsExistingCollisionsIdempotently(t *testing.T) {
	assert := assert.New(t)

	keys := newTestKeyDirectory(t, 10, 1, nil)
	userID := model.UserID("alice")

	items := []model.OneTimePreKey{{UserID: userID, KeyID: 1, PublicKey: []byte("a")}}
	assert.Nil(keys.PutOneTimePreKeys(userID, items))
	assert.Nil(keys.PutOneTimePreKeys(userID, items))

	count, err := keys.CountOneTime(userID)
	assert.Nil(err)
	assert.Equal(1, count)
}
