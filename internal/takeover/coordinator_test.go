package takeover

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/propolis-net/relay/internal/bus"
	"github.com/propolis-net/relay/internal/model"
	"github.com/propolis-net/relay/internal/notify"
	"github.com/propolis-net/relay/internal/store"
	"github.com/propolis-net/relay/pkg/crypt"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *notify.Notifier) {
	db, err := store.Open(filepath.Join(t.TempDir(), "relay.db"), 4, 5*time.Second)
	if err != nil {
		t.Fatalf("opening test database: %+v", err)
	}
	t.Cleanup(func() { db.Close() })

	n := notify.New(4, 8)
	b := bus.New("127.0.0.1:6379", "relay:test:wake:", 100*time.Millisecond, time.Second, n)

	return New(db, n, b, 10), n
}

func signedBundle(t *testing.T) (*ecdsa.PrivateKey, []byte, []byte, []byte) {
	identity, err := ecdsa.GenerateKey(crypt.Curve, rand.Reader)
	if err != nil {
		t.Fatalf("generating identity key: %+v", err)
	}
	signedPreKey, err := ecdsa.GenerateKey(crypt.Curve, rand.Reader)
	if err != nil {
		t.Fatalf("generating signed pre-key: %+v", err)
	}
	signedPreKeyPublic := crypt.MarshalPublicKey(&signedPreKey.PublicKey)
	digest := sha256.Sum256(signedPreKeyPublic)
	signature, err := ecdsa.SignASN1(rand.Reader, identity, digest[:])
	if err != nil {
		t.Fatalf("signing pre-key: %+v", err)
	}
	return identity, crypt.MarshalPublicKey(&identity.PublicKey), signedPreKeyPublic, signature
}

func TestPublishFirstTimeIsCreated(t *testing.T) {
	assert := assert.New(t)

	coordinator, _ := newTestCoordinator(t)
	_, identityPublic, signedPreKeyPublic, signature := signedBundle(t)

	outcome, err := coordinator.Publish(PublishParams{
		UserID:             "alice",
		IdentityPublicKey:  identityPublic,
		SignedPreKeyID:     1,
		SignedPreKeyPublic: signedPreKeyPublic,
		SignedPreKeySig:    signature,
	}, time.Now().UTC())

	assert.Nil(err)
	assert.Equal(model.IdentityKeyCreated, outcome)
}

func TestPublishSameIdentityKeyIsRefillNotTakeover(t *testing.T) {
	assert := assert.New(t)

	coordinator, n := newTestCoordinator(t)
	userID := model.UserID("alice")
	_, identityPublic, signedPreKeyPublic, signature := signedBundle(t)

	_, err := coordinator.Publish(PublishParams{
		UserID:             userID,
		IdentityPublicKey:  identityPublic,
		SignedPreKeyID:     1,
		SignedPreKeyPublic: signedPreKeyPublic,
		SignedPreKeySig:    signature,
	}, time.Now().UTC())
	assert.Nil(err)

	events, _ := n.Subscribe(userID)

	// Re-publish the same identity key with a higher signed pre-key id:
	// a refill, not a takeover, so no Disconnect should fire.
	outcome, err := coordinator.Publish(PublishParams{
		UserID:             userID,
		IdentityPublicKey:  identityPublic,
		SignedPreKeyID:     2,
		SignedPreKeyPublic: signedPreKeyPublic,
		SignedPreKeySig:    signature,
	}, time.Now().UTC())
	assert.Nil(err)
	assert.Equal(model.IdentityKeyReplaced, outcome)

	select {
	case <-events:
		t.Fatal("refilling the same identity key must not trigger a Disconnect")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDifferentIdentityKeyIsTakeoverAndWipesState(t *testing.T) {
	assert := assert.New(t)

	coordinator, n := newTestCoordinator(t)
	userID := model.UserID("alice")

	_, firstIdentityPublic, firstSignedPreKeyPublic, firstSignature := signedBundle(t)
	_, err := coordinator.Publish(PublishParams{
		UserID:             userID,
		IdentityPublicKey:  firstIdentityPublic,
		SignedPreKeyID:     1,
		SignedPreKeyPublic: firstSignedPreKeyPublic,
		SignedPreKeySig:    firstSignature,
		OneTimePreKeys:     []model.OneTimePreKey{{UserID: userID, KeyID: 1, PublicKey: []byte("otk")}},
	}, time.Now().UTC())
	assert.Nil(err)

	events, _ := n.Subscribe(userID)

	_, secondIdentityPublic, secondSignedPreKeyPublic, secondSignature := signedBundle(t)
	outcome, err := coordinator.Publish(PublishParams{
		UserID:             userID,
		IdentityPublicKey:  secondIdentityPublic,
		SignedPreKeyID:     1, // a takeover resets monotonicity, so id 1 is valid again
		SignedPreKeyPublic: secondSignedPreKeyPublic,
		SignedPreKeySig:    secondSignature,
	}, time.Now().UTC())
	assert.Nil(err)
	assert.Equal(model.IdentityKeyReplaced, outcome)

	select {
	case event := <-events:
		assert.Equal(model.EventDisconnect, event.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a Disconnect notice on identity-key takeover")
	}

	count, err := store.NewKeyDirectory(coordinator.db, 10, 1, nil).CountOneTime(userID)
	assert.Nil(err)
	assert.Equal(0, count, "one-time pre-keys from before the takeover must be wiped")
}

func TestPublishRejectsBadSignature(t *testing.T) {
	assert := assert.New(t)

	coordinator, _ := newTestCoordinator(t)
	_, identityPublic, signedPreKeyPublic, _ := signedBundle(t)
	_, _, _, wrongSignature := signedBundle(t)

	_, err := coordinator.Publish(PublishParams{
		UserID:             "alice",
		IdentityPublicKey:  identityPublic,
		SignedPreKeyID:     1,
		SignedPreKeyPublic: signedPreKeyPublic,
		SignedPreKeySig:    wrongSignature,
	}, time.Now().UTC())
	assert.ErrorIs(err, model.ErrorSignatureMismatch)
}

func TestPublishRejectsWrongLengthIdentityKey(t *testing.T) {
	assert := assert.New(t)

	coordinator, _ := newTestCoordinator(t)
	_, _, signedPreKeyPublic, signature := signedBundle(t)

	_, err := coordinator.Publish(PublishParams{
		UserID:             "alice",
		IdentityPublicKey:  []byte{0x04, 0x01, 0x02},
		SignedPreKeyID:     1,
		SignedPreKeyPublic: signedPreKeyPublic,
		SignedPreKeySig:    signature,
	}, time.Now().UTC())
	assert.ErrorIs(err, model.ErrorInvalidKeyLength)
}
