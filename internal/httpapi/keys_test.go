package httpapi

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/propolis-net/relay/internal/bus"
	"github.com/propolis-net/relay/internal/notify"
	"github.com/propolis-net/relay/internal/store"
	"github.com/propolis-net/relay/internal/takeover"
	"github.com/propolis-net/relay/pkg/crypt"
)

func newTestKeysStack(t *testing.T) (*echo.Echo, *takeover.Coordinator, *store.KeyDirectory) {
	db, err := store.Open(filepath.Join(t.TempDir(), "relay.db"), 4, 5*time.Second)
	if err != nil {
		t.Fatalf("opening test database: %+v", err)
	}
	t.Cleanup(func() { db.Close() })

	n := notify.New(4, 8)
	b := bus.New("127.0.0.1:6379", "relay:test:wake:", 0, 0, n)
	coordinator := takeover.New(db, n, b, 10)
	keys := store.NewKeyDirectory(db, 10, 1, n)

	return echo.New(), coordinator, keys
}

func signedKeysRequestBody(t *testing.T) []byte {
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

	body, err := json.Marshal(KeysRequest{
		IdentityPublicKey:  crypt.MarshalPublicKey(&identity.PublicKey),
		SignedPreKeyID:     1,
		SignedPreKeyPublic: signedPreKeyPublic,
		SignedPreKeySig:    signature,
	})
	if err != nil {
		t.Fatalf("marshaling request body: %+v", err)
	}
	return body
}

func TestPutKeysCreatesIdentityOnFirstPublish(t *testing.T) {
	assert := assert.New(t)

	e, coordinator, _ := newTestKeysStack(t)
	body := signedKeysRequestBody(t)

	req := httptest.NewRequest(http.MethodPut, "/keys/alice", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("user_id")
	c.SetParamValues("alice")

	assert.Nil(PutKeys(coordinator)(c))
	assert.Equal(http.StatusOK, rec.Code)

	var resp KeysResponse
	assert.Nil(json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal("created", resp.Outcome)
}

func TestPutKeysRejectsBadSignatureWithConflict(t *testing.T) {
	assert := assert.New(t)

	e, coordinator, _ := newTestKeysStack(t)

	identity, err := ecdsa.GenerateKey(crypt.Curve, rand.Reader)
	assert.Nil(err)
	otherSignedPreKey, err := ecdsa.GenerateKey(crypt.Curve, rand.Reader)
	assert.Nil(err)
	unrelated, err := ecdsa.GenerateKey(crypt.Curve, rand.Reader)
	assert.Nil(err)
	digest := sha256.Sum256(crypt.MarshalPublicKey(&otherSignedPreKey.PublicKey))
	wrongSignature, err := ecdsa.SignASN1(rand.Reader, unrelated, digest[:])
	assert.Nil(err)

	body, err := json.Marshal(KeysRequest{
		IdentityPublicKey:  crypt.MarshalPublicKey(&identity.PublicKey),
		SignedPreKeyID:     1,
		SignedPreKeyPublic: crypt.MarshalPublicKey(&otherSignedPreKey.PublicKey),
		SignedPreKeySig:    wrongSignature,
	})
	assert.Nil(err)

	req := httptest.NewRequest(http.MethodPut, "/keys/alice", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("user_id")
	c.SetParamValues("alice")

	assert.Nil(PutKeys(coordinator)(c))
	assert.Equal(http.StatusConflict, rec.Code)
}

func TestGetBundleReturnsNotFoundWithoutIdentityKey(t *testing.T) {
	assert := assert.New(t)

	e, _, keys := newTestKeysStack(t)

	req := httptest.NewRequest(http.MethodGet, "/keys/alice", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("user_id")
	c.SetParamValues("alice")

	assert.Nil(GetBundle(keys)(c))
	assert.Equal(http.StatusNotFound, rec.Code)
}

func TestGetBundleReturnsPublishedBundle(t *testing.T) {
	assert := assert.New(t)

	e, coordinator, keys := newTestKeysStack(t)

	var publish KeysRequest
	assert.Nil(json.Unmarshal(signedKeysRequestBody(t), &publish))
	oneTimeKey, err := ecdsa.GenerateKey(crypt.Curve, rand.Reader)
	assert.Nil(err)
	publish.OneTimePreKeys = []OneTimePreKeyInput{{KeyID: 7, PublicKey: crypt.MarshalPublicKey(&oneTimeKey.PublicKey)}}
	body, err := json.Marshal(publish)
	assert.Nil(err)

	putReq := httptest.NewRequest(http.MethodPut, "/keys/alice", bytes.NewReader(body))
	putReq.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	putRec := httptest.NewRecorder()
	putCtx := e.NewContext(putReq, putRec)
	putCtx.SetParamNames("user_id")
	putCtx.SetParamValues("alice")
	assert.Nil(PutKeys(coordinator)(putCtx))
	assert.Equal(http.StatusOK, putRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/keys/alice", nil)
	getRec := httptest.NewRecorder()
	getCtx := e.NewContext(getReq, getRec)
	getCtx.SetParamNames("user_id")
	getCtx.SetParamValues("alice")

	assert.Nil(GetBundle(keys)(getCtx))
	assert.Equal(http.StatusOK, getRec.Code)

	var resp BundleResponse
	assert.Nil(json.Unmarshal(getRec.Body.Bytes(), &resp))
	wantKeyID := int64(7)
	assert.Equal(&wantKeyID, resp.OneTimeKeyID, "the bundle must carry the one published one-time pre-key")
}
