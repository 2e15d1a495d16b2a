// Package httpapi implements the narrow HTTP surface spec.md §8 scopes
// the core to: key publication/takeover and push-token registration.
// Everything else named there (account registration, token issuance,
// attachment uploads, backup) is an external collaborator.
package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/propolis-net/relay/internal/model"
	"github.com/propolis-net/relay/internal/store"
	"github.com/propolis-net/relay/internal/takeover"
	"github.com/propolis-net/relay/pkg/crypt"
)

// KeysRequest is the PUT /keys request body: identity key plus the
// mandatory signed pre-key and an optional one-time pre-key top-up,
// published together (spec.md §4.2, §4.6).
type KeysRequest struct {
	IdentityPublicKey   []byte               `json:"identity_public_key"`
	RegistrationCounter int                  `json:"registration_counter"`
	SignedPreKeyID      int64                `json:"signed_prekey_id"`
	SignedPreKeyPublic  []byte               `json:"signed_prekey_public"`
	SignedPreKeySig     []byte               `json:"signed_prekey_signature"`
	OneTimePreKeys      []OneTimePreKeyInput `json:"one_time_prekeys,omitempty"`
}

type OneTimePreKeyInput struct {
	KeyID     int64  `json:"key_id"`
	PublicKey []byte `json:"public_key"`
}

type KeysResponse struct {
	Outcome string `json:"outcome"`
}

// BundleResponse is the GET /keys/:user_id wire shape. Public keys are
// carried as JWKs (crypt.EncodePublicKeyJWK) rather than raw bytes, so
// clients fetching a bundle get a self-describing, key-id-tagged blob
// instead of having to know out-of-band which curve/use each field is.
type BundleResponse struct {
	IdentityPublicKey  string `json:"identity_public_key"`
	SignedPreKeyID     int64  `json:"signed_prekey_id"`
	SignedPreKeyPublic string `json:"signed_prekey_public"`
	SignedPreKeySig    []byte `json:"signed_prekey_signature"`
	OneTimeKeyID       *int64 `json:"one_time_key_id,omitempty"`
	OneTimePublicKey   string `json:"one_time_public_key,omitempty"`
}

// PutKeys handles `PUT /keys/:user_id`, fusing publish and (when the
// identity key differs from the one on file) the takeover cascade
// into a single call through the Takeover Coordinator.
func PutKeys(coordinator *takeover.Coordinator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := model.UserID(c.Param("user_id"))

		req := &KeysRequest{}
		if err := c.Bind(req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		}

		oneTime := make([]model.OneTimePreKey, len(req.OneTimePreKeys))
		for i, item := range req.OneTimePreKeys {
			oneTime[i] = model.OneTimePreKey{UserID: userID, KeyID: item.KeyID, PublicKey: item.PublicKey}
		}

		outcome, err := coordinator.Publish(takeover.PublishParams{
			UserID:              userID,
			IdentityPublicKey:   req.IdentityPublicKey,
			RegistrationCounter: req.RegistrationCounter,
			SignedPreKeyID:      req.SignedPreKeyID,
			SignedPreKeyPublic:  req.SignedPreKeyPublic,
			SignedPreKeySig:     req.SignedPreKeySig,
			OneTimePreKeys:      oneTime,
		}, time.Now().UTC())
		if err != nil {
			return c.JSON(statusFor(err), errorBody(err))
		}

		label := "created"
		if outcome == model.IdentityKeyReplaced {
			label = "replaced"
		}
		return c.JSON(http.StatusOK, KeysResponse{Outcome: label})
	}
}

// GetBundle handles `GET /keys/:user_id`, the X3DH prekey bundle fetch
// of spec.md §4.2's take_bundle, with strict failure when no one-time
// pre-key remains.
func GetBundle(keys *store.KeyDirectory) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := model.UserID(c.Param("user_id"))

		bundle, err := keys.TakeBundle(userID)
		if err != nil {
			return c.JSON(statusFor(err), errorBody(err))
		}

		identityJWK, err := crypt.EncodePublicKeyJWK(bundle.IdentityKey.PublicKey, string(userID))
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errorBody(err))
		}
		signedPreKeyJWK, err := crypt.EncodePublicKeyJWK(bundle.SignedPreKey.PublicKey, fmt.Sprintf("%s-signed-%d", userID, bundle.SignedPreKey.KeyID))
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errorBody(err))
		}

		resp := BundleResponse{
			IdentityPublicKey:  identityJWK,
			SignedPreKeyID:     bundle.SignedPreKey.KeyID,
			SignedPreKeyPublic: signedPreKeyJWK,
			SignedPreKeySig:    bundle.SignedPreKey.Signature,
		}
		if bundle.OneTime != nil {
			keyID := bundle.OneTime.KeyID
			oneTimeJWK, err := crypt.EncodePublicKeyJWK(bundle.OneTime.PublicKey, fmt.Sprintf("%s-onetime-%d", userID, keyID))
			if err != nil {
				return c.JSON(http.StatusInternalServerError, errorBody(err))
			}
			resp.OneTimeKeyID = &keyID
			resp.OneTimePublicKey = oneTimeJWK
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrorNoIdentityKey), errors.Is(err, model.ErrorNoOneTimePreKey), errors.Is(err, model.ErrorUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrorSignatureMismatch), errors.Is(err, model.ErrorPreKeyNotMonotonic), errors.Is(err, model.ErrorOneTimeKeyCapacity):
		return http.StatusConflict
	case errors.Is(err, model.ErrorInvalidKeyLength), errors.Is(err, model.ErrorInvalidHandle):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}
