package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"

	"github.com/propolis-net/relay/internal/model"
	"github.com/propolis-net/relay/internal/store"
)

// Handshake validates the bearer token carried in the ?token= query
// parameter (spec.md §6: "Authentication: ?token=<bearer> in the
// URL") and gates the connection on the user already having published
// an identity key — token issuance itself is an external collaborator
// per spec.md §1; the gateway only verifies.
type Handshake struct {
	signingKey []byte
	keys       *store.KeyDirectory
}

func NewHandshake(signingKey string, keys *store.KeyDirectory) *Handshake {
	return &Handshake{signingKey: []byte(signingKey), keys: keys}
}

// Authenticate returns the authenticated user-id or a sentinel error
// from model.Error*, never a raw parse/library error.
func (h *Handshake) Authenticate(r *http.Request) (model.UserID, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		return "", model.ErrorTokenInvalid
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return h.signingKey, nil
	})
	if err != nil || !token.Valid {
		return "", model.ErrorTokenInvalid
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", model.ErrorTokenInvalid
	}
	subject, ok := claims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if !ok || subject == "" {
		return "", model.ErrorTokenInvalid
	}
	userID := model.UserID(subject)

	bound, err := h.keys.HasIdentityKey(userID)
	if err != nil {
		return "", fmt.Errorf("checking identity key binding: %w", err)
	}
	if !bound {
		return "", model.ErrorIdentityNotBound
	}

	return userID, nil
}
