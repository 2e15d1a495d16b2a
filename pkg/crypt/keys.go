// Package crypt holds the handful of public-key operations the
// delivery plane is allowed to perform: it never touches private key
// material, so everything here is encode/decode/verify over public
// bytes. Adapted from the teacher's pkg/crypt, which encoded keys as
// JWK for a JWT-shaped wire format; this repo keeps that encoding for
// the HTTP bundle wire shape but adds raw-point marshal/unmarshal
// because the Key Directory itself stores and compares opaque byte
// blobs per spec.md §3.
package crypt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/rakutentech/jwk-go/jwk"
)

// Curve is the fixed curve every identity/signed/one-time key on this
// relay uses. Clients generate their own key material; the server only
// ever sees the public half.
var Curve = elliptic.P256()

// KeyLength is the fixed-width byte length of a raw public key on
// Curve (uncompressed SEC1 point: 0x04 || X || Y).
const KeyLength = 65

// ParsePublicKey decodes the fixed-width raw bytes the client submits
// (spec.md §3: "public key bytes (fixed-width)") into an *ecdsa.PublicKey
// usable for signature verification.
func ParsePublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) != KeyLength {
		return nil, fmt.Errorf("public key length %d, want %d", len(raw), KeyLength)
	}
	x, y := elliptic.Unmarshal(Curve, raw)
	if x == nil {
		return nil, fmt.Errorf("public key is not a valid point on the curve")
	}
	return &ecdsa.PublicKey{Curve: Curve, X: x, Y: y}, nil
}

// MarshalPublicKey is the inverse of ParsePublicKey.
func MarshalPublicKey(key *ecdsa.PublicKey) []byte {
	return elliptic.Marshal(Curve, key.X, key.Y)
}

// VerifySignedPreKey checks that signature is a valid ASN.1 ECDSA
// signature over sha256(signedPreKeyRaw) under identityKeyRaw. This is
// the one invariant check spec.md §3/§4.2 requires the server to
// actually perform over key bytes.
func VerifySignedPreKey(identityKeyRaw, signedPreKeyRaw, signature []byte) error {
	identityKey, err := ParsePublicKey(identityKeyRaw)
	if err != nil {
		return fmt.Errorf("parsing identity key: %w", err)
	}
	digest := sha256.Sum256(signedPreKeyRaw)
	if !ecdsa.VerifyASN1(identityKey, digest[:], signature) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}

// EncodePublicKeyJWK renders a raw public key as a JWK, the wire shape
// GetBundle hands back to clients for the identity, signed, and
// one-time public keys — following the teacher's own EncodePublicKey.
func EncodePublicKeyJWK(raw []byte, keyID string) (string, error) {
	key, err := ParsePublicKey(raw)
	if err != nil {
		return "", fmt.Errorf("parsing public key: %w", err)
	}

	spec := jwk.NewSpec(key)
	rawJWK, err := spec.ToJWK()
	if err != nil {
		return "", fmt.Errorf("creating JWK: %w", err)
	}
	rawJWK.Use = "sig"
	rawJWK.Alg = "ES256"
	rawJWK.Kid = keyID

	keyData, err := rawJWK.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshalling JWK: %w", err)
	}
	return base64.StdEncoding.EncodeToString(keyData), nil
}
