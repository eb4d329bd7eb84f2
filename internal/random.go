package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// OpaqueTokenSize is the entropy of invitation, reset and recovery-grant tokens (256 bits).
const OpaqueTokenSize = 32

// ErrMalformedToken is returned when a presented token does not decode to OpaqueTokenSize bytes.
var ErrMalformedToken = errors.New("malformed opaque token")

// NewOpaqueToken returns a fresh base64url token and the sha256 digest that is stored in
// its place. The raw token is never persisted.
func NewOpaqueToken() (string, [32]byte, error) {
	var raw [OpaqueTokenSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", [32]byte{}, err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), sha256.Sum256(raw[:]), nil
}

// HashOpaqueToken decodes a presented token and returns its storage digest.
func HashOpaqueToken(token string) ([32]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != OpaqueTokenSize {
		return [32]byte{}, ErrMalformedToken
	}
	return sha256.Sum256(raw), nil
}

// NewStateValue returns a 256-bit base64url value for OAuth state, nonces and ceremony ids.
func NewStateValue() (string, error) {
	var raw [OpaqueTokenSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}
