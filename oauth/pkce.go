package oauth

import (
	"crypto/rand"
	"encoding/base64"

	"golang.org/x/oauth2"
)

// NewAuthRequest draws a fresh state and nonce and, when pkce is set, an RFC 7636 verifier.
func NewAuthRequest(pkce bool) (AuthRequest, error) {
	state, err := randomValue()
	if err != nil {
		return AuthRequest{}, err
	}
	nonce, err := randomValue()
	if err != nil {
		return AuthRequest{}, err
	}
	req := AuthRequest{State: state, Nonce: nonce}
	if pkce {
		req.Verifier = oauth2.GenerateVerifier()
	}
	return req, nil
}

// S256Challenge returns the code_challenge sent for verifier.
func S256Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

func randomValue() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
