// Package passkey runs WebAuthn/FIDO2 ceremonies for platform passkeys and roaming
// hardware tokens.
//
// The engine owns storage and single-use ceremony state; a [Backend] only turns stored
// keys into challenge options and checks the signed responses. Ceremony state leaves the
// backend as opaque bytes so it can be parked in a shared TTL store between the two
// halves of a ceremony.
package passkey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrMalformedResponse is returned when a client response cannot be parsed at all.
	ErrMalformedResponse = errors.New("passkey: malformed response")
	// ErrVerification is returned when attestation, assertion or challenge checks fail.
	ErrVerification = errors.New("passkey: verification failed")
)

// Key is one registered public-key credential.
type Key struct {
	CredentialID    []byte
	PublicKey       []byte
	SignCount       uint32
	AAGUID          []byte
	AttestationType string
	Transports      []string
}

// User is the credential owner as the backend sees it.
type User struct {
	ID    string
	Email string
	Keys  []Key
}

// Ceremony is the first half of a registration or assertion.
type Ceremony struct {
	// Options is the JSON handed to navigator.credentials.create/get.
	Options json.RawMessage
	// Session is opaque backend state needed to finish the ceremony.
	Session []byte
}

// Assertion is a verified assertion. SignCount is the counter the authenticator reported;
// comparing it with the stored counter is left to the caller.
type Assertion struct {
	UserID       string
	CredentialID []byte
	SignCount    uint32
}

// KeyLookup resolves the owner of a presented credential id. userHandle is empty for
// non-discoverable credentials.
type KeyLookup func(ctx context.Context, credentialID, userHandle []byte) (User, error)

// Backend is the fixed capability set of a WebAuthn implementation.
type Backend interface {
	BeginRegistration(ctx context.Context, user User, crossPlatform bool) (Ceremony, error)
	FinishRegistration(ctx context.Context, user User, session, response []byte) (Key, error)
	// BeginAssertion starts a login. A nil user starts a discoverable (usernameless) login.
	BeginAssertion(ctx context.Context, user *User) (Ceremony, error)
	ValidateAssertion(ctx context.Context, session, response []byte, lookup KeyLookup) (Assertion, error)
}

// ResponseCredentialID extracts the credential id from a client response without
// verifying anything, so callers can rate-limit before cryptographic checks.
func ResponseCredentialID(response []byte) ([]byte, error) {
	var envelope struct {
		ID    string `json:"id"`
		RawID string `json:"rawId"`
	}
	if err := json.Unmarshal(response, &envelope); err != nil {
		return nil, ErrMalformedResponse
	}
	id := strings.TrimSpace(envelope.ID)
	if id == "" {
		id = strings.TrimSpace(envelope.RawID)
	}
	if id == "" {
		return nil, ErrMalformedResponse
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(id, "="))
	if err != nil || len(raw) == 0 {
		return nil, ErrMalformedResponse
	}
	return raw, nil
}
