package passkey

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// Config holds the relying party settings.
type Config struct {
	RPDisplayName string   `env:"RP_DISPLAY_NAME" envDefault:"authcore"`
	RPID          string   `env:"RP_ID" envDefault:"localhost"`
	RPOrigins     []string `env:"RP_ORIGINS" envSeparator:","`
}

// WebAuthn is the default [Backend], built on github.com/go-webauthn/webauthn.
type WebAuthn struct {
	rp *webauthn.WebAuthn
}

// NewWebAuthn validates cfg and builds the relying party.
func NewWebAuthn(cfg Config) (*WebAuthn, error) {
	if cfg.RPID == "" {
		return nil, errors.New("passkey: rp id is required")
	}
	if len(cfg.RPOrigins) == 0 {
		return nil, errors.New("passkey: at least one rp origin is required")
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = cfg.RPID
	}
	rp, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("passkey: %w", err)
	}
	return &WebAuthn{rp: rp}, nil
}

func (w *WebAuthn) BeginRegistration(_ context.Context, user User, crossPlatform bool) (Ceremony, error) {
	wu := newWebAuthnUser(user, nil)

	opts := []webauthn.RegistrationOption{
		webauthn.WithExclusions(webauthn.Credentials(wu.credentials).CredentialDescriptors()),
	}
	if crossPlatform {
		opts = append(opts, webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.CrossPlatform,
			ResidentKey:             protocol.ResidentKeyRequirementDiscouraged,
			UserVerification:        protocol.VerificationPreferred,
		}))
	} else {
		opts = append(opts, webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired))
	}

	creation, session, err := w.rp.BeginRegistration(wu, opts...)
	if err != nil {
		return Ceremony{}, fmt.Errorf("passkey: begin registration: %w", err)
	}
	return newCeremony(creation, session)
}

func (w *WebAuthn) FinishRegistration(_ context.Context, user User, session, response []byte) (Key, error) {
	var data webauthn.SessionData
	if err := json.Unmarshal(session, &data); err != nil {
		return Key{}, fmt.Errorf("passkey: decode session: %w", err)
	}
	parsed, err := protocol.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	cred, err := w.rp.CreateCredential(newWebAuthnUser(user, nil), data, parsed)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrVerification, err)
	}

	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	return Key{
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		SignCount:       cred.Authenticator.SignCount,
		AAGUID:          cred.Authenticator.AAGUID,
		AttestationType: cred.AttestationType,
		Transports:      transports,
	}, nil
}

func (w *WebAuthn) BeginAssertion(_ context.Context, user *User) (Ceremony, error) {
	var (
		assertion *protocol.CredentialAssertion
		session   *webauthn.SessionData
		err       error
	)
	if user == nil || len(user.Keys) == 0 {
		assertion, session, err = w.rp.BeginDiscoverableLogin()
	} else {
		assertion, session, err = w.rp.BeginLogin(newWebAuthnUser(*user, nil))
	}
	if err != nil {
		return Ceremony{}, fmt.Errorf("passkey: begin assertion: %w", err)
	}
	return newCeremony(assertion, session)
}

// ValidateAssertion checks the signature and challenge. It does not reject a counter that
// failed to increase; the caller compares Assertion.SignCount with its stored value.
func (w *WebAuthn) ValidateAssertion(ctx context.Context, session, response []byte, lookup KeyLookup) (Assertion, error) {
	var data webauthn.SessionData
	if err := json.Unmarshal(session, &data); err != nil {
		return Assertion{}, fmt.Errorf("passkey: decode session: %w", err)
	}
	parsed, err := protocol.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return Assertion{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	flags := parsed.Response.AuthenticatorData.Flags

	var (
		owner User
		cred  *webauthn.Credential
	)
	if len(data.UserID) == 0 {
		handler := func(rawID, userHandle []byte) (webauthn.User, error) {
			u, err := lookup(ctx, rawID, userHandle)
			if err != nil {
				return nil, err
			}
			owner = u
			return newWebAuthnUser(u, &flags), nil
		}
		_, cred, err = w.rp.ValidatePasskeyLogin(handler, data, parsed)
	} else {
		owner, err = lookup(ctx, parsed.RawID, nil)
		if err == nil {
			if !bytes.Equal([]byte(owner.ID), data.UserID) {
				return Assertion{}, fmt.Errorf("%w: credential does not belong to ceremony user", ErrVerification)
			}
			cred, err = w.rp.ValidateLogin(newWebAuthnUser(owner, &flags), data, parsed)
		}
	}
	if err != nil {
		return Assertion{}, fmt.Errorf("%w: %v", ErrVerification, err)
	}

	return Assertion{
		UserID:       owner.ID,
		CredentialID: cred.ID,
		SignCount:    parsed.Response.AuthenticatorData.Counter,
	}, nil
}

func newCeremony(options any, session *webauthn.SessionData) (Ceremony, error) {
	opts, err := json.Marshal(options)
	if err != nil {
		return Ceremony{}, fmt.Errorf("passkey: encode options: %w", err)
	}
	state, err := json.Marshal(session)
	if err != nil {
		return Ceremony{}, fmt.Errorf("passkey: encode session: %w", err)
	}
	return Ceremony{Options: opts, Session: state}, nil
}

type webauthnUser struct {
	user        User
	credentials []webauthn.Credential
}

// newWebAuthnUser adapts a User. Backup flags are not persisted, so when validating an
// assertion they mirror what the authenticator reports.
func newWebAuthnUser(u User, flags *protocol.AuthenticatorFlags) *webauthnUser {
	creds := make([]webauthn.Credential, 0, len(u.Keys))
	for _, k := range u.Keys {
		c := webauthn.Credential{
			ID:              k.CredentialID,
			PublicKey:       k.PublicKey,
			AttestationType: k.AttestationType,
			Authenticator: webauthn.Authenticator{
				AAGUID:    k.AAGUID,
				SignCount: k.SignCount,
			},
		}
		for _, t := range k.Transports {
			c.Transport = append(c.Transport, protocol.AuthenticatorTransport(t))
		}
		if flags != nil {
			c.Flags = webauthn.CredentialFlags{
				UserPresent:    flags.HasUserPresent(),
				UserVerified:   flags.HasUserVerified(),
				BackupEligible: flags.HasBackupEligible(),
				BackupState:    flags.HasBackupState(),
			}
		}
		creds = append(creds, c)
	}
	return &webauthnUser{user: u, credentials: creds}
}

func (u *webauthnUser) WebAuthnID() []byte { return []byte(u.user.ID) }

func (u *webauthnUser) WebAuthnName() string {
	if u.user.Email != "" {
		return u.user.Email
	}
	return u.user.ID
}

func (u *webauthnUser) WebAuthnDisplayName() string { return u.WebAuthnName() }

func (u *webauthnUser) WebAuthnIcon() string { return "" }

func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }
