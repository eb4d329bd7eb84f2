package authcore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/authcore/internal"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/internal/stores"
	"github.com/MrEthical07/authcore/passkey"
	"github.com/MrEthical07/authcore/store"
	"github.com/google/uuid"
)

const (
	ceremonyRegister = "register"
	ceremonyAssert   = "assert"
	ceremonyInvite   = "invite"
)

// ceremony is the server half of a WebAuthn round trip, parked in the challenge store
// between begin and finish.
type ceremony struct {
	Purpose    string               `json:"purpose"`
	UserID     string               `json:"user_id,omitempty"`
	Kind       store.CredentialKind `json:"kind,omitempty"`
	Label      string               `json:"label,omitempty"`
	TenantID   string               `json:"tenant"`
	Invitation string               `json:"invitation,omitempty"`
	Session    []byte               `json:"session"`
	ExpiresAt  time.Time            `json:"expires_at"`
}

func (e *Engine) passkeyBackend() (passkey.Backend, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.passkeys == nil {
		return nil, ErrEngineNotReady
	}
	return e.passkeys, nil
}

func (e *Engine) parkCeremony(ctx context.Context, c ceremony, options []byte) (*WebAuthnChallenge, error) {
	id, err := internal.NewStateValue()
	if err != nil {
		return nil, e.internal(ctx, "ceremony id", err)
	}
	ttl := e.config.WebAuthn.CeremonyTTL
	c.ExpiresAt = e.now().Add(ttl)
	if err := e.challenges.Put(ctx, stores.KindWebAuthn, id, c, ttl); err != nil {
		return nil, e.internal(ctx, "store ceremony", err)
	}
	return &WebAuthnChallenge{CeremonyID: id, Options: options, ExpiresAt: c.ExpiresAt}, nil
}

// takeCeremony removes the ceremony before any verification, so one challenge can be
// answered at most once.
func (e *Engine) takeCeremony(ctx context.Context, id, purpose string) (ceremony, error) {
	var c ceremony
	if id == "" {
		return c, invalid("ceremony_id", "required")
	}
	err := e.challenges.Take(ctx, stores.KindWebAuthn, id, &c)
	if errors.Is(err, stores.ErrChallengeNotFound) {
		return c, ErrTokenInvalid
	}
	if err != nil {
		return c, e.internal(ctx, "take ceremony", err)
	}
	if c.Purpose != purpose {
		return c, ErrTokenInvalid
	}
	if !e.now().Before(c.ExpiresAt) {
		return c, ErrTokenExpired
	}
	return c, nil
}

func (e *Engine) passkeyUser(ctx context.Context, user store.User) (passkey.User, error) {
	creds, err := e.store.ListCredentials(ctx, user.ID)
	if err != nil {
		return passkey.User{}, e.internal(ctx, "list credentials", err)
	}
	out := passkey.User{ID: user.ID, Email: user.Email}
	for _, c := range creds {
		if !c.Kind.IsPublicKey() || c.Key.FlaggedAt != nil {
			continue
		}
		out.Keys = append(out.Keys, passkey.Key{
			CredentialID:    c.Key.CredentialID,
			PublicKey:       c.Key.PublicKey,
			SignCount:       c.Key.SignCount,
			AAGUID:          c.Key.AAGUID,
			AttestationType: c.Key.AttestationType,
			Transports:      c.Key.Transports,
		})
	}
	return out, nil
}

/*
====================================
REGISTRATION
====================================
*/

// BeginWebAuthnRegistration starts registering a passkey or hardware token. The caller is
// either the signed-in user (UserID) or holds a device-recovery grant, which is consumed here.
func (e *Engine) BeginWebAuthnRegistration(ctx context.Context, req RegistrationRequest) (*WebAuthnChallenge, error) {
	backend, err := e.passkeyBackend()
	if err != nil {
		return nil, err
	}
	kind := req.Kind
	if kind == "" {
		kind = store.KindWebAuthn
	}
	if !kind.IsPublicKey() {
		return nil, invalid("kind", "unsupported")
	}
	if len(req.Label) > 64 {
		return nil, invalid("label", "too_long")
	}

	userID := req.UserID
	switch {
	case userID != "" && req.RecoveryGrant != "":
		return nil, invalid("recovery_grant", "exclusive_with_user")
	case req.RecoveryGrant != "":
		if userID, err = e.redeemDeviceGrant(ctx, req.RecoveryGrant); err != nil {
			return nil, err
		}
	case userID == "":
		return nil, invalid("user_id", "required")
	}

	user, err := e.lookupUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	pu, err := e.passkeyUser(ctx, user)
	if err != nil {
		return nil, err
	}
	cer, err := backend.BeginRegistration(ctx, pu, kind == store.KindHardwareToken)
	if err != nil {
		return nil, e.internal(ctx, "begin registration", err)
	}

	return e.parkCeremony(ctx, ceremony{
		Purpose:  ceremonyRegister,
		UserID:   userID,
		Kind:     kind,
		Label:    strings.TrimSpace(req.Label),
		TenantID: tenantIDFromContext(ctx),
		Session:  cer.Session,
	}, cer.Options)
}

// FinishWebAuthnRegistration verifies the attestation and stores the credential with its
// initial counter.
func (e *Engine) FinishWebAuthnRegistration(ctx context.Context, ceremonyID string, response []byte) (*RegisteredKey, error) {
	backend, err := e.passkeyBackend()
	if err != nil {
		return nil, err
	}
	c, err := e.takeCeremony(ctx, ceremonyID, ceremonyRegister)
	if err != nil {
		return nil, err
	}
	user, err := e.lookupUser(ctx, c.UserID)
	if err != nil {
		return nil, err
	}
	pu, err := e.passkeyUser(ctx, user)
	if err != nil {
		return nil, err
	}

	cred, err := e.finishRegistration(ctx, backend, pu, c, response)
	if err != nil {
		return nil, err
	}
	err = e.store.AddCredential(ctx, cred)
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, e.internal(ctx, "add credential", err)
	}

	e.metricInc(MetricWebAuthnRegistered)
	e.emitAudit(ctx, auditEventWebAuthnRegistered, true, user.ID, c.TenantID, "", nil, func() map[string]string {
		return map[string]string{"kind": string(c.Kind), "credential_id": encodeCredentialID(cred.Key.CredentialID)}
	})
	return registeredKey(cred), nil
}

// finishRegistration verifies the attestation for ceremony c and builds, without
// storing, the credential it proves.
func (e *Engine) finishRegistration(
	ctx context.Context,
	backend passkey.Backend,
	pu passkey.User,
	c ceremony,
	response []byte,
) (store.Credential, error) {
	key, err := backend.FinishRegistration(ctx, pu, c.Session, response)
	if err != nil {
		e.emitAudit(ctx, auditEventWebAuthnRegisterFailure, false, pu.ID, c.TenantID, "", err, nil)
		switch {
		case errors.Is(err, passkey.ErrMalformedResponse):
			return store.Credential{}, invalid("response", "malformed")
		case errors.Is(err, passkey.ErrVerification):
			e.log.Debug().Err(err).Msg("attestation rejected")
			return store.Credential{}, ErrAuthenticationFailed
		default:
			return store.Credential{}, e.internal(ctx, "finish registration", err)
		}
	}
	return store.Credential{
		ID:        uuid.NewString(),
		UserID:    pu.ID,
		Kind:      c.Kind,
		CreatedAt: e.now(),
		Key: &store.PublicKey{
			CredentialID:    key.CredentialID,
			PublicKey:       key.PublicKey,
			SignCount:       key.SignCount,
			Label:           c.Label,
			AAGUID:          key.AAGUID,
			AttestationType: key.AttestationType,
			Transports:      key.Transports,
		},
	}, nil
}

/*
====================================
ASSERTION
====================================
*/

// BeginWebAuthnAssertion starts a login. With an identifier of a user holding keys the
// options list them; otherwise a discoverable login is started, so the answer does not
// reveal whether the account exists.
func (e *Engine) BeginWebAuthnAssertion(ctx context.Context, identifier string) (*WebAuthnChallenge, error) {
	backend, err := e.passkeyBackend()
	if err != nil {
		return nil, err
	}

	var target *passkey.User
	if identifier != "" {
		email, err := normalizeEmail(identifier)
		if err != nil {
			return nil, err
		}
		user, err := e.store.GetUserByEmail(ctx, email)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, e.internal(ctx, "get user by email", err)
		case user.Status == store.UserActive:
			pu, err := e.passkeyUser(ctx, user)
			if err != nil {
				return nil, err
			}
			if len(pu.Keys) > 0 {
				target = &pu
			}
		}
	}

	cer, err := backend.BeginAssertion(ctx, target)
	if err != nil {
		return nil, e.internal(ctx, "begin assertion", err)
	}
	c := ceremony{Purpose: ceremonyAssert, TenantID: tenantIDFromContext(ctx), Session: cer.Session}
	if target != nil {
		c.UserID = target.ID
	}
	return e.parkCeremony(ctx, c, cer.Options)
}

// FinishWebAuthnAssertion verifies an assertion and continues the login attempt. A
// signature counter that did not increase flags the credential and fails, whatever the
// signature says.
func (e *Engine) FinishWebAuthnAssertion(ctx context.Context, ceremonyID string, response []byte) (*Session, error) {
	backend, err := e.passkeyBackend()
	if err != nil {
		return nil, err
	}
	rawID, err := passkey.ResponseCredentialID(response)
	if err != nil {
		return nil, invalid("response", "malformed")
	}
	limitKey := encodeCredentialID(rawID)
	slot, err := e.reserve(ctx, limitKey, rate.MethodWebAuthn)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, slot)

	c, err := e.takeCeremony(ctx, ceremonyID, ceremonyAssert)
	if err != nil {
		if errors.Is(err, ErrInternal) || errors.Is(err, ErrValidation) {
			return nil, err
		}
		return nil, e.assertionFailed(ctx, slot, "", c.TenantID, "ceremony_"+string(auditErrorCode(err)))
	}

	var stored store.Credential
	lookup := func(ctx context.Context, credentialID, userHandle []byte) (passkey.User, error) {
		cred, err := e.store.FindPublicKey(ctx, credentialID)
		if err != nil {
			return passkey.User{}, err
		}
		if len(userHandle) > 0 && !bytes.Equal(userHandle, []byte(cred.UserID)) {
			return passkey.User{}, errors.New("user handle does not match credential owner")
		}
		if c.UserID != "" && c.UserID != cred.UserID {
			return passkey.User{}, errors.New("credential does not belong to ceremony user")
		}
		user, err := e.store.GetUser(ctx, cred.UserID)
		if err != nil {
			return passkey.User{}, err
		}
		stored = cred
		return e.passkeyUser(ctx, user)
	}

	assertion, err := backend.ValidateAssertion(ctx, c.Session, response, lookup)
	if err != nil {
		if errors.Is(err, passkey.ErrMalformedResponse) {
			return nil, invalid("response", "malformed")
		}
		e.log.Debug().Err(err).Msg("assertion rejected")
		return nil, e.assertionFailed(ctx, slot, stored.UserID, c.TenantID, "signature")
	}
	if stored.Key == nil || !bytes.Equal(stored.Key.CredentialID, assertion.CredentialID) {
		return nil, e.assertionFailed(ctx, slot, stored.UserID, c.TenantID, "unknown_credential")
	}
	if stored.Key.FlaggedAt != nil {
		return nil, e.assertionFailed(ctx, slot, stored.UserID, c.TenantID, "flagged")
	}

	user, err := e.store.GetUser(ctx, stored.UserID)
	if err != nil {
		return nil, e.internal(ctx, "get user", err)
	}
	if user.Status == store.UserLocked {
		return nil, e.assertionFailed(ctx, slot, user.ID, c.TenantID, "locked")
	}

	advanced := false
	if assertion.SignCount > stored.Key.SignCount {
		advanced, err = e.store.AdvanceSignCount(ctx, stored.Key.CredentialID, assertion.SignCount)
		if err != nil {
			return nil, e.internal(ctx, "advance sign count", err)
		}
	}
	if !advanced {
		return nil, e.cloneSuspected(ctx, slot, stored, c.TenantID, assertion.SignCount)
	}

	e.succeed(ctx, slot)
	e.metricInc(MetricWebAuthnAssertionSuccess)
	e.emitAudit(ctx, auditEventWebAuthnAssertionSuccess, true, user.ID, c.TenantID, "", nil, func() map[string]string {
		return map[string]string{"kind": string(stored.Kind)}
	})

	attemptID, err := e.beginAttempt(ctx, user.ID, c.TenantID, string(stored.Kind))
	if err != nil {
		return nil, err
	}
	return e.completePrimary(ctx, attemptID)
}

func (e *Engine) assertionFailed(ctx context.Context, slot *limitSlot, userID, tenantID, reason string) error {
	e.fail(ctx, slot)
	e.metricInc(MetricWebAuthnAssertionFailure)
	e.emitAudit(ctx, auditEventWebAuthnAssertionFailure, false, userID, tenantID, "", ErrAuthenticationFailed, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	return ErrAuthenticationFailed
}

func (e *Engine) cloneSuspected(ctx context.Context, slot *limitSlot, cred store.Credential, tenantID string, presented uint32) error {
	if err := e.store.FlagCredential(ctx, cred.Key.CredentialID, e.now()); err != nil {
		e.log.Error().Err(err).Msg("flag credential")
	}
	e.metricInc(MetricWebAuthnCloneSuspected)
	e.log.Warn().
		Str("user", cred.UserID).
		Str("credential", encodeCredentialID(cred.Key.CredentialID)).
		Uint32("stored", cred.Key.SignCount).
		Uint32("presented", presented).
		Msg("signature counter did not increase; credential flagged")
	e.emitAudit(ctx, auditEventWebAuthnCloneSuspected, false, cred.UserID, tenantID, "", ErrAuthenticationFailed, func() map[string]string {
		return map[string]string{"credential_id": encodeCredentialID(cred.Key.CredentialID)}
	})
	return e.assertionFailed(ctx, slot, cred.UserID, tenantID, "counter")
}

/*
====================================
MANAGEMENT
====================================
*/

// ListHardwareTokens returns the hardware tokens of userID.
func (e *Engine) ListHardwareTokens(ctx context.Context, userID string) ([]RegisteredKey, error) {
	return e.listKeys(ctx, userID, store.KindHardwareToken)
}

// ListPasskeys returns the platform passkeys of userID.
func (e *Engine) ListPasskeys(ctx context.Context, userID string) ([]RegisteredKey, error) {
	return e.listKeys(ctx, userID, store.KindWebAuthn)
}

func (e *Engine) listKeys(ctx context.Context, userID string, kind store.CredentialKind) ([]RegisteredKey, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if _, err := e.lookupUser(ctx, userID); err != nil {
		return nil, err
	}
	creds, err := e.store.ListCredentials(ctx, userID)
	if err != nil {
		return nil, e.internal(ctx, "list credentials", err)
	}
	out := make([]RegisteredKey, 0, len(creds))
	for _, c := range creds {
		if c.Kind == kind {
			out = append(out, *registeredKey(c))
		}
	}
	return out, nil
}

// RevokeCredential removes a passkey or hardware token by its WebAuthn credential id.
// The last credential of an account cannot be removed.
func (e *Engine) RevokeCredential(ctx context.Context, userID string, credentialID []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if len(credentialID) == 0 {
		return invalid("credential_id", "required")
	}
	cred, err := e.store.FindPublicKey(ctx, credentialID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && cred.UserID != userID) {
		return ErrNotFound
	}
	if err != nil {
		return e.internal(ctx, "find credential", err)
	}
	return e.UnlinkCredential(ctx, userID, cred.ID)
}

func registeredKey(c store.Credential) *RegisteredKey {
	return &RegisteredKey{
		ID:           c.ID,
		Kind:         c.Kind,
		CredentialID: c.Key.CredentialID,
		Label:        c.Key.Label,
		SignCount:    c.Key.SignCount,
		Flagged:      c.Key.FlaggedAt != nil,
		CreatedAt:    c.CreatedAt,
	}
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
