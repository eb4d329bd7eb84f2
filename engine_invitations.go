package authcore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/authcore/internal"
	"github.com/MrEthical07/authcore/internal/stores"
	"github.com/MrEthical07/authcore/oauth"
	"github.com/MrEthical07/authcore/passkey"
	"github.com/MrEthical07/authcore/store"
	"github.com/google/uuid"
)

// WebhookInvitationAccepted is the event type delivered to the inviter application.
const WebhookInvitationAccepted = "invitation.accepted"

// InvitationAcceptedPayload is the webhook body for [WebhookInvitationAccepted]. ID is the
// idempotency key receivers de-duplicate on.
type InvitationAcceptedPayload struct {
	ID           string    `json:"id"`
	Event        string    `json:"event"`
	TenantID     string    `json:"tenant"`
	UserID       string    `json:"user-id"`
	Role         string    `json:"role"`
	InvitedEmail string    `json:"invited-email"`
	OccurredAt   time.Time `json:"occurred-at"`
}

// CreateInvitation issues a single-use invitation. The raw token is returned once and
// only its hash is stored. A zero TTL uses the configured default.
func (e *Engine) CreateInvitation(ctx context.Context, req InvitationRequest) (*InvitationGrant, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	fields := map[string]string{}
	email, err := normalizeEmail(req.Email)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			for k, v := range ve.Fields {
				fields[k] = v
			}
		}
	}
	if strings.TrimSpace(req.InviterAppID) == "" {
		fields["inviter_app"] = "required"
	}
	if strings.TrimSpace(req.TenantID) == "" {
		fields["tenant"] = "required"
	}
	if strings.TrimSpace(req.Role) == "" {
		fields["role"] = "required"
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = e.config.Invitation.DefaultTTL
	}
	if ttl < 0 || ttl > e.config.Invitation.MaxTTL {
		fields["ttl"] = "out_of_range"
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	raw, hash, err := internal.NewOpaqueToken()
	if err != nil {
		return nil, e.internal(ctx, "invitation token", err)
	}
	now := e.now()
	inv := store.Invitation{
		ID:           uuid.NewString(),
		TokenHash:    hash,
		InviterAppID: req.InviterAppID,
		TargetEmail:  email,
		TenantID:     req.TenantID,
		Role:         req.Role,
		Status:       store.InvitationPending,
		ExpiresAt:    now.Add(ttl),
		CreatedAt:    now,
	}
	if err := e.store.CreateInvitation(ctx, inv); err != nil {
		return nil, e.internal(ctx, "create invitation", err)
	}

	e.metricInc(MetricInvitationCreated)
	e.emitAudit(ctx, auditEventInvitationCreated, true, "", inv.TenantID, "", nil, func() map[string]string {
		return map[string]string{"invitation_id": inv.ID, "inviter_app": inv.InviterAppID, "role": inv.Role}
	})
	return &InvitationGrant{ID: inv.ID, Token: raw, ExpiresAt: inv.ExpiresAt}, nil
}

// RedeemInvitation accepts an invitation exactly once. A new account is created for an
// unknown address; an existing account must be the signed-in user on ctx. The role is
// granted, one webhook is queued, and a session for the invitation's tenant is issued.
func (e *Engine) RedeemInvitation(ctx context.Context, rawToken string, signup InvitationSignup) (*Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	hash, inv, err := e.pendingInvitation(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	now := e.now()

	// Resolve the account and its credential before the transaction so hashing and
	// provider calls stay outside it.
	var (
		userID  string
		newUser bool
		cred    store.Credential
	)
	existing, err := e.store.GetUserByEmail(ctx, inv.TargetEmail)
	signedIn, hasSession := AuthenticatedUser(ctx)
	switch {
	case err == nil:
		if !hasSession || signedIn != existing.ID {
			// The account may have been created by a concurrent redemption of this token.
			if cur, gerr := e.store.GetInvitationByHash(ctx, hash); gerr == nil && cur.Status != store.InvitationPending {
				return nil, e.redeemFailed(ctx, inv, ErrTokenAlreadyUsed, "lost_race")
			}
			return nil, e.redeemFailed(ctx, inv, ErrConflict, "existing_account_requires_login")
		}
		userID = existing.ID
	case errors.Is(err, store.ErrNotFound):
		if hasSession {
			return nil, e.redeemFailed(ctx, inv, ErrConflict, "signed_in_as_other_user")
		}
		cred, err = e.invitationCredential(ctx, hash, inv, signup)
		if err != nil {
			if errors.Is(err, ErrInternal) || errors.Is(err, ErrValidation) || errors.Is(err, ErrProviderUnavailable) {
				return nil, err
			}
			return nil, e.redeemFailed(ctx, inv, err, "credential_"+string(auditErrorCode(err)))
		}
		userID, newUser = cred.UserID, true
		if userID == "" {
			userID = uuid.NewString()
			cred.UserID = userID
		}
	default:
		return nil, e.internal(ctx, "get user by email", err)
	}

	eventID := uuid.NewString()
	payload, err := json.Marshal(InvitationAcceptedPayload{
		ID:           eventID,
		Event:        WebhookInvitationAccepted,
		TenantID:     inv.TenantID,
		UserID:       userID,
		Role:         inv.Role,
		InvitedEmail: inv.TargetEmail,
		OccurredAt:   now.UTC(),
	})
	if err != nil {
		return nil, e.internal(ctx, "encode webhook", err)
	}

	err = e.store.InTx(ctx, func(tx store.Store) error {
		accepted, err := tx.AcceptInvitation(ctx, hash, userID, now)
		if err != nil {
			return err
		}
		if !accepted {
			return ErrTokenAlreadyUsed
		}
		if newUser {
			if err := tx.CreateUser(ctx, store.User{
				ID:            userID,
				Email:         inv.TargetEmail,
				EmailVerified: true,
				Status:        store.UserActive,
				CreatedAt:     now,
			}); err != nil {
				return err
			}
			if err := tx.AddCredential(ctx, cred); err != nil {
				return err
			}
		}
		if err := tx.AssignRole(ctx, store.RoleAssignment{UserID: userID, TenantID: inv.TenantID, Role: inv.Role}); err != nil {
			return err
		}
		return tx.EnqueueWebhook(ctx, store.WebhookEvent{
			ID:            eventID,
			InviterAppID:  inv.InviterAppID,
			Type:          WebhookInvitationAccepted,
			Payload:       payload,
			NextAttemptAt: now,
			CreatedAt:     now,
		})
	})
	switch {
	case errors.Is(err, ErrTokenAlreadyUsed):
		return nil, e.redeemFailed(ctx, inv, ErrTokenAlreadyUsed, "lost_race")
	case errors.Is(err, store.ErrConflict):
		return nil, e.redeemFailed(ctx, inv, ErrConflict, "account_conflict")
	case err != nil:
		return nil, e.internal(ctx, "redeem invitation", err)
	}

	e.metricInc(MetricInvitationRedeemed)
	e.emitAudit(ctx, auditEventInvitationRedeemed, true, userID, inv.TenantID, "", nil, func() map[string]string {
		fields := map[string]string{
			"invitation_id": inv.ID,
			"role":          inv.Role,
			"new_user":      strconv.FormatBool(newUser),
		}
		if newUser {
			fields["credential"] = string(cred.Kind)
		}
		return fields
	})

	attemptID, err := e.beginAttempt(ctx, userID, inv.TenantID, "invitation")
	if err != nil {
		return nil, err
	}
	return e.completePrimary(ctx, attemptID)
}

// pendingInvitation resolves a raw token to an invitation that can still be redeemed.
func (e *Engine) pendingInvitation(ctx context.Context, rawToken string) ([32]byte, store.Invitation, error) {
	hash, err := internal.HashOpaqueToken(rawToken)
	if err != nil {
		return hash, store.Invitation{}, e.redeemFailed(ctx, store.Invitation{}, ErrTokenInvalid, "malformed")
	}
	inv, err := e.store.GetInvitationByHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return hash, inv, e.redeemFailed(ctx, inv, ErrTokenInvalid, "unknown")
	}
	if err != nil {
		return hash, inv, e.internal(ctx, "get invitation", err)
	}
	switch {
	case inv.Status == store.InvitationAccepted, inv.Status == store.InvitationRevoked:
		return hash, inv, e.redeemFailed(ctx, inv, ErrTokenAlreadyUsed, string(inv.Status))
	case inv.Status == store.InvitationExpired, !e.now().Before(inv.ExpiresAt):
		return hash, inv, e.redeemFailed(ctx, inv, ErrTokenExpired, "expired")
	}
	return hash, inv, nil
}

// invitationCredential builds the first credential of an invited account from whichever
// method the invitee completed.
func (e *Engine) invitationCredential(ctx context.Context, hash [32]byte, inv store.Invitation, signup InvitationSignup) (store.Credential, error) {
	chosen := 0
	for _, set := range []bool{signup.Password != "", signup.OAuth != nil, signup.WebAuthn != nil} {
		if set {
			chosen++
		}
	}
	if chosen > 1 {
		return store.Credential{}, invalid("signup", "ambiguous")
	}

	switch {
	case signup.OAuth != nil:
		return e.invitationOAuthCredential(ctx, hash, signup.OAuth)
	case signup.WebAuthn != nil:
		return e.invitationWebAuthnCredential(ctx, hash, inv, signup.WebAuthn)
	}

	if err := e.checkPolicy(ctx, signup.Password); err != nil {
		return store.Credential{}, err
	}
	passHash, err := e.hasher.Hash(signup.Password)
	if err != nil {
		return store.Credential{}, e.internal(ctx, "hash password", err)
	}
	return store.Credential{
		ID:        uuid.NewString(),
		Kind:      store.KindPassword,
		CreatedAt: e.now(),
		Password:  &store.PasswordSecret{Hash: passHash},
	}, nil
}

// BeginInvitationOAuth starts a provider round trip in the invitation's tenant whose
// identity becomes the first credential of the invited account. The callback is handed
// to RedeemInvitation as InvitationSignup.OAuth; CompleteOAuth refuses it.
func (e *Engine) BeginInvitationOAuth(ctx context.Context, rawToken, providerName string) (*OAuthStart, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	hash, inv, err := e.pendingInvitation(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	return e.beginOAuth(ctx, inv.TenantID, providerName, hex.EncodeToString(hash[:]))
}

func (e *Engine) invitationOAuthCredential(ctx context.Context, hash [32]byte, in *InvitationOAuth) (store.Credential, error) {
	fields := map[string]string{}
	if in.Provider == "" {
		fields["provider"] = "required"
	}
	if in.State == "" {
		fields["state"] = "required"
	}
	if in.Code == "" {
		fields["code"] = "required"
	}
	if len(fields) > 0 {
		return store.Credential{}, &ValidationError{Fields: fields}
	}

	var st oauthState
	err := e.challenges.Take(ctx, stores.KindOAuthState, in.State, &st)
	switch {
	case errors.Is(err, stores.ErrChallengeNotFound):
		return store.Credential{}, ErrTokenInvalid
	case err != nil:
		return store.Credential{}, e.internal(ctx, "take oauth state", err)
	case st.Invitation != hex.EncodeToString(hash[:]) || st.Provider != in.Provider:
		return store.Credential{}, ErrTokenInvalid
	case !e.now().Before(st.ExpiresAt):
		return store.Credential{}, ErrTokenExpired
	}

	provider, err := e.provider(ctx, st.TenantID, in.Provider)
	if err != nil {
		return store.Credential{}, err
	}
	ident, err := e.exchange(ctx, provider, in.Code, oauth.AuthRequest{State: in.State, Nonce: st.Nonce, Verifier: st.Verifier})
	if errors.Is(err, oauth.ErrProviderUnavailable) {
		e.metricInc(MetricOAuthProviderUnavailable)
		return store.Credential{}, ErrProviderUnavailable
	}
	if err != nil || ident.Subject == "" {
		e.log.Debug().Err(err).Str("provider", in.Provider).Msg("invitation oauth exchange rejected")
		return store.Credential{}, ErrAuthenticationFailed
	}

	_, err = e.store.FindOAuthLink(ctx, st.Provider, ident.Subject)
	switch {
	case err == nil:
		return store.Credential{}, ErrConflict
	case !errors.Is(err, store.ErrNotFound):
		return store.Credential{}, e.internal(ctx, "find oauth link", err)
	}
	now := e.now()
	return store.Credential{
		ID:        uuid.NewString(),
		Kind:      store.KindOAuth,
		CreatedAt: now,
		OAuth:     &store.OAuthIdentity{Provider: st.Provider, Subject: ident.Subject, LinkedAt: now},
	}, nil
}

// BeginInvitationWebAuthn starts registering the passkey or hardware token that becomes
// the first credential of the invited account. The account id is fixed here so the
// authenticator stores the final user handle.
func (e *Engine) BeginInvitationWebAuthn(ctx context.Context, rawToken string, kind store.CredentialKind, label string) (*WebAuthnChallenge, error) {
	backend, err := e.passkeyBackend()
	if err != nil {
		return nil, err
	}
	if kind == "" {
		kind = store.KindWebAuthn
	}
	if !kind.IsPublicKey() {
		return nil, invalid("kind", "unsupported")
	}
	if len(label) > 64 {
		return nil, invalid("label", "too_long")
	}
	hash, inv, err := e.pendingInvitation(ctx, rawToken)
	if err != nil {
		return nil, err
	}

	pu := passkey.User{ID: uuid.NewString(), Email: inv.TargetEmail}
	cer, err := backend.BeginRegistration(ctx, pu, kind == store.KindHardwareToken)
	if err != nil {
		return nil, e.internal(ctx, "begin registration", err)
	}
	return e.parkCeremony(ctx, ceremony{
		Purpose:    ceremonyInvite,
		UserID:     pu.ID,
		Kind:       kind,
		Label:      strings.TrimSpace(label),
		TenantID:   inv.TenantID,
		Invitation: hex.EncodeToString(hash[:]),
		Session:    cer.Session,
	}, cer.Options)
}

func (e *Engine) invitationWebAuthnCredential(ctx context.Context, hash [32]byte, inv store.Invitation, in *InvitationWebAuthn) (store.Credential, error) {
	backend, err := e.passkeyBackend()
	if err != nil {
		return store.Credential{}, err
	}
	c, err := e.takeCeremony(ctx, in.CeremonyID, ceremonyInvite)
	if err != nil {
		return store.Credential{}, err
	}
	if c.Invitation != hex.EncodeToString(hash[:]) || c.UserID == "" {
		return store.Credential{}, ErrTokenInvalid
	}
	return e.finishRegistration(ctx, backend, passkey.User{ID: c.UserID, Email: inv.TargetEmail}, c, in.Response)
}

func (e *Engine) redeemFailed(ctx context.Context, inv store.Invitation, err error, reason string) error {
	e.metricInc(MetricInvitationRedeemFailure)
	e.emitAudit(ctx, auditEventInvitationRedeemFailure, false, "", inv.TenantID, "", err, func() map[string]string {
		return map[string]string{"invitation_id": inv.ID, "reason": reason}
	})
	return err
}

// RevokeInvitation withdraws a pending invitation. Settled invitations yield
// ErrTokenAlreadyUsed.
func (e *Engine) RevokeInvitation(ctx context.Context, invitationID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if invitationID == "" {
		return invalid("invitation_id", "required")
	}
	ok, err := e.store.RevokeInvitation(ctx, invitationID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return e.internal(ctx, "revoke invitation", err)
	}
	if !ok {
		return ErrTokenAlreadyUsed
	}
	e.emitAudit(ctx, auditEventInvitationRevoked, true, "", "", "", nil, func() map[string]string {
		return map[string]string{"invitation_id": invitationID}
	})
	return nil
}

// ExpireInvitations marks every overdue pending invitation expired. Redemption checks
// expiry on its own, so sweeping is housekeeping only.
func (e *Engine) ExpireInvitations(ctx context.Context) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	n, err := e.store.ExpireInvitations(ctx, e.now())
	if err != nil {
		return 0, e.internal(ctx, "expire invitations", err)
	}
	if n > 0 {
		e.emitAudit(ctx, auditEventInvitationExpirySweep, true, "", "", "", nil, func() map[string]string {
			return map[string]string{"expired": strconv.Itoa(n)}
		})
	}
	return n, nil
}
