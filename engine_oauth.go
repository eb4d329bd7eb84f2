package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/internal/stores"
	"github.com/MrEthical07/authcore/oauth"
	"github.com/MrEthical07/authcore/store"
	"github.com/google/uuid"
)

// oauthState is the server-side record of one authorization round trip, keyed by the
// state value sent to the provider. A state carrying Invitation only redeems that
// invitation.
type oauthState struct {
	Provider   string    `json:"provider"`
	TenantID   string    `json:"tenant"`
	Verifier   string    `json:"verifier,omitempty"`
	Nonce      string    `json:"nonce"`
	UserID     string    `json:"user_id,omitempty"`
	Invitation string    `json:"invitation,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// BeginOAuth returns the provider redirect for tenant. When ctx carries a signed-in user
// the completed round trip links the identity to that user instead of signing in.
func (e *Engine) BeginOAuth(ctx context.Context, tenantID, providerName string) (*OAuthStart, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if tenantID == "" {
		tenantID = DefaultTenantID
	}
	return e.beginOAuth(ctx, tenantID, providerName, "")
}

func (e *Engine) beginOAuth(ctx context.Context, tenantID, providerName, invitation string) (*OAuthStart, error) {
	provider, err := e.provider(ctx, tenantID, providerName)
	if err != nil {
		return nil, err
	}

	req, err := oauth.NewAuthRequest(provider.SupportsPKCE())
	if err != nil {
		return nil, e.internal(ctx, "oauth request", err)
	}
	ttl := e.config.OAuth.StateTTL
	st := oauthState{
		Provider:   provider.Name(),
		TenantID:   tenantID,
		Verifier:   req.Verifier,
		Nonce:      req.Nonce,
		Invitation: invitation,
		ExpiresAt:  e.now().Add(ttl),
	}
	if userID, ok := AuthenticatedUser(ctx); ok && invitation == "" {
		st.UserID = userID
	}
	if err := e.challenges.Put(ctx, stores.KindOAuthState, req.State, st, ttl); err != nil {
		return nil, e.internal(ctx, "store oauth state", err)
	}

	e.emitAudit(ctx, auditEventOAuthStarted, true, st.UserID, tenantID, "", nil, func() map[string]string {
		return map[string]string{"provider": st.Provider}
	})
	return &OAuthStart{AuthURL: provider.AuthCodeURL(req), State: req.State, ExpiresAt: st.ExpiresAt}, nil
}

func (e *Engine) provider(ctx context.Context, tenantID, name string) (oauth.Provider, error) {
	if name == "" {
		return nil, invalid("provider", "required")
	}
	p, err := e.oauth.Lookup(ctx, tenantID, name)
	switch {
	case errors.Is(err, oauth.ErrUnknownProvider):
		return nil, ErrNotFound
	case err != nil:
		e.metricInc(MetricOAuthProviderUnavailable)
		e.log.Error().Err(err).Str("provider", name).Str("tenant", tenantID).Msg("oauth provider setup")
		return nil, ErrProviderUnavailable
	}
	return p, nil
}

// CompleteOAuth consumes the state, exchanges the code and signs the user in. An
// identity already linked signs in its owner; a new identity creates an account unless
// its email belongs to an existing one, which must link explicitly.
func (e *Engine) CompleteOAuth(ctx context.Context, tenantID, providerName, code, state string) (*Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if tenantID == "" {
		tenantID = DefaultTenantID
	}
	fields := map[string]string{}
	if code == "" {
		fields["code"] = "required"
	}
	if state == "" {
		fields["state"] = "required"
	}
	if providerName == "" {
		fields["provider"] = "required"
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	limitKey := clientIPFromContext(ctx)
	if limitKey == "" {
		limitKey = "state:" + state
	}
	slot, err := e.reserve(ctx, limitKey, rate.MethodOAuth)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, slot)

	var st oauthState
	err = e.challenges.Take(ctx, stores.KindOAuthState, state, &st)
	switch {
	case errors.Is(err, stores.ErrChallengeNotFound):
		return nil, e.oauthFailed(ctx, slot, "", tenantID, providerName, ErrTokenInvalid, "unknown_state")
	case err != nil:
		return nil, e.internal(ctx, "take oauth state", err)
	case st.Provider != providerName || st.TenantID != tenantID:
		return nil, e.oauthFailed(ctx, slot, "", tenantID, providerName, ErrTokenInvalid, "state_mismatch")
	case st.Invitation != "":
		return nil, e.oauthFailed(ctx, slot, "", tenantID, providerName, ErrTokenInvalid, "invitation_state")
	case !e.now().Before(st.ExpiresAt):
		return nil, e.oauthFailed(ctx, slot, "", tenantID, providerName, ErrTokenExpired, "state_expired")
	}

	provider, err := e.provider(ctx, tenantID, providerName)
	if err != nil {
		return nil, err
	}
	ident, err := e.exchange(ctx, provider, code, oauth.AuthRequest{State: state, Nonce: st.Nonce, Verifier: st.Verifier})
	if errors.Is(err, oauth.ErrProviderUnavailable) {
		e.metricInc(MetricOAuthProviderUnavailable)
		e.log.Warn().Err(err).Str("provider", providerName).Msg("oauth exchange unavailable")
		e.emitAudit(ctx, auditEventOAuthFailure, false, st.UserID, tenantID, "", ErrProviderUnavailable, func() map[string]string {
			return map[string]string{"provider": providerName, "reason": "unavailable"}
		})
		return nil, ErrProviderUnavailable
	}
	if err != nil {
		e.log.Debug().Err(err).Str("provider", providerName).Msg("oauth exchange rejected")
		return nil, e.oauthFailed(ctx, slot, st.UserID, tenantID, providerName, ErrAuthenticationFailed, "exchange_rejected")
	}
	if ident.Subject == "" {
		return nil, e.oauthFailed(ctx, slot, st.UserID, tenantID, providerName, ErrAuthenticationFailed, "no_subject")
	}
	ident.Provider = providerName

	userID, err := e.resolveIdentity(ctx, st, ident)
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrValidation) || errors.Is(err, ErrAuthenticationFailed) {
			reason := string(auditErrorCode(err))
			e.metricInc(MetricOAuthFailure)
			e.emitAudit(ctx, auditEventOAuthFailure, false, st.UserID, tenantID, "", err, func() map[string]string {
				return map[string]string{"provider": providerName, "reason": reason}
			})
		}
		return nil, err
	}

	e.succeed(ctx, slot)
	e.metricInc(MetricOAuthSuccess)
	e.emitAudit(ctx, auditEventOAuthSuccess, true, userID, tenantID, "", nil, func() map[string]string {
		return map[string]string{"provider": providerName}
	})

	attemptID, err := e.beginAttempt(ctx, userID, tenantID, string(store.KindOAuth))
	if err != nil {
		return nil, err
	}
	return e.completePrimary(ctx, attemptID)
}

// exchange retries only transient provider failures, each try under its own timeout.
func (e *Engine) exchange(ctx context.Context, p oauth.Provider, code string, req oauth.AuthRequest) (oauth.Identity, error) {
	cfg := e.config.OAuth
	backoff := cfg.RetryBackoff
	var lastErr error
	for try := 0; try <= cfg.ExchangeRetries; try++ {
		if try > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return oauth.Identity{}, fmt.Errorf("%w: %v", oauth.ErrProviderUnavailable, ctx.Err())
			case <-timer.C:
			}
			backoff *= 2
		}
		tctx, cancel := context.WithTimeout(ctx, cfg.ExchangeTimeout)
		ident, err := p.Exchange(tctx, code, req)
		cancel()
		if err == nil {
			return ident, nil
		}
		lastErr = err
		if !errors.Is(err, oauth.ErrProviderUnavailable) {
			return oauth.Identity{}, err
		}
		e.log.Debug().Err(err).Int("try", try+1).Str("provider", p.Name()).Msg("oauth exchange retry")
	}
	return oauth.Identity{}, lastErr
}

// resolveIdentity maps an asserted identity to a user id, linking or creating as needed.
func (e *Engine) resolveIdentity(ctx context.Context, st oauthState, ident oauth.Identity) (string, error) {
	linked, err := e.store.FindOAuthLink(ctx, ident.Provider, ident.Subject)
	switch {
	case err == nil:
		if st.UserID != "" && st.UserID != linked.UserID {
			return "", ErrConflict
		}
		user, err := e.store.GetUser(ctx, linked.UserID)
		if err != nil {
			return "", e.internal(ctx, "get linked user", err)
		}
		if user.Status == store.UserLocked {
			return "", ErrAuthenticationFailed
		}
		return user.ID, nil
	case !errors.Is(err, store.ErrNotFound):
		return "", e.internal(ctx, "find oauth link", err)
	}

	now := e.now()
	link := store.Credential{
		ID:        uuid.NewString(),
		Kind:      store.KindOAuth,
		CreatedAt: now,
		OAuth:     &store.OAuthIdentity{Provider: ident.Provider, Subject: ident.Subject, LinkedAt: now},
	}

	if st.UserID != "" {
		if _, err := e.lookupUser(ctx, st.UserID); err != nil {
			return "", err
		}
		link.UserID = st.UserID
		err := e.store.AddCredential(ctx, link)
		if errors.Is(err, store.ErrConflict) {
			return "", ErrConflict
		}
		if err != nil {
			return "", e.internal(ctx, "link oauth identity", err)
		}
		e.emitAudit(ctx, auditEventOAuthLinked, true, st.UserID, st.TenantID, "", nil, func() map[string]string {
			return map[string]string{"provider": ident.Provider}
		})
		return st.UserID, nil
	}

	if ident.Email == "" {
		return "", invalid("email", "not_provided")
	}
	email, err := normalizeEmail(ident.Email)
	if err != nil {
		return "", err
	}
	_, err = e.store.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		// Never merge on email alone; the owner links from a signed-in session.
		return "", ErrConflict
	case !errors.Is(err, store.ErrNotFound):
		return "", e.internal(ctx, "get user by email", err)
	}

	user := store.User{
		ID:            uuid.NewString(),
		Email:         email,
		EmailVerified: ident.EmailVerified,
		Status:        store.UserActive,
		CreatedAt:     now,
	}
	link.UserID = user.ID
	err = e.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.CreateUser(ctx, user); err != nil {
			return err
		}
		return tx.AddCredential(ctx, link)
	})
	if errors.Is(err, store.ErrConflict) {
		return "", ErrConflict
	}
	if err != nil {
		return "", e.internal(ctx, "create oauth user", err)
	}
	e.metricInc(MetricSignupSuccess)
	e.emitAudit(ctx, auditEventSignupSuccess, true, user.ID, st.TenantID, "", nil, func() map[string]string {
		return map[string]string{"provider": ident.Provider}
	})
	return user.ID, nil
}

func (e *Engine) oauthFailed(ctx context.Context, slot *limitSlot, userID, tenantID, providerName string, err error, reason string) error {
	e.fail(ctx, slot)
	e.metricInc(MetricOAuthFailure)
	e.emitAudit(ctx, auditEventOAuthFailure, false, userID, tenantID, "", err, func() map[string]string {
		return map[string]string{"provider": providerName, "reason": reason}
	})
	return err
}
