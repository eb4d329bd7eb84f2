package authcore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/MrEthical07/authcore/internal"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/store"
)

// DeviceRecoveryGrant lets a user who lost their authenticator register a new one. It is
// single-use and short-lived.
type DeviceRecoveryGrant struct {
	Grant     string    `json:"grant"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RequestPasswordReset always succeeds for a well-formed address. When the address
// belongs to a user a reset token is handed to the Mailer.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	if err := e.ready(); err != nil {
		return err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}

	e.metricInc(MetricPasswordResetRequest)
	r, d, err := e.limiter.Reserve(ctx, email, rate.MethodRecovery)
	if err != nil {
		e.log.Error().Err(err).Msg("reset request limiter")
		return nil
	}
	if !d.Allowed {
		e.emitRateLimit(ctx, string(rate.MethodRecovery), email)
		return nil
	}
	// Every request counts, so a mailbox cannot be flooded.
	e.fail(ctx, &limitSlot{r: r})

	user, err := e.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		e.emitAudit(ctx, auditEventPasswordResetRequest, true, "", "", "", nil, func() map[string]string {
			return map[string]string{"known": "false"}
		})
		return nil
	}
	if err != nil {
		e.log.Error().Err(err).Msg("reset request lookup")
		return nil
	}

	raw, err := e.newRecoveryToken(ctx, user.ID, store.RecoveryPasswordReset, e.config.Recovery.ResetTTL)
	if err != nil {
		return nil
	}
	expires := e.now().Add(e.config.Recovery.ResetTTL)
	if err := e.mailer.SendPasswordReset(ctx, email, raw, expires); err != nil {
		e.log.Error().Err(err).Str("user", user.ID).Msg("deliver password reset")
	}
	e.emitAudit(ctx, auditEventPasswordResetRequest, true, user.ID, "", "", nil, func() map[string]string {
		return map[string]string{"known": "true"}
	})
	return nil
}

func (e *Engine) newRecoveryToken(ctx context.Context, userID string, purpose store.RecoveryPurpose, ttl time.Duration) (string, error) {
	raw, hash, err := internal.NewOpaqueToken()
	if err != nil {
		return "", e.internal(ctx, "recovery token", err)
	}
	now := e.now()
	err = e.store.CreateRecoveryToken(ctx, store.RecoveryToken{
		TokenHash: hash,
		UserID:    userID,
		Purpose:   purpose,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	})
	if err != nil {
		return "", e.internal(ctx, "create recovery token", err)
	}
	return raw, nil
}

// loadRecoveryToken resolves a presented token of the given purpose without consuming it.
func (e *Engine) loadRecoveryToken(ctx context.Context, raw string, purpose store.RecoveryPurpose) ([32]byte, store.RecoveryToken, error) {
	hash, err := internal.HashOpaqueToken(raw)
	if err != nil {
		return hash, store.RecoveryToken{}, ErrTokenInvalid
	}
	tok, err := e.store.GetRecoveryToken(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return hash, tok, ErrTokenInvalid
	}
	if err != nil {
		return hash, tok, e.internal(ctx, "get recovery token", err)
	}
	switch {
	case tok.Purpose != purpose:
		return hash, tok, ErrTokenInvalid
	case tok.ConsumedAt != nil:
		return hash, tok, ErrTokenAlreadyUsed
	case !e.now().Before(tok.ExpiresAt):
		return hash, tok, ErrTokenExpired
	}
	return hash, tok, nil
}

// CompletePasswordReset consumes a reset token exactly once, replaces the password and
// revokes every session of the user.
func (e *Engine) CompletePasswordReset(ctx context.Context, rawToken, newPassword string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.checkPolicy(ctx, newPassword); err != nil {
		return err
	}

	hash, tok, err := e.loadRecoveryToken(ctx, rawToken, store.RecoveryPasswordReset)
	if err != nil {
		return e.resetFailed(ctx, tok.UserID, err)
	}
	passHash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return e.internal(ctx, "hash password", err)
	}
	// Attempts that already passed the old password must not finish.
	if err := e.bumpCredentialEpoch(ctx, tok.UserID); err != nil {
		return err
	}

	var revoked int
	err = e.store.InTx(ctx, func(tx store.Store) error {
		ok, err := tx.ConsumeRecoveryToken(ctx, hash, e.now())
		if err != nil {
			return err
		}
		if !ok {
			return ErrTokenAlreadyUsed
		}
		if err := e.setPassword(ctx, tx, tok.UserID, passHash); err != nil {
			return err
		}
		revoked, err = tx.RevokeAllForUser(ctx, tok.UserID)
		return err
	})
	if errors.Is(err, ErrTokenAlreadyUsed) {
		return e.resetFailed(ctx, tok.UserID, err)
	}
	if err != nil {
		return e.internal(ctx, "complete password reset", err)
	}

	// The mailbox was proven by the token.
	if err := e.store.MarkEmailVerified(ctx, tok.UserID); err != nil {
		e.log.Warn().Err(err).Msg("mark email verified after reset")
	}
	if user, err := e.store.GetUser(ctx, tok.UserID); err == nil {
		e.resetLimit(ctx, user.Email, rate.MethodPassword)
	}

	e.metricInc(MetricPasswordResetSuccess)
	e.metricInc(MetricSessionsRevoked)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, tok.UserID, "", "", nil, func() map[string]string {
		return map[string]string{"sessions_revoked": strconv.Itoa(revoked)}
	})
	return nil
}

func (e *Engine) resetFailed(ctx context.Context, userID string, err error) error {
	e.metricInc(MetricPasswordResetFailure)
	e.emitAudit(ctx, auditEventPasswordResetFailure, false, userID, "", "", err, nil)
	return err
}

// RecoverDevice trades a valid backup code for a grant that authorizes registering a
// new WebAuthn or hardware-token credential. It replaces one verified factor with
// another and never signs the user in.
func (e *Engine) RecoverDevice(ctx context.Context, email, backupCode string) (*DeviceRecoveryGrant, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if backupCode == "" {
		return nil, invalid("code", "required")
	}
	slot, err := e.reserve(ctx, email, rate.MethodBackupCode)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, slot)

	fail := func(userID, reason string) error {
		e.fail(ctx, slot)
		e.emitAudit(ctx, auditEventDeviceRecoveryFailure, false, userID, "", "", ErrAuthenticationFailed, func() map[string]string {
			return map[string]string{"reason": reason}
		})
		return ErrAuthenticationFailed
	}

	user, err := e.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fail("", "unknown_user")
	}
	if err != nil {
		return nil, e.internal(ctx, "get user by email", err)
	}
	if user.Status == store.UserLocked {
		return nil, fail(user.ID, "locked")
	}

	ok, err := e.useBackupCode(ctx, user.ID, backupCode)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fail(user.ID, "wrong_code")
	}
	e.succeed(ctx, slot)
	e.metricInc(MetricBackupCodeUsed)

	ttl := e.config.Recovery.DeviceGrantTTL
	raw, err := e.newRecoveryToken(ctx, user.ID, store.RecoveryDevice, ttl)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricDeviceRecoveryGranted)
	e.emitAudit(ctx, auditEventDeviceRecoveryGranted, true, user.ID, "", "", nil, nil)
	return &DeviceRecoveryGrant{Grant: raw, ExpiresAt: e.now().Add(ttl)}, nil
}

// redeemDeviceGrant consumes a device-recovery grant and returns its user.
func (e *Engine) redeemDeviceGrant(ctx context.Context, raw string) (string, error) {
	hash, tok, err := e.loadRecoveryToken(ctx, raw, store.RecoveryDevice)
	if err != nil {
		return "", err
	}
	ok, err := e.store.ConsumeRecoveryToken(ctx, hash, e.now())
	if err != nil {
		return "", e.internal(ctx, "consume device grant", err)
	}
	if !ok {
		return "", ErrTokenAlreadyUsed
	}
	return tok.UserID, nil
}
