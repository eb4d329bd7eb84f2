package authcore

import (
	"context"
	"errors"
	"strconv"

	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/internal/stores"
	"github.com/MrEthical07/authcore/store"
	"github.com/google/uuid"
)

/*
====================================
SECOND FACTOR VERIFICATION
====================================
*/

// VerifyTOTP completes a pending attempt with a TOTP code. A code whose time step was
// already used is rejected, so a captured code cannot be replayed.
func (e *Engine) VerifyTOTP(ctx context.Context, attemptID, code string) (*Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	att, err := e.pendingAttempt(ctx, attemptID, code)
	if err != nil {
		return nil, err
	}
	slot, err := e.reserve(ctx, att.UserID, rate.MethodTOTP)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, slot)

	factor, err := e.store.GetTOTP(ctx, att.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, e.internal(ctx, "get totp", err)
	}
	if !factor.Confirmed() {
		return nil, e.mfaFailed(ctx, attemptID, att, slot, auditEventMFAFailure, "not_enrolled")
	}

	ok, step, err := e.totp.VerifyCode(factor.Secret, code, e.now())
	if err != nil {
		return nil, e.internal(ctx, "verify totp", err)
	}
	if !ok {
		return nil, e.mfaFailed(ctx, attemptID, att, slot, auditEventMFAFailure, "wrong_code")
	}

	advanced, err := e.store.AdvanceTOTPStep(ctx, att.UserID, step)
	if err != nil {
		return nil, e.internal(ctx, "advance totp step", err)
	}
	if !advanced {
		e.metricInc(MetricMFAReplay)
		return nil, e.mfaFailed(ctx, attemptID, att, slot, auditEventMFAReplay, "replay")
	}

	return e.mfaSucceeded(ctx, attemptID, att, slot)
}

// ConsumeBackupCode completes a pending attempt with a single-use backup code.
func (e *Engine) ConsumeBackupCode(ctx context.Context, attemptID, code string) (*Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	att, err := e.pendingAttempt(ctx, attemptID, code)
	if err != nil {
		return nil, err
	}
	slot, err := e.reserve(ctx, att.UserID, rate.MethodBackupCode)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, slot)

	consumed, err := e.useBackupCode(ctx, att.UserID, code)
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, e.mfaFailed(ctx, attemptID, att, slot, auditEventMFAFailure, "wrong_code")
	}
	e.metricInc(MetricBackupCodeUsed)
	e.emitAudit(ctx, auditEventBackupCodeUsed, true, att.UserID, att.TenantID, "", nil, func() map[string]string {
		return map[string]string{"attempt_id": attemptID}
	})

	return e.mfaSucceeded(ctx, attemptID, att, slot)
}

func (e *Engine) useBackupCode(ctx context.Context, userID, code string) (bool, error) {
	canonical := canonicalBackupCode(code)
	if len(canonical) != e.config.MFA.BackupCodeLength {
		return false, nil
	}
	ok, err := e.store.ConsumeBackupCode(ctx, userID, backupCodeHash(userID, canonical), e.now())
	if err != nil {
		return false, e.internal(ctx, "consume backup code", err)
	}
	return ok, nil
}

// pendingAttempt loads an attempt that is waiting for its second factor.
func (e *Engine) pendingAttempt(ctx context.Context, attemptID, code string) (*stores.Attempt, error) {
	if attemptID == "" {
		return nil, invalid("attempt_id", "required")
	}
	if code == "" {
		return nil, invalid("code", "required")
	}
	att, err := e.attempts.Get(ctx, attemptID)
	if err != nil {
		return nil, e.attemptError(ctx, err)
	}
	switch att.State {
	case stores.StateMFAPending:
		stale, err := e.staleAttempt(ctx, att)
		if err != nil {
			return nil, err
		}
		if stale {
			return nil, e.abandonStaleAttempt(ctx, attemptID, att)
		}
		return att, nil
	case stores.StateSessionIssued:
		return nil, ErrTokenAlreadyUsed
	default:
		return nil, ErrAuthenticationFailed
	}
}

func (e *Engine) mfaFailed(
	ctx context.Context,
	attemptID string,
	att *stores.Attempt,
	slot *limitSlot,
	event string,
	reason string,
) error {
	method := slot.r.Method
	e.failAttempt(ctx, attemptID)
	e.fail(ctx, slot)
	e.metricInc(MetricMFAFailure)
	e.log.Debug().Str("method", string(method)).Str("reason", reason).Msg("second factor rejected")
	e.emitAudit(ctx, event, false, att.UserID, att.TenantID, "", ErrAuthenticationFailed, func() map[string]string {
		return map[string]string{"attempt_id": attemptID, "method": string(method), "reason": reason}
	})
	return ErrAuthenticationFailed
}

func (e *Engine) mfaSucceeded(ctx context.Context, attemptID string, att *stores.Attempt, slot *limitSlot) (*Session, error) {
	method := slot.r.Method
	e.succeed(ctx, slot)
	if _, err := e.attempts.Transition(ctx, attemptID,
		[]stores.AttemptState{stores.StateMFAPending}, stores.StateMFAVerified); err != nil {
		return nil, e.attemptError(ctx, err)
	}
	e.metricInc(MetricMFASuccess)
	e.emitAudit(ctx, auditEventMFASuccess, true, att.UserID, att.TenantID, "", nil, func() map[string]string {
		return map[string]string{"attempt_id": attemptID, "method": string(method)}
	})
	return e.issueFromAttempt(ctx, attemptID)
}

/*
====================================
ENROLLMENT
====================================
*/

// SetupTOTP stores a new pending secret for userID. An already confirmed secret stays
// active until ConfirmTOTP accepts a code from the new one.
func (e *Engine) SetupTOTP(ctx context.Context, userID string) (*TOTPSetup, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	user, err := e.lookupUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	raw, b32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, e.internal(ctx, "generate totp secret", err)
	}
	if err := e.store.SetPendingTOTP(ctx, userID, raw); err != nil {
		return nil, e.internal(ctx, "store pending totp", err)
	}
	e.emitAudit(ctx, auditEventTOTPSetupRequested, true, userID, "", "", nil, nil)

	account := user.Email
	if account == "" {
		account = user.ID
	}
	return &TOTPSetup{SecretBase32: b32, URI: e.totp.ProvisionURI(b32, account)}, nil
}

// ConfirmTOTP activates the pending secret once code verifies against it.
func (e *Engine) ConfirmTOTP(ctx context.Context, userID, code string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if code == "" {
		return invalid("code", "required")
	}
	slot, err := e.reserve(ctx, userID, rate.MethodTOTP)
	if err != nil {
		return err
	}
	defer e.release(ctx, slot)

	factor, err := e.store.GetTOTP(ctx, userID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && len(factor.PendingSecret) == 0) {
		return invalid("totp", "no_pending_enrollment")
	}
	if err != nil {
		return e.internal(ctx, "get totp", err)
	}

	ok, step, err := e.totp.VerifyCode(factor.PendingSecret, code, e.now())
	if err != nil {
		return e.internal(ctx, "verify totp", err)
	}
	if !ok {
		e.fail(ctx, slot)
		e.metricInc(MetricMFAFailure)
		return invalid("code", "invalid")
	}

	confirmed, err := e.store.ConfirmTOTP(ctx, userID, factor.PendingSecret, step, e.now())
	if err != nil {
		return e.internal(ctx, "confirm totp", err)
	}
	if !confirmed {
		return ErrConflict
	}
	e.succeed(ctx, slot)
	e.emitAudit(ctx, auditEventTOTPEnabled, true, userID, "", "", nil, nil)
	return nil
}

// RegenerateBackupCodes replaces the whole backup set and returns the new plaintext codes.
// They are shown once; only their hashes are kept.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if _, err := e.lookupUser(ctx, userID); err != nil {
		return nil, err
	}

	now := e.now()
	count := e.config.MFA.BackupCodeCount
	plain := make([]string, 0, count)
	rows := make([]store.BackupCode, 0, count)
	for i := 0; i < count; i++ {
		code, err := newBackupCode(e.config.MFA.BackupCodeLength)
		if err != nil {
			return nil, e.internal(ctx, "generate backup code", err)
		}
		plain = append(plain, formatBackupCode(code))
		rows = append(rows, store.BackupCode{
			ID:          uuid.NewString(),
			UserID:      userID,
			Hash:        backupCodeHash(userID, code),
			GeneratedAt: now,
		})
	}

	if err := e.store.ReplaceBackupCodes(ctx, userID, rows); err != nil {
		return nil, e.internal(ctx, "replace backup codes", err)
	}
	e.metricInc(MetricBackupCodeRegenerated)
	e.emitAudit(ctx, auditEventBackupCodesGenerated, true, userID, "", "", nil, func() map[string]string {
		return map[string]string{"count": strconv.Itoa(count)}
	})
	return plain, nil
}
