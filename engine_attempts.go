package authcore

import (
	"context"
	"errors"
	"strings"

	"github.com/MrEthical07/authcore/internal"
	"github.com/MrEthical07/authcore/internal/stores"
	"github.com/MrEthical07/authcore/store"
)

// AttemptState is a node of the step-up state machine a login attempt moves through.
type AttemptState = stores.AttemptState

const (
	AttemptPrimaryPending  = stores.StatePrimaryPending
	AttemptPrimaryVerified = stores.StatePrimaryVerified
	AttemptMFANotRequired  = stores.StateMFANotRequired
	AttemptMFAPending      = stores.StateMFAPending
	AttemptMFAVerified     = stores.StateMFAVerified
	AttemptSessionIssued   = stores.StateSessionIssued
	AttemptFailed          = stores.StateFailed
)

// MFA method names reported on [MFARequiredError].
const (
	MFAMethodTOTP       = "totp"
	MFAMethodBackupCode = "backup_code"
)

// beginAttempt persists a fresh PRIMARY_PENDING attempt.
func (e *Engine) beginAttempt(ctx context.Context, userID, tenantID, method string) (string, error) {
	id, err := internal.NewStateValue()
	if err != nil {
		return "", e.internal(ctx, "attempt id", err)
	}
	epoch, err := e.attempts.Epoch(ctx, userID)
	if err != nil {
		return "", e.internal(ctx, "credential epoch", err)
	}
	err = e.attempts.Create(ctx, id, &stores.Attempt{
		State:     stores.StatePrimaryPending,
		UserID:    userID,
		TenantID:  tenantID,
		Method:    method,
		ExpiresAt: e.now().Add(e.config.MFA.AttemptTTL).Unix(),
		Epoch:     epoch,
	})
	if err != nil {
		return "", e.internal(ctx, "create attempt", err)
	}
	return id, nil
}

// staleAttempt reports whether the user's credentials changed after att began.
func (e *Engine) staleAttempt(ctx context.Context, att *stores.Attempt) (bool, error) {
	epoch, err := e.attempts.Epoch(ctx, att.UserID)
	if err != nil {
		return false, e.internal(ctx, "credential epoch", err)
	}
	return epoch != att.Epoch, nil
}

// bumpCredentialEpoch invalidates every in-flight attempt of userID.
func (e *Engine) bumpCredentialEpoch(ctx context.Context, userID string) error {
	if _, err := e.attempts.BumpEpoch(ctx, userID, 2*e.config.MFA.AttemptTTL); err != nil {
		return e.internal(ctx, "bump credential epoch", err)
	}
	return nil
}

// failAttempt moves a live attempt to FAILED. Already-terminal attempts are left alone.
func (e *Engine) failAttempt(ctx context.Context, attemptID string) {
	if attemptID == "" {
		return
	}
	_, err := e.attempts.Transition(ctx, attemptID, []stores.AttemptState{
		stores.StatePrimaryPending,
		stores.StatePrimaryVerified,
		stores.StateMFAPending,
		stores.StateMFAVerified,
		stores.StateMFANotRequired,
	}, stores.StateFailed)
	if err != nil && !errors.Is(err, stores.ErrAttemptState) && !errors.Is(err, stores.ErrAttemptNotFound) &&
		!errors.Is(err, stores.ErrAttemptExpired) {
		e.log.Warn().Err(err).Msg("fail attempt")
	}
}

// completePrimary records a verified primary factor and moves on to the MFA decision.
func (e *Engine) completePrimary(ctx context.Context, attemptID string) (*Session, error) {
	prior, err := e.attempts.Transition(ctx, attemptID,
		[]stores.AttemptState{stores.StatePrimaryPending}, stores.StatePrimaryVerified)
	if err != nil {
		return nil, e.attemptError(ctx, err)
	}
	return e.decideMFA(ctx, attemptID, prior.UserID, prior.TenantID)
}

func (e *Engine) decideMFA(ctx context.Context, attemptID, userID, tenantID string) (*Session, error) {
	methods, err := e.mfaMethods(ctx, userID)
	if err != nil {
		return nil, err
	}

	if len(methods) == 0 {
		if _, err := e.attempts.Transition(ctx, attemptID,
			[]stores.AttemptState{stores.StatePrimaryVerified}, stores.StateMFANotRequired); err != nil {
			return nil, e.attemptError(ctx, err)
		}
		return e.issueFromAttempt(ctx, attemptID)
	}

	if _, err := e.attempts.Transition(ctx, attemptID,
		[]stores.AttemptState{stores.StatePrimaryVerified}, stores.StateMFAPending); err != nil {
		return nil, e.attemptError(ctx, err)
	}
	e.metricInc(MetricMFARequired)
	e.emitAudit(ctx, auditEventMFARequired, true, userID, tenantID, "", nil, func() map[string]string {
		return map[string]string{"attempt_id": attemptID, "methods": strings.Join(methods, ",")}
	})
	return nil, &MFARequiredError{AttemptID: attemptID, Methods: methods}
}

func (e *Engine) mfaMethods(ctx context.Context, userID string) ([]string, error) {
	methods := make([]string, 0, 2)

	factor, err := e.store.GetTOTP(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, e.internal(ctx, "get totp", err)
	case factor.Confirmed():
		methods = append(methods, MFAMethodTOTP)
	}

	n, err := e.store.CountBackupCodes(ctx, userID)
	if err != nil {
		return nil, e.internal(ctx, "count backup codes", err)
	}
	if n > 0 {
		methods = append(methods, MFAMethodBackupCode)
	}
	return methods, nil
}

// issueFromAttempt claims the attempt for issuance and issues the session. If issuance
// fails the claim is rolled back so ResumeAttempt can retry it.
func (e *Engine) issueFromAttempt(ctx context.Context, attemptID string) (*Session, error) {
	prior, err := e.attempts.Transition(ctx, attemptID,
		[]stores.AttemptState{stores.StateMFAVerified, stores.StateMFANotRequired}, stores.StateSessionIssued)
	if err != nil {
		return nil, e.attemptError(ctx, err)
	}

	stale, err := e.staleAttempt(ctx, prior)
	if err != nil {
		return nil, err
	}
	if stale {
		return nil, e.abandonStaleAttempt(ctx, attemptID, prior)
	}

	sess, err := e.issue(ctx, prior.UserID, prior.TenantID)
	if err != nil {
		if _, rerr := e.attempts.Transition(ctx, attemptID,
			[]stores.AttemptState{stores.StateSessionIssued}, prior.State); rerr != nil {
			e.log.Error().Err(rerr).Msg("roll back attempt after failed issuance")
		}
		return nil, err
	}

	// A reset landing between the check above and the insert is caught here.
	if stale, err = e.staleAttempt(ctx, prior); err != nil || stale {
		if _, rerr := e.store.RevokeFamily(ctx, sess.FamilyID); rerr != nil {
			e.log.Error().Err(rerr).Msg("revoke session of stale attempt")
		}
		if err != nil {
			return nil, err
		}
		return nil, e.abandonStaleAttempt(ctx, attemptID, prior)
	}
	return sess, nil
}

func (e *Engine) abandonStaleAttempt(ctx context.Context, attemptID string, att *stores.Attempt) error {
	if _, err := e.attempts.Transition(ctx, attemptID, []stores.AttemptState{
		stores.StatePrimaryPending,
		stores.StatePrimaryVerified,
		stores.StateMFAPending,
		stores.StateMFAVerified,
		stores.StateMFANotRequired,
		stores.StateSessionIssued,
	}, stores.StateFailed); err != nil && !errors.Is(err, stores.ErrAttemptState) {
		e.log.Warn().Err(err).Msg("fail stale attempt")
	}
	e.log.Debug().Str("user", att.UserID).Msg("attempt predates a credential change")
	e.emitAudit(ctx, auditEventAttemptInvalidated, false, att.UserID, att.TenantID, "", ErrAuthenticationFailed, func() map[string]string {
		return map[string]string{"attempt_id": attemptID, "reason": "credential_changed"}
	})
	return ErrAuthenticationFailed
}

// attemptError maps attempt store failures to the caller taxonomy.
func (e *Engine) attemptError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, stores.ErrAttemptNotFound), errors.Is(err, stores.ErrAttemptExpired):
		return ErrAuthenticationFailed
	case errors.Is(err, stores.ErrAttemptState):
		return ErrAuthenticationFailed
	default:
		return e.internal(ctx, "attempt", err)
	}
}

// ResumeAttempt continues an attempt after a crash or across requests. A verified attempt
// is issued exactly once; an issued attempt reports ErrTokenAlreadyUsed.
func (e *Engine) ResumeAttempt(ctx context.Context, attemptID string) (*Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if attemptID == "" {
		return nil, invalid("attempt_id", "required")
	}

	att, err := e.attempts.Get(ctx, attemptID)
	if err != nil {
		return nil, e.attemptError(ctx, err)
	}

	switch att.State {
	case stores.StateMFAVerified, stores.StateMFANotRequired:
		sess, err := e.issueFromAttempt(ctx, attemptID)
		if errors.Is(err, ErrAuthenticationFailed) {
			return nil, e.resumeRaceError(ctx, attemptID)
		}
		return sess, err
	case stores.StateMFAPending:
		methods, err := e.mfaMethods(ctx, att.UserID)
		if err != nil {
			return nil, err
		}
		return nil, &MFARequiredError{AttemptID: attemptID, Methods: methods}
	case stores.StatePrimaryVerified:
		return e.decideMFA(ctx, attemptID, att.UserID, att.TenantID)
	case stores.StateSessionIssued:
		return nil, ErrTokenAlreadyUsed
	default:
		return nil, ErrAuthenticationFailed
	}
}

// resumeRaceError reports why a concurrent resume lost the issuance claim.
func (e *Engine) resumeRaceError(ctx context.Context, attemptID string) error {
	att, err := e.attempts.Get(ctx, attemptID)
	if err == nil && att.State == stores.StateSessionIssued {
		return ErrTokenAlreadyUsed
	}
	return ErrAuthenticationFailed
}

// Issue creates a session for a user whose attempt has reached MFA_VERIFIED or
// MFA_NOT_REQUIRED. Any other state is refused.
func (e *Engine) Issue(ctx context.Context, userID, tenantID string, state AttemptState) (*Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if state != stores.StateMFAVerified && state != stores.StateMFANotRequired {
		return nil, ErrMFARequired
	}
	if tenantID == "" {
		tenantID = DefaultTenantID
	}
	return e.issue(ctx, userID, tenantID)
}
