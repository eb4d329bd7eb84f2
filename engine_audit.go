package authcore

import (
	"context"
	"errors"

	"github.com/MrEthical07/authcore/internal/audit"
)

const (
	auditEventSignupSuccess             = "signup_success"
	auditEventSignupFailure             = "signup_failure"
	auditEventPasswordRegistered        = "password_registered"
	auditEventPasswordSigninSuccess     = "password_signin_success"
	auditEventPasswordSigninFailure     = "password_signin_failure"
	auditEventRateLimitTriggered        = "rate_limit_triggered"
	auditEventOAuthStarted              = "oauth_started"
	auditEventOAuthSuccess              = "oauth_success"
	auditEventOAuthFailure              = "oauth_failure"
	auditEventOAuthLinked               = "oauth_linked"
	auditEventWebAuthnRegistered        = "webauthn_registered"
	auditEventWebAuthnRegisterFailure   = "webauthn_register_failure"
	auditEventWebAuthnAssertionSuccess  = "webauthn_assertion_success"
	auditEventWebAuthnAssertionFailure  = "webauthn_assertion_failure"
	auditEventWebAuthnCloneSuspected    = "webauthn_clone_suspected"
	auditEventCredentialRevoked         = "credential_revoked"
	auditEventMFARequired               = "mfa_required"
	auditEventMFASuccess                = "mfa_success"
	auditEventMFAFailure                = "mfa_failure"
	auditEventMFAReplay                 = "mfa_replay"
	auditEventTOTPSetupRequested        = "totp_setup_requested"
	auditEventTOTPEnabled               = "totp_enabled"
	auditEventBackupCodesGenerated      = "backup_codes_generated"
	auditEventBackupCodeUsed            = "backup_code_used"
	auditEventSessionIssued             = "session_issued"
	auditEventRefreshSuccess            = "refresh_success"
	auditEventRefreshInvalid            = "refresh_invalid"
	auditEventRefreshReuseDetected      = "refresh_reuse_detected"
	auditEventLogout                    = "logout"
	auditEventLogoutAll                 = "logout_all"
	auditEventInvitationCreated         = "invitation_created"
	auditEventInvitationRedeemed        = "invitation_redeemed"
	auditEventInvitationRedeemFailure   = "invitation_redeem_failure"
	auditEventInvitationRevoked         = "invitation_revoked"
	auditEventPasswordResetRequest      = "password_reset_request"
	auditEventPasswordResetConfirm      = "password_reset_confirm"
	auditEventPasswordResetFailure      = "password_reset_failure"
	auditEventDeviceRecoveryGranted     = "device_recovery_granted"
	auditEventDeviceRecoveryFailure     = "device_recovery_failure"
	auditEventWebhookDeliveryFailure    = "webhook_delivery_failure"
	auditEventInvitationExpirySweep     = "invitation_expiry_sweep"
	auditEventAuthorizationRejected     = "authorization_rejected"
	auditEventCredentialUnlinkForbidden = "credential_unlink_forbidden"
	auditEventAttemptInvalidated        = "attempt_invalidated"
	auditEventPasswordChanged           = "password_changed"
)

// AuditErrorCode is the coarse failure class recorded on audit events.
type AuditErrorCode string

const (
	auditErrValidation        AuditErrorCode = "validation"
	auditErrInvalidCredential AuditErrorCode = "invalid_credentials"
	auditErrMFARequired       AuditErrorCode = "mfa_required"
	auditErrRateLimited       AuditErrorCode = "rate_limited"
	auditErrInvalidToken      AuditErrorCode = "invalid_token"
	auditErrExpiredToken      AuditErrorCode = "expired_token"
	auditErrTokenUsed         AuditErrorCode = "token_already_used"
	auditErrDuplicate         AuditErrorCode = "duplicate"
	auditErrNotFound          AuditErrorCode = "not_found"
	auditErrUnavailable       AuditErrorCode = "backend_unavailable"
	auditErrInternal          AuditErrorCode = "internal_error"
)

// auditAlerts are the events that point at a stolen secret rather than a user mistake.
var auditAlerts = map[string]bool{
	auditEventRefreshReuseDetected:   true,
	auditEventWebAuthnCloneSuspected: true,
	auditEventMFAReplay:              true,
}

// emitAudit records one event. familyID names the refresh family when a session is
// involved; "method", "kind", "attempt_id" and "provider" details become typed fields.
func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	tenantID string,
	familyID string,
	err error,
	details func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	var extra map[string]string
	if details != nil {
		extra = details()
	}
	event := audit.NewEvent(e.now().UTC(), eventType, success, extra)
	event.Alert = auditAlerts[eventType]
	event.UserID = userID
	event.TenantID = tenantID
	event.FamilyID = familyID
	event.ClientIP = clientIPFromContext(ctx)
	if code := auditErrorCode(err); code != "" {
		event.Failure = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(ctx context.Context, method, identifier string) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, "", "", "", ErrRateLimited, func() map[string]string {
		return map[string]string{
			"method":     method,
			"identifier": identifier,
		}
	})
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrValidation):
		return auditErrValidation
	case errors.Is(err, ErrAuthenticationFailed):
		return auditErrInvalidCredential
	case errors.Is(err, ErrMFARequired):
		return auditErrMFARequired
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrTokenInvalid):
		return auditErrInvalidToken
	case errors.Is(err, ErrTokenExpired):
		return auditErrExpiredToken
	case errors.Is(err, ErrTokenAlreadyUsed):
		return auditErrTokenUsed
	case errors.Is(err, ErrConflict):
		return auditErrDuplicate
	case errors.Is(err, ErrNotFound):
		return auditErrNotFound
	case errors.Is(err, ErrProviderUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
