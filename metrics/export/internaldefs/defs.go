package internaldefs

import (
	"github.com/MrEthical07/authcore"
)

// CounterDef binds an engine counter to its exported name.
type CounterDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// HistogramDef binds an engine histogram to its exported name.
type HistogramDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// AuditDroppedName is exported alongside the engine counters.
const AuditDroppedName = "authcore_audit_dropped_total"

// CounterDefs lists every engine counter in MetricID order.
var CounterDefs = []CounterDef{
	{ID: authcore.MetricSignupSuccess, Name: "authcore_signup_success_total", Help: "Accounts created through password sign-up."},
	{ID: authcore.MetricSignupDuplicate, Name: "authcore_signup_duplicate_total", Help: "Sign-ups rejected because the email is taken."},
	{ID: authcore.MetricPasswordSigninSuccess, Name: "authcore_password_signin_success_total", Help: "Successful password sign-ins."},
	{ID: authcore.MetricPasswordSigninFailure, Name: "authcore_password_signin_failure_total", Help: "Failed password sign-ins."},
	{ID: authcore.MetricRateLimitHit, Name: "authcore_rate_limit_hit_total", Help: "Verifications refused by the failure limiter."},
	{ID: authcore.MetricOAuthSuccess, Name: "authcore_oauth_success_total", Help: "Completed OAuth callbacks."},
	{ID: authcore.MetricOAuthFailure, Name: "authcore_oauth_failure_total", Help: "Rejected OAuth callbacks."},
	{ID: authcore.MetricOAuthProviderUnavailable, Name: "authcore_oauth_provider_unavailable_total", Help: "OAuth exchanges that exhausted retries."},
	{ID: authcore.MetricWebAuthnRegistered, Name: "authcore_webauthn_registered_total", Help: "Registered passkeys and hardware tokens."},
	{ID: authcore.MetricWebAuthnAssertionSuccess, Name: "authcore_webauthn_assertion_success_total", Help: "Successful WebAuthn assertions."},
	{ID: authcore.MetricWebAuthnAssertionFailure, Name: "authcore_webauthn_assertion_failure_total", Help: "Failed WebAuthn assertions."},
	{ID: authcore.MetricWebAuthnCloneSuspected, Name: "authcore_webauthn_clone_suspected_total", Help: "Assertions whose sign counter did not increase."},
	{ID: authcore.MetricMFARequired, Name: "authcore_mfa_required_total", Help: "Sign-ins that stopped at an MFA challenge."},
	{ID: authcore.MetricMFASuccess, Name: "authcore_mfa_success_total", Help: "Successful second-factor verifications."},
	{ID: authcore.MetricMFAFailure, Name: "authcore_mfa_failure_total", Help: "Failed second-factor verifications."},
	{ID: authcore.MetricMFAReplay, Name: "authcore_mfa_replay_total", Help: "TOTP codes rejected as replays."},
	{ID: authcore.MetricBackupCodeUsed, Name: "authcore_backup_code_used_total", Help: "Consumed backup codes."},
	{ID: authcore.MetricBackupCodeRegenerated, Name: "authcore_backup_code_regenerated_total", Help: "Backup code set regenerations."},
	{ID: authcore.MetricSessionIssued, Name: "authcore_session_issued_total", Help: "Issued sessions."},
	{ID: authcore.MetricRefreshSuccess, Name: "authcore_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: authcore.MetricRefreshFailure, Name: "authcore_refresh_failure_total", Help: "Failed refresh rotations."},
	{ID: authcore.MetricRefreshReuseDetected, Name: "authcore_refresh_reuse_detected_total", Help: "Refresh tokens presented after rotation."},
	{ID: authcore.MetricSessionsRevoked, Name: "authcore_sessions_revoked_total", Help: "Revocation operations."},
	{ID: authcore.MetricInvitationCreated, Name: "authcore_invitation_created_total", Help: "Created invitations."},
	{ID: authcore.MetricInvitationRedeemed, Name: "authcore_invitation_redeemed_total", Help: "Redeemed invitations."},
	{ID: authcore.MetricInvitationRedeemFailure, Name: "authcore_invitation_redeem_failure_total", Help: "Rejected invitation redemptions."},
	{ID: authcore.MetricPasswordResetRequest, Name: "authcore_password_reset_request_total", Help: "Password reset requests."},
	{ID: authcore.MetricPasswordResetSuccess, Name: "authcore_password_reset_success_total", Help: "Completed password resets."},
	{ID: authcore.MetricPasswordResetFailure, Name: "authcore_password_reset_failure_total", Help: "Rejected password reset completions."},
	{ID: authcore.MetricDeviceRecoveryGranted, Name: "authcore_device_recovery_granted_total", Help: "Device recovery grants issued."},
	{ID: authcore.MetricWebhookDelivered, Name: "authcore_webhook_delivered_total", Help: "Webhook events acknowledged by receivers."},
	{ID: authcore.MetricWebhookDeliveryFailure, Name: "authcore_webhook_delivery_failure_total", Help: "Webhook delivery attempts that failed."},
}

// HistogramDefs lists the engine histograms.
var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricAuthorizeLatency, Name: "authcore_authorize_latency_seconds", Help: "Authorize latency histogram."},
}

// HistogramBounds are the upper bounds of the engine buckets in seconds.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix names each bucket for exporters without label support.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the fixed bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into the cumulative form both
// exposition formats expect.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
