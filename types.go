package authcore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MrEthical07/authcore/store"
)

// Session is the access/refresh pair returned by every successful sign-in, refresh and
// invitation redemption. Both tokens carry the same family id and role set.
type Session struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	UserID           string    `json:"user_id"`
	TenantID         string    `json:"tenant"`
	Roles            []string  `json:"roles"`
	FamilyID         string    `json:"family"`
}

// AuthResult is returned by [Engine.Authorize] for a live access token.
type AuthResult struct {
	UserID    string
	TenantID  string
	Roles     []string
	FamilyID  string
	SessionID string
	ExpiresAt time.Time
}

// HasRole reports whether the token grants role in its tenant.
func (r *AuthResult) HasRole(role string) bool {
	if r == nil {
		return false
	}
	for _, have := range r.Roles {
		if have == role {
			return true
		}
	}
	return false
}

// TOTPSetup is returned once by [Engine.SetupTOTP]. The secret stays pending until
// [Engine.ConfirmTOTP] accepts a code generated from it.
type TOTPSetup struct {
	SecretBase32 string `json:"secret"`
	URI          string `json:"otpauth_uri"`
}

// OAuthStart is the redirect target and state of a pending OAuth sign-in.
type OAuthStart struct {
	AuthURL   string    `json:"auth_url"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
}

// WebAuthnChallenge carries the options JSON handed to navigator.credentials and the
// ceremony id the client echoes back on finish.
type WebAuthnChallenge struct {
	CeremonyID string          `json:"ceremony_id"`
	Options    json.RawMessage `json:"options"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// RegistrationRequest starts a WebAuthn or hardware-token registration. Exactly one of
// UserID (an authenticated caller) or RecoveryGrant (from [Engine.RecoverDevice]) is set.
type RegistrationRequest struct {
	UserID        string
	RecoveryGrant string
	Kind          store.CredentialKind
	Label         string
}

// RegisteredKey describes a stored public-key credential without secret material.
type RegisteredKey struct {
	ID           string               `json:"id"`
	Kind         store.CredentialKind `json:"kind"`
	CredentialID []byte               `json:"credential_id"`
	Label        string               `json:"label"`
	SignCount    uint32               `json:"sign_count"`
	Flagged      bool                 `json:"flagged"`
	CreatedAt    time.Time            `json:"created_at"`
}

// InvitationRequest is submitted by an authenticated inviter application.
type InvitationRequest struct {
	InviterAppID string
	Email        string
	TenantID     string
	Role         string
	TTL          time.Duration
}

// InvitationGrant is returned once by [Engine.CreateInvitation]. Token is never stored
// and cannot be retrieved again.
type InvitationGrant struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// InvitationSignup carries the credential an invitee chooses when the invitation
// creates a new account. Exactly one of the fields is set.
type InvitationSignup struct {
	Password string
	OAuth    *InvitationOAuth
	WebAuthn *InvitationWebAuthn
}

// InvitationOAuth is a provider callback for a round trip started with
// [Engine.BeginInvitationOAuth].
type InvitationOAuth struct {
	Provider string
	State    string
	Code     string
}

// InvitationWebAuthn answers a ceremony started with [Engine.BeginInvitationWebAuthn].
type InvitationWebAuthn struct {
	CeremonyID string
	Response   []byte
}

// Mailer delivers out-of-band recovery messages. The core never renders content; it
// only hands over the raw token.
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, token string, expiresAt time.Time) error
}

// Clock supplies the current time. Tests inject a controllable clock.
type Clock func() time.Time

type noopMailer struct{}

func (noopMailer) SendPasswordReset(context.Context, string, string, time.Time) error { return nil }
