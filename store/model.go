package store

import "time"

// UserStatus is the global lock state of a user.
type UserStatus uint8

const (
	// UserActive users may authenticate.
	UserActive UserStatus = iota
	// UserLocked users fail every verification path with the same shape as a wrong credential.
	UserLocked
)

// User is the identity anchor. Credentials, MFA factors and sessions hang off it.
type User struct {
	ID            string
	Email         string
	EmailVerified bool
	Status        UserStatus
	CreatedAt     time.Time
}

// CredentialKind tags the variant carried by a [Credential].
type CredentialKind string

const (
	KindPassword      CredentialKind = "password"
	KindOAuth         CredentialKind = "oauth"
	KindWebAuthn      CredentialKind = "webauthn"
	KindHardwareToken CredentialKind = "hardware_token"
)

// IsPublicKey reports whether the kind is backed by a [PublicKey] payload.
func (k CredentialKind) IsPublicKey() bool {
	return k == KindWebAuthn || k == KindHardwareToken
}

// Credential is a closed tagged variant. Exactly one payload matching Kind is set:
// Password for KindPassword, OAuth for KindOAuth, Key for KindWebAuthn and KindHardwareToken.
type Credential struct {
	ID        string
	UserID    string
	Kind      CredentialKind
	CreatedAt time.Time

	Password *PasswordSecret
	OAuth    *OAuthIdentity
	Key      *PublicKey
}

// Valid reports whether the payload matches the tag.
func (c Credential) Valid() bool {
	switch c.Kind {
	case KindPassword:
		return c.Password != nil && c.OAuth == nil && c.Key == nil
	case KindOAuth:
		return c.OAuth != nil && c.Password == nil && c.Key == nil
	case KindWebAuthn, KindHardwareToken:
		return c.Key != nil && c.Password == nil && c.OAuth == nil
	default:
		return false
	}
}

// PasswordSecret holds an Argon2id PHC string. The algorithm parameters are encoded in it.
type PasswordSecret struct {
	Hash string
}

// OAuthIdentity links a provider subject to a user. (Provider, Subject) is unique across users.
type OAuthIdentity struct {
	Provider string
	Subject  string
	LinkedAt time.Time
}

// PublicKey is a WebAuthn or hardware-token registration.
// CredentialID is unique across all public-key credentials.
type PublicKey struct {
	CredentialID    []byte
	PublicKey       []byte
	SignCount       uint32
	Label           string
	AAGUID          []byte
	AttestationType string
	Transports      []string
	FlaggedAt       *time.Time
}

// TOTPFactor is the single TOTP enrollment of a user. PendingSecret is set while a
// re-enrollment waits for its first confirming code; Secret stays active until then.
type TOTPFactor struct {
	UserID        string
	Secret        []byte
	ConfirmedAt   *time.Time
	LastUsedStep  int64
	PendingSecret []byte
}

// Confirmed reports whether the factor can be used as a second factor.
func (f *TOTPFactor) Confirmed() bool {
	return f != nil && f.ConfirmedAt != nil && len(f.Secret) > 0
}

// BackupCode is one hashed code of a user's backup set. Codes are stored per row so each is
// consumable exactly once even if two plaintexts collide.
type BackupCode struct {
	ID          string
	UserID      string
	Hash        [32]byte
	GeneratedAt time.Time
	ConsumedAt  *time.Time
}

// Session is one issued access/refresh pair. All pairs descended from one login share FamilyID.
type Session struct {
	AccessTokenID  string
	RefreshTokenID string
	UserID         string
	TenantID       string
	Roles          []string
	IssuedAt       time.Time
	ExpiresAt      time.Time
	FamilyID       string
	Consumed       bool
	Revoked        bool
}

// InvitationStatus is the lifecycle state of an [Invitation].
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationExpired  InvitationStatus = "expired"
	InvitationRevoked  InvitationStatus = "revoked"
)

// Terminal reports whether no further transition is allowed.
func (s InvitationStatus) Terminal() bool {
	return s != InvitationPending
}

// Invitation is a single-use onboarding token. Only the token hash is stored.
type Invitation struct {
	ID             string
	TokenHash      [32]byte
	InviterAppID   string
	TargetEmail    string
	TenantID       string
	Role           string
	Status         InvitationStatus
	ExpiresAt      time.Time
	CreatedAt      time.Time
	AcceptedAt     *time.Time
	AcceptedUserID string
}

// RecoveryPurpose distinguishes recovery token flavours.
type RecoveryPurpose string

const (
	RecoveryPasswordReset RecoveryPurpose = "password_reset"
	RecoveryDevice        RecoveryPurpose = "device_recovery"
)

// RecoveryToken is a single-use recovery grant stored by hash.
type RecoveryToken struct {
	TokenHash  [32]byte
	UserID     string
	Purpose    RecoveryPurpose
	ExpiresAt  time.Time
	CreatedAt  time.Time
	ConsumedAt *time.Time
}

// RoleAssignment grants Role to UserID inside TenantID.
type RoleAssignment struct {
	UserID   string
	TenantID string
	Role     string
}

// WebhookEvent is an outbox row delivered at-least-once to an inviter application.
// ID doubles as the idempotency key.
type WebhookEvent struct {
	ID            string
	InviterAppID  string
	Type          string
	Payload       []byte
	Attempts      int
	NextAttemptAt time.Time
	CreatedAt     time.Time
	DeliveredAt   *time.Time
}
