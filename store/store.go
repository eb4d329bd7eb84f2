// Package store defines the durable data model of authcore and the transactional
// storage contract every backend must satisfy.
//
// # Exactly-once mutations
//
// Methods returning (bool, error) whose names start with Consume, Accept, Advance,
// Confirm or Revoke are conditional updates: they succeed for exactly one caller when
// several race on the same record, and report false (not an error) to the losers.
// Backends implement them as a single guarded statement, never read-then-write.
//
// # Implementations
//
//   - [Memory]: mutex-guarded maps with copy-on-transaction rollback. Tests and local dev.
//   - store/postgres: pgx v5 over a shared PostgreSQL database.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write would break a uniqueness invariant.
	ErrConflict = errors.New("store: conflict")
)

// Store is the durable state shared by every service instance.
type Store interface {
	CreateUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, userID string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	SetUserStatus(ctx context.Context, userID string, status UserStatus) error
	MarkEmailVerified(ctx context.Context, userID string) error

	AddCredential(ctx context.Context, cred Credential) error
	ListCredentials(ctx context.Context, userID string) ([]Credential, error)
	GetPasswordCredential(ctx context.Context, userID string) (Credential, error)
	SetPasswordHash(ctx context.Context, userID, hash string, now time.Time) error
	FindOAuthLink(ctx context.Context, provider, subject string) (Credential, error)
	FindPublicKey(ctx context.Context, credentialID []byte) (Credential, error)
	AdvanceSignCount(ctx context.Context, credentialID []byte, count uint32) (bool, error)
	FlagCredential(ctx context.Context, credentialID []byte, at time.Time) error
	DeleteCredential(ctx context.Context, userID, id string) error
	// LockCredentials serializes credential changes of userID until the enclosing
	// transaction ends. It returns ErrNotFound for an unknown user.
	LockCredentials(ctx context.Context, userID string) error

	GetTOTP(ctx context.Context, userID string) (*TOTPFactor, error)
	SetPendingTOTP(ctx context.Context, userID string, secret []byte) error
	ConfirmTOTP(ctx context.Context, userID string, pending []byte, step int64, at time.Time) (bool, error)
	AdvanceTOTPStep(ctx context.Context, userID string, step int64) (bool, error)
	ReplaceBackupCodes(ctx context.Context, userID string, codes []BackupCode) error
	ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte, at time.Time) (bool, error)
	CountBackupCodes(ctx context.Context, userID string) (int, error)

	AssignRole(ctx context.Context, assignment RoleAssignment) error
	ListRoles(ctx context.Context, userID, tenantID string) ([]string, error)

	CreateSession(ctx context.Context, sess Session) error
	GetSessionByAccessID(ctx context.Context, accessID string) (Session, error)
	GetSessionByRefreshID(ctx context.Context, refreshID string) (Session, error)
	ConsumeRefreshToken(ctx context.Context, refreshID string) (bool, error)
	RevokeFamily(ctx context.Context, familyID string) (int, error)
	RevokeAllForUser(ctx context.Context, userID string) (int, error)

	CreateInvitation(ctx context.Context, inv Invitation) error
	GetInvitationByHash(ctx context.Context, hash [32]byte) (Invitation, error)
	AcceptInvitation(ctx context.Context, hash [32]byte, userID string, now time.Time) (bool, error)
	RevokeInvitation(ctx context.Context, invitationID string) (bool, error)
	ExpireInvitations(ctx context.Context, now time.Time) (int, error)

	CreateRecoveryToken(ctx context.Context, token RecoveryToken) error
	GetRecoveryToken(ctx context.Context, hash [32]byte) (RecoveryToken, error)
	ConsumeRecoveryToken(ctx context.Context, hash [32]byte, now time.Time) (bool, error)

	EnqueueWebhook(ctx context.Context, event WebhookEvent) error
	DueWebhooks(ctx context.Context, now time.Time, limit int) ([]WebhookEvent, error)
	MarkWebhookDelivered(ctx context.Context, eventID string, at time.Time) error
	RescheduleWebhook(ctx context.Context, eventID string, attempts int, next time.Time) error

	// InTx runs fn against a transactional view. Any error returned by fn rolls back
	// every write made through the view.
	InTx(ctx context.Context, fn func(tx Store) error) error
}
