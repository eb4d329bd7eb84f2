package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUser(t *testing.T, s *Memory, id, email string) {
	t.Helper()
	require.NoError(t, s.CreateUser(context.Background(), User{ID: id, Email: email, CreatedAt: time.Unix(0, 0)}))
}

func TestMemoryUserEmailUniqueCaseInsensitive(t *testing.T) {
	s := NewMemory()
	seedUser(t, s, "u1", "alice@example.com")

	err := s.CreateUser(context.Background(), User{ID: "u2", Email: "ALICE@example.com"})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetUserByEmail(context.Background(), "Alice@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
}

func TestMemoryCredentialVariantMustMatchKind(t *testing.T) {
	s := NewMemory()
	seedUser(t, s, "u1", "a@example.com")

	bad := Credential{ID: "c1", UserID: "u1", Kind: KindPassword, OAuth: &OAuthIdentity{Provider: "p", Subject: "s"}}
	assert.ErrorIs(t, s.AddCredential(context.Background(), bad), ErrConflict)
}

func TestMemoryOAuthLinkUniqueAcrossUsers(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedUser(t, s, "u1", "a@example.com")
	seedUser(t, s, "u2", "b@example.com")

	link := func(id, user string) error {
		return s.AddCredential(ctx, Credential{ID: id, UserID: user, Kind: KindOAuth,
			OAuth: &OAuthIdentity{Provider: "google", Subject: "sub-1"}})
	}
	require.NoError(t, link("c1", "u1"))
	assert.ErrorIs(t, link("c2", "u2"), ErrConflict)

	found, err := s.FindOAuthLink(ctx, "google", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", found.UserID)
}

func TestMemorySignCountStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedUser(t, s, "u1", "a@example.com")
	require.NoError(t, s.AddCredential(ctx, Credential{ID: "k1", UserID: "u1", Kind: KindWebAuthn,
		Key: &PublicKey{CredentialID: []byte{1, 2, 3}, SignCount: 5}}))

	ok, err := s.AdvanceSignCount(ctx, []byte{1, 2, 3}, 5)
	require.NoError(t, err)
	assert.False(t, ok, "equal counter must be rejected")

	ok, err = s.AdvanceSignCount(ctx, []byte{1, 2, 3}, 6)
	require.NoError(t, err)
	assert.True(t, ok)

	cred, err := s.FindPublicKey(ctx, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.EqualValues(t, 6, cred.Key.SignCount)
}

func TestMemoryTOTPStepReplayRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.SetPendingTOTP(ctx, "u1", []byte("secret")))

	ok, err := s.ConfirmTOTP(ctx, "u1", []byte("other"), 10, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ConfirmTOTP(ctx, "u1", []byte("secret"), 10, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AdvanceTOTPStep(ctx, "u1", 10)
	require.NoError(t, err)
	assert.False(t, ok, "step already used during confirmation")

	ok, err = s.AdvanceTOTPStep(ctx, "u1", 11)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryBackupCodeConsumedOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	hash := [32]byte{7}
	require.NoError(t, s.ReplaceBackupCodes(ctx, "u1", []BackupCode{{ID: "b1", UserID: "u1", Hash: hash}, {ID: "b2", UserID: "u1", Hash: [32]byte{8}}}))

	ok, err := s.ConsumeBackupCode(ctx, "u1", hash, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ConsumeBackupCode(ctx, "u1", hash, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.CountBackupCodes(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryRefreshConsumeAndFamilyRevoke(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.CreateSession(ctx, Session{AccessTokenID: "a1", RefreshTokenID: "r1", UserID: "u1", FamilyID: "f1"}))
	require.NoError(t, s.CreateSession(ctx, Session{AccessTokenID: "a2", RefreshTokenID: "r2", UserID: "u1", FamilyID: "f1"}))
	require.NoError(t, s.CreateSession(ctx, Session{AccessTokenID: "a3", RefreshTokenID: "r3", UserID: "u1", FamilyID: "f2"}))

	ok, err := s.ConsumeRefreshToken(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ConsumeRefreshToken(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.RevokeFamily(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sess, err := s.GetSessionByAccessID(ctx, "a3")
	require.NoError(t, err)
	assert.False(t, sess.Revoked)

	n, err = s.RevokeAllForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryAcceptInvitationExactlyOnceUnderRace(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now()
	hash := [32]byte{1}
	require.NoError(t, s.CreateInvitation(ctx, Invitation{ID: "i1", TokenHash: hash, Status: InvitationPending, ExpiresAt: now.Add(time.Hour)}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.AcceptInvitation(ctx, hash, "u1", now)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())

	ok, err := s.RevokeInvitation(ctx, "i1")
	require.NoError(t, err)
	assert.False(t, ok, "accepted invitation is terminal")
}

func TestMemoryAcceptInvitationRejectsExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now()
	hash := [32]byte{2}
	require.NoError(t, s.CreateInvitation(ctx, Invitation{ID: "i2", TokenHash: hash, Status: InvitationPending, ExpiresAt: now}))

	ok, err := s.AcceptInvitation(ctx, hash, "u1", now)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.ExpireInvitations(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	inv, err := s.GetInvitationByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, InvitationExpired, inv.Status)
}

func TestMemoryInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Store) error {
		if err := tx.CreateUser(ctx, User{ID: "u1", Email: "a@example.com"}); err != nil {
			return err
		}
		if err := tx.AssignRole(ctx, RoleAssignment{UserID: "u1", TenantID: "t1", Role: "editor"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
	roles, err := s.ListRoles(ctx, "u1", "t1")
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestMemoryInTxCommits(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.InTx(ctx, func(tx Store) error {
		if err := tx.CreateUser(ctx, User{ID: "u1", Email: "a@example.com"}); err != nil {
			return err
		}
		return tx.AssignRole(ctx, RoleAssignment{UserID: "u1", TenantID: "t1", Role: "editor"})
	}))

	roles, err := s.ListRoles(ctx, "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"editor"}, roles)
}

func TestMemoryRecoveryTokenSingleUse(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now()
	hash := [32]byte{9}
	require.NoError(t, s.CreateRecoveryToken(ctx, RecoveryToken{TokenHash: hash, UserID: "u1", Purpose: RecoveryPasswordReset, ExpiresAt: now.Add(time.Minute)}))

	ok, err := s.ConsumeRecoveryToken(ctx, hash, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ConsumeRecoveryToken(ctx, hash, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryDueWebhooks(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now()
	require.NoError(t, s.EnqueueWebhook(ctx, WebhookEvent{ID: "w1", NextAttemptAt: now, CreatedAt: now}))
	require.NoError(t, s.EnqueueWebhook(ctx, WebhookEvent{ID: "w2", NextAttemptAt: now.Add(time.Hour), CreatedAt: now}))

	due, err := s.DueWebhooks(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "w1", due[0].ID)

	require.NoError(t, s.MarkWebhookDelivered(ctx, "w1", now))
	due, err = s.DueWebhooks(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "w2", due[0].ID)
}
