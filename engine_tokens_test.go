package authcore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authcore/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshRotatesWithinFamily(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.signUp(t, "a@x.com")

	second, err := h.engine.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, first.FamilyID, second.FamilyID)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	_, err = h.engine.Authorize(ctx, second.AccessToken)
	require.NoError(t, err)
}

func TestRefreshReuseRevokesFamily(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.signUp(t, "a@x.com")

	second, err := h.engine.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)

	_, err = h.engine.Refresh(ctx, first.RefreshToken)
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = h.engine.Refresh(ctx, second.RefreshToken)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	_, err = h.engine.Authorize(ctx, second.AccessToken)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	_, err = h.engine.Authorize(ctx, first.AccessToken)
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	assert.Equal(t, uint64(1), h.engine.MetricsSnapshot().Counters[MetricRefreshReuseDetected])
}

func TestRefreshConcurrentPresentationsRotateOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.signUp(t, "a@x.com")

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.Refresh(ctx, sess.RefreshToken); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, success, 1)
}

func TestRefreshRejectsAccessTokenAndGarbage(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "a@x.com")
	ctx := context.Background()

	_, err := h.engine.Refresh(ctx, sess.AccessToken)
	require.ErrorIs(t, err, ErrTokenInvalid)
	_, err = h.engine.Refresh(ctx, "garbage")
	require.ErrorIs(t, err, ErrTokenInvalid)
	_, err = h.engine.Refresh(ctx, "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestRefreshExpired(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "a@x.com")

	h.clock.Advance(31 * 24 * time.Hour)
	_, err := h.engine.Refresh(context.Background(), sess.RefreshToken)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestAuthorizeRejectsExpiredAccessToken(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "a@x.com")

	h.clock.Advance(16 * time.Minute)
	_, err := h.engine.Authorize(context.Background(), sess.AccessToken)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestRevokeLogsOutFamilyOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.signUp(t, "a@x.com")
	b, err := h.engine.SignInPassword(ctx, "a@x.com", testPassword)
	require.NoError(t, err)

	require.NoError(t, h.engine.Revoke(ctx, a.RefreshToken))

	_, err = h.engine.Authorize(ctx, a.AccessToken)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	_, err = h.engine.Authorize(ctx, b.AccessToken)
	require.NoError(t, err)

	require.NoError(t, h.engine.RevokeAllForUser(ctx, b.UserID))
	_, err = h.engine.Authorize(ctx, b.AccessToken)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestRefreshPicksUpRoleChanges(t *testing.T) {
	h := newHarness(t)
	ctx := WithTenantID(context.Background(), "T1")
	sess, err := h.engine.SignUpPassword(ctx, "a@x.com", testPassword)
	require.NoError(t, err)
	assert.Empty(t, sess.Roles)

	_, err = h.engine.Issue(ctx, sess.UserID, "T1", AttemptPrimaryPending)
	require.ErrorIs(t, err, ErrMFARequired)

	require.NoError(t, h.store.AssignRole(ctx, store.RoleAssignment{UserID: sess.UserID, TenantID: "T1", Role: "viewer"}))
	next, err := h.engine.Refresh(ctx, sess.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, []string{"viewer"}, next.Roles)
}
