package authcore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authcore/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignUpIssuesSessionForDefaultTenant(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "A@X.com")

	assert.Equal(t, DefaultTenantID, sess.TenantID)
	assert.Empty(t, sess.Roles)
	assert.NotEmpty(t, sess.AccessToken)
	assert.NotEmpty(t, sess.RefreshToken)

	user, err := h.store.GetUserByEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, user.ID)

	res, err := h.engine.Authorize(context.Background(), sess.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, res.UserID)
	assert.Equal(t, sess.FamilyID, res.FamilyID)
}

func TestSignUpDuplicateEmailConflicts(t *testing.T) {
	h := newHarness(t)
	h.signUp(t, "a@x.com")

	_, err := h.engine.SignUpPassword(context.Background(), "a@x.com", testPassword)
	require.ErrorIs(t, err, ErrConflict)
}

func TestSignUpDuplicatesAreRateLimited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signUp(t, "a@x.com")

	for i := 0; i < 5; i++ {
		_, err := h.engine.SignUpPassword(ctx, "a@x.com", testPassword)
		require.ErrorIs(t, err, ErrConflict, "attempt %d", i+1)
	}
	_, err := h.engine.SignUpPassword(ctx, "a@x.com", testPassword)
	require.ErrorIs(t, err, ErrRateLimited)
	retry, ok := RetryAfter(err)
	require.True(t, ok)
	assert.Greater(t, retry, time.Duration(0))
}

func TestSignUpSweepFromOneClientIsRateLimited(t *testing.T) {
	h := newHarness(t)
	emails := []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com"}
	for _, email := range emails {
		h.signUp(t, email)
	}

	ctx := WithClientIP(context.Background(), "203.0.113.7")
	for _, email := range emails {
		_, err := h.engine.SignUpPassword(ctx, email, testPassword)
		require.ErrorIs(t, err, ErrConflict, email)
	}

	_, err := h.engine.SignUpPassword(ctx, "fresh@x.com", testPassword)
	require.ErrorIs(t, err, ErrRateLimited)

	other := WithClientIP(context.Background(), "198.51.100.9")
	_, err = h.engine.SignUpPassword(other, "fresh@x.com", testPassword)
	require.NoError(t, err)
}

func TestSignUpRejectsWeakPasswordAndBadEmail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.SignUpPassword(ctx, "a@x.com", "short")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "password")

	_, err = h.engine.SignUpPassword(ctx, "not-an-email", testPassword)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "malformed", ve.Fields["email"])

	_, err = h.engine.SignUpPassword(ctx, "b@x.com", "password1234")
	require.ErrorIs(t, err, ErrValidation)
}

func TestSignInLockoutThenRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signUp(t, "a@x.com")

	for i := 0; i < 5; i++ {
		_, err := h.engine.SignInPassword(ctx, "a@x.com", "WrongHorse12!")
		require.ErrorIs(t, err, ErrAuthenticationFailed, "attempt %d", i+1)
	}

	_, err := h.engine.SignInPassword(ctx, "a@x.com", testPassword)
	require.ErrorIs(t, err, ErrRateLimited)
	retry, ok := RetryAfter(err)
	require.True(t, ok)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, 15*time.Minute)

	h.clock.Advance(15 * time.Minute)

	sess, err := h.engine.SignInPassword(ctx, "a@x.com", testPassword)
	require.NoError(t, err)
	assert.Equal(t, "0", sess.TenantID)
	assert.Equal(t, []string{}, sess.Roles)
}

func TestSignInConcurrentBurstStopsAtThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signUp(t, "a@x.com")

	var (
		mu      sync.Mutex
		failed  int
		limited int
		wg      sync.WaitGroup
	)
	start := make(chan struct{})
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.engine.SignInPassword(ctx, "a@x.com", "WrongHorse12!")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrRateLimited):
				limited++
			case errors.Is(err, ErrAuthenticationFailed):
				failed++
			default:
				t.Errorf("unexpected result: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 5, failed, "password guesses allowed through")
	assert.Equal(t, 25, limited)

	_, err := h.engine.SignInPassword(ctx, "a@x.com", testPassword)
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestSignInUnknownUserLooksLikeWrongPassword(t *testing.T) {
	h := newHarness(t)
	h.signUp(t, "a@x.com")
	ctx := context.Background()

	_, errUnknown := h.engine.SignInPassword(ctx, "nobody@x.com", testPassword)
	_, errWrong := h.engine.SignInPassword(ctx, "a@x.com", "WrongHorse12!")
	require.ErrorIs(t, errUnknown, ErrAuthenticationFailed)
	require.ErrorIs(t, errWrong, ErrAuthenticationFailed)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())
}

func TestSignInLockedUserFails(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "a@x.com")
	require.NoError(t, h.store.SetUserStatus(context.Background(), sess.UserID, store.UserLocked))

	_, err := h.engine.SignInPassword(context.Background(), "a@x.com", testPassword)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestSignInIssuesRolesOfContextTenant(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "a@x.com")
	require.NoError(t, h.store.AssignRole(context.Background(), store.RoleAssignment{
		UserID: sess.UserID, TenantID: "T1", Role: "editor",
	}))

	ctx := WithTenantID(context.Background(), "T1")
	got, err := h.engine.SignInPassword(ctx, "a@x.com", testPassword)
	require.NoError(t, err)
	assert.Equal(t, "T1", got.TenantID)
	assert.Equal(t, []string{"editor"}, got.Roles)

	res, err := h.engine.Authorize(ctx, got.AccessToken)
	require.NoError(t, err)
	assert.True(t, res.HasRole("editor"))

	_, err = h.engine.Authorize(WithTenantID(context.Background(), "T2"), got.AccessToken)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestVerifyPasswordDoesNotIssue(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "a@x.com")

	userID, err := h.engine.VerifyPassword(context.Background(), "a@x.com", testPassword)
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, userID)

	_, err = h.engine.VerifyPassword(context.Background(), "a@x.com", "WrongHorse12!")
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestRegisterPasswordReplacesHash(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "a@x.com")
	ctx := context.Background()

	require.NoError(t, h.engine.RegisterPassword(ctx, sess.UserID, testPassword, "BatteryStaple99?"))

	_, err := h.engine.SignInPassword(ctx, "a@x.com", testPassword)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	_, err = h.engine.SignInPassword(ctx, "a@x.com", "BatteryStaple99?")
	require.NoError(t, err)

	require.ErrorIs(t, h.engine.RegisterPassword(ctx, "missing", "", "BatteryStaple99?"), ErrNotFound)
}

func TestRegisterPasswordRequiresCurrentPasswordAndEndsSessions(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "a@x.com")
	ctx := context.Background()
	other, err := h.engine.SignInPassword(ctx, "a@x.com", testPassword)
	require.NoError(t, err)

	err = h.engine.RegisterPassword(ctx, sess.UserID, "", "BatteryStaple99?")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "required", ve.Fields["current_password"])

	err = h.engine.RegisterPassword(ctx, sess.UserID, "WrongHorse12!", "BatteryStaple99?")
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	_, err = h.engine.Authorize(ctx, other.AccessToken)
	require.NoError(t, err, "a rejected change must not touch sessions")

	require.NoError(t, h.engine.RegisterPassword(ctx, sess.UserID, testPassword, "BatteryStaple99?"))
	for _, s := range []*Session{sess, other} {
		_, err = h.engine.Authorize(ctx, s.AccessToken)
		require.ErrorIs(t, err, ErrAuthenticationFailed)
		_, err = h.engine.Refresh(ctx, s.RefreshToken)
		require.ErrorIs(t, err, ErrAuthenticationFailed)
	}
}

func TestRegisterPasswordCurrentGuessesShareSignInLimit(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "a@x.com")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := h.engine.RegisterPassword(ctx, sess.UserID, "WrongHorse12!", "BatteryStaple99?")
		require.ErrorIs(t, err, ErrAuthenticationFailed, "attempt %d", i+1)
	}
	err := h.engine.RegisterPassword(ctx, sess.UserID, testPassword, "BatteryStaple99?")
	require.ErrorIs(t, err, ErrRateLimited)
	_, err = h.engine.SignInPassword(ctx, "a@x.com", testPassword)
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestRegisterPasswordAddsFirstPasswordWithoutCurrent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := store.User{ID: "u-oauth", Email: "o@x.com", Status: store.UserActive, CreatedAt: h.clock.Now()}
	require.NoError(t, h.store.CreateUser(ctx, user))

	require.NoError(t, h.engine.RegisterPassword(ctx, user.ID, "", "BatteryStaple99?"))
	_, err := h.engine.SignInPassword(ctx, "o@x.com", "BatteryStaple99?")
	require.NoError(t, err)
}

func TestUnlinkLastCredentialRefused(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "a@x.com")
	ctx := context.Background()

	creds, err := h.store.ListCredentials(ctx, sess.UserID)
	require.NoError(t, err)
	require.Len(t, creds, 1)

	err = h.engine.UnlinkCredential(ctx, sess.UserID, creds[0].ID)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "last_credential", ve.Fields["credential"])

	require.ErrorIs(t, h.engine.UnlinkCredential(ctx, sess.UserID, "nope"), ErrNotFound)
}

func TestConcurrentUnlinkKeepsOneCredential(t *testing.T) {
	h := newHarness(t)
	sess := h.signUp(t, "a@x.com")
	ctx := context.Background()
	require.NoError(t, h.store.AddCredential(ctx, store.Credential{
		ID:        "oauth-1",
		UserID:    sess.UserID,
		Kind:      store.KindOAuth,
		CreatedAt: h.clock.Now(),
		OAuth:     &store.OAuthIdentity{Provider: "acme", Subject: "sub-1", LinkedAt: h.clock.Now()},
	}))
	creds, err := h.store.ListCredentials(ctx, sess.UserID)
	require.NoError(t, err)
	require.Len(t, creds, 2)

	errs := make([]error, len(creds))
	var wg sync.WaitGroup
	for i, c := range creds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.engine.UnlinkCredential(ctx, sess.UserID, c.ID)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "last_credential", ve.Fields["credential"])
	}
	assert.Equal(t, 1, succeeded)

	left, err := h.store.ListCredentials(ctx, sess.UserID)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}
