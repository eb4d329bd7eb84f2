package authcore

import (
	"context"
	"errors"
	"strconv"

	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/store"
	"github.com/google/uuid"
)

// SignUpPassword creates a user with a password credential and signs them in to the
// tenant on ctx. An address already registered yields ErrConflict.
func (e *Engine) SignUpPassword(ctx context.Context, email, plaintext string) (*Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := e.checkPolicy(ctx, plaintext); err != nil {
		return nil, err
	}

	// Duplicate registrations count per address and per client, so the conflict answer
	// cannot be used to sweep for registered emails.
	limitKeys := []string{email}
	if ip := clientIPFromContext(ctx); ip != "" {
		limitKeys = append(limitKeys, "ip:"+ip)
	}
	slots := make([]*limitSlot, 0, len(limitKeys))
	for _, key := range limitKeys {
		slot, err := e.reserve(ctx, key, rate.MethodSignup)
		if err != nil {
			return nil, err
		}
		defer e.release(ctx, slot)
		slots = append(slots, slot)
	}

	hash, err := e.hasher.Hash(plaintext)
	if err != nil {
		return nil, e.internal(ctx, "hash password", err)
	}

	now := e.now()
	user := store.User{ID: uuid.NewString(), Email: email, Status: store.UserActive, CreatedAt: now}
	err = e.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.CreateUser(ctx, user); err != nil {
			return err
		}
		return tx.AddCredential(ctx, store.Credential{
			ID:        uuid.NewString(),
			UserID:    user.ID,
			Kind:      store.KindPassword,
			CreatedAt: now,
			Password:  &store.PasswordSecret{Hash: hash},
		})
	})
	if errors.Is(err, store.ErrConflict) {
		for _, slot := range slots {
			e.fail(ctx, slot)
		}
		e.metricInc(MetricSignupDuplicate)
		e.emitAudit(ctx, auditEventSignupFailure, false, "", "", "", ErrConflict, nil)
		return nil, ErrConflict
	}
	if err != nil {
		return nil, e.internal(ctx, "create user", err)
	}

	e.metricInc(MetricSignupSuccess)
	e.emitAudit(ctx, auditEventSignupSuccess, true, user.ID, "", "", nil, nil)

	tenantID := tenantIDFromContext(ctx)
	attemptID, err := e.beginAttempt(ctx, user.ID, tenantID, string(store.KindPassword))
	if err != nil {
		return nil, err
	}
	return e.completePrimary(ctx, attemptID)
}

// SignInPassword verifies email and password and continues the login attempt. It returns
// a Session, or an *MFARequiredError when a second factor is enrolled.
func (e *Engine) SignInPassword(ctx context.Context, email, plaintext string) (*Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	tenantID := tenantIDFromContext(ctx)
	userID, attemptID, err := e.verifyPassword(ctx, email, plaintext, tenantID, true)
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricPasswordSigninSuccess)
	e.emitAudit(ctx, auditEventPasswordSigninSuccess, true, userID, tenantID, "", nil, nil)
	return e.completePrimary(ctx, attemptID)
}

// VerifyPassword checks a password without starting a login and returns the user id.
func (e *Engine) VerifyPassword(ctx context.Context, identifier, plaintext string) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	userID, _, err := e.verifyPassword(ctx, identifier, plaintext, tenantIDFromContext(ctx), false)
	return userID, err
}

// verifyPassword runs the limiter, then the hash comparison. Unknown users are verified
// against a dummy hash and every negative outcome looks the same to the caller.
func (e *Engine) verifyPassword(ctx context.Context, identifier, plaintext, tenantID string, withAttempt bool) (string, string, error) {
	email, err := normalizeEmail(identifier)
	if err != nil {
		return "", "", err
	}
	if plaintext == "" {
		return "", "", invalid("password", "required")
	}
	slot, err := e.reserve(ctx, email, rate.MethodPassword)
	if err != nil {
		return "", "", err
	}
	defer e.release(ctx, slot)

	var (
		userID    string
		attemptID string
		hash      = e.dummyHash
		reason    = "unknown_user"
	)

	user, err := e.store.GetUserByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return "", "", e.internal(ctx, "get user by email", err)
	default:
		userID = user.ID
		cred, err := e.store.GetPasswordCredential(ctx, user.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			reason = "no_password"
		case err != nil:
			return "", "", e.internal(ctx, "get password credential", err)
		default:
			hash = cred.Password.Hash
			reason = ""
		}
		if user.Status == store.UserLocked {
			reason = "locked"
		}
		if withAttempt {
			if attemptID, err = e.beginAttempt(ctx, user.ID, tenantID, string(store.KindPassword)); err != nil {
				return "", "", err
			}
		}
	}

	ok, err := e.hasher.Verify(plaintext, hash)
	if err != nil {
		// A hash that fails to parse is a storage problem, but oversize input is the caller's.
		e.log.Warn().Err(err).Msg("password verify")
		ok = false
	}
	if !ok && reason == "" {
		reason = "wrong_password"
	}
	if reason != "" {
		e.failAttempt(ctx, attemptID)
		e.fail(ctx, slot)
		e.metricInc(MetricPasswordSigninFailure)
		e.log.Debug().Str("reason", reason).Str("tenant", tenantID).Msg("password verification failed")
		e.emitAudit(ctx, auditEventPasswordSigninFailure, false, userID, tenantID, "", ErrAuthenticationFailed, func() map[string]string {
			return map[string]string{"reason": reason}
		})
		return "", "", ErrAuthenticationFailed
	}

	e.succeed(ctx, slot)
	return userID, attemptID, nil
}

// RegisterPassword sets the password credential of userID. Replacing an existing
// password requires current to verify against it, and ends every session of the user.
// The hash is never returned.
func (e *Engine) RegisterPassword(ctx context.Context, userID, current, plaintext string) error {
	if err := e.ready(); err != nil {
		return err
	}
	user, err := e.lookupUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := e.checkPolicy(ctx, plaintext); err != nil {
		return err
	}

	replacing := true
	cred, err := e.store.GetPasswordCredential(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		replacing = false
	case err != nil:
		return e.internal(ctx, "get password credential", err)
	}
	if replacing {
		if err := e.verifyCurrentPassword(ctx, user, cred.Password.Hash, current); err != nil {
			return err
		}
	}

	hash, err := e.hasher.Hash(plaintext)
	if err != nil {
		return e.internal(ctx, "hash password", err)
	}
	if !replacing {
		if err := e.setPassword(ctx, e.store, userID, hash); err != nil {
			return e.internal(ctx, "set password", err)
		}
		e.emitAudit(ctx, auditEventPasswordRegistered, true, userID, "", "", nil, nil)
		return nil
	}

	if err := e.bumpCredentialEpoch(ctx, userID); err != nil {
		return err
	}
	var revoked int
	err = e.store.InTx(ctx, func(tx store.Store) error {
		if err := e.setPassword(ctx, tx, userID, hash); err != nil {
			return err
		}
		revoked, err = tx.RevokeAllForUser(ctx, userID)
		return err
	})
	if err != nil {
		return e.internal(ctx, "change password", err)
	}
	e.metricInc(MetricSessionsRevoked)
	e.emitAudit(ctx, auditEventPasswordChanged, true, userID, "", "", nil, func() map[string]string {
		return map[string]string{"sessions_revoked": strconv.Itoa(revoked)}
	})
	return nil
}

// verifyCurrentPassword shares the sign-in limiter, so a stolen bearer token cannot be
// used to guess the password faster than the login form allows.
func (e *Engine) verifyCurrentPassword(ctx context.Context, user store.User, hash, current string) error {
	if current == "" {
		return invalid("current_password", "required")
	}
	key := user.Email
	if key == "" {
		key = user.ID
	}
	slot, err := e.reserve(ctx, key, rate.MethodPassword)
	if err != nil {
		return err
	}
	defer e.release(ctx, slot)

	ok, err := e.hasher.Verify(current, hash)
	if err != nil {
		e.log.Warn().Err(err).Msg("current password verify")
		ok = false
	}
	if !ok {
		e.fail(ctx, slot)
		e.metricInc(MetricPasswordSigninFailure)
		e.emitAudit(ctx, auditEventPasswordChanged, false, user.ID, "", "", ErrAuthenticationFailed, func() map[string]string {
			return map[string]string{"reason": "wrong_password"}
		})
		return ErrAuthenticationFailed
	}
	e.succeed(ctx, slot)
	return nil
}

// setPassword replaces the hash, or adds the password credential if there is none.
func (e *Engine) setPassword(ctx context.Context, s store.Store, userID, hash string) error {
	now := e.now()
	err := s.SetPasswordHash(ctx, userID, hash, now)
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return s.AddCredential(ctx, store.Credential{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      store.KindPassword,
		CreatedAt: now,
		Password:  &store.PasswordSecret{Hash: hash},
	})
}

// UnlinkCredential removes one credential of userID. The last remaining credential cannot
// be removed, since the account would become unreachable.
func (e *Engine) UnlinkCredential(ctx context.Context, userID, credentialID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if userID == "" || credentialID == "" {
		return invalid("credential", "required")
	}

	var kind store.CredentialKind
	err := e.store.InTx(ctx, func(tx store.Store) error {
		// Two unlinks of the last two credentials must not both see two.
		if err := tx.LockCredentials(ctx, userID); err != nil {
			return err
		}
		creds, err := tx.ListCredentials(ctx, userID)
		if err != nil {
			return err
		}
		found := false
		for _, c := range creds {
			if c.ID == credentialID {
				found, kind = true, c.Kind
			}
		}
		if !found {
			return store.ErrNotFound
		}
		if len(creds) < 2 {
			return errLastCredential
		}
		return tx.DeleteCredential(ctx, userID, credentialID)
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, errLastCredential):
		e.emitAudit(ctx, auditEventCredentialUnlinkForbidden, false, userID, "", "", ErrValidation, nil)
		return invalid("credential", "last_credential")
	case err != nil:
		return e.internal(ctx, "unlink credential", err)
	}

	e.emitAudit(ctx, auditEventCredentialRevoked, true, userID, "", "", nil, func() map[string]string {
		return map[string]string{"kind": string(kind)}
	})
	return nil
}

var errLastCredential = errors.New("last credential")
