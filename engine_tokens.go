package authcore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/store"
	"github.com/google/uuid"
)

// issue starts a new refresh family for (userID, tenantID). Roles are read now, so a
// session always reflects the assignment current at issuance.
func (e *Engine) issue(ctx context.Context, userID, tenantID string) (*Session, error) {
	roles, err := e.store.ListRoles(ctx, userID, tenantID)
	if err != nil {
		return nil, e.internal(ctx, "list roles", err)
	}
	sess, err := e.issueInFamily(ctx, userID, tenantID, roles, uuid.NewString())
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricSessionIssued)
	e.emitAudit(ctx, auditEventSessionIssued, true, userID, tenantID, sess.FamilyID, nil, nil)
	return sess, nil
}

func (e *Engine) issueInFamily(ctx context.Context, userID, tenantID string, roles []string, family string) (*Session, error) {
	if roles == nil {
		roles = []string{}
	}
	accessID, refreshID := uuid.NewString(), uuid.NewString()

	access, accessExp, err := e.jwt.Issue(jwt.TypeAccess, userID, tenantID, roles, family, accessID)
	if err != nil {
		return nil, e.internal(ctx, "sign access token", err)
	}
	refresh, refreshExp, err := e.jwt.Issue(jwt.TypeRefresh, userID, tenantID, roles, family, refreshID)
	if err != nil {
		return nil, e.internal(ctx, "sign refresh token", err)
	}

	err = e.store.CreateSession(ctx, store.Session{
		AccessTokenID:  accessID,
		RefreshTokenID: refreshID,
		UserID:         userID,
		TenantID:       tenantID,
		Roles:          roles,
		IssuedAt:       e.now(),
		ExpiresAt:      refreshExp,
		FamilyID:       family,
	})
	if err != nil {
		return nil, e.internal(ctx, "create session", err)
	}

	return &Session{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		UserID:           userID,
		TenantID:         tenantID,
		Roles:            roles,
		FamilyID:         family,
	}, nil
}

// Refresh rotates a refresh token. The presented token is consumed exactly once; presenting
// it again revokes every session of its family.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, invalid("refresh_token", "required")
	}

	claims, err := e.jwt.Parse(refreshToken, jwt.TypeRefresh)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	slot, err := e.reserve(ctx, claims.Family, rate.MethodRefresh)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, slot)

	row, err := e.store.GetSessionByRefreshID(ctx, claims.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, e.refreshFailed(ctx, slot, claims, ErrTokenInvalid, "unknown_session")
	}
	if err != nil {
		return nil, e.internal(ctx, "get session", err)
	}
	if row.UserID != claims.Subject || row.FamilyID != claims.Family {
		return nil, e.refreshFailed(ctx, slot, claims, ErrTokenInvalid, "claims_mismatch")
	}
	if row.Revoked {
		return nil, e.refreshFailed(ctx, slot, claims, ErrAuthenticationFailed, "revoked")
	}

	consumed, err := e.store.ConsumeRefreshToken(ctx, claims.ID)
	if err != nil {
		return nil, e.internal(ctx, "consume refresh token", err)
	}
	if !consumed {
		n, rerr := e.store.RevokeFamily(ctx, claims.Family)
		if rerr != nil {
			return nil, e.internal(ctx, "revoke family", rerr)
		}
		e.metricInc(MetricRefreshReuseDetected)
		e.emitAudit(ctx, auditEventRefreshReuseDetected, false, claims.Subject, row.TenantID, claims.Family,
			ErrAuthenticationFailed, func() map[string]string {
				return map[string]string{"revoked": strconv.Itoa(n)}
			})
		e.log.Warn().Str("family", claims.Family).Str("user", claims.Subject).Msg("refresh token reuse; family revoked")
		e.fail(ctx, slot)
		return nil, ErrAuthenticationFailed
	}

	user, err := e.store.GetUser(ctx, claims.Subject)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, e.internal(ctx, "get user", err)
	}
	if err != nil || user.Status == store.UserLocked {
		if _, rerr := e.store.RevokeFamily(ctx, claims.Family); rerr != nil {
			e.log.Error().Err(rerr).Msg("revoke family of locked user")
		}
		return nil, e.refreshFailed(ctx, slot, claims, ErrAuthenticationFailed, "user_unavailable")
	}

	roles, err := e.store.ListRoles(ctx, claims.Subject, row.TenantID)
	if err != nil {
		return nil, e.internal(ctx, "list roles", err)
	}
	sess, err := e.issueInFamily(ctx, claims.Subject, row.TenantID, roles, claims.Family)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, claims.Subject, row.TenantID, claims.Family, nil, nil)
	return sess, nil
}

func (e *Engine) refreshFailed(ctx context.Context, slot *limitSlot, claims *jwt.Claims, err error, reason string) error {
	e.metricInc(MetricRefreshFailure)
	e.fail(ctx, slot)
	e.emitAudit(ctx, auditEventRefreshInvalid, false, claims.Subject, claims.Tenant, claims.Family, err, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	return err
}

// Revoke logs out the family of refreshToken.
func (e *Engine) Revoke(ctx context.Context, refreshToken string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if refreshToken == "" {
		return invalid("refresh_token", "required")
	}
	claims, err := e.jwt.Parse(refreshToken, jwt.TypeRefresh)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return ErrTokenExpired
		}
		return ErrTokenInvalid
	}
	if _, err := e.store.RevokeFamily(ctx, claims.Family); err != nil {
		return e.internal(ctx, "revoke family", err)
	}
	e.metricInc(MetricSessionsRevoked)
	e.emitAudit(ctx, auditEventLogout, true, claims.Subject, claims.Tenant, claims.Family, nil, nil)
	return nil
}

// RevokeFamily revokes every session descended from one login.
func (e *Engine) RevokeFamily(ctx context.Context, familyID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if familyID == "" {
		return invalid("family", "required")
	}
	if _, err := e.store.RevokeFamily(ctx, familyID); err != nil {
		return e.internal(ctx, "revoke family", err)
	}
	e.metricInc(MetricSessionsRevoked)
	e.emitAudit(ctx, auditEventLogout, true, "", "", familyID, nil, nil)
	return nil
}

// RevokeAllForUser revokes every session of userID in every tenant.
func (e *Engine) RevokeAllForUser(ctx context.Context, userID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if userID == "" {
		return invalid("user_id", "required")
	}
	n, err := e.store.RevokeAllForUser(ctx, userID)
	if err != nil {
		return e.internal(ctx, "revoke all sessions", err)
	}
	e.metricInc(MetricSessionsRevoked)
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, "", "", nil, func() map[string]string {
		return map[string]string{"revoked": strconv.Itoa(n)}
	})
	return nil
}

// Authorize validates an access token and checks that its session is still live, so
// revocation (logout, reuse detection, password reset) takes effect before expiry.
func (e *Engine) Authorize(ctx context.Context, accessToken string) (*AuthResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.Observe(MetricAuthorizeLatency, time.Since(start))
		}
	}()

	if accessToken == "" {
		return nil, ErrAuthenticationFailed
	}
	claims, err := e.jwt.Parse(accessToken, jwt.TypeAccess)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, e.rejectAuthorization(ctx, "", "expired")
		}
		return nil, e.rejectAuthorization(ctx, "", "invalid_token")
	}
	if tenantID, ok := tenantIDFromContextExplicit(ctx); ok && tenantID != claims.Tenant {
		return nil, e.rejectAuthorization(ctx, claims.Subject, "tenant_mismatch")
	}

	row, err := e.store.GetSessionByAccessID(ctx, claims.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, e.rejectAuthorization(ctx, claims.Subject, "unknown_session")
	}
	if err != nil {
		return nil, e.internal(ctx, "get session", err)
	}
	if row.Revoked || row.UserID != claims.Subject {
		return nil, e.rejectAuthorization(ctx, claims.Subject, "revoked")
	}

	var expires time.Time
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	return &AuthResult{
		UserID:    claims.Subject,
		TenantID:  claims.Tenant,
		Roles:     claims.Roles,
		FamilyID:  claims.Family,
		SessionID: row.RefreshTokenID,
		ExpiresAt: expires,
	}, nil
}

func (e *Engine) rejectAuthorization(ctx context.Context, userID, reason string) error {
	e.log.Debug().Str("reason", reason).Msg("authorization rejected")
	e.emitAudit(ctx, auditEventAuthorizationRejected, false, userID, "", "", ErrAuthenticationFailed, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	return ErrAuthenticationFailed
}
