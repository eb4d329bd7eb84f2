// Package postgres implements store.Store on PostgreSQL through the pgx driver.
//
// Conditional mutations are single UPDATE statements guarded by a WHERE clause on the
// prior state; RowsAffected decides the winner.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authcore/store"
	"github.com/MrEthical07/authcore/store/postgres/migrations"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const uniqueViolation = "23505"

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a PostgreSQL backed store.Store.
type Store struct {
	db   *sql.DB
	conn DBTX
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn with the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return New(db), nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store {
	return &Store{db: db, conn: db}
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, s.db, "."); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Store) error) error {
	if _, nested := s.conn.(*sql.Tx); nested {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Store{db: s.db, conn: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("db error: %w", err)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	n, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// users

func (s *Store) CreateUser(ctx context.Context, user store.User) error {
	_, err := s.exec(ctx,
		`INSERT INTO users (id, email, email_verified, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Email, user.EmailVerified, int16(user.Status), user.CreatedAt)
	return err
}

const userColumns = `id, email, email_verified, status, created_at`

func scanUser(row *sql.Row) (store.User, error) {
	var (
		u      store.User
		status int16
	)
	if err := row.Scan(&u.ID, &u.Email, &u.EmailVerified, &status, &u.CreatedAt); err != nil {
		return store.User{}, mapErr(err)
	}
	u.Status = store.UserStatus(status)
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (store.User, error) {
	return scanUser(s.conn.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	return scanUser(s.conn.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

func (s *Store) SetUserStatus(ctx context.Context, userID string, status store.UserStatus) error {
	return s.execOne(ctx, `UPDATE users SET status = $2 WHERE id = $1`, userID, int16(status))
}

func (s *Store) MarkEmailVerified(ctx context.Context, userID string) error {
	return s.execOne(ctx, `UPDATE users SET email_verified = TRUE WHERE id = $1`, userID)
}

// credentials

const credentialColumns = `id, user_id, kind, created_at, password_hash, oauth_provider, oauth_subject,
	oauth_linked_at, key_credential_id, key_public, key_sign_count, key_label, key_aaguid,
	key_attestation, key_transports, key_flagged_at`

func (s *Store) AddCredential(ctx context.Context, cred store.Credential) error {
	if !cred.Valid() {
		return fmt.Errorf("%w: credential payload does not match kind %q", store.ErrConflict, cred.Kind)
	}
	var (
		passwordHash                 sql.NullString
		provider, subject            sql.NullString
		linkedAt                     sql.NullTime
		keyID, pub, aaguid           []byte
		signCount                    sql.NullInt64
		label, attestation, transpts sql.NullString
		flagged                      sql.NullTime
	)
	switch {
	case cred.Password != nil:
		passwordHash = nullString(cred.Password.Hash)
	case cred.OAuth != nil:
		provider = nullString(cred.OAuth.Provider)
		subject = nullString(cred.OAuth.Subject)
		linkedAt = sql.NullTime{Time: cred.OAuth.LinkedAt, Valid: true}
	case cred.Key != nil:
		keyID, pub, aaguid = cred.Key.CredentialID, cred.Key.PublicKey, cred.Key.AAGUID
		signCount = sql.NullInt64{Int64: int64(cred.Key.SignCount), Valid: true}
		label = nullString(cred.Key.Label)
		attestation = nullString(cred.Key.AttestationType)
		encoded, err := json.Marshal(cred.Key.Transports)
		if err != nil {
			return err
		}
		transpts = sql.NullString{String: string(encoded), Valid: true}
		flagged = nullTime(cred.Key.FlaggedAt)
	}
	_, err := s.exec(ctx, `INSERT INTO credentials (`+credentialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		cred.ID, cred.UserID, string(cred.Kind), cred.CreatedAt, passwordHash, provider, subject,
		linkedAt, keyID, pub, signCount, label, aaguid, attestation, transpts, flagged)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (store.Credential, error) {
	var (
		c                            store.Credential
		kind                         string
		passwordHash                 sql.NullString
		provider, subject            sql.NullString
		linkedAt                     sql.NullTime
		keyID, pub, aaguid           []byte
		signCount                    sql.NullInt64
		label, attestation, transpts sql.NullString
		flagged                      sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.UserID, &kind, &c.CreatedAt, &passwordHash, &provider, &subject,
		&linkedAt, &keyID, &pub, &signCount, &label, &aaguid, &attestation, &transpts, &flagged); err != nil {
		return store.Credential{}, mapErr(err)
	}
	c.Kind = store.CredentialKind(kind)
	switch {
	case c.Kind == store.KindPassword:
		c.Password = &store.PasswordSecret{Hash: passwordHash.String}
	case c.Kind == store.KindOAuth:
		c.OAuth = &store.OAuthIdentity{Provider: provider.String, Subject: subject.String, LinkedAt: linkedAt.Time}
	case c.Kind.IsPublicKey():
		key := &store.PublicKey{
			CredentialID:    keyID,
			PublicKey:       pub,
			SignCount:       uint32(signCount.Int64),
			Label:           label.String,
			AAGUID:          aaguid,
			AttestationType: attestation.String,
			FlaggedAt:       timePtr(flagged),
		}
		if transpts.Valid {
			if err := json.Unmarshal([]byte(transpts.String), &key.Transports); err != nil {
				return store.Credential{}, fmt.Errorf("decode transports: %w", err)
			}
		}
		c.Key = key
	}
	return c, nil
}

func (s *Store) ListCredentials(ctx context.Context, userID string) ([]store.Credential, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	out := make([]store.Credential, 0)
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) GetPasswordCredential(ctx context.Context, userID string) (store.Credential, error) {
	return scanCredential(s.conn.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE user_id = $1 AND kind = 'password'`, userID))
}

func (s *Store) SetPasswordHash(ctx context.Context, userID, hash string, now time.Time) error {
	return s.execOne(ctx,
		`UPDATE credentials SET password_hash = $2 WHERE user_id = $1 AND kind = 'password'`, userID, hash)
}

func (s *Store) FindOAuthLink(ctx context.Context, provider, subject string) (store.Credential, error) {
	return scanCredential(s.conn.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE kind = 'oauth' AND oauth_provider = $1 AND oauth_subject = $2`,
		provider, subject))
}

func (s *Store) FindPublicKey(ctx context.Context, credentialID []byte) (store.Credential, error) {
	return scanCredential(s.conn.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE key_credential_id = $1`, credentialID))
}

func (s *Store) AdvanceSignCount(ctx context.Context, credentialID []byte, count uint32) (bool, error) {
	n, err := s.exec(ctx,
		`UPDATE credentials SET key_sign_count = $2 WHERE key_credential_id = $1 AND key_sign_count < $2`,
		credentialID, int64(count))
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.FindPublicKey(ctx, credentialID); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (s *Store) FlagCredential(ctx context.Context, credentialID []byte, at time.Time) error {
	return s.execOne(ctx, `UPDATE credentials SET key_flagged_at = $2 WHERE key_credential_id = $1`, credentialID, at)
}

// LockCredentials takes the user row lock. Outside InTx the lock ends with the statement.
func (s *Store) LockCredentials(ctx context.Context, userID string) error {
	var id string
	err := s.conn.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&id)
	return mapErr(err)
}

func (s *Store) DeleteCredential(ctx context.Context, userID, id string) error {
	return s.execOne(ctx, `DELETE FROM credentials WHERE id = $1 AND user_id = $2`, id, userID)
}

// mfa

func (s *Store) GetTOTP(ctx context.Context, userID string) (*store.TOTPFactor, error) {
	var (
		f         store.TOTPFactor
		confirmed sql.NullTime
	)
	err := s.conn.QueryRowContext(ctx,
		`SELECT user_id, secret, confirmed_at, last_used_step, pending_secret FROM totp_factors WHERE user_id = $1`,
		userID).Scan(&f.UserID, &f.Secret, &confirmed, &f.LastUsedStep, &f.PendingSecret)
	if err != nil {
		return nil, mapErr(err)
	}
	f.ConfirmedAt = timePtr(confirmed)
	return &f, nil
}

func (s *Store) SetPendingTOTP(ctx context.Context, userID string, secret []byte) error {
	_, err := s.exec(ctx, `INSERT INTO totp_factors (user_id, pending_secret) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET pending_secret = EXCLUDED.pending_secret`, userID, secret)
	return err
}

func (s *Store) ConfirmTOTP(ctx context.Context, userID string, pending []byte, step int64, at time.Time) (bool, error) {
	n, err := s.exec(ctx, `UPDATE totp_factors
		SET secret = pending_secret, pending_secret = NULL, confirmed_at = $3, last_used_step = $4
		WHERE user_id = $1 AND pending_secret = $2`, userID, pending, at, step)
	return n == 1, err
}

func (s *Store) AdvanceTOTPStep(ctx context.Context, userID string, step int64) (bool, error) {
	n, err := s.exec(ctx,
		`UPDATE totp_factors SET last_used_step = $2 WHERE user_id = $1 AND last_used_step < $2`, userID, step)
	return n == 1, err
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, userID string, codes []store.BackupCode) error {
	return s.InTx(ctx, func(tx store.Store) error {
		pg := tx.(*Store)
		if _, err := pg.exec(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID); err != nil {
			return err
		}
		for _, code := range codes {
			if _, err := pg.exec(ctx,
				`INSERT INTO backup_codes (id, user_id, hash, generated_at) VALUES ($1, $2, $3, $4)`,
				code.ID, userID, code.Hash[:], code.GeneratedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte, at time.Time) (bool, error) {
	n, err := s.exec(ctx, `UPDATE backup_codes SET consumed_at = $3
		WHERE id = (SELECT id FROM backup_codes WHERE user_id = $1 AND hash = $2 AND consumed_at IS NULL LIMIT 1)
		AND consumed_at IS NULL`, userID, hash[:], at)
	return n == 1, err
}

func (s *Store) CountBackupCodes(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM backup_codes WHERE user_id = $1 AND consumed_at IS NULL`, userID).Scan(&n)
	return n, mapErr(err)
}

// roles

func (s *Store) AssignRole(ctx context.Context, a store.RoleAssignment) error {
	_, err := s.exec(ctx, `INSERT INTO role_assignments (user_id, tenant_id, role) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`, a.UserID, a.TenantID, a.Role)
	return err
}

func (s *Store) ListRoles(ctx context.Context, userID, tenantID string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT role FROM role_assignments WHERE user_id = $1 AND tenant_id = $2 ORDER BY role`, userID, tenantID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	roles := make([]string, 0)
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, mapErr(err)
		}
		roles = append(roles, role)
	}
	return roles, mapErr(rows.Err())
}

// sessions

const sessionColumns = `access_token_id, refresh_token_id, user_id, tenant_id, roles, issued_at, expires_at,
	family_id, consumed, revoked`

func (s *Store) CreateSession(ctx context.Context, sess store.Session) error {
	roles, err := json.Marshal(sess.Roles)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO sessions (`+sessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.AccessTokenID, sess.RefreshTokenID, sess.UserID, sess.TenantID, string(roles),
		sess.IssuedAt, sess.ExpiresAt, sess.FamilyID, sess.Consumed, sess.Revoked)
	return err
}

func scanSession(row *sql.Row) (store.Session, error) {
	var (
		sess  store.Session
		roles string
	)
	if err := row.Scan(&sess.AccessTokenID, &sess.RefreshTokenID, &sess.UserID, &sess.TenantID, &roles,
		&sess.IssuedAt, &sess.ExpiresAt, &sess.FamilyID, &sess.Consumed, &sess.Revoked); err != nil {
		return store.Session{}, mapErr(err)
	}
	if err := json.Unmarshal([]byte(roles), &sess.Roles); err != nil {
		return store.Session{}, fmt.Errorf("decode roles: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSessionByAccessID(ctx context.Context, accessID string) (store.Session, error) {
	return scanSession(s.conn.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE access_token_id = $1`, accessID))
}

func (s *Store) GetSessionByRefreshID(ctx context.Context, refreshID string) (store.Session, error) {
	return scanSession(s.conn.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE refresh_token_id = $1`, refreshID))
}

func (s *Store) ConsumeRefreshToken(ctx context.Context, refreshID string) (bool, error) {
	n, err := s.exec(ctx,
		`UPDATE sessions SET consumed = TRUE WHERE refresh_token_id = $1 AND NOT consumed AND NOT revoked`, refreshID)
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetSessionByRefreshID(ctx, refreshID); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	n, err := s.exec(ctx, `UPDATE sessions SET revoked = TRUE WHERE family_id = $1 AND NOT revoked`, familyID)
	return int(n), err
}

func (s *Store) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	n, err := s.exec(ctx, `UPDATE sessions SET revoked = TRUE WHERE user_id = $1 AND NOT revoked`, userID)
	return int(n), err
}

// invitations

const invitationColumns = `id, token_hash, inviter_app_id, target_email, tenant_id, role, status, expires_at,
	created_at, accepted_at, accepted_user_id`

func (s *Store) CreateInvitation(ctx context.Context, inv store.Invitation) error {
	_, err := s.exec(ctx, `INSERT INTO invitations (`+invitationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inv.ID, inv.TokenHash[:], inv.InviterAppID, inv.TargetEmail, inv.TenantID, inv.Role, string(inv.Status),
		inv.ExpiresAt, inv.CreatedAt, nullTime(inv.AcceptedAt), nullString(inv.AcceptedUserID))
	return err
}

func (s *Store) GetInvitationByHash(ctx context.Context, hash [32]byte) (store.Invitation, error) {
	var (
		inv        store.Invitation
		tokenHash  []byte
		status     string
		acceptedAt sql.NullTime
		acceptedBy sql.NullString
	)
	err := s.conn.QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE token_hash = $1`, hash[:]).
		Scan(&inv.ID, &tokenHash, &inv.InviterAppID, &inv.TargetEmail, &inv.TenantID, &inv.Role, &status,
			&inv.ExpiresAt, &inv.CreatedAt, &acceptedAt, &acceptedBy)
	if err != nil {
		return store.Invitation{}, mapErr(err)
	}
	copy(inv.TokenHash[:], tokenHash)
	inv.Status = store.InvitationStatus(status)
	inv.AcceptedAt = timePtr(acceptedAt)
	inv.AcceptedUserID = acceptedBy.String
	return inv, nil
}

func (s *Store) AcceptInvitation(ctx context.Context, hash [32]byte, userID string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `UPDATE invitations SET status = 'accepted', accepted_at = $2, accepted_user_id = $3
		WHERE token_hash = $1 AND status = 'pending' AND expires_at > $2`, hash[:], now, userID)
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetInvitationByHash(ctx, hash); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (s *Store) RevokeInvitation(ctx context.Context, invitationID string) (bool, error) {
	n, err := s.exec(ctx, `UPDATE invitations SET status = 'revoked' WHERE id = $1 AND status = 'pending'`, invitationID)
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists bool
		if err := s.conn.QueryRowContext(ctx, `SELECT TRUE FROM invitations WHERE id = $1`, invitationID).Scan(&exists); err != nil {
			return false, mapErr(err)
		}
	}
	return n == 1, nil
}

func (s *Store) ExpireInvitations(ctx context.Context, now time.Time) (int, error) {
	n, err := s.exec(ctx, `UPDATE invitations SET status = 'expired' WHERE status = 'pending' AND expires_at <= $1`, now)
	return int(n), err
}

// recovery

func (s *Store) CreateRecoveryToken(ctx context.Context, t store.RecoveryToken) error {
	_, err := s.exec(ctx, `INSERT INTO recovery_tokens (token_hash, user_id, purpose, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`, t.TokenHash[:], t.UserID, string(t.Purpose), t.ExpiresAt, t.CreatedAt)
	return err
}

func (s *Store) GetRecoveryToken(ctx context.Context, hash [32]byte) (store.RecoveryToken, error) {
	var (
		t        store.RecoveryToken
		purpose  string
		consumed sql.NullTime
	)
	err := s.conn.QueryRowContext(ctx, `SELECT user_id, purpose, expires_at, created_at, consumed_at
		FROM recovery_tokens WHERE token_hash = $1`, hash[:]).Scan(&t.UserID, &purpose, &t.ExpiresAt, &t.CreatedAt, &consumed)
	if err != nil {
		return store.RecoveryToken{}, mapErr(err)
	}
	t.TokenHash = hash
	t.Purpose = store.RecoveryPurpose(purpose)
	t.ConsumedAt = timePtr(consumed)
	return t, nil
}

func (s *Store) ConsumeRecoveryToken(ctx context.Context, hash [32]byte, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `UPDATE recovery_tokens SET consumed_at = $2
		WHERE token_hash = $1 AND consumed_at IS NULL AND expires_at > $2`, hash[:], now)
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetRecoveryToken(ctx, hash); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

// webhooks

func (s *Store) EnqueueWebhook(ctx context.Context, e store.WebhookEvent) error {
	_, err := s.exec(ctx, `INSERT INTO webhook_events (id, inviter_app_id, type, payload, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, e.ID, e.InviterAppID, e.Type, e.Payload, e.Attempts, e.NextAttemptAt, e.CreatedAt)
	return err
}

func (s *Store) DueWebhooks(ctx context.Context, now time.Time, limit int) ([]store.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.QueryContext(ctx, `SELECT id, inviter_app_id, type, payload, attempts, next_attempt_at, created_at
		FROM webhook_events WHERE delivered_at IS NULL AND next_attempt_at <= $1
		ORDER BY created_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	out := make([]store.WebhookEvent, 0)
	for rows.Next() {
		var e store.WebhookEvent
		if err := rows.Scan(&e.ID, &e.InviterAppID, &e.Type, &e.Payload, &e.Attempts, &e.NextAttemptAt, &e.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, e)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) MarkWebhookDelivered(ctx context.Context, eventID string, at time.Time) error {
	return s.execOne(ctx, `UPDATE webhook_events SET delivered_at = $2 WHERE id = $1`, eventID, at)
}

func (s *Store) RescheduleWebhook(ctx context.Context, eventID string, attempts int, next time.Time) error {
	return s.execOne(ctx, `UPDATE webhook_events SET attempts = $2, next_attempt_at = $3 WHERE id = $1`,
		eventID, attempts, next)
}
