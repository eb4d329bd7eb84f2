package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/MrEthical07/authcore/store"
	"github.com/jackc/pgx/v5/pgconn"
)

func newStoreWithMock(t *testing.T) (*Store, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return New(db), mock, db
}

func TestCreateUserUniqueViolationMapsToConflict(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+users\b`).
		WithArgs("u1", "a@example.com", false, int16(0), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"})

	err := s.CreateUser(context.Background(), store.User{ID: "u1", Email: "a@example.com", CreatedAt: time.Now()})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetUserNoRowsMapsToNotFound(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)^SELECT .* FROM users WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "email_verified", "status", "created_at"}))

	_, err := s.GetUser(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConsumeRefreshTokenLoserSeesFalse(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^UPDATE sessions SET consumed = TRUE WHERE refresh_token_id = \$1 AND NOT consumed AND NOT revoked`).
		WithArgs("r1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`(?s)^SELECT .* FROM sessions WHERE refresh_token_id = \$1`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"access_token_id", "refresh_token_id", "user_id", "tenant_id", "roles",
			"issued_at", "expires_at", "family_id", "consumed", "revoked"}).
			AddRow("a1", "r1", "u1", "t1", `["editor"]`, time.Now(), time.Now(), "f1", true, false))

	ok, err := s.ConsumeRefreshToken(context.Background(), "r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected already-consumed token to report false")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAcceptInvitationIsGuardedUpdate(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	hash := [32]byte{1}
	now := time.Now()
	mock.ExpectExec(`(?s)^UPDATE invitations SET status = 'accepted'.*WHERE token_hash = \$1 AND status = 'pending' AND expires_at > \$2`).
		WithArgs(hash[:], now, "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.AcceptInvitation(context.Background(), hash, "u1", now)
	if err != nil || !ok {
		t.Fatalf("expected accept to win, ok=%v err=%v", ok, err)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+role_assignments`).
		WithArgs("u1", "t1", "editor").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(tx store.Store) error {
		if err := tx.AssignRole(context.Background(), store.RoleAssignment{UserID: "u1", TenantID: "t1", Role: "editor"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAdvanceSignCountRejectsNonIncreasing(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	id := []byte{1, 2}
	mock.ExpectExec(`(?s)^UPDATE credentials SET key_sign_count = \$2 WHERE key_credential_id = \$1 AND key_sign_count < \$2`).
		WithArgs(id, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`(?s)^SELECT .* FROM credentials WHERE key_credential_id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "kind", "created_at", "password_hash", "oauth_provider",
			"oauth_subject", "oauth_linked_at", "key_credential_id", "key_public", "key_sign_count", "key_label",
			"key_aaguid", "key_attestation", "key_transports", "key_flagged_at"}).
			AddRow("k1", "u1", "webauthn", time.Now(), nil, nil, nil, nil, id, []byte{9}, int64(7), "laptop", nil, "none", `["usb"]`, nil))

	ok, err := s.AdvanceSignCount(context.Background(), id, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected regressed counter to be rejected")
	}
}

func TestUnlinkLocksUserRowBeforeCounting(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)^SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectQuery(`(?s)^SELECT .* FROM credentials WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "kind", "created_at", "password_hash", "oauth_provider",
			"oauth_subject", "oauth_linked_at", "key_credential_id", "key_public", "key_sign_count", "key_label",
			"key_aaguid", "key_attestation", "key_transports", "key_flagged_at"}).
			AddRow("c1", "u1", "password", time.Now(), "$argon2id$x", nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil).
			AddRow("c2", "u1", "oauth", time.Now(), nil, "acme", "sub-1", time.Now(), nil, nil, nil, nil, nil, nil, nil, nil))
	mock.ExpectExec(`(?s)^DELETE FROM credentials WHERE id = \$1 AND user_id = \$2`).
		WithArgs("c2", "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(tx store.Store) error {
		if err := tx.LockCredentials(context.Background(), "u1"); err != nil {
			return err
		}
		creds, err := tx.ListCredentials(context.Background(), "u1")
		if err != nil {
			return err
		}
		if len(creds) != 2 {
			t.Fatalf("expected 2 credentials, got %d", len(creds))
		}
		return tx.DeleteCredential(context.Background(), "u1", "c2")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLockCredentialsUnknownUser(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)^SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if err := s.LockCredentials(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
