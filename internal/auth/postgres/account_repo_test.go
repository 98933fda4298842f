// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toletglobe/credcore/internal/auth"
	"github.com/toletglobe/credcore/pkg/errutil"
)

var columns = []string{
	"id", "username", "email", "password_hash", "role", "is_verified",
	"verification_token_hash", "verification_token_expires_at",
	"reset_token_hash", "reset_token_expires_at",
	"first_name", "last_name", "created_at", "updated_at",
}

func ptr[T any](v T) *T { return &v }

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err, "failed to create mock")
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		mock.Close()
	})
	return mock
}

func TestAccountRepository_FindByEmail(t *testing.T) {
	id := ulid.Make()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := now.Add(24 * time.Hour)

	t.Run("scans all columns", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`FROM accounts WHERE email = \$1`).
			WithArgs("ada@example.com").
			WillReturnRows(pgxmock.NewRows(columns).AddRow(
				id.String(), "ada", "ada@example.com", "$2a$10$hash", "Owner", false,
				ptr("digest"), ptr(expires),
				(*string)(nil), (*time.Time)(nil),
				ptr("Ada"), ptr("Lovelace"), now, now,
			))

		got, err := NewAccountRepository(mock).FindByEmail(context.Background(), "ada@example.com")
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, auth.RoleOwner, got.Role)
		require.NotNil(t, got.Verification)
		assert.Equal(t, "digest", got.Verification.Hash)
		assert.Equal(t, expires, got.Verification.ExpiresAt)
		assert.Nil(t, got.PasswordReset)
		assert.Equal(t, "Ada", got.FirstName)
		assert.Equal(t, "Lovelace", got.LastName)
	})

	t.Run("no rows is not found", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`FROM accounts WHERE email = \$1`).
			WithArgs("nobody@example.com").
			WillReturnRows(pgxmock.NewRows(columns))

		_, err := NewAccountRepository(mock).FindByEmail(context.Background(), "nobody@example.com")
		require.Error(t, err)
		assert.ErrorIs(t, err, auth.ErrNotFound)
		errutil.AssertErrorCode(t, err, "ACCOUNT_NOT_FOUND")
	})

	t.Run("query error", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`FROM accounts WHERE email = \$1`).
			WithArgs("ada@example.com").
			WillReturnError(errors.New("connection refused"))

		_, err := NewAccountRepository(mock).FindByEmail(context.Background(), "ada@example.com")
		require.Error(t, err)
		assert.NotErrorIs(t, err, auth.ErrNotFound)
		errutil.AssertErrorCode(t, err, "ACCOUNT_QUERY_FAILED")
		errutil.AssertErrorContext(t, err, "operation", "find by email")
	})

	t.Run("corrupt id", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`FROM accounts WHERE email = \$1`).
			WithArgs("ada@example.com").
			WillReturnRows(pgxmock.NewRows(columns).AddRow(
				"not-a-ulid", "ada", "ada@example.com", "h", "User", true,
				(*string)(nil), (*time.Time)(nil),
				(*string)(nil), (*time.Time)(nil),
				(*string)(nil), (*string)(nil), now, now,
			))

		_, err := NewAccountRepository(mock).FindByEmail(context.Background(), "ada@example.com")
		errutil.AssertErrorCode(t, err, "ACCOUNT_QUERY_FAILED")
	})
}

func TestAccountRepository_TokenLookupsFilterOnExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock := newMock(t)
	mock.ExpectQuery(`verification_token_hash = \$1 AND verification_token_expires_at > \$2`).
		WithArgs("vdigest", now).
		WillReturnRows(pgxmock.NewRows(columns))
	mock.ExpectQuery(`reset_token_hash = \$1 AND reset_token_expires_at > \$2`).
		WithArgs("rdigest", now).
		WillReturnRows(pgxmock.NewRows(columns))

	repo := NewAccountRepository(mock)
	_, err := repo.FindByVerificationHash(context.Background(), "vdigest", now)
	assert.ErrorIs(t, err, auth.ErrNotFound)
	errutil.AssertErrorContext(t, err, "purpose", "email_verification")

	_, err = repo.FindByResetHash(context.Background(), "rdigest", now)
	assert.ErrorIs(t, err, auth.ErrNotFound)
	errutil.AssertErrorContext(t, err, "purpose", "password_reset")
}

func TestAccountRepository_FindByUsernameIsCaseInsensitive(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`WHERE LOWER\(username\) = LOWER\(\$1\)`).
		WithArgs("Ada").
		WillReturnRows(pgxmock.NewRows(columns))

	_, err := NewAccountRepository(mock).FindByUsername(context.Background(), "Ada")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func newAccount(t *testing.T) *auth.Account {
	t.Helper()
	account, err := auth.NewAccount("ada", "ada@example.com", "$2a$10$hash", auth.RoleUser)
	require.NoError(t, err)
	return account
}

func TestAccountRepository_Create(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	anyArgs := make([]any, 12)
	for i := range anyArgs {
		anyArgs[i] = pgxmock.AnyArg()
	}

	tests := []struct {
		name    string
		err     error
		wantIs  error
		wantErr bool
	}{
		{name: "success"},
		{
			name:    "duplicate email",
			err:     &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: ConstraintEmail},
			wantIs:  auth.ErrDuplicateEmail,
			wantErr: true,
		},
		{
			name:    "duplicate username",
			err:     &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: ConstraintUsername},
			wantIs:  auth.ErrDuplicateUsername,
			wantErr: true,
		},
		{
			name:    "other unique violation",
			err:     &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "accounts_pkey"},
			wantErr: true,
		},
		{
			name:    "connection error",
			err:     errors.New("connection reset"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			expect := mock.ExpectQuery(`INSERT INTO accounts`).WithArgs(anyArgs...)
			if tt.err != nil {
				expect.WillReturnError(tt.err)
			} else {
				expect.WillReturnRows(pgxmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
			}

			account := newAccount(t)
			err := NewAccountRepository(mock).Create(context.Background(), account)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, now, account.CreatedAt)
				assert.Equal(t, now, account.UpdatedAt)
				return
			}
			require.Error(t, err)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
				return
			}
			assert.NotErrorIs(t, err, auth.ErrDuplicateEmail)
			assert.NotErrorIs(t, err, auth.ErrDuplicateUsername)
			errutil.AssertErrorCode(t, err, "ACCOUNT_CREATE_FAILED")
		})
	}
}

func TestAccountRepository_Save(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("writes token pair together", func(t *testing.T) {
		account := newAccount(t)
		account.UpdatedAt = now.Add(-time.Minute)
		account.SetPasswordReset(auth.IssuedToken{Hash: "rdigest", ExpiresAt: now.Add(15 * time.Minute)})

		mock := newMock(t)
		mock.ExpectQuery(`WHERE id = \$1 AND updated_at = \$13`).
			WithArgs(
				account.ID.String(), "ada", "ada@example.com", "$2a$10$hash", "User", false,
				(*string)(nil), (*time.Time)(nil),
				ptr("rdigest"), ptr(now.Add(15*time.Minute)),
				"", "",
				now.Add(-time.Minute),
			).
			WillReturnRows(pgxmock.NewRows([]string{"updated_at"}).AddRow(now))

		require.NoError(t, NewAccountRepository(mock).Save(context.Background(), account))
		assert.Equal(t, now, account.UpdatedAt)
	})

	t.Run("missing row is not found", func(t *testing.T) {
		account := newAccount(t)
		mock := newMock(t)
		mock.ExpectQuery(`UPDATE accounts SET`).
			WillReturnRows(pgxmock.NewRows([]string{"updated_at"}))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs(account.ID.String()).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

		err := NewAccountRepository(mock).Save(context.Background(), account)
		assert.ErrorIs(t, err, auth.ErrNotFound)
		errutil.AssertErrorCode(t, err, "ACCOUNT_NOT_FOUND")
	})

	t.Run("concurrently modified row is stale", func(t *testing.T) {
		account := newAccount(t)
		mock := newMock(t)
		mock.ExpectQuery(`UPDATE accounts SET`).
			WillReturnRows(pgxmock.NewRows([]string{"updated_at"}))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs(account.ID.String()).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

		err := NewAccountRepository(mock).Save(context.Background(), account)
		assert.ErrorIs(t, err, auth.ErrStaleAccount)
		assert.NotErrorIs(t, err, auth.ErrNotFound)
		errutil.AssertErrorCode(t, err, "ACCOUNT_STALE")
	})

	t.Run("existence check failure", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`UPDATE accounts SET`).
			WillReturnRows(pgxmock.NewRows([]string{"updated_at"}))
		mock.ExpectQuery(`SELECT EXISTS`).
			WillReturnError(errors.New("connection reset"))

		err := NewAccountRepository(mock).Save(context.Background(), newAccount(t))
		errutil.AssertErrorCode(t, err, "ACCOUNT_SAVE_FAILED")
		errutil.AssertErrorContext(t, err, "operation", "check account exists")
	})

	t.Run("email taken by another account", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`UPDATE accounts SET`).
			WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: ConstraintEmail})

		err := NewAccountRepository(mock).Save(context.Background(), newAccount(t))
		assert.ErrorIs(t, err, auth.ErrDuplicateEmail)
	})

	t.Run("other error", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`UPDATE accounts SET`).
			WillReturnError(errors.New("connection reset"))

		err := NewAccountRepository(mock).Save(context.Background(), newAccount(t))
		errutil.AssertErrorCode(t, err, "ACCOUNT_SAVE_FAILED")
	})
}

func TestAccountRepository_ConsumeTokens(t *testing.T) {
	id := ulid.Make()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("verification consume is one conditional update", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`is_verified = TRUE,\s+verification_token_hash = NULL`).
			WithArgs("vdigest", now).
			WillReturnRows(pgxmock.NewRows(columns).AddRow(
				id.String(), "ada", "ada@example.com", "$2a$10$hash", "User", true,
				(*string)(nil), (*time.Time)(nil),
				(*string)(nil), (*time.Time)(nil),
				ptr(""), ptr(""), now, now,
			))

		got, err := NewAccountRepository(mock).ConsumeVerificationToken(context.Background(), "vdigest", now)
		require.NoError(t, err)
		assert.True(t, got.IsVerified)
		assert.Nil(t, got.Verification)
	})

	t.Run("already consumed or expired token matches nothing", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`WHERE verification_token_hash = \$1 AND verification_token_expires_at > \$2`).
			WithArgs("vdigest", now).
			WillReturnRows(pgxmock.NewRows(columns))

		_, err := NewAccountRepository(mock).ConsumeVerificationToken(context.Background(), "vdigest", now)
		assert.ErrorIs(t, err, auth.ErrNotFound)
		errutil.AssertErrorCode(t, err, "ACCOUNT_NOT_FOUND")
	})

	t.Run("reset consume writes the new hash", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`password_hash = \$3,\s+reset_token_hash = NULL`).
			WithArgs("rdigest", now, "$2a$10$new").
			WillReturnRows(pgxmock.NewRows(columns).AddRow(
				id.String(), "ada", "ada@example.com", "$2a$10$new", "User", false,
				ptr("vdigest"), ptr(now.Add(time.Hour)),
				(*string)(nil), (*time.Time)(nil),
				ptr(""), ptr(""), now, now,
			))

		got, err := NewAccountRepository(mock).ConsumeResetToken(context.Background(), "rdigest", now, "$2a$10$new")
		require.NoError(t, err)
		assert.Equal(t, "$2a$10$new", got.PasswordHash)
		assert.Nil(t, got.PasswordReset)
		require.NotNil(t, got.Verification)
	})

	t.Run("reset consume query error", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`reset_token_hash = NULL`).
			WillReturnError(errors.New("connection reset"))

		_, err := NewAccountRepository(mock).ConsumeResetToken(context.Background(), "rdigest", now, "$2a$10$new")
		errutil.AssertErrorCode(t, err, "ACCOUNT_QUERY_FAILED")
		errutil.AssertErrorContext(t, err, "operation", "consume reset token")
	})
}

func TestAccountRepository_SlotWrites(t *testing.T) {
	id := ulid.Make()
	exp := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	token := auth.TokenState{Hash: "digest", ExpiresAt: exp}

	t.Run("verification token only for unverified accounts", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`WHERE id = \$1 AND NOT is_verified`).
			WithArgs(id.String(), "digest", exp).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectExec(`WHERE id = \$1 AND NOT is_verified`).
			WithArgs(id.String(), "digest", exp).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		repo := NewAccountRepository(mock)
		require.NoError(t, repo.SetVerificationToken(context.Background(), id, token))
		err := repo.SetVerificationToken(context.Background(), id, token)
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("reset token", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`reset_token_hash = \$2,\s+reset_token_expires_at = \$3`).
			WithArgs(id.String(), "digest", exp).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, NewAccountRepository(mock).SetResetToken(context.Background(), id, token))
	})

	t.Run("reset token write failure", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`reset_token_hash = \$2`).
			WillReturnError(errors.New("connection reset"))

		err := NewAccountRepository(mock).SetResetToken(context.Background(), id, token)
		errutil.AssertErrorCode(t, err, "ACCOUNT_UPDATE_FAILED")
		errutil.AssertErrorContext(t, err, "operation", "set reset token")
	})

	t.Run("withdraw compares the hash", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`WHERE id = \$1 AND verification_token_hash = \$2`).
			WithArgs(id.String(), "digest").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectExec(`WHERE id = \$1 AND verification_token_hash = \$2`).
			WithArgs(id.String(), "replaced").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		repo := NewAccountRepository(mock)
		withdrawn, err := repo.WithdrawVerificationToken(context.Background(), id, "digest")
		require.NoError(t, err)
		assert.True(t, withdrawn)

		withdrawn, err = repo.WithdrawVerificationToken(context.Background(), id, "replaced")
		require.NoError(t, err)
		assert.False(t, withdrawn)
	})

	t.Run("password hash compare and swap", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`WHERE id = \$1 AND password_hash = \$2`).
			WithArgs(id.String(), "$argon2id$old", "$2a$10$new").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectExec(`WHERE id = \$1 AND password_hash = \$2`).
			WithArgs(id.String(), "$argon2id$old", "$2a$10$new").
			WillReturnError(errors.New("connection reset"))

		repo := NewAccountRepository(mock)
		updated, err := repo.UpdatePasswordHash(context.Background(), id, "$argon2id$old", "$2a$10$new")
		require.NoError(t, err)
		assert.False(t, updated)

		_, err = repo.UpdatePasswordHash(context.Background(), id, "$argon2id$old", "$2a$10$new")
		errutil.AssertErrorCode(t, err, "ACCOUNT_UPDATE_FAILED")
	})
}

func TestAccountRepository_PurgeExpiredTokens(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("sums both purposes", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`WITH expired AS`).
			WithArgs(now).
			WillReturnRows(pgxmock.NewRows([]string{"v", "r"}).AddRow(int64(2), int64(1)))

		n, err := NewAccountRepository(mock).PurgeExpiredTokens(context.Background(), now)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("error", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`WITH expired AS`).
			WithArgs(now).
			WillReturnError(errors.New("deadlock detected"))

		_, err := NewAccountRepository(mock).PurgeExpiredTokens(context.Background(), now)
		errutil.AssertErrorCode(t, err, "ACCOUNT_PURGE_FAILED")
	})
}
