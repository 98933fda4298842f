// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

// Package postgres implements auth.CredentialStore on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/toletglobe/credcore/internal/auth"
	"github.com/toletglobe/credcore/internal/store"
)

// Unique constraints on the accounts table. Violations are translated by name.
const (
	ConstraintEmail    = "accounts_email_key"
	ConstraintUsername = "accounts_username_lower_key"
)

// Compile-time interface check.
var _ auth.CredentialStore = (*AccountRepository)(nil)

const accountColumns = `
	id, username, email, password_hash, role, is_verified,
	verification_token_hash, verification_token_expires_at,
	reset_token_hash, reset_token_expires_at,
	first_name, last_name, created_at, updated_at`

// AccountRepository implements auth.CredentialStore using PostgreSQL.
type AccountRepository struct {
	pool store.Pool
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(pool store.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

// FindByID retrieves an account by ID.
func (r *AccountRepository) FindByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id.String())
	return r.scanOne(row, "find by id", "id", id.String())
}

// FindByEmail retrieves an account by its normalized email.
func (r *AccountRepository) FindByEmail(ctx context.Context, email string) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
	return r.scanOne(row, "find by email", "email", email)
}

// FindByUsername retrieves an account by username (case-insensitive).
func (r *AccountRepository) FindByUsername(ctx context.Context, username string) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE LOWER(username) = LOWER($1)`, username)
	return r.scanOne(row, "find by username", "username", username)
}

// FindByVerificationHash retrieves the account holding an unexpired verification token with hash.
func (r *AccountRepository) FindByVerificationHash(ctx context.Context, hash string, now time.Time) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE verification_token_hash = $1 AND verification_token_expires_at > $2`, hash, now)
	return r.scanOne(row, "find by verification hash", "purpose", string(auth.PurposeEmailVerification))
}

// FindByResetHash retrieves the account holding an unexpired reset token with hash.
func (r *AccountRepository) FindByResetHash(ctx context.Context, hash string, now time.Time) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE reset_token_hash = $1 AND reset_token_expires_at > $2`, hash, now)
	return r.scanOne(row, "find by reset hash", "purpose", string(auth.PurposePasswordReset))
}

// Create inserts a new account. Unique violations become auth.ErrDuplicateEmail
// or auth.ErrDuplicateUsername.
func (r *AccountRepository) Create(ctx context.Context, account *auth.Account) error {
	vHash, vExp := tokenColumns(account.Verification)
	rHash, rExp := tokenColumns(account.PasswordReset)

	row := r.pool.QueryRow(ctx, `
		INSERT INTO accounts (
			id, username, email, password_hash, role, is_verified,
			verification_token_hash, verification_token_expires_at,
			reset_token_hash, reset_token_expires_at,
			first_name, last_name
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`,
		account.ID.String(),
		account.Username,
		account.Email,
		account.PasswordHash,
		string(account.Role),
		account.IsVerified,
		vHash, vExp,
		rHash, rExp,
		account.FirstName,
		account.LastName,
	)
	if err := row.Scan(&account.CreatedAt, &account.UpdatedAt); err != nil {
		if dup := translateUniqueViolation(err, account); dup != nil {
			return dup
		}
		return oops.Code("ACCOUNT_CREATE_FAILED").
			With("operation", "insert account").
			With("username", account.Username).
			Wrap(err)
	}
	return nil
}

// nextUpdatedAt advances updated_at strictly, so Save's compare-and-swap sees
// every intervening write even within one clock tick.
const nextUpdatedAt = `GREATEST(NOW(), updated_at + INTERVAL '1 microsecond')`

// Save writes every mutable field in a single UPDATE, guarded by the
// updated_at the account was read with. A concurrent write in between makes
// it fail with auth.ErrStaleAccount.
func (r *AccountRepository) Save(ctx context.Context, account *auth.Account) error {
	vHash, vExp := tokenColumns(account.Verification)
	rHash, rExp := tokenColumns(account.PasswordReset)

	row := r.pool.QueryRow(ctx, `
		UPDATE accounts SET
			username = $2,
			email = $3,
			password_hash = $4,
			role = $5,
			is_verified = $6,
			verification_token_hash = $7,
			verification_token_expires_at = $8,
			reset_token_hash = $9,
			reset_token_expires_at = $10,
			first_name = $11,
			last_name = $12,
			updated_at = `+nextUpdatedAt+`
		WHERE id = $1 AND updated_at = $13
		RETURNING updated_at
	`,
		account.ID.String(),
		account.Username,
		account.Email,
		account.PasswordHash,
		string(account.Role),
		account.IsVerified,
		vHash, vExp,
		rHash, rExp,
		account.FirstName,
		account.LastName,
		account.UpdatedAt,
	)
	if err := row.Scan(&account.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.missingOrStale(ctx, account.ID)
		}
		if dup := translateUniqueViolation(err, account); dup != nil {
			return dup
		}
		return oops.Code("ACCOUNT_SAVE_FAILED").
			With("operation", "update account").
			With("id", account.ID.String()).
			Wrap(err)
	}
	return nil
}

func (r *AccountRepository) missingOrStale(ctx context.Context, id ulid.ULID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, id.String()).Scan(&exists); err != nil {
		return oops.Code("ACCOUNT_SAVE_FAILED").
			With("operation", "check account exists").
			With("id", id.String()).
			Wrap(err)
	}
	if !exists {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return oops.Code("ACCOUNT_STALE").With("id", id.String()).Wrap(auth.ErrStaleAccount)
}

// ConsumeVerificationToken verifies the account holding the unexpired
// verification token and clears the slot in one UPDATE. Only one caller can
// match a given token.
func (r *AccountRepository) ConsumeVerificationToken(ctx context.Context, hash string, now time.Time) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE accounts SET
			is_verified = TRUE,
			verification_token_hash = NULL,
			verification_token_expires_at = NULL,
			updated_at = `+nextUpdatedAt+`
		WHERE verification_token_hash = $1 AND verification_token_expires_at > $2
		RETURNING `+accountColumns, hash, now)
	return r.scanOne(row, "consume verification token", "purpose", string(auth.PurposeEmailVerification))
}

// ConsumeResetToken replaces the password hash of the account holding the
// unexpired reset token and clears the slot in one UPDATE.
func (r *AccountRepository) ConsumeResetToken(ctx context.Context, hash string, now time.Time, passwordHash string) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE accounts SET
			password_hash = $3,
			reset_token_hash = NULL,
			reset_token_expires_at = NULL,
			updated_at = `+nextUpdatedAt+`
		WHERE reset_token_hash = $1 AND reset_token_expires_at > $2
		RETURNING `+accountColumns, hash, now, passwordHash)
	return r.scanOne(row, "consume reset token", "purpose", string(auth.PurposePasswordReset))
}

// SetVerificationToken overwrites the verification slot of an unverified account.
func (r *AccountRepository) SetVerificationToken(ctx context.Context, id ulid.ULID, token auth.TokenState) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE accounts SET
			verification_token_hash = $2,
			verification_token_expires_at = $3,
			updated_at = `+nextUpdatedAt+`
		WHERE id = $1 AND NOT is_verified
	`, id.String(), token.Hash, token.ExpiresAt)
	return r.slotResult(tag, err, "set verification token", id)
}

// SetResetToken overwrites the reset slot.
func (r *AccountRepository) SetResetToken(ctx context.Context, id ulid.ULID, token auth.TokenState) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE accounts SET
			reset_token_hash = $2,
			reset_token_expires_at = $3,
			updated_at = `+nextUpdatedAt+`
		WHERE id = $1
	`, id.String(), token.Hash, token.ExpiresAt)
	return r.slotResult(tag, err, "set reset token", id)
}

// WithdrawVerificationToken clears the verification slot while it still holds hash.
func (r *AccountRepository) WithdrawVerificationToken(ctx context.Context, id ulid.ULID, hash string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE accounts SET
			verification_token_hash = NULL,
			verification_token_expires_at = NULL,
			updated_at = `+nextUpdatedAt+`
		WHERE id = $1 AND verification_token_hash = $2
	`, id.String(), hash)
	return conditional(r.slotResult(tag, err, "withdraw verification token", id))
}

// UpdatePasswordHash replaces the password hash while it still equals oldHash.
func (r *AccountRepository) UpdatePasswordHash(ctx context.Context, id ulid.ULID, oldHash, newHash string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE accounts SET
			password_hash = $3,
			updated_at = `+nextUpdatedAt+`
		WHERE id = $1 AND password_hash = $2
	`, id.String(), oldHash, newHash)
	return conditional(r.slotResult(tag, err, "update password hash", id))
}

func (r *AccountRepository) slotResult(tag pgconn.CommandTag, err error, operation string, id ulid.ULID) error {
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").
			With("operation", operation).
			With("id", id.String()).
			Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("operation", operation).
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// conditional turns the ErrNotFound of an unmet precondition into false.
func conditional(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, auth.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// PurgeExpiredTokens clears token slots whose expiry is at or before now.
func (r *AccountRepository) PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	var verification, reset int64
	err := r.pool.QueryRow(ctx, `
		WITH expired AS (
			SELECT id,
			       COALESCE(verification_token_expires_at <= $1, false) AS v,
			       COALESCE(reset_token_expires_at <= $1, false) AS r
			FROM accounts
			WHERE verification_token_expires_at <= $1 OR reset_token_expires_at <= $1
			FOR UPDATE
		), cleared AS (
			UPDATE accounts a SET
				verification_token_hash = CASE WHEN e.v THEN NULL ELSE a.verification_token_hash END,
				verification_token_expires_at = CASE WHEN e.v THEN NULL ELSE a.verification_token_expires_at END,
				reset_token_hash = CASE WHEN e.r THEN NULL ELSE a.reset_token_hash END,
				reset_token_expires_at = CASE WHEN e.r THEN NULL ELSE a.reset_token_expires_at END,
				updated_at = GREATEST(NOW(), a.updated_at + INTERVAL '1 microsecond')
			FROM expired e
			WHERE a.id = e.id
			RETURNING e.v, e.r
		)
		SELECT COUNT(*) FILTER (WHERE v), COUNT(*) FILTER (WHERE r) FROM cleared
	`, now).Scan(&verification, &reset)
	if err != nil {
		return 0, oops.Code("ACCOUNT_PURGE_FAILED").
			With("operation", "purge expired tokens").
			Wrap(err)
	}
	return verification + reset, nil
}

func (r *AccountRepository) scanOne(row pgx.Row, operation, key, value string) (*auth.Account, error) {
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With(key, value).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_QUERY_FAILED").
			With("operation", operation).
			With(key, value).
			Wrap(err)
	}
	return account, nil
}

func scanAccount(row pgx.Row) (*auth.Account, error) {
	var (
		a           auth.Account
		idStr       string
		role        string
		vHash       *string
		vExp        *time.Time
		rHash       *string
		rExp        *time.Time
		first, last *string
	)
	if err := row.Scan(
		&idStr, &a.Username, &a.Email, &a.PasswordHash, &role, &a.IsVerified,
		&vHash, &vExp,
		&rHash, &rExp,
		&first, &last, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err //nolint:wrapcheck // wrapped by scanOne
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.With("operation", "parse account id").With("id", idStr).Wrap(err)
	}
	a.ID = id
	a.Role = auth.Role(role)
	a.Verification = tokenState(vHash, vExp)
	a.PasswordReset = tokenState(rHash, rExp)
	if first != nil {
		a.FirstName = *first
	}
	if last != nil {
		a.LastName = *last
	}
	return &a, nil
}

func tokenColumns(st *auth.TokenState) (*string, *time.Time) {
	if st == nil {
		return nil, nil
	}
	hash, exp := st.Hash, st.ExpiresAt
	return &hash, &exp
}

func tokenState(hash *string, exp *time.Time) *auth.TokenState {
	if hash == nil || exp == nil {
		return nil
	}
	return &auth.TokenState{Hash: *hash, ExpiresAt: *exp}
}

func translateUniqueViolation(err error, account *auth.Account) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return nil
	}
	switch pgErr.ConstraintName {
	case ConstraintEmail:
		return oops.With("email", account.Email).Wrap(auth.ErrDuplicateEmail)
	case ConstraintUsername:
		return oops.With("username", account.Username).Wrap(auth.ErrDuplicateUsername)
	default:
		return nil
	}
}
