// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// CredentialStore persists accounts.
//
// Lookups return an error wrapping ErrNotFound when nothing matches. Token
// lookups match only when the stored expiry is strictly after now.
//
// Every write is atomic per account. The lifecycle writes through the
// slot-scoped methods, which touch only the columns they name and check
// their precondition in the same step as the write.
type CredentialStore interface {
	FindByID(ctx context.Context, id ulid.ULID) (*Account, error)

	// FindByEmail expects an already normalized email.
	FindByEmail(ctx context.Context, email string) (*Account, error)

	// FindByUsername matches case-insensitively.
	FindByUsername(ctx context.Context, username string) (*Account, error)

	FindByVerificationHash(ctx context.Context, hash string, now time.Time) (*Account, error)
	FindByResetHash(ctx context.Context, hash string, now time.Time) (*Account, error)

	// Create inserts a new account atomically. Uniqueness conflicts are
	// reported as ErrDuplicateEmail or ErrDuplicateUsername.
	Create(ctx context.Context, account *Account) error

	// Save writes every mutable field in one atomic step, provided the stored
	// account is unchanged since account was read (same UpdatedAt). Otherwise
	// it fails with ErrStaleAccount.
	Save(ctx context.Context, account *Account) error

	// ConsumeVerificationToken matches an unexpired verification token by
	// hash, marks the account verified and clears the slot, all in one step.
	// Only one caller can consume a given token.
	ConsumeVerificationToken(ctx context.Context, hash string, now time.Time) (*Account, error)

	// ConsumeResetToken matches an unexpired reset token by hash, replaces the
	// password hash and clears the slot, all in one step.
	ConsumeResetToken(ctx context.Context, hash string, now time.Time, passwordHash string) (*Account, error)

	// SetVerificationToken overwrites the verification slot of an unverified
	// account. A verified or missing account yields ErrNotFound.
	SetVerificationToken(ctx context.Context, id ulid.ULID, token TokenState) error

	// SetResetToken overwrites the reset slot.
	SetResetToken(ctx context.Context, id ulid.ULID, token TokenState) error

	// WithdrawVerificationToken clears the verification slot only while it
	// still holds hash, and reports whether it did.
	WithdrawVerificationToken(ctx context.Context, id ulid.ULID, hash string) (bool, error)

	// UpdatePasswordHash replaces the password hash only while it still
	// equals oldHash, and reports whether it did.
	UpdatePasswordHash(ctx context.Context, id ulid.ULID, oldHash, newHash string) (bool, error)

	// PurgeExpiredTokens clears token slots whose expiry is at or before now
	// and returns the number of slots cleared.
	PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// Email is an outgoing message.
type Email struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Mailer delivers email. It is the only outbound collaborator the lifecycle
// treats as fallible without failing the operation.
//
// Send may return on ctx expiry while the transport is still handing the
// message over, so a message reported as failed can still arrive. The
// lifecycle withdraws the token of a failed verification email, which makes
// the link in such a late message invalid; the user requests a new one.
type Mailer interface {
	Send(ctx context.Context, msg Email) error
}

// Composer renders the message carrying a freshly issued token.
type Composer interface {
	Compose(purpose TokenPurpose, account PublicAccount, token string, expiresAt time.Time) (Email, error)
}

// SessionCredential is a signed bearer credential.
type SessionCredential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionIssuer mints bearer credentials bound to an account and role.
type SessionIssuer interface {
	Issue(accountID ulid.ULID, role Role) (*SessionCredential, error)
}
