// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

// Package memory provides an in-process CredentialStore for tests and local development.
package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/toletglobe/credcore/internal/auth"
)

// Compile-time interface check.
var _ auth.CredentialStore = (*Store)(nil)

// Store keeps accounts in a map guarded by a mutex. Every read returns a copy,
// and every write checks its precondition and mutates the record under one lock.
type Store struct {
	mu         sync.RWMutex
	accounts   map[ulid.ULID]*auth.Account
	byEmail    map[string]ulid.ULID
	byUsername map[string]ulid.ULID
	now        func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		accounts:   make(map[ulid.ULID]*auth.Account),
		byEmail:    make(map[string]ulid.ULID),
		byUsername: make(map[string]ulid.ULID),
		now:        time.Now,
	}
}

func usernameKey(username string) string {
	return strings.ToLower(username)
}

// Len returns the number of stored accounts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// FindByID returns the account with id.
func (s *Store) FindByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.With("operation", "find by id").Wrap(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, oops.With("account_id", id.String()).Wrap(auth.ErrNotFound)
	}
	return a.Clone(), nil
}

// FindByEmail returns the account with email.
func (s *Store) FindByEmail(ctx context.Context, email string) (*auth.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.With("operation", "find by email").Wrap(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[email]
	if !ok {
		return nil, oops.With("email", email).Wrap(auth.ErrNotFound)
	}
	return s.accounts[id].Clone(), nil
}

// FindByUsername returns the account with username, ignoring case.
func (s *Store) FindByUsername(ctx context.Context, username string) (*auth.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.With("operation", "find by username").Wrap(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUsername[usernameKey(username)]
	if !ok {
		return nil, oops.With("username", username).Wrap(auth.ErrNotFound)
	}
	return s.accounts[id].Clone(), nil
}

// FindByVerificationHash returns the account whose unexpired verification token has hash.
func (s *Store) FindByVerificationHash(ctx context.Context, hash string, now time.Time) (*auth.Account, error) {
	return s.findByToken(ctx, hash, now, func(a *auth.Account) *auth.TokenState { return a.Verification })
}

// FindByResetHash returns the account whose unexpired reset token has hash.
func (s *Store) FindByResetHash(ctx context.Context, hash string, now time.Time) (*auth.Account, error) {
	return s.findByToken(ctx, hash, now, func(a *auth.Account) *auth.TokenState { return a.PasswordReset })
}

func (s *Store) findByToken(ctx context.Context, hash string, now time.Time, slot func(*auth.Account) *auth.TokenState) (*auth.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.With("operation", "find by token hash").Wrap(err)
	}
	if hash == "" {
		return nil, oops.With("operation", "find by token hash").Wrap(auth.ErrNotFound)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if st := slot(a); st != nil && st.Hash == hash && st.ValidAt(now) {
			return a.Clone(), nil
		}
	}
	return nil, oops.With("operation", "find by token hash").Wrap(auth.ErrNotFound)
}

// Create inserts account, enforcing email and username uniqueness under the lock.
func (s *Store) Create(ctx context.Context, account *auth.Account) error {
	if err := ctx.Err(); err != nil {
		return oops.With("operation", "create account").Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[account.Email]; ok {
		return oops.With("email", account.Email).Wrap(auth.ErrDuplicateEmail)
	}
	if _, ok := s.byUsername[usernameKey(account.Username)]; ok {
		return oops.With("username", account.Username).Wrap(auth.ErrDuplicateUsername)
	}
	if _, ok := s.accounts[account.ID]; ok {
		return oops.With("account_id", account.ID.String()).Errorf("account id already exists")
	}

	now := s.now()
	account.CreatedAt = now
	account.UpdatedAt = now

	s.accounts[account.ID] = account.Clone()
	s.byEmail[account.Email] = account.ID
	s.byUsername[usernameKey(account.Username)] = account.ID
	return nil
}

// Save replaces the stored account if it is unchanged since account was read.
// Email and username changes are checked for conflicts.
func (s *Store) Save(ctx context.Context, account *auth.Account) error {
	if err := ctx.Err(); err != nil {
		return oops.With("operation", "save account").Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.accounts[account.ID]
	if !ok {
		return oops.With("account_id", account.ID.String()).Wrap(auth.ErrNotFound)
	}
	if !prev.UpdatedAt.Equal(account.UpdatedAt) {
		return oops.With("account_id", account.ID.String()).Wrap(auth.ErrStaleAccount)
	}
	if prev.Email != account.Email {
		if _, taken := s.byEmail[account.Email]; taken {
			return oops.With("email", account.Email).Wrap(auth.ErrDuplicateEmail)
		}
	}
	oldKey, newKey := usernameKey(prev.Username), usernameKey(account.Username)
	if oldKey != newKey {
		if _, taken := s.byUsername[newKey]; taken {
			return oops.With("username", account.Username).Wrap(auth.ErrDuplicateUsername)
		}
	}

	delete(s.byEmail, prev.Email)
	delete(s.byUsername, oldKey)

	account.CreatedAt = prev.CreatedAt
	account.UpdatedAt = s.nextUpdate(prev)
	s.accounts[account.ID] = account.Clone()
	s.byEmail[account.Email] = account.ID
	s.byUsername[newKey] = account.ID
	return nil
}

// ConsumeVerificationToken marks the account holding the unexpired
// verification token verified and clears the slot.
func (s *Store) ConsumeVerificationToken(ctx context.Context, hash string, now time.Time) (*auth.Account, error) {
	return s.consumeToken(ctx, "consume verification token", hash, now,
		func(a *auth.Account) *auth.TokenState { return a.Verification },
		func(a *auth.Account) {
			a.IsVerified = true
			a.ClearVerification()
		})
}

// ConsumeResetToken replaces the password hash of the account holding the
// unexpired reset token and clears the slot.
func (s *Store) ConsumeResetToken(ctx context.Context, hash string, now time.Time, passwordHash string) (*auth.Account, error) {
	return s.consumeToken(ctx, "consume reset token", hash, now,
		func(a *auth.Account) *auth.TokenState { return a.PasswordReset },
		func(a *auth.Account) {
			a.PasswordHash = passwordHash
			a.ClearPasswordReset()
		})
}

func (s *Store) consumeToken(ctx context.Context, op, hash string, now time.Time, slot func(*auth.Account) *auth.TokenState, apply func(*auth.Account)) (*auth.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.With("operation", op).Wrap(err)
	}
	if hash == "" {
		return nil, oops.With("operation", op).Wrap(auth.ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		if st := slot(a); st != nil && st.Hash == hash && st.ValidAt(now) {
			apply(a)
			a.UpdatedAt = s.nextUpdate(a)
			return a.Clone(), nil
		}
	}
	return nil, oops.With("operation", op).Wrap(auth.ErrNotFound)
}

// SetVerificationToken overwrites the verification slot of an unverified account.
func (s *Store) SetVerificationToken(ctx context.Context, id ulid.ULID, token auth.TokenState) error {
	return s.update(ctx, "set verification token", id, func(a *auth.Account) bool {
		if a.IsVerified {
			return false
		}
		a.Verification = &token
		return true
	})
}

// SetResetToken overwrites the reset slot.
func (s *Store) SetResetToken(ctx context.Context, id ulid.ULID, token auth.TokenState) error {
	return s.update(ctx, "set reset token", id, func(a *auth.Account) bool {
		a.PasswordReset = &token
		return true
	})
}

// WithdrawVerificationToken clears the verification slot while it still holds hash.
func (s *Store) WithdrawVerificationToken(ctx context.Context, id ulid.ULID, hash string) (bool, error) {
	err := s.update(ctx, "withdraw verification token", id, func(a *auth.Account) bool {
		if a.Verification == nil || a.Verification.Hash != hash {
			return false
		}
		a.ClearVerification()
		return true
	})
	return conditional(err)
}

// UpdatePasswordHash replaces the password hash while it still equals oldHash.
func (s *Store) UpdatePasswordHash(ctx context.Context, id ulid.ULID, oldHash, newHash string) (bool, error) {
	err := s.update(ctx, "update password hash", id, func(a *auth.Account) bool {
		if a.PasswordHash != oldHash {
			return false
		}
		a.PasswordHash = newHash
		return true
	})
	return conditional(err)
}

// update applies fn to the stored account under the write lock. A false
// return from fn, like a missing account, yields ErrNotFound.
func (s *Store) update(ctx context.Context, op string, id ulid.ULID, fn func(*auth.Account) bool) error {
	if err := ctx.Err(); err != nil {
		return oops.With("operation", op).Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok || !fn(a) {
		return oops.With("operation", op).With("account_id", id.String()).Wrap(auth.ErrNotFound)
	}
	a.UpdatedAt = s.nextUpdate(a)
	return nil
}

// nextUpdate returns a timestamp strictly after a's last update, so Save can
// detect every intervening write.
func (s *Store) nextUpdate(a *auth.Account) time.Time {
	next := s.now()
	if !next.After(a.UpdatedAt) {
		next = a.UpdatedAt.Add(time.Nanosecond)
	}
	return next
}

// conditional turns the ErrNotFound of a failed precondition into false.
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

// PurgeExpiredTokens clears every token slot that is no longer valid at now.
func (s *Store) PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, oops.With("operation", "purge expired tokens").Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var cleared int64
	for _, a := range s.accounts {
		touched := false
		if a.Verification != nil && !a.Verification.ValidAt(now) {
			a.ClearVerification()
			touched = true
			cleared++
		}
		if a.PasswordReset != nil && !a.PasswordReset.ValidAt(now) {
			a.ClearPasswordReset()
			touched = true
			cleared++
		}
		if touched {
			a.UpdatedAt = s.nextUpdate(a)
		}
	}
	return cleared, nil
}
