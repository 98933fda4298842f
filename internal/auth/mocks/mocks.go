// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

// Package mocks provides testify mocks for the auth collaborators.
package mocks

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/mock"

	"github.com/toletglobe/credcore/internal/auth"
)

// TestingT is the subset of testing.T the constructors need.
type TestingT interface {
	mock.TestingT
	Cleanup(func())
}

func accountResult(args mock.Arguments) (*auth.Account, error) {
	var account *auth.Account
	if a := args.Get(0); a != nil {
		account = a.(*auth.Account)
	}
	return account, args.Error(1)
}

// MockCredentialStore is a mock auth.CredentialStore.
type MockCredentialStore struct {
	mock.Mock
}

// NewMockCredentialStore creates a mock whose expectations are asserted on cleanup.
func NewMockCredentialStore(t TestingT) *MockCredentialStore {
	m := &MockCredentialStore{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockCredentialStore) FindByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	return accountResult(m.Called(ctx, id))
}

func (m *MockCredentialStore) FindByEmail(ctx context.Context, email string) (*auth.Account, error) {
	return accountResult(m.Called(ctx, email))
}

func (m *MockCredentialStore) FindByUsername(ctx context.Context, username string) (*auth.Account, error) {
	return accountResult(m.Called(ctx, username))
}

func (m *MockCredentialStore) FindByVerificationHash(ctx context.Context, hash string, now time.Time) (*auth.Account, error) {
	return accountResult(m.Called(ctx, hash, now))
}

func (m *MockCredentialStore) FindByResetHash(ctx context.Context, hash string, now time.Time) (*auth.Account, error) {
	return accountResult(m.Called(ctx, hash, now))
}

func (m *MockCredentialStore) Create(ctx context.Context, account *auth.Account) error {
	return m.Called(ctx, account).Error(0)
}

func (m *MockCredentialStore) Save(ctx context.Context, account *auth.Account) error {
	return m.Called(ctx, account).Error(0)
}

func (m *MockCredentialStore) ConsumeVerificationToken(ctx context.Context, hash string, now time.Time) (*auth.Account, error) {
	return accountResult(m.Called(ctx, hash, now))
}

func (m *MockCredentialStore) ConsumeResetToken(ctx context.Context, hash string, now time.Time, passwordHash string) (*auth.Account, error) {
	return accountResult(m.Called(ctx, hash, now, passwordHash))
}

func (m *MockCredentialStore) SetVerificationToken(ctx context.Context, id ulid.ULID, token auth.TokenState) error {
	return m.Called(ctx, id, token).Error(0)
}

func (m *MockCredentialStore) SetResetToken(ctx context.Context, id ulid.ULID, token auth.TokenState) error {
	return m.Called(ctx, id, token).Error(0)
}

func (m *MockCredentialStore) WithdrawVerificationToken(ctx context.Context, id ulid.ULID, hash string) (bool, error) {
	args := m.Called(ctx, id, hash)
	return args.Bool(0), args.Error(1)
}

func (m *MockCredentialStore) UpdatePasswordHash(ctx context.Context, id ulid.ULID, oldHash, newHash string) (bool, error) {
	args := m.Called(ctx, id, oldHash, newHash)
	return args.Bool(0), args.Error(1)
}

func (m *MockCredentialStore) PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

// MockPasswordHasher is a mock auth.PasswordHasher.
type MockPasswordHasher struct {
	mock.Mock
}

// NewMockPasswordHasher creates a mock whose expectations are asserted on cleanup.
func NewMockPasswordHasher(t TestingT) *MockPasswordHasher {
	m := &MockPasswordHasher{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockPasswordHasher) Hash(password string) (string, error) {
	args := m.Called(password)
	return args.String(0), args.Error(1)
}

func (m *MockPasswordHasher) Verify(password, hash string) (bool, error) {
	args := m.Called(password, hash)
	return args.Bool(0), args.Error(1)
}

func (m *MockPasswordHasher) NeedsUpgrade(hash string) bool {
	return m.Called(hash).Bool(0)
}

// MockSessionIssuer is a mock auth.SessionIssuer.
type MockSessionIssuer struct {
	mock.Mock
}

// NewMockSessionIssuer creates a mock whose expectations are asserted on cleanup.
func NewMockSessionIssuer(t TestingT) *MockSessionIssuer {
	m := &MockSessionIssuer{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockSessionIssuer) Issue(accountID ulid.ULID, role auth.Role) (*auth.SessionCredential, error) {
	args := m.Called(accountID, role)
	var cred *auth.SessionCredential
	if c := args.Get(0); c != nil {
		cred = c.(*auth.SessionCredential)
	}
	return cred, args.Error(1)
}

// MockMailer is a mock auth.Mailer.
type MockMailer struct {
	mock.Mock
}

// NewMockMailer creates a mock whose expectations are asserted on cleanup.
func NewMockMailer(t TestingT) *MockMailer {
	m := &MockMailer{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockMailer) Send(ctx context.Context, msg auth.Email) error {
	return m.Called(ctx, msg).Error(0)
}

// MockComposer is a mock auth.Composer.
type MockComposer struct {
	mock.Mock
}

// NewMockComposer creates a mock whose expectations are asserted on cleanup.
func NewMockComposer(t TestingT) *MockComposer {
	m := &MockComposer{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockComposer) Compose(purpose auth.TokenPurpose, account auth.PublicAccount, token string, expiresAt time.Time) (auth.Email, error) {
	args := m.Called(purpose, account, token, expiresAt)
	return args.Get(0).(auth.Email), args.Error(1)
}
