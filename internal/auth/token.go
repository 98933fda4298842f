// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/samber/oops"
)

// TokenPurpose names the slot a single-use token belongs to.
type TokenPurpose string

// Token purposes. Each has an independent slot on the account.
const (
	PurposeEmailVerification TokenPurpose = "email_verification"
	PurposePasswordReset     TokenPurpose = "password_reset"
)

func (p TokenPurpose) String() string {
	return string(p)
}

// Token configuration.
const (
	TokenBytes = 32 // 32 bytes = 64 hex chars

	DefaultVerificationTTL = 24 * time.Hour
	DefaultResetTTL        = 15 * time.Minute
)

// IssuedToken is the result of issuing a token. Plaintext is delivered out of
// band exactly once; only Hash and ExpiresAt are persisted.
type IssuedToken struct {
	Plaintext string
	Hash      string
	ExpiresAt time.Time
}

// State returns the persistable part of the token.
func (t IssuedToken) State() *TokenState {
	return &TokenState{Hash: t.Hash, ExpiresAt: t.ExpiresAt}
}

// TokenIssuer issues single-use tokens and digests presented plaintexts.
type TokenIssuer interface {
	Issue(ttl time.Duration) (IssuedToken, error)
	Digest(plaintext string) string
}

// TokenGenerator produces random hex tokens and their SHA-256 digests.
type TokenGenerator struct {
	now func() time.Time
}

// TokenOption configures a TokenGenerator.
type TokenOption func(*TokenGenerator)

// WithTokenClock sets the clock used to compute expiry.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(g *TokenGenerator) {
		if now != nil {
			g.now = now
		}
	}
}

// NewTokenGenerator creates a TokenGenerator using the wall clock unless overridden.
func NewTokenGenerator(opts ...TokenOption) *TokenGenerator {
	g := &TokenGenerator{now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Issue creates a new token expiring ttl from now.
func (g *TokenGenerator) Issue(ttl time.Duration) (IssuedToken, error) {
	if ttl <= 0 {
		return IssuedToken{}, oops.Code(CodeInvalidInput).
			With("ttl", ttl.String()).
			Wrapf(ErrInvalidInput, "token ttl must be positive")
	}

	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return IssuedToken{}, oops.Code(CodeInternal).
			With("operation", "read random bytes").
			Wrap(err)
	}

	plaintext := hex.EncodeToString(buf)
	return IssuedToken{
		Plaintext: plaintext,
		Hash:      g.Digest(plaintext),
		ExpiresAt: g.now().Add(ttl),
	}, nil
}

// Digest returns the hex SHA-256 of plaintext. It is the only form in which
// tokens are stored or compared.
func (g *TokenGenerator) Digest(plaintext string) string {
	return DigestToken(plaintext)
}

// DigestToken is the package-level form of TokenGenerator.Digest.
func DigestToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
