// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

// Package session mints and verifies signed bearer credentials.
package session

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/toletglobe/credcore/internal/auth"
)

// Error codes for session failures.
const (
	CodeExpired          = "SESSION_EXPIRED"
	CodeMalformed        = "SESSION_MALFORMED"
	CodeInvalidSignature = "SESSION_INVALID_SIGNATURE"
	CodeForbidden        = "SESSION_FORBIDDEN"
	CodeConfigInvalid    = "SESSION_CONFIG_INVALID"
	CodeSigningFailed    = "SESSION_SIGNING_FAILED"
)

// Sentinel errors.
var (
	ErrExpiredCredential   = errors.New("session credential has expired")
	ErrMalformedCredential = errors.New("session credential is malformed")
	ErrInvalidSignature    = errors.New("session credential signature is invalid")
	ErrForbidden           = errors.New("role is not permitted")
)

// Defaults.
const (
	DefaultTTL       = time.Hour
	DefaultIssuer    = "credcore"
	MinSecretLength  = 32
	signingAlgorithm = "HS256"
)

// Claims are the verified contents of a session credential.
type Claims struct {
	Role auth.Role `json:"role"`
	jwt.RegisteredClaims
}

// AccountID parses the subject claim.
func (c *Claims) AccountID() (ulid.ULID, error) {
	id, err := ulid.Parse(c.Subject)
	if err != nil {
		return ulid.ULID{}, oops.Code(CodeMalformed).With("subject", c.Subject).Wrap(ErrMalformedCredential)
	}
	return id, nil
}

// Issuer signs HS256 credentials for accounts and verifies them.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	name   string
	now    func() time.Time
}

// Compile-time interface check.
var _ auth.SessionIssuer = (*Issuer)(nil)

// Option configures an Issuer.
type Option func(*Issuer)

// WithTTL sets the credential lifetime. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithIssuerName sets the iss claim written and required on verify.
func WithIssuerName(name string) Option {
	return func(i *Issuer) {
		if name != "" {
			i.name = name
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIssuer creates an Issuer. The secret must be at least MinSecretLength bytes.
func NewIssuer(secret []byte, opts ...Option) (*Issuer, error) {
	if len(secret) < MinSecretLength {
		return nil, oops.Code(CodeConfigInvalid).
			With("min_length", MinSecretLength).
			Errorf("session secret must be at least %d bytes", MinSecretLength)
	}
	i := &Issuer{
		secret: slices.Clone(secret),
		ttl:    DefaultTTL,
		name:   DefaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL returns the configured credential lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a credential for accountID carrying role.
func (i *Issuer) Issue(accountID ulid.ULID, role auth.Role) (*auth.SessionCredential, error) {
	now := i.now()
	expiresAt := now.Add(i.ttl).Truncate(jwt.TimePrecision)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID.String(),
			Issuer:    i.name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	signed, err := token.SignedString(i.secret)
	if err != nil {
		return nil, oops.Code(CodeSigningFailed).With("account_id", accountID.String()).Wrap(err)
	}
	return &auth.SessionCredential{Token: signed, ExpiresAt: expiresAt}, nil
}

// Verify checks the signature, issuer and expiry of token and returns its claims.
// A credential whose expiry equals the current time is expired.
func (i *Issuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{signingAlgorithm}),
		jwt.WithIssuer(i.name),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, translateParseError(err)
	}
	if !i.now().Before(claims.ExpiresAt.Time) {
		return nil, oops.Code(CodeExpired).Wrap(ErrExpiredCredential)
	}
	if _, err := claims.AccountID(); err != nil {
		return nil, err
	}
	if !claims.Role.Valid() {
		return nil, oops.Code(CodeMalformed).With("role", string(claims.Role)).Wrap(ErrMalformedCredential)
	}
	return claims, nil
}

// Authorize reports whether claims carry one of the allowed roles. An empty
// allowed list admits every verified credential.
func Authorize(claims *Claims, allowed ...auth.Role) error {
	if claims == nil {
		return oops.Code(CodeMalformed).Wrap(ErrMalformedCredential)
	}
	if len(allowed) == 0 || slices.Contains(allowed, claims.Role) {
		return nil
	}
	return oops.Code(CodeForbidden).
		With("role", string(claims.Role)).
		With("subject", claims.Subject).
		Wrap(ErrForbidden)
}

func translateParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return oops.Code(CodeInvalidSignature).Wrap(ErrInvalidSignature)
	case errors.Is(err, jwt.ErrTokenExpired):
		return oops.Code(CodeExpired).Wrap(ErrExpiredCredential)
	default:
		return oops.Code(CodeMalformed).With("reason", err.Error()).Wrap(ErrMalformedCredential)
	}
}
