// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

package auth

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Role is the closed set of account roles.
type Role string

// Supported roles.
const (
	RoleBuyer          Role = "Buyer"
	RoleTenant         Role = "Tenant"
	RoleOwner          Role = "Owner"
	RoleUser           Role = "User"
	RoleAdmin          Role = "Admin"
	RoleContentCreator Role = "Content Creator"
)

// DefaultRole is assigned when registration does not name a role.
const DefaultRole = RoleUser

// Roles returns every supported role.
func Roles() []Role {
	return []Role{RoleBuyer, RoleTenant, RoleOwner, RoleUser, RoleAdmin, RoleContentCreator}
}

// Valid reports whether r is one of the supported roles.
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleTenant, RoleOwner, RoleUser, RoleAdmin, RoleContentCreator:
		return true
	default:
		return false
	}
}

func (r Role) String() string {
	return string(r)
}

// ParseRole converts s to a Role. An empty string yields DefaultRole.
func ParseRole(s string) (Role, error) {
	if s == "" {
		return DefaultRole, nil
	}
	r := Role(s)
	if !r.Valid() {
		return "", oops.Code(CodeInvalidInput).
			With("field", "role").
			With("role", s).
			Wrapf(ErrInvalidInput, "%q is not a supported role", s)
	}
	return r, nil
}

// TokenState is an outstanding single-use token: only its digest and expiry are kept.
type TokenState struct {
	Hash      string
	ExpiresAt time.Time
}

// ValidAt reports whether the token is still usable at t. Expiry is strict:
// a token expiring exactly at t is expired.
func (s *TokenState) ValidAt(t time.Time) bool {
	return s != nil && s.ExpiresAt.After(t)
}

// Account is the persisted identity record.
//
// Hash material never leaves the core: marshaling an Account yields its
// PublicAccount projection.
type Account struct {
	ID           ulid.ULID
	Username     string
	Email        string
	PasswordHash string `json:"-"`
	Role         Role
	IsVerified   bool

	// Verification is nil unless an email verification request is outstanding.
	Verification *TokenState `json:"-"`
	// PasswordReset is nil unless a password reset request is outstanding.
	PasswordReset *TokenState `json:"-"`

	FirstName string
	LastName  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAccount creates a validated, unverified Account with a fresh ID.
// The email is normalized; passwordHash must already be hashed.
func NewAccount(username, email, passwordHash string, role Role) (*Account, error) {
	if username == "" {
		return nil, oops.Code(CodeInvalidInput).With("field", "username").Wrapf(ErrInvalidInput, "username cannot be empty")
	}
	email = NormalizeEmail(email)
	if email == "" {
		return nil, oops.Code(CodeInvalidInput).With("field", "email").Wrapf(ErrInvalidInput, "email cannot be empty")
	}
	if passwordHash == "" {
		return nil, oops.Code(CodeInvalidInput).With("field", "password_hash").Wrapf(ErrInvalidInput, "password hash cannot be empty")
	}
	if role == "" {
		role = DefaultRole
	}
	if !role.Valid() {
		return nil, oops.Code(CodeInvalidInput).With("field", "role").With("role", string(role)).
			Wrapf(ErrInvalidInput, "%q is not a supported role", role)
	}

	return &Account{
		ID:           ulid.Make(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
	}, nil
}

// NormalizeEmail trims and lowercases an address. Emails are stored normalized,
// so every lookup must normalize its input first.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SetVerification records a newly issued verification token, replacing any outstanding one.
func (a *Account) SetVerification(tok IssuedToken) {
	a.Verification = tok.State()
}

// ClearVerification drops the outstanding verification token.
func (a *Account) ClearVerification() {
	a.Verification = nil
}

// SetPasswordReset records a newly issued reset token, replacing any outstanding one.
func (a *Account) SetPasswordReset(tok IssuedToken) {
	a.PasswordReset = tok.State()
}

// ClearPasswordReset drops the outstanding reset token.
func (a *Account) ClearPasswordReset() {
	a.PasswordReset = nil
}

// Clone returns a deep copy, so stores can hand out accounts without sharing token state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.Verification != nil {
		v := *a.Verification
		c.Verification = &v
	}
	if a.PasswordReset != nil {
		r := *a.PasswordReset
		c.PasswordReset = &r
	}
	return &c
}

// PublicAccount is the projection exposed to callers. It never carries hash or token fields.
type PublicAccount struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Email      string    `json:"email"`
	Role       Role      `json:"role"`
	IsVerified bool      `json:"isVerified"`
	FirstName  string    `json:"firstName,omitempty"`
	LastName   string    `json:"lastName,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitzero"`
	UpdatedAt  time.Time `json:"updatedAt,omitzero"`
}

// Public returns the account's public projection.
func (a *Account) Public() PublicAccount {
	return PublicAccount{
		ID:         a.ID.String(),
		Username:   a.Username,
		Email:      a.Email,
		Role:       a.Role,
		IsVerified: a.IsVerified,
		FirstName:  a.FirstName,
		LastName:   a.LastName,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

// MarshalJSON encodes the public projection only.
func (a Account) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Public())
}
