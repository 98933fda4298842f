// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

package auth

import (
	"errors"

	"github.com/samber/oops"

	"github.com/toletglobe/credcore/pkg/errutil"
)

// Error codes returned by the lifecycle. Codes are stable and intended for machines.
const (
	CodeDuplicateEmail        = "AUTH_DUPLICATE_EMAIL"
	CodeDuplicateUsername     = "AUTH_DUPLICATE_USERNAME"
	CodeInvalidCredentials    = "AUTH_INVALID_CREDENTIALS"
	CodeInvalidOrExpiredToken = "AUTH_INVALID_OR_EXPIRED_TOKEN"
	CodeWeakInput             = "AUTH_WEAK_INPUT"
	CodeCorruptHash           = "AUTH_CORRUPT_HASH"
	CodeNotFound              = "AUTH_NOT_FOUND"
	CodeAlreadyVerified       = "AUTH_ALREADY_VERIFIED"
	CodeNotVerified           = "AUTH_NOT_VERIFIED"
	CodeDeliveryFailed        = "AUTH_DELIVERY_FAILED"
	CodeInvalidInput          = "AUTH_INVALID_INPUT"
	CodeUnavailable           = "AUTH_UNAVAILABLE"
	CodeInternal              = "AUTH_INTERNAL"
)

// Sentinel errors. Lifecycle errors wrap one of these, so callers may use errors.Is.
// Messages of the user-facing kinds are shown verbatim.
//
//nolint:staticcheck // ST1005: user-facing messages keep their capitalization.
var (
	// ErrNotFound is returned by stores when a requested account does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleAccount is returned by Save when the account changed after it was read.
	ErrStaleAccount = errors.New("account was modified concurrently")

	ErrDuplicateEmail        = errors.New("User already exists with this email")
	ErrDuplicateUsername     = errors.New("Username is already taken")
	ErrInvalidCredentials    = errors.New("Invalid credentials")
	ErrInvalidOrExpiredToken = errors.New("Invalid or expired token. Please request a new one.")
	ErrAlreadyVerified       = errors.New("Email is already verified")
	ErrNotVerified           = errors.New("Account not verified. Please check your email.")
	ErrDeliveryFailed        = errors.New("Email could not be sent")

	ErrWeakInput    = errors.New("input does not meet the minimum strength requirement")
	ErrCorruptHash  = errors.New("malformed password hash")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("temporarily unavailable, retry the request")
	ErrInternal     = errors.New("internal error")
)

func duplicateEmailError(email string) error {
	return oops.Code(CodeDuplicateEmail).With("email", email).Wrap(ErrDuplicateEmail)
}

func duplicateUsernameError(username string) error {
	return oops.Code(CodeDuplicateUsername).With("username", username).Wrap(ErrDuplicateUsername)
}

// invalidCredentialsError carries no context: the caller must not be able to
// tell an unknown email from a wrong password.
func invalidCredentialsError() error {
	return oops.Code(CodeInvalidCredentials).Wrap(ErrInvalidCredentials)
}

func invalidTokenError(purpose TokenPurpose) error {
	return oops.Code(CodeInvalidOrExpiredToken).With("purpose", string(purpose)).Wrap(ErrInvalidOrExpiredToken)
}

func unavailableError(operation string, cause error) error {
	return oops.Code(CodeUnavailable).
		With("operation", operation).
		With(errutil.RetryableKey, true).
		With("cause", cause.Error()).
		Wrap(ErrUnavailable)
}
