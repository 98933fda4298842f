// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

// Package auth implements the credential lifecycle: registration, login,
// email verification and password reset.
//
// # Domain Types
//
// Accounts should be created with NewAccount, which normalizes the email and
// validates the role. Direct struct initialization bypasses validation.
// Outstanding single-use tokens live on the account as optional TokenState
// slots, one per TokenPurpose. Only the SHA-256 digest of a token is ever
// stored; the plaintext is handed to the Mailer once.
//
// # Services
//
// Service coordinates the lifecycle over injected collaborators:
//   - CredentialStore - account persistence (see the memory and postgres subpackages)
//   - PasswordHasher - bcrypt or argon2id hashing
//   - TokenIssuer - random token generation and digesting
//   - SessionIssuer - bearer credentials (see internal/session)
//   - Mailer and Composer - token email rendering and delivery (see internal/mail)
//
// Errors carry stable oops codes (AUTH_*) and wrap exported sentinels so
// callers can match with errors.Is.
package auth
