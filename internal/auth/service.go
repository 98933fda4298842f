// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/toletglobe/credcore/pkg/errutil"
)

// withdrawTimeout bounds the cleanup of an undelivered token.
const withdrawTimeout = 5 * time.Second

// ForgotPasswordMessage is returned by ForgotPassword whether or not the account exists.
const ForgotPasswordMessage = "If an account with that email exists, a password reset link has been sent."

// Operation names used for spans, metrics and error context.
const (
	opRegister           = "register"
	opLogin              = "login"
	opVerifyEmail        = "verify_email"
	opResendVerification = "resend_verification"
	opForgotPassword     = "forgot_password"
	opResetPassword      = "reset_password"
	opProfile            = "profile"
	opPurgeExpiredTokens = "purge_expired_tokens"
)

// fallbackDummyHash is used when the configured hasher cannot produce a dummy hash.
// It is not a credential: it never matches any password.
//
//nolint:gosec // G101: intentionally fake hash for timing attack prevention, not a credential.
const fallbackDummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIvNq.Uf3hE9tQALNP1Qn9sNp5x5x5x5"

// Policy holds the lifecycle's configurable decisions.
type Policy struct {
	// RequireVerifiedToLogin rejects logins of unverified accounts with AUTH_NOT_VERIFIED.
	RequireVerifiedToLogin bool
	// IssueSessionOnRegister mints a session for the new account.
	IssueSessionOnRegister bool
	// IssueSessionOnReset mints a session after a successful password reset.
	IssueSessionOnReset bool

	VerificationTTL time.Duration
	ResetTTL        time.Duration
}

// DefaultPolicy returns the default lifecycle policy.
func DefaultPolicy() Policy {
	return Policy{
		VerificationTTL: DefaultVerificationTTL,
		ResetTTL:        DefaultResetTTL,
	}
}

// Deps are the collaborators a Service needs. All are required.
type Deps struct {
	Store    CredentialStore
	Hasher   PasswordHasher
	Tokens   TokenIssuer
	Sessions SessionIssuer
	Mailer   Mailer
	Composer Composer
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy overrides DefaultPolicy. Non-positive TTLs keep their defaults.
func WithPolicy(p Policy) Option {
	return func(s *Service) {
		if p.VerificationTTL <= 0 {
			p.VerificationTTL = DefaultVerificationTTL
		}
		if p.ResetTTL <= 0 {
			p.ResetTTL = DefaultResetTTL
		}
		s.policy = p
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock used for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithHashConcurrency bounds how many password hash operations run at once.
// Defaults to GOMAXPROCS.
func WithHashConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.hashSlots = n
		}
	}
}

// WithMetrics sets the Prometheus collectors. Defaults to unregistered collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Service runs the registration, login, verification and reset lifecycle.
// It holds no per-account state; all state lives in the CredentialStore.
type Service struct {
	store    CredentialStore
	hasher   PasswordHasher
	tokens   TokenIssuer
	sessions SessionIssuer
	mailer   Mailer
	composer Composer

	policy    Policy
	logger    *slog.Logger
	now       func() time.Time
	metrics   *Metrics
	tracer    trace.Tracer
	hashSlots int
	hashGate  *semaphore.Weighted

	dummyOnce sync.Once
	dummyHash string
}

// NewService creates a Service.
func NewService(deps Deps, opts ...Option) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, oops.Errorf("credential store is required")
	case deps.Hasher == nil:
		return nil, oops.Errorf("password hasher is required")
	case deps.Tokens == nil:
		return nil, oops.Errorf("token issuer is required")
	case deps.Sessions == nil:
		return nil, oops.Errorf("session issuer is required")
	case deps.Mailer == nil:
		return nil, oops.Errorf("mailer is required")
	case deps.Composer == nil:
		return nil, oops.Errorf("mail composer is required")
	}

	s := &Service{
		store:     deps.Store,
		hasher:    deps.Hasher,
		tokens:    deps.Tokens,
		sessions:  deps.Sessions,
		mailer:    deps.Mailer,
		composer:  deps.Composer,
		policy:    DefaultPolicy(),
		logger:    slog.Default(),
		now:       time.Now,
		hashSlots: runtime.GOMAXPROCS(0),
		tracer:    otel.Tracer("credcore/auth"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.hashGate = semaphore.NewWeighted(int64(s.hashSlots))

	return s, nil
}

// Policy returns the effective policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// RegisterInput is the registration payload. The integrating layer is expected
// to have run ValidateRegistration on it.
type RegisterInput struct {
	Username  string
	Email     string
	Password  string
	Role      Role
	FirstName string
	LastName  string
}

// RegisterResult is the outcome of a successful registration.
type RegisterResult struct {
	Account PublicAccount `json:"user"`
	// Session is set only when Policy.IssueSessionOnRegister is enabled.
	Session *SessionCredential `json:"session,omitempty"`
}

// Register creates an unverified account and emails a verification token.
// Email uniqueness is checked before username uniqueness. A failed delivery
// is logged and does not undo the registration.
func (s *Service) Register(ctx context.Context, in RegisterInput) (_ *RegisterResult, err error) {
	ctx, span := s.start(ctx, opRegister)
	defer func() { s.finish(span, opRegister, err) }()

	email := NormalizeEmail(in.Email)
	username := strings.TrimSpace(in.Username)

	role, err := ParseRole(string(in.Role))
	if err != nil {
		return nil, err
	}

	if _, err := s.store.FindByEmail(ctx, email); err == nil {
		return nil, duplicateEmailError(email)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, s.storeError(ctx, opRegister, "find by email", err)
	}
	if _, err := s.store.FindByUsername(ctx, username); err == nil {
		return nil, duplicateUsernameError(username)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, s.storeError(ctx, opRegister, "find by username", err)
	}

	passwordHash, err := s.hash(ctx, opRegister, in.Password)
	if err != nil {
		return nil, err
	}

	tok, err := s.tokens.Issue(s.policy.VerificationTTL)
	if err != nil {
		return nil, s.internalError(ctx, opRegister, "issue verification token", err)
	}

	account, err := NewAccount(username, email, passwordHash, role)
	if err != nil {
		return nil, err
	}
	account.FirstName = strings.TrimSpace(in.FirstName)
	account.LastName = strings.TrimSpace(in.LastName)
	account.SetVerification(tok)

	if err := s.store.Create(ctx, account); err != nil {
		switch {
		case errors.Is(err, ErrDuplicateEmail):
			return nil, duplicateEmailError(email)
		case errors.Is(err, ErrDuplicateUsername):
			return nil, duplicateUsernameError(username)
		}
		return nil, s.storeError(ctx, opRegister, "create account", err)
	}
	span.SetAttributes(attribute.String("account_id", account.ID.String()))
	s.logger.InfoContext(ctx, "account registered",
		"account_id", account.ID.String(),
		"role", string(account.Role))

	// Delivery failure is reported through logs and metrics only.
	_ = s.deliver(ctx, PurposeEmailVerification, account, tok) //nolint:errcheck // logged in deliver

	result := &RegisterResult{Account: account.Public()}
	if s.policy.IssueSessionOnRegister {
		result.Session, err = s.issueSession(ctx, opRegister, account)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	Account PublicAccount      `json:"user"`
	Session *SessionCredential `json:"session"`
}

// Login authenticates by email and password and mints a session.
// Unknown emails and wrong passwords fail with the same error, and a dummy
// hash is verified for unknown emails so both paths cost the same.
func (s *Service) Login(ctx context.Context, email, password string) (_ *LoginResult, err error) {
	ctx, span := s.start(ctx, opLogin)
	defer func() { s.finish(span, opLogin, err) }()

	email = NormalizeEmail(email)

	account, lookupErr := s.store.FindByEmail(ctx, email)
	exists := lookupErr == nil
	target := ""
	switch {
	case exists:
		target = account.PasswordHash
	case errors.Is(lookupErr, ErrNotFound):
		target = s.dummy(ctx)
	default:
		return nil, s.storeError(ctx, opLogin, "find by email", lookupErr)
	}

	ok, verifyErr := s.verify(ctx, opLogin, password, target)
	if verifyErr != nil {
		if errutil.Code(verifyErr) == CodeUnavailable {
			return nil, verifyErr
		}
		if exists {
			errutil.LogErrorContext(ctx, s.logger, "stored password hash is unusable",
				oops.With("account_id", account.ID.String()).Wrap(verifyErr))
		}
		return nil, invalidCredentialsError()
	}
	if !exists || !ok {
		return nil, invalidCredentialsError()
	}

	if s.policy.RequireVerifiedToLogin && !account.IsVerified {
		return nil, oops.Code(CodeNotVerified).
			With("account_id", account.ID.String()).
			Wrap(ErrNotVerified)
	}

	if s.hasher.NeedsUpgrade(account.PasswordHash) {
		s.upgradeHash(ctx, account, password)
	}

	sess, err := s.issueSession(ctx, opLogin, account)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("account_id", account.ID.String()))
	s.logger.InfoContext(ctx, "login succeeded", "account_id", account.ID.String())

	return &LoginResult{Account: account.Public(), Session: sess}, nil
}

// upgradeHash re-hashes the password with current parameters. Failures are logged only.
func (s *Service) upgradeHash(ctx context.Context, account *Account, password string) {
	newHash, err := s.hash(ctx, opLogin, password)
	if err != nil {
		s.logger.WarnContext(ctx, "password rehash failed",
			"account_id", account.ID.String(), "error", err)
		return
	}
	updated, err := s.store.UpdatePasswordHash(ctx, account.ID, account.PasswordHash, newHash)
	if err != nil {
		s.logger.WarnContext(ctx, "saving rehashed password failed",
			"account_id", account.ID.String(), "error", err)
		return
	}
	if !updated {
		s.logger.DebugContext(ctx, "password changed concurrently, rehash skipped",
			"account_id", account.ID.String())
		return
	}
	account.PasswordHash = newHash
	s.logger.InfoContext(ctx, "password hash upgraded", "account_id", account.ID.String())
}

// VerifyEmail consumes a verification token and marks the account verified.
func (s *Service) VerifyEmail(ctx context.Context, token string) (err error) {
	ctx, span := s.start(ctx, opVerifyEmail)
	defer func() { s.finish(span, opVerifyEmail, err) }()

	if token == "" {
		return invalidTokenError(PurposeEmailVerification)
	}
	account, err := s.store.ConsumeVerificationToken(ctx, s.tokens.Digest(token), s.now())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalidTokenError(PurposeEmailVerification)
		}
		return s.storeError(ctx, opVerifyEmail, "consume verification token", err)
	}

	s.logger.InfoContext(ctx, "email verified", "account_id", account.ID.String())
	return nil
}

// ResendVerification issues a new verification token, replacing any
// outstanding one. If delivery fails the new token is withdrawn and
// AUTH_DELIVERY_FAILED is returned, or AUTH_UNAVAILABLE when the request
// context ended first.
func (s *Service) ResendVerification(ctx context.Context, email string) (err error) {
	ctx, span := s.start(ctx, opResendVerification)
	defer func() { s.finish(span, opResendVerification, err) }()

	email = NormalizeEmail(email)
	account, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code(CodeNotFound).With("email", email).Wrap(ErrNotFound)
		}
		return s.storeError(ctx, opResendVerification, "find by email", err)
	}
	if account.IsVerified {
		return oops.Code(CodeAlreadyVerified).
			With("account_id", account.ID.String()).
			Wrap(ErrAlreadyVerified)
	}

	tok, err := s.tokens.Issue(s.policy.VerificationTTL)
	if err != nil {
		return s.internalError(ctx, opResendVerification, "issue verification token", err)
	}
	if err := s.store.SetVerificationToken(ctx, account.ID, *tok.State()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code(CodeAlreadyVerified).
				With("account_id", account.ID.String()).
				Wrap(ErrAlreadyVerified)
		}
		return s.storeError(ctx, opResendVerification, "set verification token", err)
	}

	if deliverErr := s.deliver(ctx, PurposeEmailVerification, account, tok); deliverErr != nil {
		s.withdrawVerification(ctx, account.ID, tok.Hash)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return unavailableError(opResendVerification, ctxErr)
		}
		return oops.Code(CodeDeliveryFailed).
			With("purpose", string(PurposeEmailVerification)).
			With("account_id", account.ID.String()).
			Wrap(ErrDeliveryFailed)
	}

	s.logger.InfoContext(ctx, "verification email resent", "account_id", account.ID.String())
	return nil
}

// ForgotPasswordResult is the uniform ForgotPassword response.
type ForgotPasswordResult struct {
	Message string `json:"message"`
}

// ForgotPassword issues a reset token and emails it. The result is the same
// whether the account exists or delivery fails; only store failures surface.
func (s *Service) ForgotPassword(ctx context.Context, email string) (_ *ForgotPasswordResult, err error) {
	ctx, span := s.start(ctx, opForgotPassword)
	defer func() { s.finish(span, opForgotPassword, err) }()

	result := &ForgotPasswordResult{Message: ForgotPasswordMessage}

	email = NormalizeEmail(email)
	account, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.DebugContext(ctx, "password reset requested for unknown email")
			return result, nil
		}
		return nil, s.storeError(ctx, opForgotPassword, "find by email", err)
	}

	tok, err := s.tokens.Issue(s.policy.ResetTTL)
	if err != nil {
		return nil, s.internalError(ctx, opForgotPassword, "issue reset token", err)
	}
	if err := s.store.SetResetToken(ctx, account.ID, *tok.State()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return result, nil
		}
		return nil, s.storeError(ctx, opForgotPassword, "set reset token", err)
	}

	if err := s.deliver(ctx, PurposePasswordReset, account, tok); err == nil {
		s.logger.InfoContext(ctx, "password reset requested", "account_id", account.ID.String())
	}
	return result, nil
}

// ResetResult is the outcome of a successful password reset.
type ResetResult struct {
	Message string `json:"message"`
	// Session is set only when Policy.IssueSessionOnReset is enabled.
	Session *SessionCredential `json:"session,omitempty"`
}

// ResetPassword consumes a reset token and replaces the password hash.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) (_ *ResetResult, err error) {
	ctx, span := s.start(ctx, opResetPassword)
	defer func() { s.finish(span, opResetPassword, err) }()

	digest, err := s.checkResetToken(ctx, token)
	if err != nil {
		return nil, err
	}

	passwordHash, err := s.hash(ctx, opResetPassword, newPassword)
	if err != nil {
		return nil, err
	}
	account, err := s.store.ConsumeResetToken(ctx, digest, s.now(), passwordHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalidTokenError(PurposePasswordReset)
		}
		return nil, s.storeError(ctx, opResetPassword, "consume reset token", err)
	}
	s.logger.InfoContext(ctx, "password reset", "account_id", account.ID.String())

	result := &ResetResult{Message: "Password has been reset successfully."}
	if s.policy.IssueSessionOnReset {
		result.Session, err = s.issueSession(ctx, opResetPassword, account)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Profile returns the public projection of an account.
func (s *Service) Profile(ctx context.Context, id ulid.ULID) (_ *PublicAccount, err error) {
	ctx, span := s.start(ctx, opProfile)
	defer func() { s.finish(span, opProfile, err) }()

	account, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code(CodeNotFound).With("account_id", id.String()).Wrap(ErrNotFound)
		}
		return nil, s.storeError(ctx, opProfile, "find by id", err)
	}
	pub := account.Public()
	return &pub, nil
}

// PurgeExpiredTokens clears expired token slots across all accounts.
func (s *Service) PurgeExpiredTokens(ctx context.Context) (_ int64, err error) {
	ctx, span := s.start(ctx, opPurgeExpiredTokens)
	defer func() { s.finish(span, opPurgeExpiredTokens, err) }()

	n, err := s.store.PurgeExpiredTokens(ctx, s.now())
	if err != nil {
		return 0, s.storeError(ctx, opPurgeExpiredTokens, "purge expired tokens", err)
	}
	span.SetAttributes(attribute.Int64("cleared", n))
	if n > 0 {
		s.logger.InfoContext(ctx, "expired tokens purged", "cleared", n)
	}
	return n, nil
}

// checkResetToken rejects a missing or expired reset token before any
// hashing work is spent on it, and returns its digest. The token is only
// consumed later, atomically, by ConsumeResetToken.
func (s *Service) checkResetToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", invalidTokenError(PurposePasswordReset)
	}
	digest := s.tokens.Digest(token)
	now := s.now()

	account, err := s.store.FindByResetHash(ctx, digest, now)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", invalidTokenError(PurposePasswordReset)
		}
		return "", s.storeError(ctx, opResetPassword, "find by token hash", err)
	}
	if st := account.PasswordReset; !st.ValidAt(now) || st.Hash != digest {
		return "", invalidTokenError(PurposePasswordReset)
	}
	return digest, nil
}

// withdrawVerification clears an undelivered verification token. It runs
// detached from the request context, which may already have ended.
func (s *Service) withdrawVerification(ctx context.Context, id ulid.ULID, hash string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), withdrawTimeout)
	defer cancel()

	withdrawn, err := s.store.WithdrawVerificationToken(wctx, id, hash)
	if err != nil {
		errutil.LogErrorContext(ctx, s.logger, "withdrawing undelivered verification token failed",
			oops.With("account_id", id.String()).Wrap(err))
		return
	}
	if !withdrawn {
		s.logger.DebugContext(ctx, "undelivered verification token already replaced",
			"account_id", id.String())
	}
}

// deliver composes and sends the email carrying tok. Failures are logged and counted.
func (s *Service) deliver(ctx context.Context, purpose TokenPurpose, account *Account, tok IssuedToken) error {
	msg, err := s.composer.Compose(purpose, account.Public(), tok.Plaintext, tok.ExpiresAt)
	if err == nil {
		err = s.mailer.Send(ctx, msg)
	}
	if err != nil {
		s.metrics.deliveryFailed(purpose)
		errutil.LogErrorContext(ctx, s.logger, "token email delivery failed",
			oops.With("purpose", string(purpose)).
				With("account_id", account.ID.String()).
				Wrap(err))
	}
	return err
}

func (s *Service) issueSession(ctx context.Context, op string, account *Account) (*SessionCredential, error) {
	sess, err := s.sessions.Issue(account.ID, account.Role)
	if err != nil {
		return nil, s.internalError(ctx, op, "issue session", err)
	}
	return sess, nil
}

// hash runs Hash behind the concurrency gate.
func (s *Service) hash(ctx context.Context, op, password string) (string, error) {
	if err := s.hashGate.Acquire(ctx, 1); err != nil {
		return "", unavailableError(op, err)
	}
	defer s.hashGate.Release(1)

	start := time.Now()
	h, err := s.hasher.Hash(password)
	s.metrics.observeHash(start)
	if err != nil {
		if errutil.Code(err) != "" {
			return "", oops.With("operation", op).Wrap(err)
		}
		return "", s.internalError(ctx, op, "hash password", err)
	}
	if err := ctx.Err(); err != nil {
		return "", unavailableError(op, err)
	}
	return h, nil
}

// verify runs Verify behind the concurrency gate.
func (s *Service) verify(ctx context.Context, op, password, hash string) (bool, error) {
	if err := s.hashGate.Acquire(ctx, 1); err != nil {
		return false, unavailableError(op, err)
	}
	defer s.hashGate.Release(1)

	start := time.Now()
	ok, err := s.hasher.Verify(password, hash)
	s.metrics.observeHash(start)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, unavailableError(op, err)
	}
	return ok, nil
}

// dummy returns a hash in the primary format for unknown-email logins.
func (s *Service) dummy(ctx context.Context) string {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Hash(ulid.Make().String() + "-unmatchable")
		if err != nil {
			s.logger.WarnContext(ctx, "dummy hash generation failed, using fallback", "error", err)
			h = fallbackDummyHash
		}
		s.dummyHash = h
	})
	return s.dummyHash
}

// storeError converts a store failure into AUTH_UNAVAILABLE for cancelled or
// timed out requests and AUTH_INTERNAL otherwise.
func (s *Service) storeError(ctx context.Context, op, step string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return unavailableError(op, err)
	}
	return s.internalError(ctx, op, step, err)
}

// internalError logs the cause and returns an AUTH_INTERNAL error that does
// not expose it.
func (s *Service) internalError(ctx context.Context, op, step string, err error) error {
	errutil.LogErrorContext(ctx, s.logger, "auth operation failed",
		oops.With("operation", op).With("step", step).Wrap(err))
	return oops.Code(CodeInternal).
		With("operation", op).
		With("step", step).
		Wrap(ErrInternal)
}

func (s *Service) start(ctx context.Context, op string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "auth."+op)
}

func (s *Service) finish(span trace.Span, op string, err error) {
	s.metrics.record(op, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errutil.Code(err))
	}
	span.End()
}

func isInfrastructure(err error) bool {
	switch errutil.Code(err) {
	case CodeInternal, CodeUnavailable:
		return true
	default:
		return false
	}
}
