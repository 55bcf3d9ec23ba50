// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gatekeep/gatekeep/pkg/errutil"
)

// TokenTypeBearer is the token_type reported with every TokenPair.
const TokenTypeBearer = "bearer"

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	UserID       int64  `json:"user_id"`
}

// Notifier delivers password reset links out of band.
// Implementations must return without waiting for delivery.
type Notifier interface {
	NotifyPasswordReset(ctx context.Context, email, token string) error
}

// dummyPasswordHash is verified against when the email is unknown so that
// Login takes the same time whether or not the account exists.
//
//nolint:gosec // G101: not a credential, never matches any password.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Caller-facing messages.
const (
	msgInvalidCredentials = "incorrect email or password"
	msgInvalidResetToken  = "invalid or expired reset token"
	msgPasswordMismatch   = "new password and confirm password didn't match"
	msgOldPasswordWrong   = "old password is incorrect"
	msgUserNotFound       = "user not found"
)

// Service implements the authentication flows: registration, login, token
// refresh, current-user lookup, password change and password reset.
type Service struct {
	users    UserRepository
	hasher   PasswordHasher
	tokens   *TokenService
	notifier Notifier
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewService creates a new Service using the default logger.
func NewService(users UserRepository, hasher PasswordHasher, tokens *TokenService, notifier Notifier) (*Service, error) {
	return NewServiceWithLogger(users, hasher, tokens, notifier, slog.Default())
}

// NewServiceWithLogger creates a new Service with the provided logger.
func NewServiceWithLogger(
	users UserRepository,
	hasher PasswordHasher,
	tokens *TokenService,
	notifier Notifier,
	logger *slog.Logger,
) (*Service, error) {
	if users == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("user repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("password hasher is required")
	}
	if tokens == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("token service is required")
	}
	if notifier == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("notifier is required")
	}
	if logger == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("logger is required")
	}
	return &Service{
		users:    users,
		hasher:   hasher,
		tokens:   tokens,
		notifier: notifier,
		logger:   logger,
		tracer:   otel.Tracer("github.com/gatekeep/gatekeep/internal/auth"),
	}, nil
}

// Register creates a new active user and returns its public view.
func (s *Service) Register(ctx context.Context, email string, username *string, password string) (pu PublicUser, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.Register")
	defer func() { endSpan(span, err) }()

	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return PublicUser{}, err
	}
	if password == "" {
		return PublicUser{}, ErrEmptyPassword
	}
	if err := ValidateUsername(username); err != nil {
		return PublicUser{}, err
	}

	_, lookupErr := s.users.GetByEmail(ctx, email)
	switch {
	case lookupErr == nil:
		return PublicUser{}, emailExists(email)
	case !errors.Is(lookupErr, ErrNotFound):
		return PublicUser{}, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "get user by email").
			Wrap(lookupErr)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return PublicUser{}, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	user, err := NewUser(email, username, hash)
	if err != nil {
		return PublicUser{}, err
	}

	if err := s.users.Create(ctx, user); err != nil {
		// A concurrent registration can win the race past the lookup above.
		if errors.Is(err, ErrConflict) {
			return PublicUser{}, emailExists(email)
		}
		return PublicUser{}, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "create user").
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "user registered", "user_id", user.ID)
	span.SetAttributes(attribute.Int64("user.id", user.ID))
	return user.Public(), nil
}

// Login verifies credentials and issues an access/refresh token pair.
// Unknown emails, wrong passwords and inactive accounts fail identically.
func (s *Service) Login(ctx context.Context, email, password string) (pair *TokenPair, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.Login")
	defer func() { endSpan(span, err) }()

	email = NormalizeEmail(email)
	if email == "" {
		return nil, oops.Code("AUTH_EMAIL_REQUIRED").
			Public("please provide an email address").
			Wrapf(ErrInvalidInput, "please provide an email address")
	}

	user, lookupErr := s.users.GetByEmail(ctx, email)
	targetHash := dummyPasswordHash
	switch {
	case lookupErr == nil:
		targetHash = user.PasswordHash
	case errors.Is(lookupErr, ErrNotFound):
		user = nil
	default:
		return nil, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "get user by email").
			Wrap(lookupErr)
	}

	// Always verify so the response time does not reveal whether the user exists.
	valid := s.hasher.Verify(password, targetHash)
	if user == nil || !valid || !user.IsActive {
		return nil, invalidCredentials()
	}

	if s.hasher.NeedsRehash(user.PasswordHash) {
		s.rehash(ctx, user, password)
	}

	pair, err = s.issuePair(user.ID)
	if err != nil {
		return nil, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "issue tokens").
			With("user_id", user.ID).
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "user logged in", "user_id", user.ID)
	span.SetAttributes(attribute.Int64("user.id", user.ID))
	return pair, nil
}

// Refresh exchanges a valid refresh token for a new token pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (pair *TokenPair, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.Refresh")
	defer func() { endSpan(span, err) }()

	userID, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("AUTH_TOKEN_INVALID").
				With("user_id", userID).
				Public("invalid token").
				Wrap(ErrInvalidToken)
		}
		return nil, oops.Code("AUTH_REFRESH_FAILED").
			With("operation", "get user by id").
			With("user_id", userID).
			Wrap(err)
	}
	if !user.IsActive {
		return nil, oops.Code("AUTH_TOKEN_INVALID").
			With("user_id", userID).
			Public("invalid token").
			Wrap(ErrInvalidToken)
	}

	pair, err = s.issuePair(user.ID)
	if err != nil {
		return nil, oops.Code("AUTH_REFRESH_FAILED").
			With("operation", "issue tokens").
			With("user_id", user.ID).
			Wrap(err)
	}
	return pair, nil
}

// ReadCurrentUser resolves an access token to the user it was issued for.
func (s *Service) ReadCurrentUser(ctx context.Context, accessToken string) (pu PublicUser, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.ReadCurrentUser")
	defer func() { endSpan(span, err) }()

	user, err := s.currentUser(ctx, accessToken)
	if err != nil {
		return PublicUser{}, err
	}
	return user.Public(), nil
}

// ChangePassword replaces the password of userID after verifying the old one.
func (s *Service) ChangePassword(ctx context.Context, userID int64, oldPassword, newPassword, confirmPassword string) (err error) {
	ctx, span := s.tracer.Start(ctx, "auth.ChangePassword",
		trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer func() { endSpan(span, err) }()

	user, err := s.getUser(ctx, userID, "AUTH_CHANGE_PASSWORD_FAILED")
	if err != nil {
		return err
	}

	if !s.hasher.Verify(oldPassword, user.PasswordHash) {
		return oops.Code("AUTH_OLD_PASSWORD_INCORRECT").
			With("user_id", userID).
			Public(msgOldPasswordWrong).
			Wrapf(ErrUnauthorized, msgOldPasswordWrong)
	}
	if err := checkNewPassword(newPassword, confirmPassword); err != nil {
		return err
	}

	return s.setPassword(ctx, user, newPassword, "AUTH_CHANGE_PASSWORD_FAILED")
}

// ForgotPassword issues a reset token for email and hands it to the notifier.
// It never waits for delivery, and a failed handoff is logged rather than
// returned.
func (s *Service) ForgotPassword(ctx context.Context, email string) (err error) {
	ctx, span := s.tracer.Start(ctx, "auth.ForgotPassword")
	defer func() { endSpan(span, err) }()

	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return err
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("AUTH_USER_NOT_FOUND").
				Public(msgUserNotFound).
				Wrapf(ErrNotFound, msgUserNotFound)
		}
		return oops.Code("AUTH_FORGOT_PASSWORD_FAILED").
			With("operation", "get user by email").
			Wrap(err)
	}

	token, err := s.tokens.IssueReset(user.ID)
	if err != nil {
		return oops.Code("AUTH_FORGOT_PASSWORD_FAILED").
			With("operation", "issue reset token").
			With("user_id", user.ID).
			Wrap(err)
	}

	if err := s.notifier.NotifyPasswordReset(ctx, user.Email, token); err != nil {
		errutil.LogWarnContext(ctx, s.logger, "password reset notification not queued",
			oops.With("operation", "enqueue notification").
				With("user_id", user.ID).
				Wrap(err))
		return nil
	}

	s.logger.InfoContext(ctx, "password reset requested", "user_id", user.ID)
	return nil
}

// ResetPassword sets a new password for the user named by a reset token.
func (s *Service) ResetPassword(ctx context.Context, resetToken, newPassword, confirmPassword string) (err error) {
	ctx, span := s.tracer.Start(ctx, "auth.ResetPassword")
	defer func() { endSpan(span, err) }()

	userID, err := s.tokens.VerifyReset(resetToken)
	if err != nil {
		kind := ErrInvalidToken
		code := "AUTH_RESET_TOKEN_INVALID"
		if errors.Is(err, ErrExpiredToken) {
			kind = ErrExpiredToken
			code = "AUTH_RESET_TOKEN_EXPIRED"
		}
		return oops.Code(code).
			Public(msgInvalidResetToken).
			With("cause", err.Error()).
			Wrapf(kind, msgInvalidResetToken)
	}

	if err := checkNewPassword(newPassword, confirmPassword); err != nil {
		return err
	}

	user, err := s.getUser(ctx, userID, "AUTH_RESET_PASSWORD_FAILED")
	if err != nil {
		return err
	}

	if err := s.setPassword(ctx, user, newPassword, "AUTH_RESET_PASSWORD_FAILED"); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "password reset completed", "user_id", user.ID)
	return nil
}

// Authenticate resolves an access token to the full user record.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*User, error) {
	return s.currentUser(ctx, accessToken)
}

func (s *Service) currentUser(ctx context.Context, accessToken string) (*User, error) {
	userID, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return nil, err
	}
	return s.getUser(ctx, userID, "AUTH_READ_USER_FAILED")
}

func (s *Service) getUser(ctx context.Context, userID int64, failCode string) (*User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("AUTH_USER_NOT_FOUND").
				With("user_id", userID).
				Public(msgUserNotFound).
				Wrapf(ErrNotFound, msgUserNotFound)
		}
		return nil, oops.Code(failCode).
			With("operation", "get user by id").
			With("user_id", userID).
			Wrap(err)
	}
	return user, nil
}

func (s *Service) setPassword(ctx context.Context, user *User, password, failCode string) error {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return oops.Code(failCode).
			With("operation", "hash password").
			With("user_id", user.ID).
			Wrap(err)
	}

	user.SetPasswordHash(hash)
	if err := s.users.Update(ctx, user); err != nil {
		return oops.Code(failCode).
			With("operation", "update user").
			With("user_id", user.ID).
			Wrap(err)
	}
	return nil
}

// rehash upgrades a stored hash after a successful login. The write only
// lands if the hash read at login is still current, so a password changed
// in the meantime is never overwritten. Failures are logged and never fail
// the login.
func (s *Service) rehash(ctx context.Context, user *User, password string) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.WarnContext(ctx, "password rehash failed",
			"user_id", user.ID,
			"operation", "hash password",
			"error", err)
		return
	}
	err = s.users.ReplacePasswordHash(ctx, user.ID, user.PasswordHash, hash)
	switch {
	case errors.Is(err, ErrStaleHash):
		s.logger.DebugContext(ctx, "password rehash skipped, hash changed concurrently", "user_id", user.ID)
		return
	case err != nil:
		s.logger.WarnContext(ctx, "password rehash failed",
			"user_id", user.ID,
			"operation", "replace password hash",
			"error", err)
		return
	}
	user.SetPasswordHash(hash)
}

func (s *Service) issuePair(userID int64) (*TokenPair, error) {
	access, err := s.tokens.IssueAccess(userID)
	if err != nil {
		return nil, err
	}
	refresh, err := s.tokens.IssueRefresh(userID)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    TokenTypeBearer,
		UserID:       userID,
	}, nil
}

func checkNewPassword(newPassword, confirmPassword string) error {
	if newPassword == "" {
		return ErrEmptyPassword
	}
	if newPassword != confirmPassword {
		return oops.Code("AUTH_PASSWORD_MISMATCH").
			Public(msgPasswordMismatch).
			Wrapf(ErrInvalidInput, msgPasswordMismatch)
	}
	return nil
}

func invalidCredentials() error {
	return oops.Code("AUTH_INVALID_CREDENTIALS").
		Public(msgInvalidCredentials).
		Wrapf(ErrUnauthorized, msgInvalidCredentials)
}

func emailExists(email string) error {
	msg := "user with email " + strconv.Quote(email) + " already exists"
	return oops.Code("AUTH_EMAIL_EXISTS").
		With("email", email).
		Public(msg).
		Wrapf(ErrDuplicateEmail, "%s", msg)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
