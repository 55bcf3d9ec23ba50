// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Purpose identifies what a token may be used for.
type Purpose string

// Token purposes.
const (
	PurposeAccess  Purpose = "access"
	PurposeRefresh Purpose = "refresh"
	PurposeReset   Purpose = "reset"
)

// Token lifetimes.
const (
	DefaultAccessTokenTTL  = 30 * time.Minute
	DefaultRefreshTokenTTL = 1008 * time.Minute
	ResetTokenTTL          = 24 * time.Hour
)

// DefaultAlgorithm is the signing algorithm used when none is configured.
const DefaultAlgorithm = "HS256"

// Claims is the claim set carried by every token.
type Claims struct {
	jwt.RegisteredClaims
	Purpose Purpose `json:"purpose"`
}

// SigningMethod resolves an HMAC algorithm name (HS256, HS384, HS512).
func SigningMethod(alg string) (jwt.SigningMethod, error) {
	if alg == "" {
		alg = DefaultAlgorithm
	}
	method, ok := jwt.GetSigningMethod(strings.ToUpper(alg)).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, oops.Code("TOKEN_UNSUPPORTED_ALGORITHM").
			With("algorithm", alg).
			Errorf("unsupported signing algorithm %q", alg)
	}
	return method, nil
}

// IssueToken signs a claim set {sub, exp, iat, jti, purpose} with secret.
// The token expires ttl after now; a negative ttl yields an already expired token.
func IssueToken(subject string, purpose Purpose, ttl time.Duration, secret []byte, method jwt.SigningMethod) (string, error) {
	if subject == "" {
		return "", oops.Code("TOKEN_ISSUE_FAILED").Errorf("token subject cannot be empty")
	}
	if len(secret) == 0 {
		return "", oops.Code("TOKEN_ISSUE_FAILED").Errorf("signing secret cannot be empty")
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        ulid.Make().String(),
		},
		Purpose: purpose,
	}

	signed, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	if err != nil {
		return "", oops.Code("TOKEN_ISSUE_FAILED").
			With("purpose", string(purpose)).
			Wrap(err)
	}
	return signed, nil
}

// VerifyToken checks signature, expiry and purpose, and returns the subject.
// It returns ErrExpiredToken when only the expiry check failed and
// ErrInvalidToken for every other failure.
func VerifyToken(tokenString string, purpose Purpose, secret []byte, method jwt.SigningMethod) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return "", oops.Code("AUTH_TOKEN_EXPIRED").
				With("purpose", string(purpose)).
				Public("token has expired").
				Wrap(ErrExpiredToken)
		}
		return "", oops.Code("AUTH_TOKEN_INVALID").
			With("purpose", string(purpose)).
			With("cause", err.Error()).
			Public("invalid token").
			Wrap(ErrInvalidToken)
	}
	if !token.Valid || claims.Subject == "" {
		return "", oops.Code("AUTH_TOKEN_INVALID").
			With("purpose", string(purpose)).
			Public("invalid token").
			Wrap(ErrInvalidToken)
	}
	if claims.Purpose != purpose {
		return "", oops.Code("AUTH_TOKEN_INVALID").
			With("purpose", string(purpose)).
			With("token_purpose", string(claims.Purpose)).
			Public("invalid token").
			Wrap(ErrInvalidToken)
	}
	return claims.Subject, nil
}

// TokenConfig configures a TokenService. RefreshSecret and ResetSecret fall
// back to Secret when empty; zero TTLs fall back to the defaults.
type TokenConfig struct {
	Secret        []byte
	RefreshSecret []byte
	ResetSecret   []byte
	Algorithm     string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	ResetTTL      time.Duration
}

type tokenKey struct {
	secret []byte
	ttl    time.Duration
}

// TokenService issues and verifies user tokens for each Purpose.
// It is immutable after construction and safe for concurrent use.
type TokenService struct {
	method jwt.SigningMethod
	keys   map[Purpose]tokenKey
}

// NewTokenService creates a TokenService from cfg.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if len(cfg.Secret) == 0 {
		return nil, oops.Code("TOKEN_CONFIG_INVALID").Errorf("token secret is required")
	}
	method, err := SigningMethod(cfg.Algorithm)
	if err != nil {
		return nil, err
	}

	return &TokenService{
		method: method,
		keys: map[Purpose]tokenKey{
			PurposeAccess:  {secret: cloneBytes(cfg.Secret), ttl: orDefault(cfg.AccessTTL, DefaultAccessTokenTTL)},
			PurposeRefresh: {secret: cloneBytes(orSecret(cfg.RefreshSecret, cfg.Secret)), ttl: orDefault(cfg.RefreshTTL, DefaultRefreshTokenTTL)},
			PurposeReset:   {secret: cloneBytes(orSecret(cfg.ResetSecret, cfg.Secret)), ttl: orDefault(cfg.ResetTTL, ResetTokenTTL)},
		},
	}, nil
}

// Issue creates a token of the given purpose for userID.
func (s *TokenService) Issue(purpose Purpose, userID int64) (string, error) {
	key, ok := s.keys[purpose]
	if !ok {
		return "", oops.Code("TOKEN_ISSUE_FAILED").With("purpose", string(purpose)).Errorf("unknown token purpose")
	}
	return IssueToken(formatSubject(userID), purpose, key.ttl, key.secret, s.method)
}

// Verify validates a token of the given purpose and returns the user ID it names.
func (s *TokenService) Verify(purpose Purpose, token string) (int64, error) {
	key, ok := s.keys[purpose]
	if !ok {
		return 0, oops.Code("AUTH_TOKEN_INVALID").With("purpose", string(purpose)).Wrap(ErrInvalidToken)
	}
	sub, err := VerifyToken(token, purpose, key.secret, s.method)
	if err != nil {
		return 0, err
	}
	return ParseSubject(sub)
}

// TTL returns the lifetime of tokens with the given purpose.
func (s *TokenService) TTL(purpose Purpose) time.Duration {
	return s.keys[purpose].ttl
}

func formatSubject(userID int64) string {
	u := User{ID: userID}
	return u.Subject()
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func orSecret(secret, fallback []byte) []byte {
	if len(secret) == 0 {
		return fallback
	}
	return secret
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// IssueAccess issues an access token for userID.
func (s *TokenService) IssueAccess(userID int64) (string, error) {
	return s.Issue(PurposeAccess, userID)
}

// IssueRefresh issues a refresh token for userID.
func (s *TokenService) IssueRefresh(userID int64) (string, error) {
	return s.Issue(PurposeRefresh, userID)
}

// IssueReset issues a password reset token for userID.
func (s *TokenService) IssueReset(userID int64) (string, error) {
	return s.Issue(PurposeReset, userID)
}

// VerifyAccess validates an access token.
func (s *TokenService) VerifyAccess(token string) (int64, error) {
	return s.Verify(PurposeAccess, token)
}

// VerifyRefresh validates a refresh token.
func (s *TokenService) VerifyRefresh(token string) (int64, error) {
	return s.Verify(PurposeRefresh, token)
}

// VerifyReset validates a password reset token.
func (s *TokenService) VerifyReset(token string) (int64, error) {
	return s.Verify(PurposeReset, token)
}
