// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"context"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/samber/oops"
)

// Field constraints.
const (
	MaxEmailLength    = 254
	MaxUsernameLength = 50
)

// User represents a registered account.
type User struct {
	ID           int64
	Email        string
	Username     *string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PublicUser is the caller-facing view of a User. It never carries the
// password hash.
type PublicUser struct {
	ID       int64   `json:"id"`
	Email    string  `json:"email"`
	Username *string `json:"username"`
	IsActive bool    `json:"is_active"`
}

// NewUser creates a validated, active User ready to be persisted.
// The ID is assigned by the repository on Create.
func NewUser(email string, username *string, passwordHash string) (*User, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if passwordHash == "" {
		return nil, oops.Code("AUTH_INVALID_HASH").Wrapf(ErrInvalidInput, "password hash cannot be empty")
	}

	now := time.Now()
	return &User{
		Email:        email,
		Username:     username,
		PasswordHash: passwordHash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Public returns the caller-facing view of the user.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:       u.ID,
		Email:    u.Email,
		Username: u.Username,
		IsActive: u.IsActive,
	}
}

// Subject returns the token subject identifying this user.
func (u *User) Subject() string {
	return strconv.FormatInt(u.ID, 10)
}

// SetPasswordHash replaces the stored hash and bumps UpdatedAt.
func (u *User) SetPasswordHash(hash string) {
	u.PasswordHash = hash
	u.UpdatedAt = time.Now()
}

// NormalizeEmail trims surrounding whitespace and lower-cases the address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks that email is a bare, well-formed address whose
// domain is a dotted host name.
func ValidateEmail(email string) error {
	if email == "" {
		return oops.Code("AUTH_EMAIL_REQUIRED").Wrapf(ErrInvalidInput, "please provide an email address")
	}
	if len(email) > MaxEmailLength {
		return oops.Code("AUTH_INVALID_EMAIL").
			With("max", MaxEmailLength).
			Wrapf(ErrInvalidInput, "email must be at most %d characters", MaxEmailLength)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !validDomain(email[strings.LastIndexByte(email, '@')+1:]) {
		return oops.Code("AUTH_INVALID_EMAIL").Wrapf(ErrInvalidInput, "invalid email address")
	}
	return nil
}

// validDomain requires at least two non-empty labels and no domain literal.
func validDomain(domain string) bool {
	if strings.ContainsAny(domain, "[]") {
		return false
	}
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if label == "" {
			return false
		}
	}
	return true
}

// ValidateUsername validates the optional display name. A nil username is valid.
func ValidateUsername(username *string) error {
	if username == nil {
		return nil
	}
	if strings.TrimSpace(*username) == "" {
		return oops.Code("AUTH_INVALID_USERNAME").Wrapf(ErrInvalidInput, "username cannot be blank")
	}
	if len(*username) > MaxUsernameLength {
		return oops.Code("AUTH_INVALID_USERNAME").
			With("max", MaxUsernameLength).
			Wrapf(ErrInvalidInput, "username must be at most %d characters", MaxUsernameLength)
	}
	return nil
}

// ParseSubject converts a token subject back into a user ID.
func ParseSubject(sub string) (int64, error) {
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || id <= 0 {
		return 0, oops.Code("AUTH_TOKEN_INVALID").With("sub", sub).Wrap(ErrInvalidToken)
	}
	return id, nil
}

// UserRepository manages user persistence.
//
// Implementations must make Create atomic with respect to the email
// uniqueness check and return ErrDuplicateEmail when the address is taken.
type UserRepository interface {
	// Create stores a new user and assigns its ID.
	Create(ctx context.Context, user *User) error

	// GetByID retrieves a user by ID. Returns ErrNotFound if absent.
	GetByID(ctx context.Context, id int64) (*User, error)

	// GetByEmail retrieves a user by email (case-insensitive).
	// Returns ErrNotFound if absent.
	GetByEmail(ctx context.Context, email string) (*User, error)

	// Update persists changes to an existing user.
	Update(ctx context.Context, user *User) error

	// ReplacePasswordHash sets newHash only while the stored hash still
	// equals oldHash. Returns ErrNotFound if the user is absent and
	// ErrStaleHash if the hash has changed.
	ReplacePasswordHash(ctx context.Context, id int64, oldHash, newHash string) error
}
