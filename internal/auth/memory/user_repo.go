// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package memory provides an in-process auth.UserRepository for development
// and tests.
package memory

import (
	"context"
	"sync"

	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/auth"
)

// UserRepository is a map-backed auth.UserRepository. Users are copied on
// the way in and out so callers never share state with the store.
type UserRepository struct {
	mu      sync.RWMutex
	nextID  int64
	byID    map[int64]*auth.User
	byEmail map[string]int64
}

// NewUserRepository creates an empty UserRepository.
func NewUserRepository() *UserRepository {
	return &UserRepository{
		byID:    make(map[int64]*auth.User),
		byEmail: make(map[string]int64),
	}
}

// Create stores a new user and assigns its ID.
func (r *UserRepository) Create(_ context.Context, user *auth.User) error {
	email := auth.NormalizeEmail(user.Email)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byEmail[email]; ok {
		return oops.Code("USER_EMAIL_EXISTS").
			With("email", email).
			Wrap(auth.ErrDuplicateEmail)
	}

	r.nextID++
	user.ID = r.nextID
	stored := cloneUser(user)
	stored.Email = email
	r.byID[stored.ID] = stored
	r.byEmail[email] = stored.ID
	return nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(_ context.Context, id int64) (*auth.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.byID[id]
	if !ok {
		return nil, oops.Code("USER_NOT_FOUND").With("id", id).Wrap(auth.ErrNotFound)
	}
	return cloneUser(user), nil
}

// GetByEmail retrieves a user by email, ignoring case.
func (r *UserRepository) GetByEmail(_ context.Context, email string) (*auth.User, error) {
	email = auth.NormalizeEmail(email)

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[email]
	if !ok {
		return nil, oops.Code("USER_NOT_FOUND").With("email", email).Wrap(auth.ErrNotFound)
	}
	return cloneUser(r.byID[id]), nil
}

// Update replaces the stored password hash, active flag and updated_at.
// Email and creation time are immutable.
func (r *UserRepository) Update(_ context.Context, user *auth.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[user.ID]
	if !ok {
		return oops.Code("USER_NOT_FOUND").With("id", user.ID).Wrap(auth.ErrNotFound)
	}
	stored.PasswordHash = user.PasswordHash
	stored.IsActive = user.IsActive
	stored.UpdatedAt = user.UpdatedAt
	return nil
}

// ReplacePasswordHash swaps the stored hash if it still equals oldHash.
func (r *UserRepository) ReplacePasswordHash(_ context.Context, id int64, oldHash, newHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[id]
	if !ok {
		return oops.Code("USER_NOT_FOUND").With("id", id).Wrap(auth.ErrNotFound)
	}
	if stored.PasswordHash != oldHash {
		return oops.Code("USER_HASH_STALE").With("id", id).Wrap(auth.ErrStaleHash)
	}
	stored.SetPasswordHash(newHash)
	return nil
}

func cloneUser(u *auth.User) *auth.User {
	c := *u
	if u.Username != nil {
		name := *u.Username
		c.Username = &name
	}
	return &c
}

var _ auth.UserRepository = (*UserRepository)(nil)
