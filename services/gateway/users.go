// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/lifestrands/core/pkg/errkind"
)

const defaultRole = "user"

// User is a registered gateway account, grounded on
// original_source/services/gateway-service/src/auth.py's AuthManager user
// record (username, bcrypt password hash, role).
type User struct {
	Username     string
	PasswordHash string
	Role         string
}

// UserStore is an in-memory username/bcrypt-hash registry, mirroring
// auth.py's in-memory user dict (the original notes this is dev-only and a
// production deployment backs it with a real table; this module carries
// the same caveat rather than inventing a schema no requirement names).
type UserStore struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]User)}
}

// Register hashes and stores a new account, rejecting a duplicate username.
func (s *UserStore) Register(username, password, role string) error {
	if role == "" {
		role = defaultRole
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", errkind.Of(errkind.Internal))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return fmt.Errorf("user %s already exists: %w", username, errkind.Of(errkind.ValidationFailed))
	}
	s.users[username] = User{Username: username, PasswordHash: string(hash), Role: role}
	return nil
}

// Authenticate verifies a username/password pair, grounded on auth.py's
// bcrypt.checkpw comparison.
func (s *UserStore) Authenticate(username, password string) (User, error) {
	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return User{}, fmt.Errorf("unknown user %s: %w", username, errkind.Of(errkind.Unauthenticated))
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, fmt.Errorf("bad credentials for %s: %w", username, errkind.Of(errkind.Unauthenticated))
	}
	return u, nil
}

func (s *UserStore) Get(username string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	return u, ok
}
