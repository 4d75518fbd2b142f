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
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lifestrands/core/pkg/errkind"
)

// Claims is the JWT payload issued to authenticated users, grounded on
// original_source/services/gateway-service/src/auth.py's AuthManager (role
// + user id carried in the token; HS256, 24h default expiration).
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates HS256 JWTs against a single shared
// secret.
type TokenIssuer struct {
	secret     []byte
	expiration time.Duration
}

func NewTokenIssuer(secret string, expiration time.Duration) *TokenIssuer {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), expiration: expiration}
}

// Issue mints a signed token for (userID, role).
func (t *TokenIssuer) Issue(userID, role string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", errkind.Of(errkind.Internal))
	}
	return signed, nil
}

// Validate parses and verifies a bearer token, rejecting anything not
// signed with HS256 by this issuer's secret or past its expiration.
func (t *TokenIssuer) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(tok *jwt.Token) (interface{}, error) {
		if tok.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", errkind.Of(errkind.Unauthenticated))
	}
	return claims, nil
}

// APIKeyStore validates API keys by SHA-256 digest comparison, never
// storing or comparing plaintext keys (auth.py: "API keys are stored by
// SHA-256 digest, never plaintext").
type APIKeyStore struct {
	// digests maps a hex-encoded SHA-256 digest to the principal (user or
	// service) it authenticates.
	digests map[string]string
}

func NewAPIKeyStore() *APIKeyStore {
	return &APIKeyStore{digests: make(map[string]string)}
}

// Register stores a raw API key's digest, never the key itself.
func (s *APIKeyStore) Register(rawKey, principal string) {
	s.digests[digestHex(rawKey)] = principal
}

// Validate reports the principal for rawKey, comparing digests in constant
// time to avoid a timing side channel.
func (s *APIKeyStore) Validate(rawKey string) (string, bool) {
	want := digestHex(rawKey)
	for digest, principal := range s.digests {
		if subtle.ConstantTimeCompare([]byte(digest), []byte(want)) == 1 {
			return principal, true
		}
	}
	return "", false
}

func digestHex(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
