// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when authentication or authorization fails.
// Hosted deployments wrap this with additional context.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the identity returned after a token validates successfully.
// UserID is the only field guaranteed non-empty; everything else, including
// Metadata, is populated at the AuthProvider's discretion.
//
// Example:
//
//	info := &AuthInfo{
//	    UserID: "player-123",
//	    Roles:  []string{"gm", "player"},
//	    Metadata: NewMetadata().Set("game_server", "eu-west-1"),
//	}
type AuthInfo struct {
	UserID string
	Email  string

	// Roles drives AuthzProvider decisions. Common roles in this platform:
	// "admin", "gm" (game master, can edit any NPC), "player".
	Roles []string

	// Metadata carries provider-specific claims (e.g. "game_server",
	// "studio_id") without changing this struct's shape.
	Metadata Metadata
}

// HasRole reports whether a has the given role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates a bearer token and resolves it to an identity.
// Implementations must be safe for concurrent use.
//
// The bundled NopAuthProvider always succeeds as a local admin, so the CLI
// and single-tenant deployments work with zero auth infrastructure. A
// studio running this platform multi-tenant plugs in its own provider —
// against its existing SSO, a game-account service, whatever it already
// has — without this package needing to know about any of them.
type AuthProvider interface {
	// Validate returns the caller's identity for token, or an error
	// wrapping ErrUnauthorized if the token is missing, expired, or
	// otherwise invalid.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest is a (subject, action, resource) authorization check.
//
// Example:
//
//	req := AuthzRequest{User: info, Action: "update", ResourceType: "npc", ResourceID: npcID}
type AuthzRequest struct {
	User *AuthInfo

	// Action is the operation being attempted: "create", "read", "update", "delete".
	Action string

	// ResourceType categorizes what's being accessed: "npc", "conversation", "memory".
	ResourceType string

	// ResourceID identifies a specific instance; empty means "this resource
	// type in general".
	ResourceID string
}

// AuthzProvider decides whether a request is permitted. Implementations
// must be safe for concurrent use.
//
// NopAuthzProvider allows everything, matching NopAuthProvider's
// single-tenant assumption. Multi-tenant deployments supply an
// implementation backed by whatever policy store they already run.
type AuthzProvider interface {
	// Authorize returns nil if req is permitted, or an error wrapping
	// ErrUnauthorized if denied.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider authenticates every token as a local admin. This is the
// default for the open-source CLI and single-tenant deployments.
type NopAuthProvider struct{}

func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", Roles: []string{"admin"}}, nil
}

// NopAuthzProvider permits every request.
type NopAuthzProvider struct{}

func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
)
