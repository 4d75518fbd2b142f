// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"time"
)

// AuditEvent is a record of one security- or compliance-relevant action:
// an NPC being created or edited, a conversation turn, a memory written or
// purged, an authorization denial.
//
// EventType follows "category.action", e.g. "npc.create", "npc.dialogue",
// "memory.write", "authz.denied". Outcome is one of "success", "failure",
// "blocked", "error".
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    "npc.dialogue",
//	    Timestamp:    time.Now().UTC(),
//	    UserID:       authInfo.UserID,
//	    Action:       "send",
//	    ResourceType: "npc",
//	    ResourceID:   npcID,
//	    Outcome:      "success",
//	    Metadata:     map[string]any{"session_id": sessionID, "turn": 7},
//	}
type AuditEvent struct {
	EventType string
	Timestamp time.Time

	// UserID is who performed the action; "system" for automated actions.
	UserID string

	Action       string
	ResourceType string
	ResourceID   string
	Outcome      string
	Metadata     map[string]any
}

// AuditFilter selects a subset of events for Query. Zero-valued fields are
// unconstrained; non-zero fields combine with AND.
type AuditFilter struct {
	EventTypes   []string
	UserID       string
	StartTime    time.Time
	EndTime      time.Time
	ResourceType string
	ResourceID   string
	Outcome      string
	Limit        int
	Offset       int
}

// AuditLogger records and queries audit events. Implementations must be
// safe for concurrent use, and Log should not block the request path for
// long — buffer and flush asynchronously if the backing store is slow.
//
// NopAuditLogger discards everything, which is fine for a single operator
// running this locally. A studio running this as a shared service swaps in
// a logger backed by whatever event pipeline it already has.
type AuditLogger interface {
	// Log records event. Implementations should stamp Timestamp if it's
	// zero.
	Log(ctx context.Context, event AuditEvent) error

	// Query returns events matching filter, newest first.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Flush persists any buffered events; call before shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards every event. It's the default audit logger.
type NopAuditLogger struct{}

func (l *NopAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	return nil
}

func (l *NopAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

func (l *NopAuditLogger) Flush(ctx context.Context) error {
	return nil
}

var _ AuditLogger = (*NopAuditLogger)(nil)
