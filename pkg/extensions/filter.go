// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"errors"
)

// ErrMessageBlocked is returned when a MessageFilter rejects a message
// outright. Implementations should wrap it with the reason.
var ErrMessageBlocked = errors.New("message blocked by filter")

// FilterResult is the outcome of running a message through a MessageFilter.
//
// Example:
//
//	result := FilterResult{
//	    Original: "my discord is player#1234",
//	    Filtered: "my discord is [REDACTED]",
//	    WasModified: true,
//	    Detections: []Detection{{Type: "contact_info", Action: "redacted"}},
//	}
type FilterResult struct {
	Original string

	// Filtered equals Original unless WasModified.
	Filtered string

	WasModified bool

	// WasBlocked means Filtered must not be used; the caller should
	// surface ErrMessageBlocked instead.
	WasBlocked  bool
	BlockReason string

	Detections []Detection
}

// Detection describes one thing a filter found in a message.
type Detection struct {
	// Type categorizes the match, e.g. "contact_info", "profanity",
	// "prompt_injection", "api_key".
	Type string

	// Location is implementation-specific, e.g. "characters 10-20".
	Location string

	// Action is one of "redacted", "masked", "replaced", "blocked", "flagged".
	Action string

	// Original holds the raw matched text; only populated in debug mode,
	// since it may itself be sensitive.
	Original string

	Replacement string
}

// MessageFilter sits between a player and an NPC's language model,
// transforming or blocking messages at three points:
//
//  1. FilterInput, before the player's message reaches the model —
//     strip contact info, block harassment, catch prompt injection.
//  2. FilterOutput, before the model's response reaches the player —
//     catch a model repeating something it shouldn't.
//  3. FilterContext, before retrieved knowledge or system prompts are
//     injected into the conversation.
//
// NopMessageFilter passes everything through unchanged, which is what
// local single-player deployments want. A studio running public-facing
// NPCs plugs in its own moderation policy instead.
type MessageFilter interface {
	FilterInput(ctx context.Context, message string) (*FilterResult, error)
	FilterOutput(ctx context.Context, message string) (*FilterResult, error)
	FilterContext(ctx context.Context, contextMsg string) (*FilterResult, error)
}

// NopMessageFilter passes every message through unchanged.
type NopMessageFilter struct{}

func (f *NopMessageFilter) FilterInput(ctx context.Context, message string) (*FilterResult, error) {
	return &FilterResult{Original: message, Filtered: message}, nil
}

func (f *NopMessageFilter) FilterOutput(ctx context.Context, message string) (*FilterResult, error) {
	return &FilterResult{Original: message, Filtered: message}, nil
}

func (f *NopMessageFilter) FilterContext(ctx context.Context, contextMsg string) (*FilterResult, error) {
	return &FilterResult{Original: contextMsg, Filtered: contextMsg}, nil
}

var _ MessageFilter = (*NopMessageFilter)(nil)
