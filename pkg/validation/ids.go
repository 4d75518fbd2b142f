// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that are used in
// database queries or as path parameters. Using these validators prevents
// injection attacks and malformed-identifier lookups from ever reaching a store.
package validation

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// idPattern matches the identifiers this system mints itself: npc_<uuid>,
// session_<uuid>, change_<uuid>. Anything else is rejected before it reaches
// a query.
var idPattern = regexp.MustCompile(`^(npc|session|change)_[0-9a-fA-F-]{36}$`)

// ValidateRecordID validates an id of the form "<prefix>_<uuid>".
func ValidateRecordID(id string) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid id format: %q", id)
	}
	return nil
}

// NewRecordID mints a new identifier with the given prefix.
func NewRecordID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

// ValidateRecordIDs validates multiple ids, returning a single error listing
// every invalid one.
func ValidateRecordIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateRecordID(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid ids: %v", invalid)
	}
	return nil
}
