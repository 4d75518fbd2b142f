// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import "time"

// Metadata stores arbitrary key-value pairs attached to an AuthInfo or
// AuditEvent. A defined type over map[string]any buys type-safe accessors
// and self-documenting signatures without forcing every extension point
// to agree on a fixed schema up front.
//
// Common keys in this platform: "session_id" (player session), "npc_id",
// "game_server", "moderation_flag".
//
// Metadata is NOT safe for concurrent use without external synchronization.
//
// Example:
//
//	meta := extensions.NewMetadata().
//	    Set("npc_id", npcID).
//	    Set("turn_number", 7)
//	if id, ok := meta.GetString("npc_id"); ok {
//	    log.Info("npc", "id", id)
//	}
type Metadata map[string]any

// NewMetadata returns an empty, ready-to-use Metadata.
func NewMetadata() Metadata {
	return make(Metadata)
}

// Set adds or overwrites a key-value pair and returns m for chaining.
func (m Metadata) Set(key string, value any) Metadata {
	m[key] = value
	return m
}

// Get returns the raw value for key and whether it was present.
func (m Metadata) Get(key string) (any, bool) {
	value, ok := m[key]
	return value, ok
}

// GetString returns the value at key as a string, or ("", false) if the
// key is absent or holds a different type.
func (m Metadata) GetString(key string) (string, bool) {
	value, ok := m[key]
	if !ok {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

// GetInt returns the value at key as an int, or (0, false) otherwise.
func (m Metadata) GetInt(key string) (int, bool) {
	value, ok := m[key]
	if !ok {
		return 0, false
	}
	i, ok := value.(int)
	return i, ok
}

// GetInt64 returns the value at key as an int64, or (0, false) otherwise.
func (m Metadata) GetInt64(key string) (int64, bool) {
	value, ok := m[key]
	if !ok {
		return 0, false
	}
	i, ok := value.(int64)
	return i, ok
}

// GetFloat64 returns the value at key as a float64, or (0, false) otherwise.
func (m Metadata) GetFloat64(key string) (float64, bool) {
	value, ok := m[key]
	if !ok {
		return 0, false
	}
	f, ok := value.(float64)
	return f, ok
}

// GetBool returns the value at key as a bool, or (false, false) otherwise.
func (m Metadata) GetBool(key string) (bool, bool) {
	value, ok := m[key]
	if !ok {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

// GetTime returns the value at key as a time.Time, or the zero time and
// false if absent or of a different type.
func (m Metadata) GetTime(key string) (time.Time, bool) {
	value, ok := m[key]
	if !ok {
		return time.Time{}, false
	}
	t, ok := value.(time.Time)
	return t, ok
}

// Has reports whether key is present, regardless of its value.
func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Delete removes key; a no-op if it isn't present.
func (m Metadata) Delete(key string) Metadata {
	delete(m, key)
	return m
}

// Clone returns a shallow copy; values that are themselves pointers or
// maps are shared with the original.
func (m Metadata) Clone() Metadata {
	clone := make(Metadata, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// Merge copies every entry from other into m, overwriting existing keys.
// A nil other is a no-op.
func (m Metadata) Merge(other Metadata) Metadata {
	if other == nil {
		return m
	}
	for k, v := range other {
		m[k] = v
	}
	return m
}

// Keys returns all keys in unspecified order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of entries.
func (m Metadata) Len() int {
	return len(m)
}
