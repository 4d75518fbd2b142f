// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"testing"
	"time"
)

func TestSlidingWindowLimiterAllowsUpToLimit(t *testing.T) {
	l := NewSlidingWindowLimiter(3)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		if !l.Allow("client-a") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow("client-a") {
		t.Fatal("4th request within the window should be denied")
	}
}

func TestSlidingWindowLimiterIsPerClient(t *testing.T) {
	l := NewSlidingWindowLimiter(1)
	clock := time.Now()
	l.now = func() time.Time { return clock }

	if !l.Allow("client-a") {
		t.Fatal("first request for client-a should be allowed")
	}
	if !l.Allow("client-b") {
		t.Fatal("client-b has its own independent window")
	}
	if l.Allow("client-a") {
		t.Fatal("client-a is already at its limit")
	}
}

func TestSlidingWindowLimiterExpiresOldRequests(t *testing.T) {
	l := NewSlidingWindowLimiter(1)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	if !l.Allow("client-a") {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("client-a") {
		t.Fatal("second request inside the window should be denied")
	}

	clock = clock.Add(61 * time.Second)
	if !l.Allow("client-a") {
		t.Fatal("request after the window rolls over should be allowed")
	}
}

func TestTrimBeforeDropsOnlyExpired(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(10 * time.Second), base.Add(70 * time.Second)}
	trimmed := trimBefore(times, base.Add(60*time.Second))
	if len(trimmed) != 1 || !trimmed[0].Equal(base.Add(70*time.Second)) {
		t.Fatalf("trimmed = %v, want only the entry past cutoff", trimmed)
	}
}
