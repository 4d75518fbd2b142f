// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway is the single front door: it authenticates requests (JWT
// or API key), enforces a per-client sliding-window rate limit, and routes
// to the right downstream service with retry and circuit breaking.
package gateway

import (
	"sync"
	"time"
)

const (
	defaultRequestsPerMinute = 100
	slidingWindow            = time.Minute
	cleanupInterval          = time.Minute
)

// SlidingWindowLimiter tracks each client's request timestamps within the
// trailing 60s window, grounded 1:1 on
// original_source/services/gateway-service/src/rate_limiter.py's
// deque-based window (a Go slice trimmed from the front stands in for the
// Python deque).
type SlidingWindowLimiter struct {
	mu               sync.Mutex
	requestsPerMinute int
	requests          map[string][]time.Time
	lastCleanup       time.Time
	now               func() time.Time
}

func NewSlidingWindowLimiter(requestsPerMinute int) *SlidingWindowLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = defaultRequestsPerMinute
	}
	return &SlidingWindowLimiter{
		requestsPerMinute: requestsPerMinute,
		requests:          make(map[string][]time.Time),
		lastCleanup:       time.Now(),
		now:               time.Now,
	}
}

// Allow reports whether clientID may make another request right now,
// recording the attempt if so.
func (l *SlidingWindowLimiter) Allow(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCleanup) > cleanupInterval {
		l.cleanupLocked(now)
		l.lastCleanup = now
	}

	cutoff := now.Add(-slidingWindow)
	reqs := trimBefore(l.requests[clientID], cutoff)

	if len(reqs) >= l.requestsPerMinute {
		l.requests[clientID] = reqs
		return false
	}

	l.requests[clientID] = append(reqs, now)
	return true
}

func (l *SlidingWindowLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-slidingWindow)
	for client, reqs := range l.requests {
		trimmed := trimBefore(reqs, cutoff)
		if len(trimmed) == 0 {
			delete(l.requests, client)
			continue
		}
		l.requests[client] = trimmed
	}
}

// trimBefore drops every timestamp older than cutoff from the front of a
// time-ordered slice.
func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append([]time.Time(nil), times[i:]...)
}
