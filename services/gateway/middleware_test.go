// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestGateway(t *testing.T, downstreamURL string, authRequired bool) *Gateway {
	t.Helper()
	tokens := NewTokenIssuer("test-secret", time.Hour)
	keys := NewAPIKeyStore()
	keys.Register("svc-key", "service-a")
	limiter := NewSlidingWindowLimiter(1000)
	router := NewRouter([]Route{
		{Pattern: "/api/npcs/*", ServiceURL: downstreamURL, Methods: []string{"GET", "POST"}, AuthRequired: authRequired},
	})
	return NewGateway(tokens, keys, limiter, router, nil)
}

func newTestRecorder(method, path string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, path, nil)
	return c, w
}

func TestGatewayHandleRejectsUnauthenticatedRequest(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("downstream should never be reached without authentication")
	}))
	defer downstream.Close()

	gw := newTestGateway(t, downstream.URL, true)
	c, w := newTestRecorder("GET", "/api/npcs/123")

	gw.Handle(c)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestGatewayHandleForwardsAuthenticatedRequest(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer downstream.Close()

	gw := newTestGateway(t, downstream.URL, true)
	c, w := newTestRecorder("GET", "/api/npcs/123")
	c.Request.Header.Set("X-API-Key", "svc-key")

	gw.Handle(c)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"ok":true}` {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestGatewayHandleReturns404ForUnknownRoute(t *testing.T) {
	gw := newTestGateway(t, "http://unused", false)
	c, w := newTestRecorder("GET", "/api/does-not-exist")

	gw.Handle(c)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestGatewayHandleEnforcesRateLimit(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer downstream.Close()

	tokens := NewTokenIssuer("test-secret", time.Hour)
	keys := NewAPIKeyStore()
	limiter := NewSlidingWindowLimiter(1)
	router := NewRouter([]Route{
		{Pattern: "/api/npcs/*", ServiceURL: downstream.URL, Methods: []string{"GET"}, AuthRequired: false},
	})
	gw := NewGateway(tokens, keys, limiter, router, nil)

	c1, w1 := newTestRecorder("GET", "/api/npcs/123")
	gw.Handle(c1)
	if w1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w1.Code)
	}

	c2, w2 := newTestRecorder("GET", "/api/npcs/123")
	gw.Handle(c2)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w2.Code)
	}
	if w2.Header().Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q, want 60", w2.Header().Get("Retry-After"))
	}
}
