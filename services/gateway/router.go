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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lifestrands/core/pkg/errkind"
	"github.com/lifestrands/core/services/requestpipeline"
)

// maxForwardAttempts is router.py's retry_attempts=2 (an initial try plus
// up to 2 retries).
const maxForwardAttempts = 3

// Route is one entry in the routing table, grounded on router.py's
// ServiceRoute: a path prefix (or exact match), the downstream base URL,
// the HTTP methods it accepts, and whether auth is required.
type Route struct {
	Pattern      string
	ServiceURL   string
	Methods      []string
	AuthRequired bool
}

func (r Route) allows(method string) bool {
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// pathPrefixes mirrors router.py's _transform_path service_prefixes table:
// stripping the gateway's /api/ prefix and rewriting it to the downstream
// service's own path convention.
var pathPrefixes = []struct {
	prefix      string
	replacement string
}{
	{"model/", "/"},
	{"conversations/", "/conversations/"},
	{"chat/", "/"},
	{"npcs/", "/npcs/"},
	{"search/", "/search/"},
	{"summaries/", "/summaries/"},
	{"analysis/", "/analysis/"},
	{"metrics/", "/metrics/"},
	{"health/", "/health/"},
	{"alerts/", "/alerts/"},
}

// TransformPath rewrites a gateway-facing path ("/api/npcs/123") into the
// path the downstream service expects ("/npcs/123").
func TransformPath(original string) string {
	path := original
	if strings.HasPrefix(path, "/api/") {
		path = path[len("/api"):]
	}
	trimmed := strings.TrimPrefix(path, "/")
	for _, p := range pathPrefixes {
		if strings.HasPrefix(trimmed, p.prefix) {
			return p.replacement + trimmed[len(p.prefix):]
		}
	}
	return path
}

// Router holds the routing table, a per-downstream circuit breaker (reusing
// requestpipeline's C3 breaker type), and the HTTP client used to forward
// requests.
type Router struct {
	routes   []Route
	client   *http.Client
	mu       sync.Mutex
	breakers map[string]*requestpipeline.Breaker
}

func NewRouter(routes []Route) *Router {
	return &Router{
		routes:   routes,
		client:   &http.Client{Timeout: 30 * time.Second},
		breakers: make(map[string]*requestpipeline.Breaker),
	}
}

// DefaultRoutes is router.py's _register_default_services table.
func DefaultRoutes(modelURL, orchestratorURL, characterURL, summaryURL string) []Route {
	return []Route{
		{Pattern: "/api/model/status", ServiceURL: modelURL, Methods: []string{"GET"}, AuthRequired: false},
		{Pattern: "/api/model/*", ServiceURL: modelURL, Methods: []string{"GET", "POST", "PUT", "DELETE"}, AuthRequired: true},
		{Pattern: "/api/conversations/*", ServiceURL: orchestratorURL, Methods: []string{"GET", "POST", "PUT", "DELETE"}, AuthRequired: true},
		{Pattern: "/api/npcs/*", ServiceURL: characterURL, Methods: []string{"GET", "POST", "PUT", "DELETE"}, AuthRequired: true},
		{Pattern: "/api/search/*", ServiceURL: characterURL, Methods: []string{"GET", "POST"}, AuthRequired: true},
		{Pattern: "/api/summaries/*", ServiceURL: summaryURL, Methods: []string{"GET", "POST"}, AuthRequired: true},
		{Pattern: "/api/analysis/*", ServiceURL: summaryURL, Methods: []string{"GET", "POST"}, AuthRequired: true},
		{Pattern: "/api/health/*", ServiceURL: orchestratorURL, Methods: []string{"GET"}, AuthRequired: false},
	}
}

// FindRoute returns the first route matching path and method.
func (rt *Router) FindRoute(path, method string) (Route, bool) {
	for _, r := range rt.routes {
		if pathMatchesPattern(path, r.Pattern) && r.allows(method) {
			return r, true
		}
	}
	return Route{}, false
}

func pathMatchesPattern(path, pattern string) bool {
	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(path, pattern[:len(pattern)-2])
	}
	return path == pattern
}

func (rt *Router) breakerFor(serviceURL string) *requestpipeline.Breaker {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b, ok := rt.breakers[serviceURL]
	if !ok {
		b = requestpipeline.NewBreaker(requestpipeline.DefaultBreakerConfig())
		rt.breakers[serviceURL] = b
	}
	return b
}

// ForwardResult is what Forward returns to the caller to write back as the
// gateway's HTTP response.
type ForwardResult struct {
	Status  int
	Body    []byte
	Headers http.Header
}

// Forward proxies one request to route.ServiceURL+downstreamPath, retrying
// idempotent methods with 0.25*2^n backoff (grounded on router.py's
// _forward_request), pacing each retry's sleep through a per-call
// x/time/rate.Limiter rather than a bare time.Sleep, and admitting through
// the service's circuit breaker.
func (rt *Router) Forward(ctx context.Context, route Route, downstreamPath, method string, body []byte, headers http.Header) (ForwardResult, error) {
	breaker := rt.breakerFor(route.ServiceURL)
	if err := breaker.Allow(); err != nil {
		return ForwardResult{}, err
	}

	target := strings.TrimRight(route.ServiceURL, "/") + downstreamPath
	idempotent := method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions

	var lastErr error
	for attempt := 0; attempt < maxForwardAttempts; attempt++ {
		result, err := rt.doRequest(ctx, target, method, body, headers)
		if err == nil {
			if result.Status >= 200 && result.Status < 500 {
				breaker.RecordSuccess()
			} else {
				breaker.RecordFailure()
			}
			return result, nil
		}
		lastErr = err
		breaker.RecordFailure()

		if !idempotent || attempt == maxForwardAttempts-1 {
			break
		}
		if err := pacedBackoff(ctx, attempt); err != nil {
			return ForwardResult{}, err
		}
	}

	if ctx.Err() != nil {
		return ForwardResult{}, fmt.Errorf("forward to %s timed out: %w", target, errkind.Of(errkind.Timeout))
	}
	return ForwardResult{}, fmt.Errorf("forward to %s: %w: %v", target, errkind.Of(errkind.ServiceUnavailable), lastErr)
}

// pacedBackoff sleeps 0.25*2^attempt seconds, paced through a one-shot
// x/time/rate.Limiter reservation instead of a bare time.Sleep.
func pacedBackoff(ctx context.Context, attempt int) error {
	delay := time.Duration(250*(1<<attempt)) * time.Millisecond
	limiter := rate.NewLimiter(rate.Every(delay), 1)
	limiter.Reserve() // consume the initial burst token immediately
	return limiter.Wait(ctx)
}

func (rt *Router) doRequest(ctx context.Context, target, method string, body []byte, headers http.Header) (ForwardResult, error) {
	u, err := url.Parse(target)
	if err != nil {
		return ForwardResult{}, fmt.Errorf("parse target url: %w", errkind.Of(errkind.Internal))
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return ForwardResult{}, fmt.Errorf("build downstream request: %w", errkind.Of(errkind.Internal))
	}
	req.Header = headers.Clone()
	req.Header.Set("X-Gateway-Request-Id", fmt.Sprintf("gw_%d", time.Now().UnixNano()))
	req.Header.Set("X-Gateway-Timestamp", time.Now().UTC().Format(time.RFC3339))
	req.Header.Set("User-Agent", "lifestrands-gateway/1.0")

	resp, err := rt.client.Do(req)
	if err != nil {
		return ForwardResult{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return ForwardResult{}, err
	}
	return ForwardResult{Status: resp.StatusCode, Body: respBody, Headers: resp.Header}, nil
}
