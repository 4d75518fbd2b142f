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
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lifestrands/core/pkg/errkind"
)

const apiKeyHeader = "X-API-Key"

// Gateway wires authentication, rate limiting, and routing into a single
// gin handler chain, grounded on the composition of auth.py's
// require_auth/require_permission decorators and rate_limiter.py's
// rate_limit_middleware around router.py's route_request.
type Gateway struct {
	tokens  *TokenIssuer
	apiKeys *APIKeyStore
	limiter *SlidingWindowLimiter
	router  *Router
	log     *slog.Logger
}

func NewGateway(tokens *TokenIssuer, apiKeys *APIKeyStore, limiter *SlidingWindowLimiter, router *Router, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{tokens: tokens, apiKeys: apiKeys, limiter: limiter, router: router, log: log}
}

// principal identifies the caller for rate-limiting and logging purposes,
// whichever credential validated the request.
type principal struct {
	id   string
	role string
}

// authenticate extracts a bearer JWT or an X-API-Key header, in that order,
// the same precedence auth.py's get_current_user dependency uses.
func (g *Gateway) authenticate(c *gin.Context) (principal, bool) {
	if authz := c.GetHeader("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		token := strings.TrimPrefix(authz, "Bearer ")
		claims, err := g.tokens.Validate(token)
		if err == nil {
			return principal{id: claims.UserID, role: claims.Role}, true
		}
	}
	if key := c.GetHeader(apiKeyHeader); key != "" {
		if name, ok := g.apiKeys.Validate(key); ok {
			return principal{id: name, role: "service"}, true
		}
	}
	return principal{}, false
}

// Handle is the single entry point registered for every /api/* path: it
// authenticates (when the matched route requires it), enforces the sliding
// window rate limit, and forwards to the downstream service.
func (g *Gateway) Handle(c *gin.Context) {
	route, ok := g.router.FindRoute(c.Request.URL.Path, c.Request.Method)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no route for path"})
		return
	}

	who := c.ClientIP()
	if route.AuthRequired {
		p, authenticated := g.authenticate(c)
		if !authenticated {
			status := errkind.HTTPStatus(errkind.ErrUnauthenticated)
			c.JSON(status, gin.H{"error": "authentication required"})
			return
		}
		who = p.id
		c.Set("principal", p)
	}

	if !g.limiter.Allow(who) {
		c.Header("Retry-After", "60")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
		return
	}

	downstreamPath := TransformPath(c.Request.URL.Path)
	result, err := g.router.Forward(c.Request.Context(), route, downstreamPath, c.Request.Method, body, c.Request.Header)
	if err != nil {
		g.log.Error("downstream forward failed", "path", c.Request.URL.Path, "service", route.ServiceURL, "error", err)
		status := errkind.HTTPStatus(err)
		if status != http.StatusGatewayTimeout {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": "downstream service unavailable"})
		return
	}

	for key, values := range result.Headers {
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.Data(result.Status, result.Headers.Get("Content-Type"), result.Body)
}

// RequestSizeLimit caps inbound body size, mirroring router.py's request
// size guard ahead of forwarding.
func RequestSizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.Header("Content-Length-Limit", strconv.FormatInt(maxBytes, 10))
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
