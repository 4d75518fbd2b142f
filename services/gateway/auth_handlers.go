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
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lifestrands/core/pkg/errkind"
)

// RegisterAuthRoutes wires `/auth/*` client routes onto r: login,
// register, and a "who am I" introspection endpoint, the only routes a
// client reaches before it holds a token.
func RegisterAuthRoutes(r gin.IRouter, users *UserStore, tokens *TokenIssuer) {
	r.POST("/auth/login", handleLogin(users, tokens))
	r.POST("/auth/register", handleRegister(users))
	r.GET("/auth/me", handleMe(tokens))
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func handleLogin(users *UserStore, tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errkind.ResponseFor(errkind.Of(errkind.ValidationFailed)))
			return
		}
		user, err := users.Authenticate(req.Username, req.Password)
		if err != nil {
			c.JSON(errkind.HTTPStatus(err), errkind.ResponseFor(err))
			return
		}
		token, err := tokens.Issue(user.Username, user.Role)
		if err != nil {
			c.JSON(errkind.HTTPStatus(err), errkind.ResponseFor(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"access_token": token})
	}
}

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Role     string `json:"role"`
}

func handleRegister(users *UserStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errkind.ResponseFor(errkind.Of(errkind.ValidationFailed)))
			return
		}
		if err := users.Register(req.Username, req.Password, req.Role); err != nil {
			c.JSON(errkind.HTTPStatus(err), errkind.ResponseFor(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"username": req.Username})
	}
}

func handleMe(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if !strings.HasPrefix(authz, "Bearer ") {
			status := errkind.HTTPStatus(errkind.ErrUnauthenticated)
			c.JSON(status, gin.H{"error": "authentication required"})
			return
		}
		claims, err := tokens.Validate(strings.TrimPrefix(authz, "Bearer "))
		if err != nil {
			c.JSON(errkind.HTTPStatus(err), errkind.ResponseFor(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": claims.UserID, "role": claims.Role})
	}
}
