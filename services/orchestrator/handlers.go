// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lifestrands/core/pkg/errkind"
)

// RegisterRoutes wires the REST surface of /chat/conversation/* onto r,
// alongside the WebSocket and monitor routes already exposed by
// HandleConversationWebSocket and HandleMonitorBroadcast. This is the
// non-streaming counterpart a Gateway-fronted client uses for
// request/response style turns; the WebSocket remains the path for live
// token-by-token delivery.
func RegisterRoutes(r gin.IRouter, manager *Manager, hub *MonitorHub) {
	r.POST("/chat/conversation/start", handleStart(manager))
	r.POST("/chat/conversation/send", handleSend(manager))
	r.POST("/chat/conversation/:id/end", handleEnd(manager))
	r.GET("/chat/conversation/:id/history", handleHistory(manager))
}

type startRequest struct {
	NPCID  string `json:"npc_id" binding:"required"`
	UserID string `json:"user_id"`
}

func handleStart(manager *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req startRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errkind.ResponseFor(errkind.Of(errkind.ValidationFailed)))
			return
		}
		sessionID, err := manager.Start(c.Request.Context(), req.NPCID, req.UserID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": sessionID})
	}
}

type sendRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Message   string `json:"message" binding:"required"`
}

func handleSend(manager *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errkind.ResponseFor(errkind.Of(errkind.ValidationFailed)))
			return
		}

		tokens, err := manager.ProcessMessage(c.Request.Context(), req.SessionID, req.Message)
		if err != nil {
			writeError(c, err)
			return
		}

		var reply strings.Builder
		var streamErr error
		for tok := range tokens {
			if tok.Err != nil {
				streamErr = tok.Err
				continue
			}
			reply.WriteString(tok.Content)
		}

		manager.FinishMessage(c.Request.Context(), req.SessionID, reply.String(), streamErr != nil)
		if streamErr != nil {
			writeError(c, streamErr)
			return
		}
		c.JSON(http.StatusOK, gin.H{"response": reply.String()})
	}
}

func handleEnd(manager *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("id")
		if err := manager.End(c.Request.Context(), sessionID); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ended"})
	}
}

func handleHistory(manager *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("id")
		messages, err := manager.History(sessionID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": messages})
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(errkind.HTTPStatus(err), errkind.ResponseFor(err))
}
