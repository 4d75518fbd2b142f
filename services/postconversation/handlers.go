// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package postconversation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lifestrands/core/pkg/errkind"
	"github.com/lifestrands/core/services/orchestrator"
)

// RegisterRoutes wires `/summary/*` client routes: enqueueing a
// transcript for processing and reporting queue depth, the two operations
// exposed outside the worker pool itself.
func RegisterRoutes(r gin.IRouter, queue *RedisQueue) {
	r.POST("/summary/generate", handleGenerateRequest(queue))
	r.GET("/summary/queue/status", handleQueueStatus(queue))
}

func handleGenerateRequest(queue *RedisQueue) gin.HandlerFunc {
	return func(c *gin.Context) {
		var job orchestrator.PostConversationJob
		if err := c.ShouldBindJSON(&job); err != nil {
			c.JSON(http.StatusBadRequest, errkind.ResponseFor(errkind.Of(errkind.ValidationFailed)))
			return
		}
		if err := queue.Enqueue(c.Request.Context(), job); err != nil {
			c.JSON(errkind.HTTPStatus(err), errkind.ResponseFor(err))
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"session_id": job.SessionID, "status": "queued"})
	}
}

func handleQueueStatus(queue *RedisQueue) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := queue.Status(c.Request.Context())
		if err != nil {
			c.JSON(errkind.HTTPStatus(err), errkind.ResponseFor(err))
			return
		}
		c.JSON(http.StatusOK, status)
	}
}
