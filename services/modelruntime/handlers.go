// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package modelruntime

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lifestrands/core/pkg/errkind"
	"github.com/lifestrands/core/services/llm"
)

// RegisterRoutes wires the three HTTP operations this surface names for the
// Model Runtime: generate, load-model, status. Generation is collected
// synchronously here; the orchestrator talks to the Runtime directly
// in-process rather than through this HTTP surface, which exists for the
// Gateway-fronted /model/* client routes and for operational tooling.
func RegisterRoutes(r gin.IRouter, rt *Runtime) {
	r.POST("/model/generate", handleGenerate(rt))
	r.POST("/model/load-model", handleLoadModel(rt))
	r.GET("/model/status", handleStatus(rt))
}

type generateRequest struct {
	ModelType string        `json:"model_type" binding:"required"`
	Messages  []llm.Message `json:"messages" binding:"required"`
}

func handleGenerate(rt *Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req generateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errkind.ResponseFor(errkind.Of(errkind.ValidationFailed)))
			return
		}

		tokens, err := rt.GenerateStream(c.Request.Context(), ModelType(req.ModelType), req.Messages, llm.GenerationParams{})
		if err != nil {
			writeError(c, err)
			return
		}

		var out strings.Builder
		var streamErr error
		for tok := range tokens {
			if tok.Err != nil {
				streamErr = tok.Err
				continue
			}
			out.WriteString(tok.Content)
		}
		if streamErr != nil {
			writeError(c, streamErr)
			return
		}
		c.JSON(http.StatusOK, gin.H{"text": out.String()})
	}
}

type loadModelRequest struct {
	ModelType string `json:"model_type" binding:"required"`
}

func handleLoadModel(rt *Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loadModelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errkind.ResponseFor(errkind.Of(errkind.ValidationFailed)))
			return
		}
		inst, err := rt.Load(c.Request.Context(), ModelType(req.ModelType))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"instance_id": inst.InstanceID,
			"model_type":  string(inst.ModelType),
			"state":       string(inst.Machine.Current()),
		})
	}
}

func handleStatus(rt *Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		current := rt.CurrentInstance()
		resp := gin.H{"loaded": current != nil}
		if current != nil {
			resp["model_type"] = string(current.ModelType)
			resp["state"] = string(current.Machine.Current())
			resp["instance_id"] = current.InstanceID
		}
		c.JSON(http.StatusOK, resp)
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(errkind.HTTPStatus(err), errkind.ResponseFor(err))
}
