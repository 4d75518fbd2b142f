// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package characterstore

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lifestrands/core/pkg/errkind"
	"github.com/lifestrands/core/pkg/validation"
)

const defaultListLimit = 50

// Embedder turns a free-text query into the same embedding space records
// are indexed in. It talks to the always-loaded embedding instance
// directly (llm.Embedder) rather than routing through the Model Runtime's
// hot-swap state machine, since the embedding model is kept separately and
// permanently resident.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// RegisterRoutes wires `/npc*` routes onto r.
func RegisterRoutes(r gin.IRouter, store *Store, embedder Embedder) {
	r.POST("/npc", handleCreate(store))
	r.GET("/npc/:id", handleGet(store))
	r.PUT("/npc/:id", handleUpdate(store))
	r.DELETE("/npc/:id", handleDelete(store))
	r.GET("/npcs", handleList(store))
	r.POST("/npcs/search", handleSearch(store, embedder))
	r.POST("/npcs/search/knowledge", handleSearchKnowledge(store, embedder))
}

func handleCreate(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var rec CharacterRecord
		if err := c.ShouldBindJSON(&rec); err != nil {
			c.JSON(http.StatusBadRequest, errkind.ResponseFor(errkind.Of(errkind.ValidationFailed)))
			return
		}
		id, err := store.Create(c.Request.Context(), &rec)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id})
	}
}

func handleGet(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := validation.ValidateRecordID(c.Param("id")); err != nil {
			c.JSON(http.StatusBadRequest, errkind.ResponseFor(errkind.Of(errkind.ValidationFailed)))
			return
		}
		rec, err := store.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func handleUpdate(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := validation.ValidateRecordID(c.Param("id")); err != nil {
			c.JSON(http.StatusBadRequest, errkind.ResponseFor(errkind.Of(errkind.ValidationFailed)))
			return
		}
		var u Update
		if err := c.ShouldBindJSON(&u); err != nil {
			c.JSON(http.StatusBadRequest, errkind.ResponseFor(errkind.Of(errkind.ValidationFailed)))
			return
		}
		ok, err := store.Update(c.Request.Context(), c.Param("id"), u)
		if err != nil {
			writeError(c, err)
			return
		}
		if !ok {
			writeError(c, errkind.Of(errkind.NotFound))
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": true})
	}
}

func handleDelete(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := validation.ValidateRecordID(c.Param("id")); err != nil {
			c.JSON(http.StatusBadRequest, errkind.ResponseFor(errkind.Of(errkind.ValidationFailed)))
			return
		}
		ok, err := store.Archive(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		if !ok {
			writeError(c, errkind.Of(errkind.NotFound))
			return
		}
		c.JSON(http.StatusOK, gin.H{"archived": true})
	}
}

func handleList(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := queryInt(c, "limit", defaultListLimit)
		offset := queryInt(c, "offset", 0)
		records, err := store.List(c.Request.Context(), limit, offset)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	}
}

type searchRequest struct {
	Query string `json:"query" binding:"required"`
	Limit int    `json:"limit"`
}

func handleSearch(store *Store, embedder Embedder) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req searchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errkind.ResponseFor(errkind.Of(errkind.ValidationFailed)))
			return
		}
		if req.Limit <= 0 {
			req.Limit = 10
		}

		vectors, err := embedder.Embed(c.Request.Context(), []string{req.Query})
		if err != nil || len(vectors) == 0 {
			writeError(c, err)
			return
		}

		matches, err := store.SearchByVector(c.Request.Context(), vectors[0], req.Limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"matches": matches})
	}
}

// handleSearchKnowledge resolves a free-text query to the nearest indexed
// knowledge chunks across all characters, rather than the coarser
// whole-character ranking handleSearch does over the pgvector column. It
// 404s (via writeError) when no VectorIndex has been wired.
func handleSearchKnowledge(store *Store, embedder Embedder) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req searchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errkind.ResponseFor(errkind.Of(errkind.ValidationFailed)))
			return
		}
		if req.Limit <= 0 {
			req.Limit = 10
		}

		vectors, err := embedder.Embed(c.Request.Context(), []string{req.Query})
		if err != nil || len(vectors) == 0 {
			writeError(c, err)
			return
		}

		matches, err := store.SearchChunks(c.Request.Context(), vectors[0], req.Limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"matches": matches})
	}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
		return n
	}
	return fallback
}

func writeError(c *gin.Context, err error) {
	c.JSON(errkind.HTTPStatus(err), errkind.ResponseFor(err))
}
