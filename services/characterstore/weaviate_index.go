// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package characterstore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

const knowledgeChunkClass = "NPCKnowledgeChunk"

// WeaviateIndex is a VectorIndex backed by a self-hosted Weaviate
// instance. It stores vectors client-side (Vectorizer: "none") since
// every vector already comes from the Model Runtime's embedder.
type WeaviateIndex struct {
	client *weaviate.Client
}

// NewWeaviateIndex connects to a Weaviate instance at rawURL (e.g.
// "http://weaviate:8080") and ensures the knowledge-chunk class exists.
func NewWeaviateIndex(ctx context.Context, rawURL string) (*WeaviateIndex, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid weaviate url %q: %w", rawURL, err)
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: parsed.Host, Scheme: parsed.Scheme})
	if err != nil {
		return nil, fmt.Errorf("creating weaviate client: %w", err)
	}
	idx := &WeaviateIndex{client: client}
	if err := idx.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (w *WeaviateIndex) ensureSchema(ctx context.Context) error {
	_, err := w.client.Schema().ClassGetter().WithClassName(knowledgeChunkClass).Do(ctx)
	if err == nil {
		return nil
	}
	class := &models.Class{
		Class:      knowledgeChunkClass,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "record_id", DataType: []string{"text"}},
			{Name: "chunk_index", DataType: []string{"int"}},
			{Name: "content", DataType: []string{"text"}},
		},
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("creating %s schema: %w", knowledgeChunkClass, err)
	}
	slog.Info("created weaviate class", "class", knowledgeChunkClass)
	return nil
}

// chunkUUID derives a stable object ID from (recordID, chunkIndex) so
// re-indexing a record overwrites its previous chunks instead of growing
// the class unbounded.
func chunkUUID(recordID string, chunkIndex int) strfmt.UUID {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", recordID, chunkIndex)))
	id, _ := uuid.FromBytes(hash[:16])
	return strfmt.UUID(id.String())
}

func (w *WeaviateIndex) IndexChunks(ctx context.Context, recordID string, chunks []KnowledgeChunk) error {
	if err := w.DeleteRecord(ctx, recordID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	objects := make([]*models.Object, len(chunks))
	for i, chunk := range chunks {
		objects[i] = &models.Object{
			Class: knowledgeChunkClass,
			ID:    chunkUUID(recordID, chunk.ChunkIndex),
			Vector: chunk.Vector,
			Properties: map[string]interface{}{
				"record_id":   recordID,
				"chunk_index": chunk.ChunkIndex,
				"content":     chunk.Text,
			},
		}
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("batch-indexing knowledge chunks: %w", err)
	}
	for _, item := range resp {
		if item.Result == nil || item.Result.Status == nil || *item.Result.Status != "SUCCESS" {
			slog.Warn("failed to index knowledge chunk", "record_id", recordID)
		}
	}
	return nil
}

func (w *WeaviateIndex) DeleteRecord(ctx context.Context, recordID string) error {
	where := filters.Where().
		WithPath([]string{"record_id"}).
		WithOperator(filters.Equal).
		WithValueString(recordID)
	_, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(knowledgeChunkClass).
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("deleting existing chunks for %s: %w", recordID, err)
	}
	return nil
}

type knowledgeChunkGQLResponse struct {
	Get struct {
		NPCKnowledgeChunk []struct {
			RecordID string `json:"record_id"`
			Content  string `json:"content"`
			Extra    struct {
				Certainty float64 `json:"certainty"`
			} `json:"_additional"`
		} `json:"NPCKnowledgeChunk"`
	} `json:"Get"`
}

func (w *WeaviateIndex) SearchChunks(ctx context.Context, vector []float32, limit int) ([]ChunkMatch, error) {
	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	fields := []graphql.Field{
		{Name: "record_id"},
		{Name: "content"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	result, err := w.client.GraphQL().Get().
		WithClassName(knowledgeChunkClass).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate nearest-chunk search: %w", err)
	}

	raw, err := json.Marshal(result.Data)
	if err != nil {
		return nil, fmt.Errorf("re-marshaling weaviate response: %w", err)
	}
	var parsed knowledgeChunkGQLResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing weaviate response: %w", err)
	}

	matches := make([]ChunkMatch, 0, len(parsed.Get.NPCKnowledgeChunk))
	for _, item := range parsed.Get.NPCKnowledgeChunk {
		matches = append(matches, ChunkMatch{
			RecordID:  item.RecordID,
			Text:      item.Content,
			Certainty: item.Extra.Certainty,
		})
	}
	return matches, nil
}
