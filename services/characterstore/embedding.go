// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package characterstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// chunkSize and chunkOverlap mirror the 10%-overlap ratio used elsewhere
// in the stack for recursive-character splitting.
var (
	chunkSize    = 700
	chunkOverlap = int(float64(chunkSize) * 0.10)
)

// canonicalText flattens the parts of a record worth embedding:
// background history and each knowledge item, topic-tagged so the
// splitter doesn't glue two unrelated facts into one sentence.
func canonicalText(r *CharacterRecord) string {
	var b strings.Builder
	if r.Background.History != "" {
		b.WriteString(r.Background.History)
		b.WriteString("\n\n")
	}
	for _, k := range r.Knowledge {
		fmt.Fprintf(&b, "%s: %s\n\n", k.Topic, k.Content)
	}
	return strings.TrimSpace(b.String())
}

// chunkText splits long background/knowledge text on paragraph, then
// sentence, then word boundaries before embedding, so a single knowledge
// item longer than the model's effective context doesn't get truncated
// or diluted into one noisy vector.
func chunkText(text string) ([]string, error) {
	if text == "" {
		return nil, nil
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
		textsplitter.WithSeparators([]string{"\n\n", "\n", ". ", " ", ""}),
	)
	chunks, err := splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("splitting record text: %w", err)
	}
	return chunks, nil
}

// EmbeddedRecord is the result of chunking and embedding a record: a
// single summary vector for the record's own pgvector column, plus the
// per-chunk vectors for a VectorIndex that can retrieve at knowledge-item
// granularity.
type EmbeddedRecord struct {
	Summary []float32
	Chunks  []KnowledgeChunk
}

// EmbedRecord chunks a record's canonical text, embeds every chunk in one
// batch call, and averages the chunk vectors into a single summary vector
// for the record's own embedding column. A record with no chunkable text
// (no history, no knowledge) gets a nil summary and is left out of vector
// search entirely, same as before this embedding pipeline existed.
func EmbedRecord(ctx context.Context, embedder Embedder, r *CharacterRecord) (*EmbeddedRecord, error) {
	text := canonicalText(r)
	if text == "" {
		return &EmbeddedRecord{}, nil
	}

	pieces, err := chunkText(text)
	if err != nil {
		return nil, err
	}
	if len(pieces) == 0 {
		return &EmbeddedRecord{}, nil
	}

	vectors, err := embedder.Embed(ctx, pieces)
	if err != nil {
		return nil, fmt.Errorf("embedding record chunks: %w", err)
	}
	if len(vectors) != len(pieces) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(pieces))
	}

	chunks := make([]KnowledgeChunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = KnowledgeChunk{RecordID: r.ID, ChunkIndex: i, Text: p, Vector: vectors[i]}
	}

	return &EmbeddedRecord{Summary: averageVectors(vectors), Chunks: chunks}, nil
}

// averageVectors centroids a set of equal-length embeddings into one. It
// is a lossy summary by construction — fine for the record-level "is this
// NPC roughly relevant" pgvector scan; chunk-level search against the
// VectorIndex is what recovers per-fact precision.
func averageVectors(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		for i := 0; i < dim && i < len(v); i++ {
			sum[i] += float64(v[i])
		}
	}
	out := make([]float32, dim)
	for i, s := range sum {
		out[i] = float32(s / float64(len(vectors)))
	}
	return out
}
