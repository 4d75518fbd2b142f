// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package characterstore

import "context"

// KnowledgeChunk is one embedded slice of a record's background/knowledge
// text, addressable independently of the record's own summary embedding.
type KnowledgeChunk struct {
	RecordID   string
	ChunkIndex int
	Text       string
	Vector     []float32
}

// ChunkMatch is one hit from a VectorIndex search, carrying back enough
// to resolve which character the fact belongs to and how it reads.
type ChunkMatch struct {
	RecordID   string
	Text       string
	Certainty  float64
}

// VectorIndex is the optional chunk-level nearest-neighbour store behind a
// Store. Unlike the record-level pgvector column (one centroid vector per
// character), a VectorIndex keeps every knowledge chunk separately
// addressable, so a query like "who knows about the harbor fire" can
// surface the one knowledge item that matters instead of only ranking
// whole characters.
type VectorIndex interface {
	// IndexChunks replaces all indexed chunks for recordID with chunks.
	IndexChunks(ctx context.Context, recordID string, chunks []KnowledgeChunk) error
	// DeleteRecord removes every indexed chunk belonging to recordID.
	DeleteRecord(ctx context.Context, recordID string) error
	// SearchChunks returns the top-limit chunks nearest to vector.
	SearchChunks(ctx context.Context, vector []float32, limit int) ([]ChunkMatch, error)
}
