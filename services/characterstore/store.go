// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package characterstore

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pgvector/pgvector-go"

	"github.com/lifestrands/core/pkg/errkind"
	"github.com/lifestrands/core/pkg/validation"
)

// Store is the Postgres-backed persistence layer for CharacterRecords. The
// full record is kept as a JSONB blob (fields outside CharacterRecord's
// schema are not kept; see Extra); name/status/embedding are projected into indexed columns for
// filter and vector-search queries, following the queryable-fields
// projection the original life strand schema performs in SQL form.
type Store struct {
	db          *stdsql.DB
	cfg         Config
	embedder    Embedder
	vectorIndex VectorIndex
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := connectAndMigrate(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, cfg: cfg}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SetEmbedder wires a text embedder used to keep each record's pgvector
// column current as its knowledge/background text changes. Nil (the
// default) disables embedding-on-write entirely.
func (s *Store) SetEmbedder(e Embedder) { s.embedder = e }

// SetVectorIndex wires a chunk-level nearest-neighbour index that mirrors
// the record-level pgvector column at knowledge-item granularity. Nil
// (the default) leaves chunk search unavailable.
func (s *Store) SetVectorIndex(v VectorIndex) { s.vectorIndex = v }

// reembed chunks and embeds r's current text and pushes the summary
// vector into the record's own pgvector column plus, if a VectorIndex is
// wired, the per-chunk vectors into chunk-level search. Embedding is
// best-effort: a Model Runtime or Weaviate outage must not block writing
// the record itself, so failures are logged rather than returned.
func (s *Store) reembed(ctx context.Context, r *CharacterRecord) {
	if s.embedder == nil {
		return
	}
	embedded, err := EmbedRecord(ctx, s.embedder, r)
	if err != nil {
		slog.Warn("failed to embed record", "record_id", r.ID, "error", err)
		return
	}
	if embedded.Summary == nil {
		return
	}
	if err := s.UpsertEmbedding(ctx, r.ID, embedded.Summary); err != nil {
		slog.Warn("failed to store record embedding", "record_id", r.ID, "error", err)
	}
	if s.vectorIndex == nil {
		return
	}
	if err := s.vectorIndex.IndexChunks(ctx, r.ID, embedded.Chunks); err != nil {
		slog.Warn("failed to index record knowledge chunks", "record_id", r.ID, "error", err)
	}
}

type recordRow struct {
	Data CharacterRecord `json:"data"`
}

func (s *Store) Create(ctx context.Context, r *CharacterRecord) (string, error) {
	if r.ID == "" {
		r.ID = validation.NewRecordID("npc")
	}
	if r.SchemaVersion == "" {
		r.SchemaVersion = currentSchemaVersion
	}
	if r.Status == "" {
		r.Status = StatusActive
	}
	if err := r.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", errkind.Of(errkind.ValidationFailed), err)
	}
	r.Sanitize()

	payload, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("%w: encoding record: %v", errkind.Of(errkind.StorageError), err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO character_records (id, data, status, name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, payload, string(r.Status), r.Name, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errkind.Of(errkind.StorageError), err)
	}
	s.reembed(ctx, r)
	return r.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*CharacterRecord, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM character_records WHERE id = $1`, id).Scan(&payload)
	if err == stdsql.ErrNoRows {
		return nil, fmt.Errorf("%w: record %s", errkind.Of(errkind.NotFound), id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errkind.Of(errkind.StorageError), err)
	}
	var rec CharacterRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("%w: decoding record: %v", errkind.Of(errkind.StorageError), err)
	}
	return &rec, nil
}

func (s *Store) Update(ctx context.Context, id string, u Update) (bool, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	merged := ApplyUpdate(existing, u)
	if err := merged.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", errkind.Of(errkind.ValidationFailed), err)
	}
	merged.Sanitize()

	payload, err := json.Marshal(merged)
	if err != nil {
		return false, fmt.Errorf("%w: encoding record: %v", errkind.Of(errkind.StorageError), err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE character_records SET data=$2, status=$3, name=$4, updated_at=$5 WHERE id=$1`,
		id, payload, string(merged.Status), merged.Name, merged.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errkind.Of(errkind.StorageError), err)
	}
	n, _ := res.RowsAffected()
	if n > 0 && (u.Background != nil || u.Knowledge != nil) {
		s.reembed(ctx, merged)
	}
	return n > 0, nil
}

func (s *Store) setStatus(ctx context.Context, id string, status RecordStatus) (bool, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	rec.Status = status
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("%w: encoding record: %v", errkind.Of(errkind.StorageError), err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE character_records SET data=$2, status=$3 WHERE id=$1`, id, payload, string(status))
	if err != nil {
		return false, fmt.Errorf("%w: %v", errkind.Of(errkind.StorageError), err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Archive is a soft delete: status flips to archived and vector search
// excludes the record without destroying its data.
func (s *Store) Archive(ctx context.Context, id string) (bool, error) {
	ok, err := s.setStatus(ctx, id, StatusArchived)
	if ok && err == nil && s.vectorIndex != nil {
		if delErr := s.vectorIndex.DeleteRecord(ctx, id); delErr != nil {
			slog.Warn("failed to remove archived record from vector index", "record_id", id, "error", delErr)
		}
	}
	return ok, err
}

func (s *Store) Restore(ctx context.Context, id string) (bool, error) {
	return s.setStatus(ctx, id, StatusActive)
}

type RecordSummary struct {
	ID   string
	Name string
}

func (s *Store) List(ctx context.Context, limit, offset int) ([]RecordSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name FROM character_records WHERE status != 'archived' ORDER BY updated_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errkind.Of(errkind.StorageError), err)
	}
	defer rows.Close()
	var out []RecordSummary
	for rows.Next() {
		var rs RecordSummary
		if err := rows.Scan(&rs.ID, &rs.Name); err != nil {
			return nil, fmt.Errorf("%w: %v", errkind.Of(errkind.StorageError), err)
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

type VectorMatch struct {
	ID         string
	Name       string
	Similarity float64
}

// SearchByVector returns the top-K active records by cosine similarity,
// excluding archived records. Cosine distance via pgvector's <=> operator
// is 1 - similarity.
func (s *Store) SearchByVector(ctx context.Context, q []float32, k int) ([]VectorMatch, error) {
	vec := pgvector.NewVector(q)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, 1 - (embedding <=> $1) AS similarity
		 FROM character_records
		 WHERE status != 'archived' AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1
		 LIMIT $2`,
		vec, k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errkind.Of(errkind.StorageError), err)
	}
	defer rows.Close()
	var out []VectorMatch
	for rows.Next() {
		var m VectorMatch
		if err := rows.Scan(&m.ID, &m.Name, &m.Similarity); err != nil {
			return nil, fmt.Errorf("%w: %v", errkind.Of(errkind.StorageError), err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) UpsertEmbedding(ctx context.Context, id string, vector []float32) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.Embedding = vector
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encoding record: %v", errkind.Of(errkind.StorageError), err)
	}
	vec := pgvector.NewVector(vector)
	_, err = s.db.ExecContext(ctx, `UPDATE character_records SET data=$2, embedding=$3 WHERE id=$1`, id, payload, vec)
	if err != nil {
		return fmt.Errorf("%w: %v", errkind.Of(errkind.StorageError), err)
	}
	return nil
}

func (s *Store) ClearEmbedding(ctx context.Context, id string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.Embedding = nil
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encoding record: %v", errkind.Of(errkind.StorageError), err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE character_records SET data=$2, embedding=NULL WHERE id=$1`, id, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", errkind.Of(errkind.StorageError), err)
	}
	return nil
}

func (s *Store) AddMemory(ctx context.Context, id string, m Memory) (bool, error) {
	return s.Update(ctx, id, Update{Memories: []Memory{m}})
}

type Stats struct {
	TotalRecords    int
	ActiveRecords   int
	ArchivedRecords int
	WithEmbedding   int
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = 'active'),
			count(*) FILTER (WHERE status = 'archived'),
			count(*) FILTER (WHERE embedding IS NOT NULL)
		FROM character_records`).Scan(&st.TotalRecords, &st.ActiveRecords, &st.ArchivedRecords, &st.WithEmbedding)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", errkind.Of(errkind.StorageError), err)
	}
	return st, nil
}

// SearchChunks delegates to the wired VectorIndex for knowledge-item-level
// nearest-neighbour search. It returns an error if no VectorIndex has been
// configured via SetVectorIndex.
func (s *Store) SearchChunks(ctx context.Context, vector []float32, limit int) ([]ChunkMatch, error) {
	if s.vectorIndex == nil {
		return nil, fmt.Errorf("%w: no vector index configured", errkind.Of(errkind.NotFound))
	}
	return s.vectorIndex.SearchChunks(ctx, vector, limit)
}
