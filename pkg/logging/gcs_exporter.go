// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSExporter batches LogEntry values as newline-delimited JSON and
// uploads them to a Cloud Storage bucket, one object per flush. A studio
// running this platform in production points it at a bucket it already
// retains logs in instead of relying on each service's local disk.
type GCSExporter struct {
	client     *storage.Client
	bucket     string
	objectPath string // prefix under which batch objects are written

	mu      sync.Mutex
	pending []LogEntry
	batch   int
}

// NewGCSExporter opens a Cloud Storage client using the service account
// key at saKeyPath and returns an exporter that writes batches of
// batchSize entries (or fewer, on Flush) to bucket under objectPrefix.
func NewGCSExporter(ctx context.Context, bucket, objectPrefix, saKeyPath string, batchSize int) (*GCSExporter, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	client, err := storage.NewClient(ctx, option.WithCredentialsFile(saKeyPath))
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSExporter{
		client:     client,
		bucket:     bucket,
		objectPath: objectPrefix,
		batch:      batchSize,
	}, nil
}

// Export buffers entry, uploading the accumulated batch once it reaches
// the configured batch size.
func (e *GCSExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	e.pending = append(e.pending, entry)
	shouldUpload := len(e.pending) >= e.batch
	var batch []LogEntry
	if shouldUpload {
		batch = e.pending
		e.pending = nil
	}
	e.mu.Unlock()

	if batch != nil {
		return e.upload(ctx, batch)
	}
	return nil
}

// Flush uploads any entries buffered since the last batch upload.
func (e *GCSExporter) Flush(ctx context.Context) error {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return e.upload(ctx, batch)
}

// Close releases the underlying Cloud Storage client. Callers should
// Flush before Close to avoid dropping buffered entries.
func (e *GCSExporter) Close() error {
	return e.client.Close()
}

func (e *GCSExporter) upload(ctx context.Context, entries []LogEntry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("encode log entry: %w", err)
		}
	}

	objectName := fmt.Sprintf("%s/%s.jsonl", e.objectPath, time.Now().UTC().Format("20060102T150405.000000000Z"))
	obj := e.client.Bucket(e.bucket).Object(objectName)
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/x-ndjson"

	if _, err := writer.Write(buf.Bytes()); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write gcs object %s: %w", objectName, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close gcs writer for %s: %w", objectName, err)
	}
	return nil
}

var _ LogExporter = (*GCSExporter)(nil)
