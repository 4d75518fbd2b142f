// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package postconversation turns a completed conversation into durable
// character changes: it summarizes the transcript, extracts typed change
// records, auto-applies the confident ones, and files the rest for review.
package postconversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lifestrands/core/pkg/errkind"
	"github.com/lifestrands/core/services/orchestrator"
)

const (
	queueKey   = "summary_queue"
	poisonKey  = "poison_messages"
	maxRetries = 3
)

// queuedJob wraps a PostConversationJob with the retry bookkeeping carried
// on the wire between enqueue and re-enqueue.
type queuedJob struct {
	orchestrator.PostConversationJob
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
	RetryAt    string `json:"retry_at,omitempty"`
}

// RedisQueue is the summary_queue/poison_messages FIFO, grounded on
// original_source's queue_consumer.py (LPUSH producer, blocking BRPOP
// consumer, exponential-backoff retry, verbatim poison quarantine).
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

// Enqueue implements orchestrator.JobEnqueuer.
func (q *RedisQueue) Enqueue(ctx context.Context, job orchestrator.PostConversationJob) error {
	return q.push(ctx, queuedJob{PostConversationJob: job})
}

func (q *RedisQueue) push(ctx context.Context, qj queuedJob) error {
	data, err := json.Marshal(qj)
	if err != nil {
		return fmt.Errorf("marshal queued job: %w", errkind.Of(errkind.Internal))
	}
	if err := q.client.LPush(ctx, queueKey, data).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", queueKey, errkind.Of(errkind.StorageError))
	}
	return nil
}

// Dequeue blocks up to timeout for the next job. A nil job with a nil error
// means the blocking period elapsed with nothing to do; callers should loop.
// Malformed payloads are quarantined to the poison list and reported via err
// wrapping errkind.ErrValidationFailed so the caller can skip them without
// treating the dequeue itself as failed.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*queuedJob, error) {
	res, err := q.client.BRPop(ctx, timeout, queueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("brpop %s: %w", queueKey, errkind.Of(errkind.StorageError))
	}
	raw := res[1]
	var qj queuedJob
	if err := json.Unmarshal([]byte(raw), &qj); err != nil {
		if quarantineErr := q.quarantine(ctx, raw, "invalid JSON: "+err.Error()); quarantineErr != nil {
			return nil, quarantineErr
		}
		return nil, fmt.Errorf("decode queued job: %w", errkind.Of(errkind.ValidationFailed))
	}
	return &qj, nil
}

// Retry re-enqueues qj with an incremented retry_count, the cause as
// last_error, and the re-enqueue time as retry_at. The min(60*(n+1), 300)s
// backoff before redelivery is enforced by the worker sleeping before this
// call (backoffDelay), since a plain Redis list has no native
// delayed-delivery primitive.
func (q *RedisQueue) Retry(ctx context.Context, qj queuedJob, cause error) error {
	qj.RetryCount++
	qj.LastError = cause.Error()
	qj.RetryAt = time.Now().UTC().Format(time.RFC3339)
	return q.push(ctx, qj)
}

// Fail records a terminal failure (retry budget exhausted) under an error
// key with full context.
func (q *RedisQueue) Fail(ctx context.Context, qj queuedJob, cause error) error {
	errData := map[string]any{
		"session_id":       qj.SessionID,
		"error_message":    cause.Error(),
		"original_message": qj,
		"failed_at":        time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(errData)
	if err != nil {
		return fmt.Errorf("marshal failure record: %w", errkind.Of(errkind.Internal))
	}
	key := "summary_error:" + qj.SessionID
	if err := q.client.Set(ctx, key, data, 3*24*time.Hour).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, errkind.Of(errkind.StorageError))
	}
	return nil
}

func (q *RedisQueue) quarantine(ctx context.Context, raw, reason string) error {
	poison := map[string]any{
		"message_data": raw,
		"error_reason": reason,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(poison)
	if err != nil {
		return fmt.Errorf("marshal poison record: %w", errkind.Of(errkind.Internal))
	}
	if err := q.client.LPush(ctx, poisonKey, data).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", poisonKey, errkind.Of(errkind.StorageError))
	}
	return nil
}

// SaveSummary persists the processed summary under summary:{session_id}
// with a 7-day TTL.
func (q *RedisQueue) SaveSummary(ctx context.Context, sessionID string, record SummaryRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", errkind.Of(errkind.Internal))
	}
	key := "summary:" + sessionID
	if err := q.client.Set(ctx, key, data, 7*24*time.Hour).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, errkind.Of(errkind.StorageError))
	}
	return nil
}

// PublishCompleted notifies subscribers and sets a 24h completion flag, per
// the original's notify_completion.
func (q *RedisQueue) PublishCompleted(ctx context.Context, sessionID string) error {
	notification := map[string]any{
		"type":       "summary_completed",
		"session_id": sessionID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", errkind.Of(errkind.Internal))
	}
	if err := q.client.Publish(ctx, "summary_notifications", data).Err(); err != nil {
		return fmt.Errorf("publish summary_notifications: %w", errkind.Of(errkind.StorageError))
	}
	flagKey := "summary_completed:" + sessionID
	if err := q.client.Set(ctx, flagKey, "true", 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("set %s: %w", flagKey, errkind.Of(errkind.StorageError))
	}
	return nil
}

// QueueStatus is the depth of the live queue and the poison list, for
// GET /summary/queue/status.
type QueueStatus struct {
	QueueDepth  int64 `json:"queue_depth"`
	PoisonDepth int64 `json:"poison_depth"`
}

func (q *RedisQueue) Status(ctx context.Context) (QueueStatus, error) {
	depth, err := q.client.LLen(ctx, queueKey).Result()
	if err != nil {
		return QueueStatus{}, fmt.Errorf("llen %s: %w", queueKey, errkind.Of(errkind.StorageError))
	}
	poison, err := q.client.LLen(ctx, poisonKey).Result()
	if err != nil {
		return QueueStatus{}, fmt.Errorf("llen %s: %w", poisonKey, errkind.Of(errkind.StorageError))
	}
	return QueueStatus{QueueDepth: depth, PoisonDepth: poison}, nil
}
