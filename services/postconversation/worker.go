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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lifestrands/core/services/characterstore"
)

const (
	dequeueTimeout = 5 * time.Second
	defaultWorkers = 3
)

// JobQueue is the subset of RedisQueue a Worker needs, so it can be faked
// in tests without a live Redis.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queuedJob, error)
	Retry(ctx context.Context, qj queuedJob, cause error) error
	Fail(ctx context.Context, qj queuedJob, cause error) error
}

// Pool runs defaultWorkers concurrent Worker loops, each pulling from the
// shared summary_queue until stopped. Grounded on queue_consumer.py's
// SummaryQueueConsumer, whose "while self.is_running" BRPOP loop this
// mirrors with an errgroup-free plain WaitGroup (no per-iteration result to
// aggregate, unlike the extractor fan-out).
type Pool struct {
	queue   JobQueue
	store   CharacterRecordStore
	sub     GenerationSubmitter
	summary SummaryStore
	workers int
	log     *slog.Logger
	backoff func(retryCount int) time.Duration
}

func NewPool(queue JobQueue, store CharacterRecordStore, sub GenerationSubmitter, summary SummaryStore, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{queue: queue, store: store, sub: sub, summary: summary, workers: defaultWorkers, log: log, backoff: backoffDelay}
}

// Run blocks until ctx is cancelled, draining in-flight jobs before
// returning ("drains in-flight jobs... on abrupt stop" rather than
// abandoning a job mid-pipeline).
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		qj, err := p.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			p.log.Error("dequeue failed", "worker", id, "error", err)
			continue
		}
		if qj == nil {
			continue // timeout elapsed, nothing queued
		}

		if err := p.process(context.WithoutCancel(ctx), *qj); err != nil {
			p.handleFailure(ctx, *qj, err)
		}
	}
}

func (p *Pool) handleFailure(ctx context.Context, qj queuedJob, cause error) {
	p.log.Error("summary job failed", "session_id", qj.SessionID, "retry_count", qj.RetryCount, "error", cause)
	if qj.RetryCount >= maxRetries {
		if err := p.queue.Fail(ctx, qj, cause); err != nil {
			p.log.Error("failed to record terminal failure", "session_id", qj.SessionID, "error", err)
		}
		return
	}
	delay := p.backoff(qj.RetryCount)
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := p.queue.Retry(context.Background(), qj, cause); err != nil {
			p.log.Error("failed to requeue job", "session_id", qj.SessionID, "error", err)
		}
	}()
}

// backoffDelay is min(60*(retry_count+1), 300) seconds.
func backoffDelay(retryCount int) time.Duration {
	seconds := 60 * (retryCount + 1)
	if seconds > 300 {
		seconds = 300
	}
	return time.Duration(seconds) * time.Second
}

// process runs the full per-job pipeline: summarize, extract key points,
// fetch the character record, run the 5 concurrent change extractors,
// derive a memory entry, auto-apply the confident changes, and persist the
// finished summary. Grounded on queue_consumer.py's process_summary_request.
func (p *Pool) process(ctx context.Context, qj queuedJob) error {
	summary, err := GenerateSummary(ctx, p.sub, qj.Messages)
	if err != nil {
		return fmt.Errorf("generate summary: %w", err)
	}

	keyPoints, err := ExtractKeyPoints(ctx, p.sub, qj.Messages)
	if err != nil {
		p.log.Warn("key point extraction failed, continuing without them", "session_id", qj.SessionID, "error", err)
	}

	record, err := p.store.Get(ctx, qj.CharacterID)
	if err != nil {
		return fmt.Errorf("fetch character record: %w", err)
	}

	changes, err := AnalyzeConversation(ctx, p.sub, qj.Messages, buildCharacterContext(record))
	if err != nil {
		return fmt.Errorf("analyze conversation: %w", err)
	}

	memoryContent, err := GenerateMemoryEntry(ctx, p.sub, summary, record.Name)
	if err != nil {
		p.log.Warn("memory entry generation failed, falling back to the raw summary", "session_id", qj.SessionID, "error", err)
		memoryContent = summary
	}

	emotionalImpact := analyzeEmotionalImpact(summary)
	memory := &characterstore.Memory{
		Content:         memoryContent,
		Timestamp:       time.Now().UTC(),
		Importance:      calculateMemoryImportance(summary),
		EmotionalImpact: emotionalImpact,
		PeopleInvolved:  []string{"user"},
		Tags:            extractTags(summary),
	}

	approved := approvedChanges(changes)
	update := buildUpdate(approved, memory)
	if _, err := p.store.Update(ctx, qj.CharacterID, update); err != nil {
		return fmt.Errorf("apply character update: %w", err)
	}

	record2 := SummaryRecord{
		SessionID:       qj.SessionID,
		CharacterID:     qj.CharacterID,
		UserID:          qj.UserID,
		Summary:         summary,
		KeyPoints:       keyPoints,
		Changes:         changes,
		AppliedChanges:  approved,
		EmotionalImpact: emotionalImpact,
		ProcessedAt:     time.Now().UTC(),
	}
	if err := p.summary.SaveSummary(ctx, qj.SessionID, record2); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	if err := p.summary.PublishCompleted(ctx, qj.SessionID); err != nil {
		return fmt.Errorf("publish completion: %w", err)
	}

	return nil
}

func buildCharacterContext(record *characterstore.CharacterRecord) characterContext {
	ctx := characterContext{Name: record.Name}
	if len(record.Personality.Traits) > 0 {
		ctx.Personality = joinComma(record.Personality.Traits)
	}
	ctx.Status = record.CurrentStatus.Mood
	if len(record.Relationships) > 0 {
		for _, r := range record.Relationships {
			ctx.Relationship = string(r.Type) + "/" + string(r.Status)
			break
		}
	}
	return ctx
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
