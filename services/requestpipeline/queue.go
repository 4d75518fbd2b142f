// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package requestpipeline

import (
	"container/heap"
	"sync"
	"time"

	"github.com/lifestrands/core/pkg/errkind"
	"github.com/lifestrands/core/services/llm"
	"github.com/lifestrands/core/services/modelruntime"
)

// ServiceClass names one of the three request classes the pipeline admits.
type ServiceClass string

const (
	ServiceClassChat      ServiceClass = "chat"
	ServiceClassSummary   ServiceClass = "summary"
	ServiceClassEmbedding ServiceClass = "embedding"
)

// DefaultPriority returns the default queue priority for a service class
// (lower sorts sooner): chat=1, embedding=3, summary=5.
func DefaultPriority(c ServiceClass) int {
	switch c {
	case ServiceClassChat:
		return 1
	case ServiceClassEmbedding:
		return 3
	case ServiceClassSummary:
		return 5
	default:
		return 5
	}
}

// GenerationJob is the payload of a queued chat/summary generation request.
type GenerationJob struct {
	Messages []llm.Message
	Params   llm.GenerationParams
	Result   chan<- generationResult
}

type generationResult struct {
	Tokens <-chan modelruntime.StreamToken
	Err    error
}

// StreamToken is the pipeline's own copy of modelruntime.StreamToken, the
// type SubmitGeneration hands to its callers; adaptTokens converts the
// runtime's tokens into it at that boundary.
type StreamToken struct {
	Content string
	Done    bool
	Err     error
}

// EmbeddingJob is the payload of a queued embedding request.
type EmbeddingJob struct {
	Texts  []string
	Result chan<- embeddingResult
}

type embeddingResult struct {
	Vectors [][]float32
	Err     error
}

// QueuedRequest is an ordered work item admitted to the priority queue.
type QueuedRequest struct {
	ServiceClass ServiceClass
	Priority     int
	EnqueuedAt   time.Time
	Deadline     time.Time
	Generation   *GenerationJob
	Embedding    *EmbeddingJob

	index int // heap.Interface bookkeeping
}

// Expired reports whether the request's deadline has already passed.
func (r *QueuedRequest) Expired(now time.Time) bool {
	return !r.Deadline.IsZero() && now.After(r.Deadline)
}

type requestHeap []*QueuedRequest

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}
func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *requestHeap) Push(x any) {
	r := x.(*QueuedRequest)
	r.index = len(*h)
	*h = append(*h, r)
}
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// PriorityQueue is a bounded, thread-safe min-heap keyed by
// (priority, enqueued_at). signal carries one token per push so Pop can
// block efficiently without a goroutine-per-waiter.
type PriorityQueue struct {
	mu       sync.Mutex
	heap     requestHeap
	capacity int
	signal   chan struct{}
}

func NewPriorityQueue(capacity int) *PriorityQueue {
	q := &PriorityQueue{capacity: capacity, signal: make(chan struct{}, capacity)}
	heap.Init(&q.heap)
	return q
}

// Push admits a request, rejecting with QueueFull once capacity is reached.
func (q *PriorityQueue) Push(r *QueuedRequest) error {
	q.mu.Lock()
	if len(q.heap) >= q.capacity {
		q.mu.Unlock()
		return errkind.Of(errkind.QueueFull)
	}
	heap.Push(&q.heap, r)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Pop blocks until a request is available or stop is closed, then returns
// the highest-priority request (lowest priority number, earliest enqueued).
// Returns nil if stop fires first.
func (q *PriorityQueue) Pop(stop <-chan struct{}) *QueuedRequest {
	for {
		q.mu.Lock()
		if len(q.heap) > 0 {
			r := heap.Pop(&q.heap).(*QueuedRequest)
			q.mu.Unlock()
			return r
		}
		q.mu.Unlock()
		select {
		case <-q.signal:
			continue
		case <-stop:
			return nil
		}
	}
}

// Depth returns the current number of queued requests.
func (q *PriorityQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
