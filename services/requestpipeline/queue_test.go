// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package requestpipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/lifestrands/core/pkg/errkind"
)

func TestPriorityQueue_PopsByPriorityThenFIFO(t *testing.T) {
	q := NewPriorityQueue(10)
	now := time.Now()
	low := &QueuedRequest{ServiceClass: ServiceClassSummary, Priority: 5, EnqueuedAt: now}
	high := &QueuedRequest{ServiceClass: ServiceClassChat, Priority: 1, EnqueuedAt: now.Add(time.Second)}
	mid := &QueuedRequest{ServiceClass: ServiceClassEmbedding, Priority: 1, EnqueuedAt: now}

	_ = q.Push(low)
	_ = q.Push(high)
	_ = q.Push(mid)

	stop := make(chan struct{})
	first := q.Pop(stop)
	if first != mid {
		t.Fatalf("expected earliest equal-priority request first, got %+v", first)
	}
	second := q.Pop(stop)
	if second != high {
		t.Fatalf("expected next same-priority request, got %+v", second)
	}
	third := q.Pop(stop)
	if third != low {
		t.Fatalf("expected lowest-priority request last, got %+v", third)
	}
}

func TestPriorityQueue_RejectsAtCapacity(t *testing.T) {
	q := NewPriorityQueue(1)
	if err := q.Push(&QueuedRequest{}); err != nil {
		t.Fatalf("expected first push to succeed, got %v", err)
	}
	err := q.Push(&QueuedRequest{})
	if !errors.Is(err, errkind.ErrQueueFull) {
		t.Fatalf("expected QueueFull, got %v", err)
	}
}

func TestPriorityQueue_PopUnblocksOnStop(t *testing.T) {
	q := NewPriorityQueue(10)
	stop := make(chan struct{})
	done := make(chan *QueuedRequest, 1)
	go func() {
		done <- q.Pop(stop)
	}()
	close(stop)
	select {
	case r := <-done:
		if r != nil {
			t.Fatal("expected nil from Pop after stop")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock on stop")
	}
}

func TestQueuedRequest_Expired(t *testing.T) {
	now := time.Now()
	r := &QueuedRequest{Deadline: now.Add(-time.Second)}
	if !r.Expired(now) {
		t.Fatal("expected request with past deadline to be expired")
	}
	r2 := &QueuedRequest{}
	if r2.Expired(now) {
		t.Fatal("expected zero-value deadline to never expire")
	}
}
