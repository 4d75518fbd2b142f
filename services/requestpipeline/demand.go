// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package requestpipeline

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/lifestrands/core/services/modelruntime"
)

const (
	demandWindowSize  = 1000
	demandCycle       = 30 * time.Second
	demandLookback    = 5 * time.Minute
	demandQueueGate   = 3
)

type demandEntry struct {
	class ServiceClass
	at    time.Time
}

// Preloader is the subset of modelruntime.Runtime the demand predictor
// needs to act on its predictions.
type Preloader interface {
	Preload(ctx context.Context, t modelruntime.ModelType) error
}

// DemandPredictor maintains a sliding window of the last 1000 requests and,
// every 30s, preloads the most-frequent non-embedding class from the last
// 5 minutes into the Runtime's preload slot when queue depth is low.
type DemandPredictor struct {
	mu     sync.Mutex
	window *list.List
	runtime Preloader
}

func NewDemandPredictor(runtime Preloader) *DemandPredictor {
	return &DemandPredictor{window: list.New(), runtime: runtime}
}

// Record appends a request observation, evicting the oldest entry once the
// window exceeds demandWindowSize.
func (d *DemandPredictor) Record(class ServiceClass) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window.PushBack(demandEntry{class: class, at: time.Now()})
	if d.window.Len() > demandWindowSize {
		d.window.Remove(d.window.Front())
	}
}

// mostFrequentNonEmbedding returns the most common non-embedding class
// observed within the lookback window, or "" if none qualify.
func (d *DemandPredictor) mostFrequentNonEmbedding(now time.Time) ServiceClass {
	d.mu.Lock()
	defer d.mu.Unlock()
	counts := map[ServiceClass]int{}
	cutoff := now.Add(-demandLookback)
	for e := d.window.Back(); e != nil; e = e.Prev() {
		entry := e.Value.(demandEntry)
		if entry.at.Before(cutoff) {
			break
		}
		if entry.class == ServiceClassEmbedding {
			continue
		}
		counts[entry.class]++
	}
	var best ServiceClass
	bestCount := 0
	for class, n := range counts {
		if n > bestCount {
			best, bestCount = class, n
		}
	}
	return best
}

// Run drives the 30s preload cycle until stop fires.
func (d *DemandPredictor) Run(ctx context.Context, stop <-chan struct{}, genQueue *PriorityQueue) {
	ticker := time.NewTicker(demandCycle)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			class := d.mostFrequentNonEmbedding(time.Now())
			if class == "" {
				continue
			}
			if genQueue.Depth() >= demandQueueGate {
				continue
			}
			_ = d.runtime.Preload(ctx, serviceClassToModelType(class))
		}
	}
}
