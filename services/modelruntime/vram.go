// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package modelruntime

import "sync"

const (
	minVRAMEstimate int64 = 100 * 1024 * 1024       // 100 MB
	maxVRAMEstimate int64 = 50 * 1024 * 1024 * 1024 // 50 GB
	emaAlpha              = 0.3
)

// VRAMPredictor keeps a per-model-type exponential moving average of
// observed post-load VRAM usage, clamped to [100MB, 50GB].
// There is no prior observation to decide overlapped vs sequential loads
// from until at least one load of that type has completed; Estimate
// returns the clamped minimum in that case.
type VRAMPredictor struct {
	mu    sync.Mutex
	byType map[ModelType]int64
}

func NewVRAMPredictor() *VRAMPredictor {
	return &VRAMPredictor{byType: make(map[ModelType]int64)}
}

func clamp(v int64) int64 {
	if v < minVRAMEstimate {
		return minVRAMEstimate
	}
	if v > maxVRAMEstimate {
		return maxVRAMEstimate
	}
	return v
}

// Estimate returns the predicted VRAM footprint for a model type.
func (p *VRAMPredictor) Estimate(t ModelType) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.byType[t]; ok {
		return v
	}
	return minVRAMEstimate
}

// Observe folds a freshly-measured VRAM usage into the rolling estimate.
func (p *VRAMPredictor) Observe(t ModelType, observed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.byType[t]
	if !ok {
		p.byType[t] = clamp(observed)
		return
	}
	next := emaAlpha*float64(observed) + (1-emaAlpha)*float64(prev)
	p.byType[t] = clamp(int64(next))
}
