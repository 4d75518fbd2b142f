// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package modelruntime

import (
	"time"

	"github.com/google/uuid"
)

// ModelType is one of the three model classes the runtime can hold loaded.
type ModelType string

const (
	ModelTypeChat      ModelType = "chat"
	ModelTypeSummary   ModelType = "summary"
	ModelTypeEmbedding ModelType = "embedding"
)

// Instance is a live, GPU-resident model. Exclusively owned by the Runtime;
// destroyed when swapped out or on shutdown.
type Instance struct {
	InstanceID        string
	ModelType         ModelType
	Machine           *Machine
	LastUsed          time.Time
	RequestsProcessed int64
	VRAMBytes         int64
}

func newInstance(t ModelType) *Instance {
	return &Instance{
		InstanceID: uuid.NewString(),
		ModelType:  t,
		Machine:    NewMachine(),
		LastUsed:   time.Now(),
	}
}
