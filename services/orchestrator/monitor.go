// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import "sync"

// NPCStatusUpdate is broadcast on the monitor channel to every connection
// subscribed to a given npc_id.
type NPCStatusUpdate struct {
	NPCID  string `json:"npc_id"`
	Status string `json:"status"`
}

// MonitorHub fans NPCStatusUpdate events out to WebSocket connections that
// have subscribed via a subscribe_npc message. One process-local hub is
// shared by every connection handled by this orchestrator instance.
type MonitorHub struct {
	mu          sync.Mutex
	subscribers map[string]map[chan NPCStatusUpdate]struct{}
}

func NewMonitorHub() *MonitorHub {
	return &MonitorHub{subscribers: make(map[string]map[chan NPCStatusUpdate]struct{})}
}

// Subscribe registers ch to receive updates for npcID. The returned
// unsubscribe func must be called when the connection closes.
func (h *MonitorHub) Subscribe(npcID string, ch chan NPCStatusUpdate) (unsubscribe func()) {
	h.mu.Lock()
	set, ok := h.subscribers[npcID]
	if !ok {
		set = make(map[chan NPCStatusUpdate]struct{})
		h.subscribers[npcID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subscribers[npcID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subscribers, npcID)
			}
		}
	}
}

// Publish delivers an update to every subscriber of npcID. Slow or full
// subscriber channels are skipped rather than blocking the publisher.
func (h *MonitorHub) Publish(update NPCStatusUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers[update.NPCID] {
		select {
		case ch <- update:
		default:
		}
	}
}
