// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"time"

	"github.com/gin-gonic/gin"
)

// sessionUpdateInterval is how often GET /ws/monitor clients receive a
// fresh session_update push.
const sessionUpdateInterval = 5 * time.Second

type wsSessionUpdate struct {
	Type          string           `json:"type"`
	ActiveSessions int             `json:"active_sessions"`
	Sessions      []SessionSummary `json:"sessions"`
}

// HandleMonitorBroadcast serves GET /ws/monitor: every connected client
// receives a session_update push on a fixed 5s tick until it disconnects.
// This is distinct from HandleConversationWebSocket's subscribe_npc
// mechanism, which pushes per-NPC status deltas rather than the full active
// session list.
func HandleMonitorBroadcast(manager *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		ticker := time.NewTicker(sessionUpdateInterval)
		defer ticker.Stop()

		// Detect client-initiated close without blocking the ticker loop.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		send := func() bool {
			sessions := manager.ActiveSessions()
			update := wsSessionUpdate{
				Type:           "session_update",
				ActiveSessions: len(sessions),
				Sessions:       sessions,
			}
			return ws.WriteJSON(update) == nil
		}

		if !send() {
			return
		}

		for {
			select {
			case <-closed:
				return
			case <-ticker.C:
				if !send() {
					return
				}
			}
		}
	}
}
