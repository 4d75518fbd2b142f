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
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lifestrands/core/services/orchestrator/middleware"
	"github.com/lifestrands/core/services/orchestrator/observability"
	"github.com/lifestrands/core/services/requestpipeline"
)

const (
	heartbeatInterval = 30 * time.Second
	staleConnTimeout  = 5 * time.Minute
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  10 * 1024 * 1024,
	WriteBufferSize: 10 * 1024 * 1024,
}

// wsIn is a client→server frame, covering the three message types the
// protocol admits: message, ping, subscribe_npc.
type wsIn struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	NPCID   string `json:"npc_id,omitempty"`
}

type wsConnectionEstablished struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

type wsResponseChunk struct {
	Type  string `json:"type"`
	Chunk string `json:"chunk"`
}

type wsResponseComplete struct {
	Type string `json:"type"`
}

type wsPong struct {
	Type string `json:"type"`
}

type wsError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type wsNPCStatusUpdate struct {
	Type   string `json:"type"`
	NPCID  string `json:"npc_id"`
	Status string `json:"status"`
}

// HandleConversationWebSocket upgrades the request and drives one
// conversation session end to end: connection setup, message/ping/
// subscribe_npc handling, token-buffered streaming, heartbeat, and
// cancellation on disconnect.
func HandleConversationWebSocket(manager *Manager, hub *MonitorHub, metrics *observability.StreamingMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		userID := "anonymous"
		if info := middleware.GetAuthInfo(c); info != nil && info.UserID != "" {
			userID = info.UserID
		}
		characterID := c.Query("character_id")

		sessionID, err := manager.Start(ctx, characterID, userID)
		if err != nil {
			_ = ws.WriteJSON(wsError{Type: "error", Message: "failed to start session"})
			return
		}

		connectionID := uuid.NewString()
		sendCh := make(chan any, 16)
		writerDone := make(chan struct{})

		go runWriter(ws, sendCh, writerDone)

		sendCh <- wsConnectionEstablished{Type: "connection_established", ConnectionID: connectionID, UserID: userID}
		if metrics != nil {
			metrics.StreamStarted(observability.EndpointWebSocket)
		}

		ws.SetReadDeadline(time.Now().Add(staleConnTimeout))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(staleConnTimeout))
			return nil
		})

		inCh := make(chan wsIn)
		go func() {
			defer close(inCh)
			for {
				var in wsIn
				if err := ws.ReadJSON(&in); err != nil {
					cancel()
					return
				}
				select {
				case inCh <- in:
				case <-ctx.Done():
					return
				}
			}
		}()

		var unsubscribes []func()
		defer func() {
			for _, unsub := range unsubscribes {
				unsub()
			}
		}()

	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case in, ok := <-inCh:
				if !ok {
					break loop
				}
				switch in.Type {
				case "ping":
					sendCh <- wsPong{Type: "pong"}
				case "subscribe_npc":
					updates := make(chan NPCStatusUpdate, 8)
					unsub := hub.Subscribe(in.NPCID, updates)
					unsubscribes = append(unsubscribes, unsub)
					go forwardMonitorUpdates(ctx, updates, sendCh)
				case "message":
					handleChatTurn(ctx, manager, sessionID, in.Message, sendCh, metrics)
				}
			}
		}

		if metrics != nil {
			metrics.StreamEnded(observability.EndpointWebSocket)
		}
		_ = manager.End(context.Background(), sessionID)
		close(sendCh)
		<-writerDone
	}
}

func runWriter(ws *websocket.Conn, sendCh <-chan any, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-sendCh:
			if !ok {
				return
			}
			if err := ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func forwardMonitorUpdates(ctx context.Context, updates <-chan NPCStatusUpdate, sendCh chan<- any) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			sendCh <- wsNPCStatusUpdate{Type: "npc_status_update", NPCID: u.NPCID, Status: u.Status}
		}
	}
}

// handleChatTurn drains one generation stream through the token buffer,
// emitting response_chunk frames and a closing response_complete. A
// cancelled context (client disconnect) stops the drain within one token
// and discards the partial assistant turn via FinishMessage.
func handleChatTurn(ctx context.Context, manager *Manager, sessionID, text string, sendCh chan<- any, metrics *observability.StreamingMetrics) {
	tokens, err := manager.ProcessMessage(ctx, sessionID, text)
	if err != nil {
		sendCh <- wsError{Type: "error", Message: err.Error()}
		if metrics != nil {
			metrics.RecordError(observability.EndpointWebSocket, observability.ErrorCodeLLMError)
		}
		return
	}

	buf := NewTokenBuffer()
	var assistant strings.Builder
	started := time.Now()
	var firstTokenAt time.Time
	tokenCount := 0
	cancelled := false

drain:
	for {
		select {
		case <-ctx.Done():
			cancelled = true
			break drain
		case tok, ok := <-tokens:
			if !ok {
				break drain
			}
			if tok.Err != nil {
				sendCh <- wsError{Type: "error", Message: tok.Err.Error()}
				if metrics != nil {
					metrics.RecordError(observability.EndpointWebSocket, observability.ErrorCodeLLMError)
				}
				cancelled = true
				break drain
			}
			if tok.Done {
				break drain
			}
			if firstTokenAt.IsZero() {
				firstTokenAt = time.Now()
				if metrics != nil {
					metrics.RecordTimeToFirstToken(observability.EndpointWebSocket, firstTokenAt.Sub(started).Seconds())
				}
			}
			tokenCount++
			assistant.WriteString(tok.Content)
			if chunk, flush := buf.Push(tok.Content); flush {
				sendCh <- wsResponseChunk{Type: "response_chunk", Chunk: chunk}
			}
		}
	}

	if residual := buf.Flush(); residual != "" {
		sendCh <- wsResponseChunk{Type: "response_chunk", Chunk: residual}
	}
	if !cancelled {
		sendCh <- wsResponseComplete{Type: "response_complete"}
	}

	manager.FinishMessage(context.Background(), sessionID, assistant.String(), cancelled)

	if metrics != nil {
		metrics.RecordTokens(0, tokenCount, string(requestpipeline.ServiceClassChat))
		metrics.RecordStreamDuration(observability.EndpointWebSocket, time.Since(started).Seconds(), !cancelled)
		metrics.RecordRequest(observability.EndpointWebSocket, !cancelled)
	}
}
