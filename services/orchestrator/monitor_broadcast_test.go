// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func TestHandleMonitorBroadcastSendsInitialSessionUpdate(t *testing.T) {
	m := newTestManager(newFakeStore(), &fakeCharacters{}, &fakeAssembler{}, &fakeSubmitter{}, nil)
	m.Start(context.Background(), "char-1", "user-1")

	r := gin.New()
	r.GET("/ws/monitor", HandleMonitorBroadcast(m))
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/monitor"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var update wsSessionUpdate
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if update.Type != "session_update" {
		t.Fatalf("type = %q, want session_update", update.Type)
	}
	if update.ActiveSessions != 1 || len(update.Sessions) != 1 {
		t.Fatalf("update = %+v, want 1 active session", update)
	}
}
