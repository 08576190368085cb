// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jeranaias/bizcopilot/internal/event"
)

// Frame wraps an event for the WebSocket transport.
type Frame struct {
	Type event.Kind  `json:"type"`
	Data event.Event `json:"data"`
}

// ============================================================================
// SERVER-SENT EVENTS
// ============================================================================

// handleEvents streams one chat's events as text/event-stream. The event
// name is the kind and the data line is the JSON event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.svc.Repo().GetChat(r.Context(), id); !ok {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	events := s.svc.Bus().Channel(ctx, event.Filter{ChatID: id}, eventBuffer)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				s.logger.Debug("event stream closed", zap.String("chat_id", id), zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind(), data)
	return err
}

// ============================================================================
// WEBSOCKET
// ============================================================================

const (
	wsWriteWait  = 10 * time.Second
	wsMaxMessage = 4096
)

// handleWebSocket streams events as JSON frames. The optional chat query
// parameter limits the stream to one chat.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat")
	if chatID != "" {
		if _, ok := s.svc.Repo().GetChat(r.Context(), chatID); !ok {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
	}

	// Subscribe before the handshake completes so no event is missed.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := s.svc.Bus().Channel(ctx, event.Filter{ChatID: chatID}, eventBuffer)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The reader only handles control frames and notices the close.
	pongWait := 2 * s.heartbeat
	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	s.logger.Debug("websocket connected", zap.String("chat_id", chatID), zap.String("ip", GetClientIP(r)))
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(Frame{Type: ev.Kind(), Data: ev}); err != nil {
				s.logger.Debug("websocket write failed", zap.String("chat_id", chatID), zap.Error(err))
				return
			}
		}
	}
}
