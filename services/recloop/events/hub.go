// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	hubWriteWait = 10 * time.Second
	hubPongWait  = 60 * time.Second
	hubPingEvery = (hubPongWait * 9) / 10
	hubBuffer    = 64
)

var hubUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Hub broadcasts bus events to connected websocket clients.
//
// A slow client loses its oldest queued event rather than slowing the
// bus down.
type Hub struct {
	mu      sync.Mutex
	clients map[chan Event]struct{}
	logger  *slog.Logger
}

// NewHub creates a hub. Attach it with bus.Subscribe(hub).
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[chan Event]struct{}), logger: logger}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleEvent implements Handler.
func (h *Hub) HandleEvent(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		pushLatest(ch, e)
	}
}

// pushLatest enqueues e, evicting the oldest entry when ch is full.
func pushLatest(ch chan Event, e Event) {
	select {
	case ch <- e:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- e:
	default:
	}
}

func (h *Hub) register() chan Event {
	ch := make(chan Event, hubBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unregister(ch chan Event) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams events as JSON until the
// client goes away. Inbound messages are read only to detect closure.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := hubUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("event stream upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ch := h.register()
	defer h.unregister(ch)

	if err := conn.SetReadDeadline(time.Now().Add(hubPongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(hubPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-readerDone:
			return
		case <-r.Context().Done():
			return
		case e := <-ch:
			if err := conn.SetWriteDeadline(time.Now().Add(hubWriteWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				h.logger.Debug("event stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(hubWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
