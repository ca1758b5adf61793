// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/calliope-media/showrunner/pkg/logging"
	"github.com/calliope-media/showrunner/services/control/observability"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	clientSendSize = 64
)

// Hub fans component status changes out to websocket clients. Every message
// is a JSON object tagged with the originating component:
//
//	{"type": "safety", "at": "...", "data": {...}}
//
// A slow client gets its newest messages dropped rather than stalling the
// broadcast; snapshots are self-contained so the next one catches it up.
type Hub struct {
	log     *logging.Logger
	metrics *observability.Metrics

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

// NewHub creates an empty hub.
func NewHub(log *logging.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		log:     log.With("component", "ws"),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The control surface runs on a trusted LAN; dashboards are
			// served from arbitrary local origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// Broadcast sends one tagged snapshot to every connected client.
func (h *Hub) Broadcast(msgType string, data any) {
	raw, err := json.Marshal(gin.H{
		"type": msgType,
		"at":   time.Now().UTC(),
		"data": data,
	})
	if err != nil {
		h.log.Warn("broadcast marshal failed", "type", msgType, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- raw:
		default:
			h.log.Debug("slow websocket client, dropping message", "remote", conn.RemoteAddr())
		}
	}
}

// Serve upgrades the request and streams broadcasts until the client leaves.
func (h *Hub) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	send := make(chan []byte, clientSendSize)
	h.mu.Lock()
	h.clients[conn] = send
	count := len(h.clients)
	h.mu.Unlock()
	h.metrics.BroadcastClients.Set(float64(count))
	h.log.Info("websocket client connected", "remote", conn.RemoteAddr(), "clients", count)

	go h.writePump(conn, send)
	h.readPump(conn)
}

func (h *Hub) writePump(conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-send:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; the stream is one-way. It exists to
// notice the close handshake and tear the client down.
func (h *Hub) readPump(conn *websocket.Conn) {
	defer h.drop(conn)
	conn.SetReadLimit(1024)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	send, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		close(send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	conn.Close()
	if ok {
		h.metrics.BroadcastClients.Set(float64(count))
		h.log.Info("websocket client disconnected", "clients", count)
	}
}
