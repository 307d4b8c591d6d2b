// Package websocket provides the live processing-log tail: one hub fans
// persisted log entries out to websocket viewers keyed by session.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/common/logger"
)

// Hub manages log-tail connections. Every client watches exactly one
// session; entries for other sessions never reach it.
type Hub struct {
	register   chan *Client
	unregister chan *Client

	mu       sync.RWMutex
	sessions map[int64]map[*Client]bool

	logger *logger.Logger
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		sessions:   make(map[int64]map[*Client]bool),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run processes client registration until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("log-tail hub started")
	defer h.logger.Info("log-tail hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.sessions[client.sessionID] == nil {
				h.sessions[client.sessionID] = make(map[*Client]bool)
			}
			h.sessions[client.sessionID][client] = true
			h.mu.Unlock()
			h.logger.Debug("viewer connected",
				zap.String("client_id", client.ID),
				zap.Int64("session_id", client.sessionID))

		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

// BroadcastToSession delivers one serialized log entry to the session's
// viewers. Slow viewers are skipped, not waited on.
func (h *Hub) BroadcastToSession(sessionID int64, data []byte) {
	h.mu.RLock()
	clients := h.sessions[sessionID]
	h.mu.RUnlock()

	for client := range clients {
		select {
		case client.send <- data:
		default:
			// Buffer full; the write pump will clean the client up.
		}
	}
}

// Register adds a viewer to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a viewer from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ViewerCount reports connected viewers for a session.
func (h *Hub) ViewerCount(sessionID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.sessions[client.sessionID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.sessions, client.sessionID)
	}
	h.logger.Debug("viewer disconnected",
		zap.String("client_id", client.ID),
		zap.Int64("session_id", client.sessionID))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sessionID, clients := range h.sessions {
		for client := range clients {
			close(client.send)
		}
		delete(h.sessions, sessionID)
	}
}
