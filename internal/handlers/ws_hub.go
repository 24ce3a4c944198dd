package handlers

import (
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// wsClient is one websocket connection. A user may hold several connections
// at once (multiple tabs, a browser plus the native agent).
type wsClient struct {
	userID string
	connID string
	send   chan []byte

	closeOnce sync.Once
}

func newWSClient(userID string) *wsClient {
	connID, _ := gonanoid.New(12)
	return &wsClient{
		userID: userID,
		connID: connID,
		send:   make(chan []byte, 64),
	}
}

// trySend queues a message without blocking. Returns false when the client's
// buffer is full, which the caller treats as a dead connection.
func (c *wsClient) trySend(message []byte) bool {
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *wsClient) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// WSHub tracks connected websocket clients by user ID. It also owns the
// per-user incoming-call subscription: one per user regardless of how many
// connections the user holds, delivered through SendToUser.
type WSHub struct {
	mu       sync.RWMutex
	clients  map[string]map[string]*wsClient
	incoming map[string]func() // per-user incoming-call subscription cancel

	logger *slog.Logger
}

func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:  make(map[string]map[string]*wsClient),
		incoming: make(map[string]func()),
		logger:   logger,
	}
}

// register adds the connection and reports whether it is the user's first.
// The caller establishes the incoming-call subscription for first
// connections and hands its cancel to setIncomingCancel.
func (h *WSHub) register(client *wsClient) (first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.clients[client.userID]
	if !ok {
		conns = make(map[string]*wsClient)
		h.clients[client.userID] = conns
	}
	conns[client.connID] = client

	h.logger.Debug("websocket client registered",
		"user_id", client.userID,
		"conn_id", client.connID,
		"connections", len(conns))
	return len(conns) == 1
}

func (h *WSHub) setIncomingCancel(userID string, cancel func()) {
	h.mu.Lock()
	// The user may already have disconnected again.
	orphaned := len(h.clients[userID]) == 0
	if !orphaned {
		h.incoming[userID] = cancel
	}
	h.mu.Unlock()

	if orphaned {
		cancel()
	}
}

func (h *WSHub) unregister(client *wsClient) {
	h.mu.Lock()
	conns, ok := h.clients[client.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := conns[client.connID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(conns, client.connID)
	var cancelIncoming func()
	if len(conns) == 0 {
		delete(h.clients, client.userID)
		cancelIncoming = h.incoming[client.userID]
		delete(h.incoming, client.userID)
	}
	client.closeSend()
	h.mu.Unlock()

	if cancelIncoming != nil {
		cancelIncoming()
	}

	h.logger.Debug("websocket client unregistered",
		"user_id", client.userID,
		"conn_id", client.connID)
}

// SendToUser delivers a message to every connection the user holds. Clients
// whose buffers are full are dropped from the hub.
func (h *WSHub) SendToUser(userID string, message []byte) {
	h.mu.RLock()
	var stale []*wsClient
	for _, client := range h.clients[userID] {
		if !client.trySend(message) {
			stale = append(stale, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range stale {
		h.logger.Warn("websocket send buffer full, dropping client",
			"user_id", client.userID,
			"conn_id", client.connID)
		h.unregister(client)
	}
}

// IsUserOnline reports whether the user has at least one open connection.
func (h *WSHub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}
