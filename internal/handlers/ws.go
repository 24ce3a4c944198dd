package handlers

import (
	"encoding/json"
	"time"

	"github.com/avolkov/peercall/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 4096
)

// wsInbound is a client control message. Clients watch call records they
// care about; snapshots flow back until unwatch or disconnect.
type wsInbound struct {
	Type   string `json:"type"` // "watch" or "unwatch"
	CallID string `json:"call_id"`
}

type wsOutbound struct {
	Type   string             `json:"type"` // "snapshot" or "incoming-call"
	CallID string             `json:"call_id"`
	Record *models.CallRecord `json:"record,omitempty"`
}

// HandleWebSocket upgrades the connection and bridges store subscriptions to
// the socket. The first connection a user opens establishes the incoming-call
// subscription; the hub fans deliveries out to every connection the user
// holds and tears the subscription down with the last one.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	userID := currentUserID(c)

	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := newWSClient(userID)
	if first := h.hub.register(client); first {
		cancel, err := h.store.SubscribeIncoming(userID, func(rec models.CallRecord) {
			h.sendIncomingCall(userID, rec)
		})
		if err != nil {
			h.logger.Error("incoming-call subscription failed", "user_id", userID, "error", err)
			h.hub.unregister(client)
			conn.Close()
			return
		}
		h.hub.setIncomingCancel(userID, cancel)
	}

	go h.writePump(client, conn)
	go h.readPump(client, conn)
}

func (h *Handlers) sendIncomingCall(userID string, rec models.CallRecord) {
	payload, err := json.Marshal(wsOutbound{
		Type:   "incoming-call",
		CallID: rec.CallID,
		Record: &rec,
	})
	if err != nil {
		return
	}
	h.hub.SendToUser(userID, payload)
}

func (h *Handlers) sendSnapshot(client *wsClient, rec models.CallRecord) {
	payload, err := json.Marshal(wsOutbound{
		Type:   "snapshot",
		CallID: rec.CallID,
		Record: &rec,
	})
	if err != nil {
		return
	}
	if !client.trySend(payload) {
		h.logger.Warn("websocket send buffer full, dropping client",
			"user_id", client.userID,
			"conn_id", client.connID)
		h.hub.unregister(client)
	}
}

func (h *Handlers) readPump(client *wsClient, conn *websocket.Conn) {
	// Per-call watch cancels, owned by this goroutine only.
	watches := make(map[string]func())

	defer func() {
		for _, cancel := range watches {
			cancel()
		}
		h.hub.unregister(client)
		conn.Close()
	}()

	conn.SetReadLimit(wsMaxMessage)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "user_id", client.userID, "error", err)
			}
			return
		}

		var msg wsInbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.logger.Warn("malformed websocket message", "user_id", client.userID, "error", err)
			continue
		}

		switch msg.Type {
		case "watch":
			if msg.CallID == "" {
				continue
			}
			if _, ok := watches[msg.CallID]; ok {
				continue
			}
			cancel, err := h.store.Subscribe(msg.CallID, func(rec models.CallRecord) {
				h.sendSnapshot(client, rec)
			})
			if err != nil {
				h.logger.Warn("watch failed",
					"user_id", client.userID,
					"call_id", msg.CallID,
					"error", err)
				continue
			}
			watches[msg.CallID] = cancel
		case "unwatch":
			if cancel, ok := watches[msg.CallID]; ok {
				cancel()
				delete(watches, msg.CallID)
			}
		default:
			h.logger.Warn("unknown websocket message type",
				"user_id", client.userID,
				"type", msg.Type)
		}
	}
}

func (h *Handlers) writePump(client *wsClient, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
