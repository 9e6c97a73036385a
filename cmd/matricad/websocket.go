// WebSocket progress hub: local UI clients subscribe to sync lifecycle
// events while the daemon runs.
package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Valstan/MatricaRMZ-sub000/internal/logging"
	enginesync "github.com/Valstan/MatricaRMZ-sub000/internal/sync"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Only the local UI may connect.
		return strings.HasPrefix(r.Host, "localhost") || strings.HasPrefix(r.Host, "127.0.0.1")
	},
}

// WSClient represents one WebSocket client connection.
type WSClient struct {
	id            string
	conn          *websocket.Conn
	send          chan []byte
	hub           *WSHub
	subscriptions map[string]bool
}

// WSHub maintains active client connections and broadcasts sync events.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// NewWSHub creates a hub and starts its dispatch loop.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
	go hub.run()
	return hub
}

func (h *WSHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			logging.Debug("WebSocket client connected", map[string]interface{}{
				"client": client.id, "total": len(h.clients),
			})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client send buffer is full, close connection
					close(client.send)
					delete(h.clients, client.id)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast sends an event envelope to all connected clients.
func (h *WSHub) Broadcast(messageType string, data map[string]interface{}) {
	envelope := WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	bytes, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("Failed to marshal WebSocket message", err)
		return
	}
	h.broadcast <- bytes
}

// PublishEngineEvents relays the engine's progress stream to connected
// clients until the stream closes.
func (h *WSHub) PublishEngineEvents(events <-chan enginesync.Event) {
	for ev := range events {
		data := ev.Data
		if data == nil {
			data = map[string]interface{}{}
		}
		data["message"] = ev.Message
		h.Broadcast(ev.Type, data)
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error", map[string]interface{}{"error": err.Error()})
			}
			break
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		action, ok := msg["action"].(string)
		if !ok {
			continue
		}

		switch action {
		case "subscribe":
			if events, ok := msg["events"].([]interface{}); ok {
				for _, e := range events {
					if eventStr, ok := e.(string); ok {
						c.subscriptions[eventStr] = true
					}
				}
			}
		case "unsubscribe":
			if events, ok := msg["events"].([]interface{}); ok {
				for _, e := range events {
					if eventStr, ok := e.(string); ok {
						delete(c.subscriptions, eventStr)
					}
				}
			}
		case "ping":
			c.sendPong()
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) sendPong() {
	bytes, _ := json.Marshal(map[string]interface{}{
		"action":    "pong",
		"timestamp": time.Now().Unix(),
	})
	c.send <- bytes
}

// HandleWebSocket upgrades HTTP connections and registers them on the hub.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &WSClient{
			id:            time.Now().Format("20060102150405") + "-" + r.RemoteAddr,
			conn:          conn,
			send:          make(chan []byte, 256),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}
		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}
