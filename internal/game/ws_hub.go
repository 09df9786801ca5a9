// Package game — WebSocket hub for real-time phase lifecycle broadcasts.
package game

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/gridgame/market-engine/internal/metrics"
)

// WSMessage is the JSON envelope sent to WebSocket clients. Event names
// match the scheduler's lifecycle events (clearing-started,
// clearing-finished, plannings-closed, results-available,
// new-game-phase, reset-game-ready).
type WSMessage struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

type wsClient struct {
	sessionID string
	conn      *websocket.Conn
}

type wsEnvelope struct {
	sessionID string
	data      []byte
}

// WSHub manages WebSocket connections grouped by session. Each session
// is a room; lifecycle events for a session only reach that room's
// clients. Implements the scheduler's Broadcaster.
type WSHub struct {
	mu         sync.RWMutex
	rooms      map[string]map[*websocket.Conn]bool
	broadcast  chan wsEnvelope
	register   chan wsClient
	unregister chan wsClient
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		rooms:      make(map[string]map[*websocket.Conn]bool),
		broadcast:  make(chan wsEnvelope, 256),
		register:   make(chan wsClient, 16),
		unregister: make(chan wsClient, 16),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			room, ok := h.rooms[c.sessionID]
			if !ok {
				room = make(map[*websocket.Conn]bool)
				h.rooms[c.sessionID] = room
			}
			room[c.conn] = true
			total := len(room)
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "session", c.sessionID, "room_size", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if room, ok := h.rooms[c.sessionID]; ok {
				if _, ok := room[c.conn]; ok {
					delete(room, c.conn)
					c.conn.Close()
					metrics.WebSocketClients.Dec()
				}
				if len(room) == 0 {
					delete(h.rooms, c.sessionID)
				}
			}
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.mu.Lock()
			room := h.rooms[env.sessionID]
			for conn := range room {
				if err := conn.WriteMessage(websocket.TextMessage, env.data); err != nil {
					conn.Close()
					delete(room, conn)
					metrics.WebSocketClients.Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event to every client in the session's room.
// Fire-and-forget: drops the message if the buffer is full so timer
// callbacks never block on slow clients.
func (h *WSHub) Broadcast(sessionID, event string, payload any) {
	data, err := json.Marshal(WSMessage{Event: event, Payload: payload})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- wsEnvelope{sessionID: sessionID, data: data}:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /ws/{sessionID}.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	client := wsClient{sessionID: sessionID, conn: conn}
	h.register <- client

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- client }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.rooms[sessionID][conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
