package server

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub tracks connected websocket clients. Each connection has its own
// write mutex since gorilla connections allow one concurrent writer.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
	latest  *Frame
	log     *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients: make(map[*websocket.Conn]*sync.Mutex),
		log:     log,
	}
}

// Add registers conn and sends it the latest frame, if any
func (h *Hub) Add(conn *websocket.Conn) {
	connMutex := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = connMutex
	latest := h.latest
	h.mu.Unlock()

	if latest != nil {
		connMutex.Lock()
		err := conn.WriteJSON(latest)
		connMutex.Unlock()
		if err != nil {
			h.log.Warn("websocket initial write failed", "remote", conn.RemoteAddr(), "error", err)
		}
	}
}

func (h *Hub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends frame to every client and drops the ones that fail.
func (h *Hub) Broadcast(frame *Frame) {
	h.mu.Lock()
	h.latest = frame
	h.mu.Unlock()

	h.mu.RLock()
	var failed []*websocket.Conn
	for client, mutex := range h.clients {
		mutex.Lock()
		err := client.WriteJSON(frame)
		mutex.Unlock()
		if err != nil {
			h.log.Warn("websocket write failed", "remote", client.RemoteAddr(), "error", err)
			client.Close()
			failed = append(failed, client)
		}
	}
	h.mu.RUnlock()

	if len(failed) > 0 {
		h.mu.Lock()
		for _, client := range failed {
			delete(h.clients, client)
		}
		h.mu.Unlock()
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client, mutex := range h.clients {
		mutex.Lock()
		client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		mutex.Unlock()
		client.Close()
		delete(h.clients, client)
	}
}
