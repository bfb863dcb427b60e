package admin

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxStreamClients     = 100
	statusStreamInterval = 5 * time.Second
	statusPingInterval   = 30 * time.Second
)

// statusHub manages WebSocket connections and broadcasts status snapshots.
// Single broadcaster pattern prevents N duplicate tickers and makes the hub
// goroutine the only writer on every connection.
type statusHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	interval   time.Duration
	mu         sync.RWMutex
	api        *API
}

func newStatusHub(api *API) *statusHub {
	return &statusHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		interval:   statusStreamInterval,
		api:        api,
	}
}

// Run starts the hub's main loop.
func (h *statusHub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	pings := time.NewTicker(statusPingInterval)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			// Connection cap to prevent overload
			if len(h.clients) >= maxStreamClients {
				h.mu.Unlock()
				conn.Close()
				log.Printf("WebSocket connection rejected: max connections (%d) reached", maxStreamClients)
				continue
			}
			h.clients[conn] = true
			h.mu.Unlock()
			log.Printf("Status stream client registered. Total: %d", h.ClientCount())

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
			log.Printf("Status stream client unregistered. Total: %d", h.ClientCount())

		case <-ticker.C:
			h.broadcast(ctx)

		case <-pings.C:
			h.ping()
		}
	}
}

// broadcast builds one snapshot and sends it to every client.
func (h *statusHub) broadcast(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 {
		return
	}

	snap, err := h.api.buildStatus(ctx)
	if err != nil {
		log.Printf("Failed to build status snapshot: %v", err)
		return
	}

	for conn := range h.clients {
		// Set write deadline to prevent blocking on dead connections
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snap); err != nil {
			log.Printf("WebSocket write error: %v", err)
			// Async: the hub loop is busy in this broadcast and cannot
			// receive the unregister until it returns.
			go h.Unregister(conn)
		}
	}
}

// ping keeps read deadlines fresh on every client. Pings go through the hub
// so the read pumps in the handlers never write to the connection.
func (h *statusHub) ping() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			go h.Unregister(conn)
		}
	}
}

// shutdown gracefully closes all client connections.
func (h *statusHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("Shutting down status stream hub with %d clients", len(h.clients))

	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// Register adds a new client connection.
func (h *statusHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *statusHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *statusHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
