package devhost

import (
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nbweb/nbvite/internal/observability"
)

// HMRPath is the websocket endpoint browsers connect to for reload signals.
const HMRPath = "/__nb_hmr"

// reloadMessage is one server-to-client frame on the HMR channel.
type reloadMessage struct {
	Type string `json:"type"`
}

// client is one connected browser tab. Writes are serialized per client.
type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(msg reloadMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Hub fans reload signals out to every connected browser client.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	metrics *observability.Metrics
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

// SetMetrics sets the metrics instance for connection and broadcast counters.
func (h *Hub) SetMetrics(metrics *observability.Metrics) {
	h.metrics = metrics
}

// RegisterRoutes mounts the HMR endpoint on the dev server.
func (h *Hub) RegisterRoutes(app *fiber.App) {
	app.Get(HMRPath, h.handleUpgrade)
}

func (h *Hub) handleUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(h.handleConnection)(c)
}

// handleConnection owns one client from upgrade to disconnect. The hub only
// pushes; client frames are drained and dropped until the read fails.
func (h *Hub) handleConnection(conn *websocket.Conn) {
	id := uuid.New().String()
	cl := &client{id: id, conn: conn}

	h.mu.Lock()
	h.clients[id] = cl
	h.mu.Unlock()
	h.updateMetrics()

	log.Debug().Str("client_id", id).Msg("HMR client connected")
	_ = cl.send(reloadMessage{Type: "connected"})

	defer func() {
		h.mu.Lock()
		delete(h.clients, id)
		h.mu.Unlock()
		h.updateMetrics()

		_ = conn.Close()
		log.Debug().Str("client_id", id).Msg("HMR client disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// BroadcastFullReload tells every connected client to reload the page.
func (h *Hub) BroadcastFullReload() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.RUnlock()

	for _, cl := range clients {
		if err := cl.send(reloadMessage{Type: "full-reload"}); err != nil {
			log.Debug().Err(err).Str("client_id", cl.id).Msg("Reload push failed")
		}
	}

	log.Info().Int("clients", len(clients)).Msg("Full reload broadcast")
	if h.metrics != nil {
		h.metrics.RecordReloadBroadcast()
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) updateMetrics() {
	if h.metrics != nil {
		h.metrics.UpdateHubConnections(h.Count())
	}
}

// Shutdown closes every client connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, cl := range clients {
		_ = cl.conn.Close()
	}
	h.updateMetrics()
}
