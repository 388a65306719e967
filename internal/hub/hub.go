package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"bustrack/internal/domain"
	"bustrack/internal/metrics"
)

// AllRoutes subscribes a client to every route.
const AllRoutes = "*"

type Client struct {
	ID     string
	Send   chan []byte
	routes map[string]struct{}
	mu     sync.RWMutex
}

func NewClient(id string, bufferSize int) *Client {
	return &Client{
		ID:     id,
		Send:   make(chan []byte, bufferSize),
		routes: make(map[string]struct{}),
	}
}

func (c *Client) HasRoute(routeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.routes[AllRoutes]; ok {
		return true
	}
	_, ok := c.routes[routeID]
	return ok
}

func (c *Client) AddRoutes(routeIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range routeIDs {
		c.routes[id] = struct{}{}
	}
}

func (c *Client) RemoveRoutes(routeIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range routeIDs {
		delete(c.routes, id)
	}
}

func (c *Client) GetRoutes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	routes := make([]string, 0, len(c.routes))
	for id := range c.routes {
		routes = append(routes, id)
	}
	return routes
}

// Hub fans route snapshots out to websocket clients. It is registered with
// the tracker as a broadcaster.
type Hub struct {
	mu           sync.RWMutex
	clients      map[*Client]struct{}
	routeClients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan *domain.Snapshot
	done       chan struct{}

	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:      make(map[*Client]struct{}),
		routeClients: make(map[string]map[*Client]struct{}),
		register:     make(chan *Client, 16),
		unregister:   make(chan *Client, 16),
		broadcast:    make(chan *domain.Snapshot, 256),
		done:         make(chan struct{}),
		logger:       logger.With("component", "hub"),
	}
}

func (h *Hub) SetMetrics(m *metrics.Collector) {
	h.metrics = m
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.dropAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.observeClients(total)
			h.logger.Debug("client registered", "client_id", client.ID, "total", total)

		case client := <-h.unregister:
			h.removeClient(client)

		case snap := <-h.broadcast:
			h.fanout(snap)
		}
	}
}

func (h *Hub) Subscribe(client *Client, routeIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.AddRoutes(routeIDs)

	for _, routeID := range routeIDs {
		if h.routeClients[routeID] == nil {
			h.routeClients[routeID] = make(map[*Client]struct{})
		}
		h.routeClients[routeID][client] = struct{}{}
	}
}

func (h *Hub) Unsubscribe(client *Client, routeIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.RemoveRoutes(routeIDs)
	h.dropRoutesLocked(client, routeIDs)
}

// Broadcast queues a snapshot for fan-out. It never blocks; snapshots are
// dropped when the queue is full.
func (h *Hub) Broadcast(snap *domain.Snapshot) {
	if snap == nil {
		return
	}
	select {
	case h.broadcast <- snap:
	default:
		h.logger.Warn("broadcast channel full, dropping snapshot", "route_id", snap.RouteID)
	}
}

// Register and Unregister return immediately once Run has exited.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type SnapshotMessage struct {
	Type    string           `json:"type"`
	Payload *domain.Snapshot `json:"payload"`
}

// EncodeSnapshot builds the wire form of a snapshot message.
func EncodeSnapshot(msgType string, snap *domain.Snapshot) ([]byte, error) {
	return json.Marshal(SnapshotMessage{Type: msgType, Payload: snap})
}

func (h *Hub) fanout(snap *domain.Snapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := make(map[*Client]struct{})
	for client := range h.routeClients[snap.RouteID] {
		targets[client] = struct{}{}
	}
	for client := range h.routeClients[AllRoutes] {
		targets[client] = struct{}{}
	}
	if len(targets) == 0 {
		return
	}

	data, err := EncodeSnapshot("update", snap)
	if err != nil {
		h.logger.Error("failed to encode snapshot", "route_id", snap.RouteID, "error", err)
		return
	}

	for client := range targets {
		select {
		case client.Send <- data:
		default:
			h.logger.Debug("client send buffer full", "client_id", client.ID)
		}
	}
}

func (h *Hub) dropRoutesLocked(client *Client, routeIDs []string) {
	for _, routeID := range routeIDs {
		if h.routeClients[routeID] != nil {
			delete(h.routeClients[routeID], client)
			if len(h.routeClients[routeID]) == 0 {
				delete(h.routeClients, routeID)
			}
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}

	h.dropRoutesLocked(client, client.GetRoutes())
	delete(h.clients, client)
	close(client.Send)
	total := len(h.clients)
	h.mu.Unlock()

	h.observeClients(total)
	h.logger.Debug("client unregistered", "client_id", client.ID, "total", total)
}

// dropAllClients forgets every client on shutdown. Send channels stay open:
// their connections may still be writing to them, and each one stops through
// its own request context.
func (h *Hub) dropAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients = make(map[*Client]struct{})
	h.routeClients = make(map[string]map[*Client]struct{})
	h.observeClients(0)
}

func (h *Hub) observeClients(n int) {
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(n))
	}
}
