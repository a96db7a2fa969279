// Package websocket is the browser gateway: one connection per tab, with
// request/response actions and per-worker output streams multiplexed over
// the same socket.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/ms2sato/agent-console-sub007/internal/common/logger"
	"github.com/ms2sato/agent-console-sub007/internal/events"
	"github.com/ms2sato/agent-console-sub007/internal/events/bus"
	ws "github.com/ms2sato/agent-console-sub007/pkg/websocket"
)

// Hub manages all WebSocket client connections.
type Hub struct {
	clients map[*Client]bool

	// Clients subscribed to specific worker streams
	workerSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ws.Message

	dispatcher *ws.Dispatcher
	bus        bus.EventBus
	busSubs    []bus.Subscription

	// onCount observes the connected client count (metrics hook).
	onCount func(delta int)

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(dispatcher *ws.Dispatcher, eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		clients:           make(map[*Client]bool),
		workerSubscribers: make(map[string]map[*Client]bool),
		register:          make(chan *Client),
		unregister:        make(chan *Client),
		broadcast:         make(chan *ws.Message, 256),
		dispatcher:        dispatcher,
		bus:               eventBus,
		logger:            log.WithFields(zap.String("component", "ws_hub")),
	}
}

// SetCountObserver registers a callback invoked with +1/-1 as clients
// connect and disconnect.
func (h *Hub) SetCountObserver(fn func(delta int)) {
	h.onCount = fn
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			if h.onCount != nil {
				h.onCount(1)
			}
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

// Bridge subscribes the hub to the event bus so bus events reach browser
// clients. Output and exit events go to worker subscribers only; lifecycle
// and activity events go to everyone.
func (h *Hub) Bridge() error {
	routes := []struct {
		subject string
		handler bus.EventHandler
	}{
		{events.BuildWorkerOutputSubject("*"), h.onWorkerOutput},
		{events.BuildWorkerExitSubject("*"), h.onWorkerExit},
		{events.BuildWorkerActivitySubject("*"), h.onBroadcastAs(ws.ActionWorkerActivity)},
		{events.SessionCreated, h.onBroadcastAs(ws.ActionSessionCreated)},
		{events.SessionDeleted, h.onBroadcastAs(ws.ActionSessionDeleted)},
		{events.WorkerCreated, h.onBroadcastAs(ws.ActionWorkerCreated)},
		{events.WorkerRemoved, h.onBroadcastAs(ws.ActionWorkerRemoved)},
	}
	for _, route := range routes {
		sub, err := h.bus.Subscribe(route.subject, route.handler)
		if err != nil {
			h.Unbridge()
			return err
		}
		h.busSubs = append(h.busSubs, sub)
	}
	return nil
}

// Unbridge drops the bus subscriptions.
func (h *Hub) Unbridge() {
	for _, sub := range h.busSubs {
		_ = sub.Unsubscribe()
	}
	h.busSubs = nil
}

func (h *Hub) onWorkerOutput(ctx context.Context, event *bus.Event) error {
	workerID, _ := event.Data["worker_id"].(string)
	if workerID == "" {
		return nil
	}
	msg, err := ws.NewNotification(ws.ActionWorkerData, event.Data)
	if err != nil {
		return err
	}
	h.SendToWorkerSubscribers(workerID, msg)
	return nil
}

func (h *Hub) onWorkerExit(ctx context.Context, event *bus.Event) error {
	workerID, _ := event.Data["worker_id"].(string)
	if workerID == "" {
		return nil
	}
	msg, err := ws.NewNotification(ws.ActionWorkerExit, event.Data)
	if err != nil {
		return err
	}
	h.SendToWorkerSubscribers(workerID, msg)
	h.Broadcast(msg)
	return nil
}

func (h *Hub) onBroadcastAs(action string) bus.EventHandler {
	return func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(action, event.Data)
		if err != nil {
			return err
		}
		h.Broadcast(msg)
		return nil
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.workerSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	removed := false
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		removed = true

		for workerID := range client.subscriptions {
			if clients, ok := h.workerSubscribers[workerID]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.workerSubscribers, workerID)
				}
			}
		}
	}
	h.mu.Unlock()

	if removed && h.onCount != nil {
		h.onCount(-1)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client buffer full, will be cleaned up by write pump
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends a notification to all connected clients.
func (h *Hub) Broadcast(msg *ws.Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast channel full, dropping message",
			zap.String("action", msg.Action))
	}
}

// SendToWorkerSubscribers sends a notification to clients subscribed to a
// worker's stream.
func (h *Hub) SendToWorkerSubscribers(workerID string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	// Snapshot under the lock; the subscriber map mutates as clients
	// subscribe and disconnect.
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.workerSubscribers[workerID]))
	for client := range h.workerSubscribers[workerID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			// Buffer full
		}
	}
}

// SubscribeToWorker subscribes a client to a worker's output stream.
func (h *Hub) SubscribeToWorker(client *Client, workerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.workerSubscribers[workerID]; !ok {
		h.workerSubscribers[workerID] = make(map[*Client]bool)
	}
	h.workerSubscribers[workerID][client] = true
	client.subscriptions[workerID] = true
}

// UnsubscribeFromWorker unsubscribes a client from a worker's stream.
func (h *Hub) UnsubscribeFromWorker(client *Client, workerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, workerID)
	if clients, ok := h.workerSubscribers[workerID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.workerSubscribers, workerID)
		}
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetDispatcher returns the message dispatcher.
func (h *Hub) GetDispatcher() *ws.Dispatcher {
	return h.dispatcher
}
