package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coinpulse/internal/indicator"
	"coinpulse/internal/market"
	"coinpulse/internal/model"
)

// Market is the view-state service the gateway exposes.
// *market.Service implements it.
type Market interface {
	State() market.State
	Watch() (<-chan market.State, func())
	Select(ctx context.Context, id string, r model.Range) error
	Refresh(ctx context.Context) error
	SetToggles(t indicator.Toggles)
}

// Hub manages WebSocket clients and pushes market state to them.
type Hub struct {
	market      Market
	minInterval time.Duration

	mu      sync.RWMutex
	clients map[*Client]bool
	seq     int64

	// State-change to WS-emit latency.
	Latency *LatencyWindow

	Broadcaster *Broadcaster

	// OnClients observes the client count after every change; OnSent the
	// number of clients a broadcast reached.
	OnClients func(n int)
	OnSent    func(n int)
}

// NewHub creates a Hub. Broadcasts are coalesced so clients see at most
// one state per minInterval; the latest state is always delivered.
func NewHub(m Market, minInterval time.Duration) *Hub {
	h := &Hub{
		market:      m,
		minInterval: minInterval,
		clients:     make(map[*Client]bool),
		Latency:     NewLatencyWindow(10000),
	}
	h.Broadcaster = NewBroadcaster(h)
	return h
}

// Run forwards market state changes to clients until ctx is cancelled or
// the market closes its watch channel, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	updates, stop := h.market.Watch()
	defer stop()
	defer h.closeAll()

	var (
		pending *market.State
		timerC  <-chan time.Time
		last    time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if pending == nil && time.Since(last) >= h.minInterval {
				h.Broadcaster.Broadcast(st)
				last = time.Now()
				continue
			}
			pending = &st
			if timerC == nil {
				timerC = time.After(h.minInterval - time.Since(last))
			}
		case <-timerC:
			timerC = nil
			if pending != nil {
				h.Broadcaster.Broadcast(*pending)
				pending = nil
				last = time.Now()
			}
		}
	}
}

// HandleWSRequest registers an upgraded connection and sends it the
// current state.
func (h *Hub) HandleWSRequest(conn *websocket.Conn) {
	client := &Client{
		conn: conn,
		send: make(chan []byte, 64),
		hub:  h,
	}

	conn.EnableWriteCompression(true)

	// Queue the current state and register under one lock, so every later
	// broadcast is newer than what the client starts with.
	h.mu.Lock()
	if buf, err := h.Broadcaster.Envelope(h.market.State(), time.Now().UTC(), h.seq); err == nil {
		client.send <- buf
	}
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	slog.Info("[gateway] ws client connected", "total", count)
	if h.OnClients != nil {
		h.OnClients(count)
	}

	go client.writePump()
	go client.readPump()
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	if h.OnClients != nil {
		h.OnClients(count)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if h.OnClients != nil {
		h.OnClients(0)
	}
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
