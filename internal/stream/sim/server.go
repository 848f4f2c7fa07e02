// Package sim serves a local imitation of the Binance raw trade stream:
// clients SUBSCRIBE to "{sym}usdt@trade" streams and receive random-walk
// trade events for them. Used for development and integration tests.
package sim

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"coinpulse/internal/stream"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

type tradeEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	TradeTime int64  `json:"T"`
	Maker     bool   `json:"m"`
}

type ack struct {
	Result any   `json:"result"`
	ID     int64 `json:"id"`
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	streams map[string]bool // guarded by Server.mu
}

// Server is an http.Handler speaking the trade-stream protocol.
type Server struct {
	mu      sync.Mutex
	prices  map[string]float64
	clients map[*client]struct{}
	tradeID int64
	rng     *rand.Rand
}

// NewServer creates a simulator. seed gives starting prices by symbol
// ("BTC": 64000); symbols subscribed without a seed start at 100.
func NewServer(seed map[string]float64) *Server {
	prices := make(map[string]float64, len(seed))
	for sym, p := range seed {
		prices[strings.ToUpper(sym)] = p
	}
	return &Server{
		prices:  prices,
		clients: make(map[*client]struct{}),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[sim] upgrade error", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 256), streams: make(map[string]bool)}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	slog.Info("[sim] client connected", "remote", r.RemoteAddr)

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
}

func (s *Server) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.remove(c)
		c.conn.Close()
		slog.Info("[sim] client disconnected")
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg stream.ControlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		s.mu.Lock()
		for _, name := range msg.Params {
			switch msg.Method {
			case "SUBSCRIBE":
				c.streams[name] = true
				sym := stream.SymbolFromStream(name)
				if _, ok := s.prices[sym]; !ok {
					s.prices[sym] = 100
				}
			case "UNSUBSCRIBE":
				delete(c.streams, name)
			}
		}
		s.mu.Unlock()

		if b, err := json.Marshal(ack{Result: nil, ID: msg.ID}); err == nil {
			s.deliver(c, b)
		}
	}
}

// deliver queues msg for c, dropping it if c is slow or gone.
func (s *Server) deliver(c *client, msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// Emit publishes one trade at price to every client subscribed to symbol.
func (s *Server) Emit(symbol string, price float64) {
	symbol = strings.ToUpper(symbol)
	name := stream.StreamName(symbol)
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tradeID++
	s.prices[symbol] = price
	ev := tradeEvent{
		Event:     "trade",
		EventTime: now,
		Symbol:    symbol + stream.QuoteAsset,
		TradeID:   s.tradeID,
		Price:     decimal.NewFromFloat(price).StringFixed(2),
		Qty:       decimal.NewFromFloat(s.rng.Float64()).StringFixed(5),
		TradeTime: now,
		Maker:     s.rng.Intn(2) == 0,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	for c := range s.clients {
		if !c.streams[name] {
			continue
		}
		select {
		case c.send <- b:
		default: // slow client, drop trade
		}
	}
}

// Run emits a random-walk trade for every subscribed symbol each interval
// until ctx is done.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for sym, price := range s.walk() {
				s.Emit(sym, price)
			}
		}
	}
}

// walk moves each subscribed symbol's price by up to ±0.1%.
func (s *Server) walk() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]float64)
	for c := range s.clients {
		for name := range c.streams {
			sym := stream.SymbolFromStream(name)
			if _, done := out[sym]; done {
				continue
			}
			p := s.prices[sym]
			p += p * (s.rng.Float64()*0.2 - 0.1) / 100
			if p < 0.01 {
				p = 0.01
			}
			out[sym] = p
		}
	}
	return out
}

// Subscriptions lists every stream name any client is subscribed to.
func (s *Server) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]bool)
	for c := range s.clients {
		for name := range c.streams {
			set[name] = true
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Clients counts connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// DropClients closes every connection, as an exchange-side disconnect would.
func (s *Server) DropClients() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c.conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}
