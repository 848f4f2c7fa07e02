// Package stream maintains a subscription to the Binance public trade
// stream and fans trade ticks out to per-symbol listeners.
//
// Lifecycle: Idle → Connecting → Open → Closed (reconnect pending) →
// Connecting → ... Disconnect returns to Idle from any state. After
// MaxAttempts consecutive reconnects the client gives up and goes Idle
// until something asks for it again.
package stream

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coinpulse/internal/model"
)

// State is the connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed // dropped, reconnect scheduled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the subset of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials with gorilla/websocket.
type WSDialer struct {
	Dialer *websocket.Dialer
}

func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Listener receives ticks for one symbol. It runs on the read goroutine
// and must not block for long.
type Listener func(model.Tick)

// Handle identifies one Subscribe call.
type Handle uint64

// Timer is returned by the reconnect scheduler.
type Timer interface {
	Stop() bool
}

// Config configures a Client.
type Config struct {
	URL          string
	BaseDelay    time.Duration // first reconnect delay, doubled per attempt. Default 5s.
	MaxAttempts  int           // reconnects before giving up. Default 5.
	StableAfter  time.Duration // open this long and the attempt counter resets. Default 60s.
	DialTimeout  time.Duration // default 10s
	WriteTimeout time.Duration // default 10s
	PingInterval time.Duration // 0 disables client pings
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.StableAfter <= 0 {
		c.StableAfter = time.Minute
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Client is the stream connection manager. All methods are safe for
// concurrent use.
type Client struct {
	cfg       Config
	dialer    Dialer
	afterFunc func(time.Duration, func()) Timer
	now       func() time.Time

	mu         sync.Mutex
	state      State
	conn       Conn
	gen        uint64 // bumped on every dial and on Disconnect
	attempts   int
	openedAt   time.Time
	timer      Timer
	pending    map[string]struct{}
	listeners  map[string]map[Handle]Listener
	nextHandle Handle
	msgID      int64
	events     []func() // hooks queued under mu, run by unlock

	// Hooks. They run after the client's lock is released.
	OnStateChange func(from, to State)
	OnReconnect   func(attempt int, delay time.Duration)
	OnExhausted   func(attempts int)
	OnTick        func(model.Tick)
}

// New creates an idle Client. A nil dialer uses gorilla's default dialer.
func New(cfg Config, dialer Dialer) *Client {
	cfg.applyDefaults()
	if dialer == nil {
		dialer = WSDialer{}
	}
	return &Client{
		cfg:    cfg,
		dialer: dialer,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		now:       time.Now,
		pending:   make(map[string]struct{}),
		listeners: make(map[string]map[Handle]Listener),
	}
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// unlock releases mu and then runs any hooks queued while it was held.
func (c *Client) unlock() {
	ev := c.events
	c.events = nil
	c.mu.Unlock()
	for _, f := range ev {
		f()
	}
}

func (c *Client) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if hook := c.OnStateChange; hook != nil {
		c.events = append(c.events, func() { hook(from, to) })
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the current reconnect attempt count.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Symbols lists symbols with at least one listener, sorted.
func (c *Client) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.listeners))
	for s := range c.listeners {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Connect opens the connection if none is open or being opened, and
// arranges for symbols to be subscribed once it is. While already
// connecting it only records the symbols.
func (c *Client) Connect(symbols ...string) {
	c.mu.Lock()
	defer c.unlock()

	for _, s := range symbols {
		c.pending[normalize(s)] = struct{}{}
	}
	switch c.state {
	case StateConnecting:
	case StateOpen:
		c.flushPendingLocked()
	default:
		c.dialLocked()
	}
}

// EnsureConnected restarts an Idle client that still has listeners, for
// example after reconnection gave up.
func (c *Client) EnsureConnected() {
	c.mu.Lock()
	defer c.unlock()
	if c.state == StateIdle && len(c.listeners) > 0 {
		slog.Info("[stream] resuming idle connection", "symbols", len(c.listeners))
		c.dialLocked()
	}
}

// Subscribe registers l for ticks of symbol and returns a handle for
// Unsubscribe. The first listener for a symbol on an open connection sends
// SUBSCRIBE for it; on an idle client it starts a connection.
func (c *Client) Subscribe(symbol string, l Listener) Handle {
	symbol = normalize(symbol)

	c.mu.Lock()
	defer c.unlock()

	c.nextHandle++
	h := c.nextHandle
	set, existed := c.listeners[symbol]
	if !existed {
		set = make(map[Handle]Listener)
		c.listeners[symbol] = set
	}
	set[h] = l

	switch c.state {
	case StateOpen:
		if !existed {
			c.sendLocked("SUBSCRIBE", []string{symbol})
		}
	case StateConnecting:
		c.pending[symbol] = struct{}{}
	case StateIdle:
		c.pending[symbol] = struct{}{}
		c.dialLocked()
	case StateClosed:
		// The scheduled reconnect replays every registered symbol.
	}
	return h
}

// Unsubscribe removes the listener behind h. When it was the symbol's last
// listener the symbol is dropped and, if open, UNSUBSCRIBE is sent.
func (c *Client) Unsubscribe(symbol string, h Handle) {
	symbol = normalize(symbol)

	c.mu.Lock()
	defer c.unlock()

	set, ok := c.listeners[symbol]
	if !ok {
		return
	}
	if _, ok := set[h]; !ok {
		return
	}
	delete(set, h)
	if len(set) > 0 {
		return
	}
	delete(c.listeners, symbol)
	delete(c.pending, symbol)
	if c.state == StateOpen {
		c.sendLocked("UNSUBSCRIBE", []string{symbol})
	}
}

// Disconnect closes the connection, cancels any pending reconnect and
// forgets every listener and counter.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.unlock()

	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.listeners = make(map[string]map[Handle]Listener)
	c.pending = make(map[string]struct{})
	c.attempts = 0
	c.setStateLocked(StateIdle)
}

func (c *Client) dialLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	gen := c.gen
	c.setStateLocked(StateConnecting)
	go c.dial(gen)
}

func (c *Client) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	conn, err := c.dialer.Dial(ctx, c.cfg.URL)
	cancel()

	c.mu.Lock()
	defer c.unlock()

	if gen != c.gen || c.state != StateConnecting {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		slog.Warn("[stream] dial failed", "url", c.cfg.URL, "error", err)
		c.scheduleReconnectLocked()
		return
	}

	c.conn = conn
	c.openedAt = c.now()
	c.setStateLocked(StateOpen)
	slog.Info("[stream] connected", "url", c.cfg.URL, "attempt", c.attempts)

	for s := range c.listeners {
		c.pending[s] = struct{}{}
	}
	c.flushPendingLocked()

	done := make(chan struct{})
	go c.readLoop(gen, conn, done)
	if c.cfg.PingInterval > 0 {
		go c.heartbeat(conn, done)
	}
}

func (c *Client) flushPendingLocked() {
	if len(c.pending) == 0 {
		return
	}
	symbols := make([]string, 0, len(c.pending))
	for s := range c.pending {
		symbols = append(symbols, s)
	}
	c.pending = make(map[string]struct{})
	c.sendLocked("SUBSCRIBE", symbols)
}

// sendLocked writes a control message. A failed write closes the
// connection; the read loop then takes the normal reconnect path.
func (c *Client) sendLocked(method string, symbols []string) {
	if c.conn == nil {
		return
	}
	c.msgID++
	msg := ControlMessage{Method: method, Params: streamNames(symbols), ID: c.msgID}

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		slog.Warn("[stream] write failed", "method", method, "error", err)
		c.conn.Close()
		return
	}
	slog.Debug("[stream] sent", "method", method, "params", msg.Params, "id", msg.ID)
}

func (c *Client) readLoop(gen uint64, conn Conn, done chan struct{}) {
	defer close(done)
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.onConnClosed(gen, err)
			return
		}

		tick, ok, err := ParseTrade(frame)
		if err != nil {
			slog.Debug("[stream] dropping frame", "error", err)
			continue
		}
		if !ok {
			continue
		}
		c.dispatch(gen, tick)
	}
}

// dispatch copies the symbol's listeners under the lock and calls them
// outside it, so a listener may Subscribe or Unsubscribe freely.
func (c *Client) dispatch(gen uint64, tick model.Tick) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	set := c.listeners[tick.Symbol]
	ls := make([]Listener, 0, len(set))
	for _, l := range set {
		ls = append(ls, l)
	}
	onTick := c.OnTick
	c.mu.Unlock()

	if onTick != nil {
		onTick(tick)
	}
	for _, l := range ls {
		l(tick)
	}
}

func (c *Client) onConnClosed(gen uint64, cause error) {
	c.mu.Lock()
	defer c.unlock()

	if gen != c.gen || c.state != StateOpen {
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.now().Sub(c.openedAt) >= c.cfg.StableAfter {
		c.attempts = 0
	}
	slog.Warn("[stream] connection closed", "error", cause)
	c.scheduleReconnectLocked()
}

func (c *Client) scheduleReconnectLocked() {
	if c.attempts >= c.cfg.MaxAttempts {
		attempts := c.attempts
		slog.Error("[stream] max reconnection attempts reached, giving up", "attempts", attempts)
		c.attempts = 0
		c.setStateLocked(StateIdle)
		if hook := c.OnExhausted; hook != nil {
			c.events = append(c.events, func() { hook(attempts) })
		}
		return
	}

	delay := c.cfg.BaseDelay << c.attempts
	attempt := c.attempts + 1
	c.setStateLocked(StateClosed)
	gen := c.gen
	c.timer = c.afterFunc(delay, func() { c.reconnect(gen) })
	slog.Info("[stream] reconnect scheduled", "attempt", attempt, "delay", delay)
	if hook := c.OnReconnect; hook != nil {
		c.events = append(c.events, func() { hook(attempt, delay) })
	}
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	defer c.unlock()

	if gen != c.gen || c.state != StateClosed {
		return
	}
	c.timer = nil
	c.attempts++
	c.dialLocked()
}

func (c *Client) heartbeat(conn Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				slog.Warn("[stream] ping failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}
