// Package market orchestrates the selected instrument: it loads snapshot
// and history through the cache or upstream, enriches the series with
// indicators and merges live trades into the most recent point.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"coinpulse/internal/bus"
	"coinpulse/internal/fetch"
	"coinpulse/internal/indicator"
	"coinpulse/internal/logger"
	"coinpulse/internal/model"
	"coinpulse/internal/stream"
	"coinpulse/internal/trace"
)

var (
	// ErrSuperseded is returned by a load whose selection was replaced
	// before it finished. Its result was discarded.
	ErrSuperseded = errors.New("selection superseded")
	// ErrNoInstrument is returned for an empty instrument id.
	ErrNoInstrument = errors.New("no instrument selected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("market service closed")
)

// Fetcher loads reference data. *coingecko.Client implements it.
type Fetcher interface {
	Coin(ctx context.Context, id string) (model.InstrumentSnapshot, error)
	MarketChart(ctx context.Context, id string, r model.Range) ([]model.TimeSeriesPoint, error)
}

// Streamer is the live trade feed. *stream.Client implements it.
type Streamer interface {
	Subscribe(symbol string, l stream.Listener) stream.Handle
	Unsubscribe(symbol string, h stream.Handle)
	State() stream.State
	EnsureConnected()
}

// EntryCache holds fetch results. *cache.Tiered[Entry] implements it.
type EntryCache interface {
	Get(ctx context.Context, key string) (Entry, bool)
	Set(ctx context.Context, key string, e Entry)
}

// Config configures a Service.
type Config struct {
	WarmUp            time.Duration // pause before an upstream fetch pair. Default 1.5s.
	PollInterval      time.Duration // Run refresh period. Default 60s.
	DefaultInstrument string        // selected by Run when nothing is. Default "bitcoin".
	DefaultRange      model.Range   // default "30"
	Toggles           indicator.Toggles
	Indicators        indicator.Config
	WatchBuffer       int // per-watcher queue length. Default 16.
	// ResumeStream makes every Run poll reconnect a stream that gave up.
	// Off, an exhausted stream stays down until the next subscription.
	ResumeStream bool
}

func (c *Config) applyDefaults() {
	if c.WarmUp < 0 {
		c.WarmUp = 0
	} else if c.WarmUp == 0 {
		c.WarmUp = 1500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.DefaultInstrument == "" {
		c.DefaultInstrument = "bitcoin"
	}
	if c.DefaultRange == "" {
		c.DefaultRange = model.Range30D
	}
	if c.Indicators == (indicator.Config{}) {
		c.Indicators = indicator.DefaultConfig()
	}
	if c.WatchBuffer <= 0 {
		c.WatchBuffer = 16
	}
}

// Option customises a Service.
type Option func(*Service)

// WithSleep replaces the warm-up sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = sleep }
}

// WithClock replaces the clock used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service owns the view state for one selected instrument and range.
// All methods are safe for concurrent use.
type Service struct {
	cfg     Config
	fetcher Fetcher
	stream  Streamer
	cache   EntryCache
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	flights singleflight.Group
	updates *bus.FanOut[State]

	// subMu serialises subscription changes. It is taken before mu,
	// never while holding it, and stream calls are made under it only.
	subMu      sync.Mutex
	liveSymbol string
	liveHandle stream.Handle

	mu        sync.Mutex
	gen       uint64 // bumped by every selection
	state     State
	raw       []model.TimeSeriesPoint // unenriched series behind state.Series
	following bool
	closed    bool

	// OnLoad observes every completed load of id; source is "cache" or
	// "upstream".
	OnLoad func(id, source string, elapsed time.Duration, err error)
	// OnTick observes every merged live trade.
	OnTick func(model.Tick)
}

// New creates a Service. Nothing is loaded until a selection or Run.
func New(cfg Config, f Fetcher, st Streamer, c EntryCache, opts ...Option) *Service {
	cfg.applyDefaults()
	s := &Service{
		cfg:     cfg,
		fetcher: f,
		stream:  st,
		cache:   c,
		sleep:   fetch.Sleep,
		now:     time.Now,
		updates: bus.New[State](cfg.WatchBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state = State{
		Range:      cfg.DefaultRange,
		Toggles:    cfg.Toggles,
		LiveStatus: LiveIdle,
	}
	return s
}

// State returns the current view state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Watch returns a channel receiving every subsequent state, and a stop
// function that closes it. A slow watcher skips intermediate states but
// always ends up with the latest.
func (s *Service) Watch() (<-chan State, func()) {
	id, ch := s.updates.Subscribe()
	return ch, func() { s.updates.Unsubscribe(id) }
}

// Watchers counts active Watch channels.
func (s *Service) Watchers() int { return s.updates.Len() }

// SetWatchDropHook observes states skipped for slow watchers.
func (s *Service) SetWatchDropHook(f func()) {
	s.updates.OnDrop = func(uint64) { f() }
}

func (s *Service) publishLocked() {
	s.state.UpdatedAt = s.now()
	s.updates.Publish(s.state)
}

// SelectInstrument switches to instrument id, keeping the current range.
func (s *Service) SelectInstrument(ctx context.Context, id string) error {
	return s.Select(ctx, id, s.State().Range)
}

// SelectRange switches the range of the current instrument, or of the
// default instrument when none is selected.
func (s *Service) SelectRange(ctx context.Context, r model.Range) error {
	id := s.State().InstrumentID
	if id == "" {
		id = s.cfg.DefaultInstrument
	}
	return s.Select(ctx, id, r)
}

// Refresh reloads the current selection. The cache is consulted, so a
// refresh within the TTL of the last fetch costs no upstream request.
// After a failed load it acts as the retry. While a load of the current
// selection is in flight Refresh does nothing: that load commits fresh
// data anyway, and a new selection would supersede its caller.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Loading {
		s.mu.Unlock()
		return nil
	}
	id, r := s.state.InstrumentID, s.state.Range
	s.mu.Unlock()
	if id == "" {
		id = s.cfg.DefaultInstrument
	}
	return s.Select(ctx, id, r)
}

// Select makes (id, r) the current selection and loads it. It returns
// ErrSuperseded if another selection was made before the load finished;
// the late result is then discarded. A failed load leaves the last good
// snapshot and series in place.
func (s *Service) Select(ctx context.Context, id string, r model.Range) error {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return ErrNoInstrument
	}
	if r == "" {
		r = s.cfg.DefaultRange
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.gen++
	gen := s.gen
	switched := s.state.InstrumentID != id
	s.state.InstrumentID = id
	s.state.Range = r
	s.state.Loading = true
	if switched {
		s.state.LivePrice = nil
		s.state.LiveChangePct = nil
	}
	s.publishLocked()
	s.mu.Unlock()

	if switched {
		// Drop the old feed now so its trades cannot land on the new selection.
		s.follow(gen, "")
	}

	ctx, span := trace.StartSpan(ctx, "market.select")
	span.SetAttributes(attribute.String("instrument", id), attribute.String("range", string(r)))
	defer span.End()

	start := time.Now()
	entry, source, err := s.load(ctx, id, r)
	if s.OnLoad != nil {
		s.OnLoad(id, source, time.Since(start), err)
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		slog.Info("[market] discarding stale load", append(logger.LogWithTrace(ctx),
			"instrument", id, "range", r, "error", err)...)
		return ErrSuperseded
	}
	if err != nil {
		span.RecordError(err)
		s.failLocked(err)
		s.mu.Unlock()
		slog.Warn("[market] load failed", append(logger.LogWithTrace(ctx),
			"instrument", id, "range", r, "error", err)...)
		return err
	}
	s.commitLocked(entry)
	s.mu.Unlock()

	slog.Info("[market] loaded", append(logger.LogWithTrace(ctx),
		"instrument", id, "range", r, "points", len(entry.Series), "source", source)...)
	s.follow(gen, entry.Snapshot.StreamSymbol())
	return nil
}

// load returns the cached entry for (id, r) or fetches it. Concurrent
// loads of the same key share one upstream fetch.
func (s *Service) load(ctx context.Context, id string, r model.Range) (Entry, string, error) {
	key := cacheKey(id, r)
	if e, ok := s.cache.Get(ctx, key); ok {
		return e, "cache", nil
	}

	// The flight is shared by every waiter, so it is not bound to the
	// cancellation of whichever caller started it.
	fctx := context.WithoutCancel(ctx)
	v, err, _ := s.flights.Do(key, func() (any, error) {
		if err := s.sleep(fctx, s.cfg.WarmUp); err != nil {
			return Entry{}, err
		}
		e, err := s.fetchPair(fctx, id, r)
		if err != nil {
			return Entry{}, err
		}
		s.cache.Set(fctx, key, e)
		return e, nil
	})
	if err != nil {
		return Entry{}, "upstream", err
	}
	return v.(Entry), "upstream", nil
}

// fetchPair fetches snapshot and chart concurrently. Either failing fails both.
func (s *Service) fetchPair(ctx context.Context, id string, r model.Range) (Entry, error) {
	var e Entry
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap, err := s.fetcher.Coin(gctx, id)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", id, err)
		}
		e.Snapshot = snap
		return nil
	})
	g.Go(func() error {
		series, err := s.fetcher.MarketChart(gctx, id, r)
		if err != nil {
			return fmt.Errorf("chart %s/%s: %w", id, r, err)
		}
		e.Series = series
		return nil
	})
	if err := g.Wait(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *Service) commitLocked(e Entry) {
	snap := e.Snapshot
	s.raw = e.Series
	s.state.Snapshot = &snap
	s.state.Series = indicator.Enrich(s.raw, s.state.Toggles, s.cfg.Indicators)
	s.state.Loading = false
	s.state.Error = ""
	s.state.ErrorKind = ""
	if s.state.LivePrice != nil {
		// Keep a live price already seen for this instrument on the fresh series.
		s.applyPriceLocked(*s.state.LivePrice)
	}
	s.publishLocked()
}

func (s *Service) failLocked(err error) {
	s.state.Loading = false
	s.state.Error = err.Error()
	s.state.ErrorKind = errorKind(err)
	s.publishLocked()
}

// follow moves the live subscription to symbol ("" for none) if gen is
// still the current selection.
func (s *Service) follow(gen uint64, symbol string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.mu.Lock()
	stale, closed := gen != s.gen, s.closed
	s.mu.Unlock()
	if stale {
		// A newer selection owns the feed, including the clearing of it.
		return
	}
	if closed {
		symbol = ""
	}

	if symbol != s.liveSymbol {
		if s.liveSymbol != "" {
			s.stream.Unsubscribe(s.liveSymbol, s.liveHandle)
			slog.Info("[market] live feed dropped", "symbol", s.liveSymbol)
		}
		s.liveSymbol, s.liveHandle = symbol, 0
		if symbol != "" {
			s.liveHandle = s.stream.Subscribe(symbol, s.onTick)
			slog.Info("[market] live feed followed", "symbol", symbol)
		}
	}

	st := s.stream.State()
	s.mu.Lock()
	s.following = s.liveSymbol != ""
	s.setLiveStatusLocked(liveStatus(st, s.following))
	s.mu.Unlock()
}

func (s *Service) setLiveStatusLocked(ls LiveStatus) {
	if s.state.LiveStatus == ls {
		return
	}
	s.state.LiveStatus = ls
	s.publishLocked()
}

// OnStreamState feeds stream state transitions into LiveStatus. Wire it to
// the stream client's OnStateChange hook.
func (s *Service) OnStreamState(to stream.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.setLiveStatusLocked(liveStatus(to, s.following))
}

// onTick merges a live trade into the last point. Trades for a symbol
// other than the committed snapshot's, or before any series exists, are
// dropped.
func (s *Service) onTick(t model.Tick) {
	s.mu.Lock()
	snap := s.state.Snapshot
	if s.closed || snap == nil || len(s.raw) == 0 ||
		snap.ID != s.state.InstrumentID || snap.StreamSymbol() != t.Symbol {
		s.mu.Unlock()
		return
	}
	s.applyPriceLocked(t.Price)
	s.state.LiveStatus = LiveOpen
	s.publishLocked()
	s.mu.Unlock()

	if s.OnTick != nil {
		s.OnTick(t)
	}
}

func (s *Service) applyPriceLocked(price float64) {
	s.raw = model.WithLastPrice(s.raw, price)
	s.state.Series = model.WithLastPrice(s.state.Series, price)
	p := price
	s.state.LivePrice = &p
	s.state.LiveChangePct = nil
	if len(s.raw) > 0 {
		if pct, ok := model.PercentChange(s.raw[0].Price, price); ok {
			s.state.LiveChangePct = &pct
		}
	}
}

// SetToggles changes which indicators are computed and re-enriches the
// current series.
func (s *Service) SetToggles(t indicator.Toggles) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Toggles == t {
		return
	}
	s.state.Toggles = t
	if s.raw != nil {
		s.state.Series = indicator.Enrich(s.raw, t, s.cfg.Indicators)
	}
	s.publishLocked()
	slog.Info("[market] indicators changed", "toggles", t.String())
}

// Run selects the default instrument if nothing is selected, then
// refreshes every PollInterval until ctx is done. A stream that exhausted
// its reconnect attempts is left alone unless Config.ResumeStream is set,
// in which case each poll reconnects it.
func (s *Service) Run(ctx context.Context) error {
	if s.State().InstrumentID == "" {
		if err := s.Select(ctx, s.cfg.DefaultInstrument, s.cfg.DefaultRange); err != nil && !errors.Is(err, ErrSuperseded) {
			slog.Warn("[market] initial load failed", "error", err)
		}
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.cfg.ResumeStream {
				s.stream.EnsureConnected()
			}
			if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrSuperseded) {
				slog.Debug("[market] poll refresh failed", "error", err)
			}
		}
	}
}

// Close drops the live subscription and closes every Watch channel.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.follow(gen, "")
	s.updates.Close()
	slog.Info("[market] closed")
}
