package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for coinpulse.
type Metrics struct {
	// Upstream fetch
	FetchAttempts *prometheus.CounterVec // labels: outcome=ok|network|upstream|rate_limited
	FetchRetries  *prometheus.CounterVec // labels: reason
	FetchDur      prometheus.Histogram

	// Orchestrator loads
	LoadsTotal *prometheus.CounterVec // labels: source=cache|upstream, result=ok|error
	LoadDur    prometheus.Histogram

	// Cache
	CacheHits   *prometheus.CounterVec // labels: tier=memory|remote
	CacheMisses prometheus.Counter

	// Trade stream
	StreamState      prometheus.Gauge // 0=idle, 1=connecting, 2=open, 3=closed
	StreamReconnects prometheus.Counter
	StreamExhausted  prometheus.Counter
	TicksTotal       prometheus.Counter
	TicksMerged      prometheus.Counter

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter

	// Fan-out and gateway
	WatchDropsTotal prometheus.Counter
	WSClients       prometheus.Gauge
	WSMessagesSent  prometheus.Counter
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinpulse_fetch_attempts_total",
			Help: "Upstream HTTP attempts by outcome",
		}, []string{"outcome"}),
		FetchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinpulse_fetch_retries_total",
			Help: "Upstream retries scheduled, by reason",
		}, []string{"reason"}),
		FetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coinpulse_fetch_attempt_duration_seconds",
			Help:    "Latency of a single upstream attempt",
			Buckets: prometheus.DefBuckets,
		}),

		LoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinpulse_loads_total",
			Help: "Instrument loads by source and result",
		}, []string{"source", "result"}),
		LoadDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coinpulse_load_duration_seconds",
			Help:    "Time from selection to loaded state, warm-up included",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinpulse_cache_hits_total",
			Help: "Cache hits by tier",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinpulse_cache_misses_total",
			Help: "Lookups missing every cache tier",
		}),

		StreamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coinpulse_stream_state",
			Help: "Trade stream state (0=idle, 1=connecting, 2=open, 3=closed)",
		}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinpulse_stream_reconnects_total",
			Help: "Trade stream reconnections scheduled",
		}),
		StreamExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinpulse_stream_exhausted_total",
			Help: "Times the trade stream gave up reconnecting",
		}),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinpulse_ticks_total",
			Help: "Trades received from the stream",
		}),
		TicksMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinpulse_ticks_merged_total",
			Help: "Trades merged into the selected series",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coinpulse_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinpulse_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),

		WatchDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinpulse_watch_drops_total",
			Help: "State updates skipped for slow watchers",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coinpulse_ws_clients",
			Help: "Connected WebSocket clients",
		}),
		WSMessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinpulse_ws_messages_sent_total",
			Help: "State messages written to WebSocket clients",
		}),
	}

	reg.MustRegister(
		m.FetchAttempts,
		m.FetchRetries,
		m.FetchDur,
		m.LoadsTotal,
		m.LoadDur,
		m.CacheHits,
		m.CacheMisses,
		m.StreamState,
		m.StreamReconnects,
		m.StreamExhausted,
		m.TicksTotal,
		m.TicksMerged,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.WatchDropsTotal,
		m.WSClients,
		m.WSMessagesSent,
	)

	return m
}

// Pinger is a dependency the liveness checker can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	StreamConnected bool
	LastTickTime    time.Time
	RedisEnabled    bool
	RedisConnected  bool
	RedisLatencyMs  float64
	LastLoadOK      bool
	LastLoadAt      time.Time
	LastLoadError   string
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt:  time.Now(),
		LastLoadOK: true,
	}
}

func (h *HealthStatus) SetStreamConnected(v bool) {
	h.mu.Lock()
	h.StreamConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

// RecordLoad notes the outcome of the latest instrument load.
func (h *HealthStatus) RecordLoad(err error) {
	h.mu.Lock()
	h.LastLoadOK = err == nil
	h.LastLoadAt = time.Now()
	h.LastLoadError = ""
	if err != nil {
		h.LastLoadError = err.Error()
	}
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, p Pinger) {
	start := time.Now()
	err := p.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. A nil redis is skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, redis Pinger, interval time.Duration) {
	if redis == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				h.CheckRedis(probeCtx, redis)
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	redisDown := h.RedisEnabled && !h.RedisConnected
	if !h.StreamConnected || !h.LastLoadOK || redisDown {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.StreamConnected && !h.LastLoadOK {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		StreamConnected bool    `json:"stream_connected"`
		LastTickTime    string  `json:"last_tick_time,omitempty"`
		TickAge         string  `json:"tick_age,omitempty"`
		RedisEnabled    bool    `json:"redis_enabled"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		LastLoadOK      bool    `json:"last_load_ok"`
		LastLoadError   string  `json:"last_load_error,omitempty"`
		LastCheckAt     string  `json:"last_check_at,omitempty"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		StreamConnected: h.StreamConnected,
		TickAge:         tickAge,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		LastLoadOK:      h.LastLoadOK,
		LastLoadError:   h.LastLoadError,
	}
	if !h.LastTickTime.IsZero() {
		status.LastTickTime = h.LastTickTime.Format(time.RFC3339)
	}
	if !h.LastCheckAt.IsZero() {
		status.LastCheckAt = h.LastCheckAt.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server over the given gatherer.
func NewServer(addr string, gatherer prometheus.Gatherer, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Handler exposes the server's routes, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("[metrics] server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("[metrics] server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
