package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"coinpulse/config"
	"coinpulse/internal/cache"
	"coinpulse/internal/coingecko"
	"coinpulse/internal/fetch"
	"coinpulse/internal/gateway"
	"coinpulse/internal/logger"
	"coinpulse/internal/market"
	"coinpulse/internal/metrics"
	"coinpulse/internal/model"
	"coinpulse/internal/notification"
	redisstore "coinpulse/internal/store/redis"
	"coinpulse/internal/stream"
	"coinpulse/internal/trace"
)

const version = "1.0.0"

var processStart = time.Now()

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("[coinpulse] config", "error", err)
		os.Exit(1)
	}
	logger.Init("coinpulse", logger.ParseLevel(cfg.LogLevel))
	slog.Info("[coinpulse] starting...", "version", version,
		"default_instrument", cfg.DefaultInstrument, "default_range", cfg.DefaultRange)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Tracing ----
	if cfg.TracingEnabled {
		if err := trace.Init("coinpulse", version); err != nil {
			slog.Warn("[coinpulse] tracing disabled", "error", err)
		}
	}

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.New(reg)
	health := metrics.NewHealthStatus()

	// ---- Alerts ----
	notifiers := notification.Multi{notification.NewLogNotifier()}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	alerts := notification.NewThrottled(notifiers, 10*time.Minute)
	alert := func(a notification.Alert) {
		go func() {
			actx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := alerts.Send(actx, a); err != nil {
				slog.Warn("[coinpulse] alert delivery failed", "title", a.Title, "error", err)
			}
		}()
	}

	// ---- Cache: memory, plus Redis when configured ----
	var remote cache.Remote
	var redisPinger metrics.Pinger
	if cfg.RedisAddr != "" {
		store, err := redisstore.New(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			slog.Warn("[coinpulse] redis unavailable, using memory cache only", "error", err)
		} else {
			defer store.Close()
			store.Breaker().OnStateChange = func(from, to redisstore.State) {
				prom.RedisCircuitBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
					alert(notification.BreakerOpened())
				}
			}
			remote, redisPinger = store, store
		}
	}
	entries := cache.NewTiered[market.Entry](cache.DefaultTTL, remote)
	entries.OnHit = func(tier string) { prom.CacheHits.WithLabelValues(tier).Inc() }
	entries.OnMiss = func() { prom.CacheMisses.Inc() }
	health.StartLivenessChecker(ctx, redisPinger, 15*time.Second)

	// ---- Upstream REST ----
	fc := fetch.New(fetch.Config{
		MaxAttempts:     cfg.FetchAttempts,
		CountRateLimits: cfg.CountRateLimits,
	}, &http.Client{})
	fc.OnAttempt = func(outcome string, elapsed time.Duration) {
		prom.FetchAttempts.WithLabelValues(outcome).Inc()
		prom.FetchDur.Observe(elapsed.Seconds())
	}
	fc.OnRetry = func(reason string, delay time.Duration) {
		prom.FetchRetries.WithLabelValues(reason).Inc()
		slog.Info("[fetch] retrying", "reason", reason, "delay", delay)
	}
	gecko := coingecko.New(cfg.CoinGeckoURL, cfg.CoinGeckoAPIKey, fc)

	// ---- Live trade stream ----
	feed := stream.New(stream.Config{URL: cfg.StreamURL, PingInterval: 30 * time.Second}, nil)
	feed.OnReconnect = func(attempt int, delay time.Duration) {
		prom.StreamReconnects.Inc()
	}
	feed.OnExhausted = func(attempts int) {
		prom.StreamExhausted.Inc()
		alert(notification.StreamExhausted(attempts))
	}
	feed.OnTick = func(model.Tick) { prom.TicksTotal.Inc() }

	// ---- Market service ----
	svc := market.New(market.Config{
		WarmUp:            cfg.WarmUp(),
		PollInterval:      cfg.PollInterval(),
		ResumeStream:      cfg.ResumeStreamOnPoll,
		DefaultInstrument: cfg.DefaultInstrument,
		DefaultRange:      cfg.Range(),
		Toggles:           cfg.Toggles(),
		Indicators:        cfg.IndicatorConfig(),
	}, gecko, feed, entries)
	svc.OnLoad = func(id, source string, elapsed time.Duration, err error) {
		result := "ok"
		if err != nil {
			result = "error"
			alert(notification.LoadFailed(id, err))
		}
		prom.LoadsTotal.WithLabelValues(source, result).Inc()
		prom.LoadDur.Observe(elapsed.Seconds())
		health.RecordLoad(err)
	}
	svc.OnTick = func(t model.Tick) {
		prom.TicksMerged.Inc()
		health.SetLastTickTime(t.TickTS)
	}
	svc.SetWatchDropHook(func() { prom.WatchDropsTotal.Inc() })
	feed.OnStateChange = func(from, to stream.State) {
		prom.StreamState.Set(float64(to))
		health.SetStreamConnected(to == stream.StateOpen)
		slog.Info("[stream] state", "from", from.String(), "to", to.String())
		svc.OnStreamState(to)
	}

	// ---- Gateway ----
	hub := gateway.NewHub(svc, 100*time.Millisecond)
	hub.OnClients = func(n int) { prom.WSClients.Set(float64(n)) }
	hub.OnSent = func(n int) { prom.WSMessagesSent.Add(float64(n)) }

	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, hub, gecko, processStart)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, reg, health)
	metricsSrv.Start()

	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()
	go func() {
		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("[market] run stopped", "error", err)
		}
	}()
	go func() {
		slog.Info("[coinpulse] http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[coinpulse] http server error", "error", err)
			stop()
		}
	}()

	// ---- Wait for shutdown signal ----
	<-ctx.Done()
	slog.Info("[coinpulse] shutdown signal received, cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	svc.Close()
	feed.Disconnect()
	<-hubDone
	metricsSrv.Stop(shutdownCtx)
	if err := trace.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[coinpulse] trace shutdown", "error", err)
	}
	slog.Info("[coinpulse] stopped")
}
