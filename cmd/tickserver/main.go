// cmd/tickserver: local trade-stream simulator.
// Speaks the Binance raw-stream protocol so coinpulse can run without
// reaching the exchange: point STREAM_URL at ws://localhost:9001/ws.
//
// Config (env vars):
//
//	TICK_SERVER_ADDR   listen address  (default: ":9001")
//	TICK_SEED          comma-separated SYMBOL:PRICE pairs (default: "BTC:64000,ETH:3100,SOL:150")
//	TICK_INTERVAL_MS   emit interval milliseconds (default: "250")
//	LOG_LEVEL          debug|info|warn|error (default: "info")
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"coinpulse/internal/logger"
	"coinpulse/internal/stream/sim"
)

func main() {
	logger.Init("tickserver", logger.ParseLevel(os.Getenv("LOG_LEVEL")))
	slog.Info("[tickserver] starting trade stream simulator...")

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	seed := parseSeed(envOrDefault("TICK_SEED", "BTC:64000,ETH:3100,SOL:150"))
	intervalMs := envIntOrDefault("TICK_INTERVAL_MS", 250)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := sim.NewServer(seed)
	go srv.Run(ctx, time.Duration(intervalMs)*time.Millisecond)

	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"status":"ok","service":"tickserver","clients":%d}`+"\n", srv.Clients())
	})

	httpSrv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("[tickserver] listening", "addr", addr, "ws", "ws://localhost"+addr+"/ws", "seed", seed, "interval_ms", intervalMs)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("[tickserver] server error", "error", err)
		os.Exit(1)
	}
	slog.Info("[tickserver] stopped")
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseSeed(s string) map[string]float64 {
	out := make(map[string]float64)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		sym, priceStr, ok := strings.Cut(part, ":")
		if !ok {
			slog.Warn("[tickserver] skipping invalid seed", "value", part)
			continue
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(priceStr), 64)
		if err != nil || price <= 0 {
			slog.Warn("[tickserver] skipping invalid seed price", "value", part)
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(sym))] = price
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
