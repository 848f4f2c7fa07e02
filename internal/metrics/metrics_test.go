package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
)

func TestNew_RegistersAndExports(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.FetchAttempts.WithLabelValues("ok").Inc()
	m.CacheHits.WithLabelValues("memory").Add(2)
	m.StreamState.Set(2)

	srv := NewServer(":0", reg, NewHealthStatus())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`coinpulse_fetch_attempts_total{outcome="ok"} 1`,
		`coinpulse_cache_hits_total{tier="memory"} 2`,
		`coinpulse_stream_state 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNew_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	New(reg)
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func healthz(t *testing.T, h *HealthStatus) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, body
}

func TestHealth(t *testing.T) {
	h := NewHealthStatus()

	code, body := healthz(t, h)
	if code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("stream down: %d %v", code, body["status"])
	}

	h.SetStreamConnected(true)
	h.SetLastTickTime(time.Now())
	code, body = healthz(t, h)
	if code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("all up: %d %v", code, body["status"])
	}
	if body["tick_age"] == nil {
		t.Error("tick_age missing")
	}

	h.CheckRedis(context.Background(), pinger{errors.New("refused")})
	code, _ = healthz(t, h)
	if code != http.StatusServiceUnavailable {
		t.Errorf("redis down: %d", code)
	}
	h.CheckRedis(context.Background(), pinger{})

	h.SetStreamConnected(false)
	h.RecordLoad(errors.New("HTTP 500"))
	_, body = healthz(t, h)
	if body["status"] != "unhealthy" || body["last_load_error"] != "HTTP 500" {
		t.Errorf("stream and load down: %v", body)
	}
}
