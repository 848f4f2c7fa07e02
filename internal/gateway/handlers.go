package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"coinpulse/internal/cache"
	"coinpulse/internal/coingecko"
	"coinpulse/internal/fetch"
	"coinpulse/internal/indicator"
	"coinpulse/internal/logger"
	"coinpulse/internal/market"
	"coinpulse/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Catalog answers the market-wide lookups. *coingecko.Client implements it.
type Catalog interface {
	Search(ctx context.Context, query string) ([]model.SearchResult, error)
	Trending(ctx context.Context) ([]model.SearchResult, error)
	Global(ctx context.Context) (model.GlobalMarket, error)
	Markets(ctx context.Context, ids []string) ([]model.MarketSummary, error)
	StatusUpdates(ctx context.Context, id string) ([]model.StatusUpdate, error)
}

// catalogCache holds catalog answers for the cache TTL, keyed by query.
type catalogCache struct {
	results *cache.Cache[string, []model.SearchResult]
	global  *cache.Cache[string, model.GlobalMarket]
	markets *cache.Cache[string, []model.MarketSummary]
	updates *cache.Cache[string, []model.StatusUpdate]
}

func newCatalogCache(ttl time.Duration) *catalogCache {
	return &catalogCache{
		results: cache.New[string, []model.SearchResult](ttl),
		global:  cache.New[string, model.GlobalMarket](ttl),
		markets: cache.New[string, []model.MarketSummary](ttl),
		updates: cache.New[string, []model.StatusUpdate](ttl),
	}
}

// cached returns c[key] or calls load and stores a successful result.
func cached[V any](ctx context.Context, c *cache.Cache[string, V], key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// allow writes CORS headers and rejects methods other than method. It
// answers preflight requests itself.
func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return false
	}
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a load or lookup error to an HTTP status, setting
// Retry-After for rate limits.
func statusFor(w http.ResponseWriter, err error) int {
	var fe *fetch.Error
	switch {
	case errors.Is(err, market.ErrNoInstrument):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, market.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &fe) && fe.Kind == fetch.KindRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(int(fe.RetryAfter.Seconds())))
		return http.StatusTooManyRequests
	case errors.Is(err, coingecko.ErrSchema), errors.Is(err, fetch.ErrExhausted), errors.As(err, &fe):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// RegisterRoutes registers all HTTP routes on the provided mux.
func RegisterRoutes(mux *http.ServeMux, hub *Hub, catalog Catalog, processStart time.Time) {
	m := hub.market
	cc := newCatalogCache(cache.DefaultTTL)

	// WebSocket endpoint
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("[gateway] ws upgrade error", "error", err)
			return
		}
		hub.HandleWSRequest(conn)
	})

	// REST: current view state
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, m.State())
	})

	// REST: change instrument and/or range; answers once loaded
	mux.HandleFunc("/api/select", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		var req SelectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		id, rng, err := resolveSelection(m.State(), req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ctx := logger.WithTraceID(r.Context(), logger.GenerateTraceID("select-"+id, time.Now()))
		if err := m.Select(ctx, id, rng); err != nil {
			writeJSON(w, statusFor(w, err), m.State())
			return
		}
		writeJSON(w, http.StatusOK, m.State())
	})

	// REST: indicator toggles
	mux.HandleFunc("/api/indicators", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			writeJSON(w, http.StatusOK, m.State().Toggles)
		case http.MethodPost:
			var t indicator.Toggles
			if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON")
				return
			}
			m.SetToggles(t)
			writeJSON(w, http.StatusOK, m.State())
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	// REST: retry / reload the current selection
	mux.HandleFunc("/api/refresh", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		ctx := logger.WithTraceID(r.Context(), logger.GenerateTraceID("refresh", time.Now()))
		if err := m.Refresh(ctx); err != nil {
			writeJSON(w, statusFor(w, err), m.State())
			return
		}
		writeJSON(w, http.StatusOK, m.State())
	})

	// REST: selectable ranges
	mux.HandleFunc("/api/ranges", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, model.Ranges)
	})

	// REST: coin search
	mux.HandleFunc("/api/search", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			writeJSON(w, http.StatusOK, []model.SearchResult{})
			return
		}
		res, err := cached(r.Context(), cc.results, "search:"+strings.ToLower(q), func(ctx context.Context) ([]model.SearchResult, error) {
			return catalog.Search(ctx, q)
		})
		if err != nil {
			writeError(w, statusFor(w, err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	// REST: trending coins
	mux.HandleFunc("/api/trending", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		res, err := cached(r.Context(), cc.results, "trending", catalog.Trending)
		if err != nil {
			writeError(w, statusFor(w, err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	// REST: global market totals
	mux.HandleFunc("/api/global", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		res, err := cached(r.Context(), cc.global, "global", catalog.Global)
		if err != nil {
			writeError(w, statusFor(w, err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	// REST: market rows for a comma-separated id list
	mux.HandleFunc("/api/markets", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		var ids []string
		for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
			if id = strings.ToLower(strings.TrimSpace(id)); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			writeError(w, http.StatusBadRequest, "ids is required")
			return
		}
		res, err := cached(r.Context(), cc.markets, strings.Join(ids, ","), func(ctx context.Context) ([]model.MarketSummary, error) {
			return catalog.Markets(ctx, ids)
		})
		if err != nil {
			writeError(w, statusFor(w, err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, toMarketRows(res))
	})

	// REST: project announcements, for ?id= or the selected instrument
	mux.HandleFunc("/api/updates", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		id := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("id")))
		if id == "" {
			id = m.State().InstrumentID
		}
		if id == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}
		res, err := cached(r.Context(), cc.updates, id, func(ctx context.Context) ([]model.StatusUpdate, error) {
			return catalog.StatusUpdates(ctx, id)
		})
		if err != nil {
			writeError(w, statusFor(w, err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	// REST: process and fan-out statistics
	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		s := CollectStats(processStart)
		s.WSClients = hub.ClientCount()
		s.LatencyP50, s.LatencyP95, s.LatencyP99 = hub.Latency.Percentiles()
		writeJSON(w, http.StatusOK, s)
	})

	// Health endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")
		st := m.State()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"instrument":  st.InstrumentID,
			"live_status": st.LiveStatus,
			"ws_clients":  hub.ClientCount(),
			"uptime_sec":  int64(time.Since(processStart).Seconds()),
			"ts":          time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
