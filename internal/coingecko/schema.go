package coingecko

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"coinpulse/internal/model"
)

// ErrSchema is wrapped by every ParseError.
var ErrSchema = errors.New("response does not match schema")

// ParseError reports an upstream body that could not be decoded into the
// expected shape. It is not retried.
type ParseError struct {
	Endpoint string
	Field    string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("coingecko %s: field %s: %v", e.Endpoint, e.Field, e.Err)
	}
	return fmt.Sprintf("coingecko %s: %v", e.Endpoint, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func schemaErr(endpoint, field, msg string) *ParseError {
	return &ParseError{Endpoint: endpoint, Field: field, Err: fmt.Errorf("%w: %s", ErrSchema, msg)}
}

// ── /coins/{id} ──────────────────────────────────────────────

type coinResponse struct {
	ID            string `json:"id"`
	Symbol        string `json:"symbol"`
	Name          string `json:"name"`
	MarketCapRank int    `json:"market_cap_rank"`
	Image         struct {
		Thumb string `json:"thumb"`
		Small string `json:"small"`
		Large string `json:"large"`
	} `json:"image"`
	MarketData *struct {
		CurrentPrice      map[string]float64 `json:"current_price"`
		PriceChangePct24h float64            `json:"price_change_percentage_24h"`
		MarketCap         map[string]float64 `json:"market_cap"`
		TotalVolume       map[string]float64 `json:"total_volume"`
		High24h           map[string]float64 `json:"high_24h"`
		Low24h            map[string]float64 `json:"low_24h"`
		CirculatingSupply float64            `json:"circulating_supply"`
		TotalSupply       *float64           `json:"total_supply"`
		Sparkline7d       struct {
			Price []float64 `json:"price"`
		} `json:"sparkline_7d"`
	} `json:"market_data"`
	LastUpdated string `json:"last_updated"`
}

func (r *coinResponse) toSnapshot() (model.InstrumentSnapshot, error) {
	const ep = "coins"
	if r.ID == "" {
		return model.InstrumentSnapshot{}, schemaErr(ep, "id", "missing")
	}
	if r.Symbol == "" {
		return model.InstrumentSnapshot{}, schemaErr(ep, "symbol", "missing")
	}
	if r.MarketData == nil {
		return model.InstrumentSnapshot{}, schemaErr(ep, "market_data", "missing")
	}
	md := r.MarketData
	if _, ok := md.CurrentPrice[model.QuoteCurrency]; !ok {
		return model.InstrumentSnapshot{}, schemaErr(ep, "market_data.current_price.usd", "missing")
	}

	image := r.Image.Large
	if image == "" {
		image = r.Image.Small
	}
	snap := model.InstrumentSnapshot{
		ID:                r.ID,
		Symbol:            r.Symbol,
		Name:              r.Name,
		Image:             image,
		MarketCapRank:     r.MarketCapRank,
		CurrentPrice:      md.CurrentPrice,
		PriceChangePct24h: md.PriceChangePct24h,
		MarketCap:         md.MarketCap,
		TotalVolume:       md.TotalVolume,
		High24h:           md.High24h,
		Low24h:            md.Low24h,
		CirculatingSupply: md.CirculatingSupply,
		TotalSupply:       md.TotalSupply,
		Sparkline7d:       md.Sparkline7d.Price,
	}
	if r.LastUpdated != "" {
		ts, err := time.Parse(time.RFC3339, r.LastUpdated)
		if err != nil {
			return model.InstrumentSnapshot{}, &ParseError{Endpoint: ep, Field: "last_updated", Err: err}
		}
		snap.LastUpdated = ts.UTC()
	}
	return snap, nil
}

// ── /coins/{id}/market_chart ─────────────────────────────────

// pair is [epoch_ms, value]; nil elements are JSON nulls.
type pair []*float64

type chartResponse struct {
	Prices       []pair `json:"prices"`
	MarketCaps   []pair `json:"market_caps"`
	TotalVolumes []pair `json:"total_volumes"`
}

func (p pair) valid() bool {
	return len(p) == 2 && p[0] != nil && p[1] != nil
}

// valueAt returns series[i][1] or 0 when absent.
func valueAt(series []pair, i int) float64 {
	if i < len(series) && series[i].valid() {
		return *series[i][1]
	}
	return 0
}

func (r *chartResponse) toSeries() ([]model.TimeSeriesPoint, error) {
	const ep = "market_chart"
	if r.Prices == nil {
		return nil, schemaErr(ep, "prices", "missing")
	}

	out := make([]model.TimeSeriesPoint, 0, len(r.Prices))
	for i, p := range r.Prices {
		if !p.valid() {
			return nil, schemaErr(ep, fmt.Sprintf("prices[%d]", i), "want [timestamp, price]")
		}
		out = append(out, model.TimeSeriesPoint{
			Timestamp: int64(*p[0]),
			Price:     *p[1],
			Volume:    valueAt(r.TotalVolumes, i),
			MarketCap: valueAt(r.MarketCaps, i),
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// ── /search and /search/trending ─────────────────────────────

type searchCoin struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Symbol        string `json:"symbol"`
	Thumb         string `json:"thumb"`
	Large         string `json:"large"`
	MarketCapRank int    `json:"market_cap_rank"`
}

func (c searchCoin) toResult() model.SearchResult {
	return model.SearchResult{
		ID:            c.ID,
		Name:          c.Name,
		Symbol:        c.Symbol,
		Thumb:         c.Thumb,
		MarketCapRank: c.MarketCapRank,
	}
}

type searchResponse struct {
	Coins []searchCoin `json:"coins"`
}

type trendingResponse struct {
	Coins []struct {
		Item *searchCoin `json:"item"`
	} `json:"coins"`
}

// ── /global ──────────────────────────────────────────────────

type globalResponse struct {
	Data *struct {
		ActiveCryptocurrencies int                `json:"active_cryptocurrencies"`
		Markets                int                `json:"markets"`
		TotalMarketCap         map[string]float64 `json:"total_market_cap"`
		TotalVolume            map[string]float64 `json:"total_volume"`
		MarketCapPercentage    map[string]float64 `json:"market_cap_percentage"`
		MarketCapChangePct24h  float64            `json:"market_cap_change_percentage_24h_usd"`
		UpdatedAt              int64              `json:"updated_at"`
	} `json:"data"`
}

// ── /coins/markets ───────────────────────────────────────────

type marketRow struct {
	ID                string   `json:"id"`
	Symbol            string   `json:"symbol"`
	Name              string   `json:"name"`
	Image             string   `json:"image"`
	CurrentPrice      *float64 `json:"current_price"`
	MarketCap         float64  `json:"market_cap"`
	TotalVolume       float64  `json:"total_volume"`
	PriceChangePct24h float64  `json:"price_change_percentage_24h"`
	Sparkline         struct {
		Price []float64 `json:"price"`
	} `json:"sparkline_in_7d"`
}

// ── /coins/{id}/status_updates ───────────────────────────────

type statusResponse struct {
	StatusUpdates []struct {
		Description string `json:"description"`
		Category    string `json:"category"`
		CreatedAt   string `json:"created_at"`
		User        string `json:"user"`
		Project     struct {
			Name string `json:"name"`
		} `json:"project"`
	} `json:"status_updates"`
}
