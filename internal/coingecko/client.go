// Package coingecko reads market data from the CoinGecko public REST API.
// Every response is validated into model types before it leaves the
// package; a body of the wrong shape yields a *ParseError.
package coingecko

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"coinpulse/internal/fetch"
	"coinpulse/internal/model"
)

// DefaultBaseURL is the public v3 API root.
const DefaultBaseURL = "https://api.coingecko.com/api/v3"

// Client wraps a retrying fetch client with CoinGecko endpoints.
type Client struct {
	base   string
	apiKey string
	http   *fetch.Client
}

// New creates a Client. apiKey may be empty; when set it is sent as the
// demo-plan header.
func New(baseURL, apiKey string, fc *fetch.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		apiKey: apiKey,
		http:   fc,
	}
}

func (c *Client) get(ctx context.Context, endpoint, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	h := http.Header{"Accept": {"application/json"}}
	if c.apiKey != "" {
		h.Set("x-cg-demo-api-key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(ctx, fetch.Request{URL: u, Header: h})
	if err != nil {
		return fmt.Errorf("coingecko %s: %w", endpoint, err)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &ParseError{Endpoint: endpoint, Err: err}
	}
	slog.Debug("[coingecko] fetched", "endpoint", endpoint, "bytes", len(resp.Body), "elapsed", time.Since(start))
	return nil
}

// Coin returns the snapshot for id, including the 7-day sparkline.
func (c *Client) Coin(ctx context.Context, id string) (model.InstrumentSnapshot, error) {
	q := url.Values{
		"localization":   {"false"},
		"tickers":        {"false"},
		"market_data":    {"true"},
		"community_data": {"false"},
		"developer_data": {"false"},
		"sparkline":      {"true"},
	}
	var r coinResponse
	if err := c.get(ctx, "coins", "/coins/"+url.PathEscape(id), q, &r); err != nil {
		return model.InstrumentSnapshot{}, err
	}
	return r.toSnapshot()
}

// MarketChart returns USD price history for id over rng, ascending.
func (c *Client) MarketChart(ctx context.Context, id string, rng model.Range) ([]model.TimeSeriesPoint, error) {
	q := url.Values{
		"vs_currency": {model.QuoteCurrency},
		"days":        {rng.String()},
		"interval":    {rng.Interval()},
	}
	var r chartResponse
	if err := c.get(ctx, "market_chart", "/coins/"+url.PathEscape(id)+"/market_chart", q, &r); err != nil {
		return nil, err
	}
	return r.toSeries()
}

// Search matches coins by name or symbol.
func (c *Client) Search(ctx context.Context, query string) ([]model.SearchResult, error) {
	var r searchResponse
	if err := c.get(ctx, "search", "/search", url.Values{"query": {query}}, &r); err != nil {
		return nil, err
	}
	if r.Coins == nil {
		return nil, schemaErr("search", "coins", "missing")
	}
	out := make([]model.SearchResult, 0, len(r.Coins))
	for _, coin := range r.Coins {
		if coin.ID == "" {
			continue
		}
		out = append(out, coin.toResult())
	}
	return out, nil
}

// Trending returns the coins currently trending on CoinGecko.
func (c *Client) Trending(ctx context.Context) ([]model.SearchResult, error) {
	var r trendingResponse
	if err := c.get(ctx, "trending", "/search/trending", nil, &r); err != nil {
		return nil, err
	}
	if r.Coins == nil {
		return nil, schemaErr("trending", "coins", "missing")
	}
	out := make([]model.SearchResult, 0, len(r.Coins))
	for i, coin := range r.Coins {
		if coin.Item == nil || coin.Item.ID == "" {
			return nil, schemaErr("trending", fmt.Sprintf("coins[%d].item", i), "missing id")
		}
		out = append(out, coin.Item.toResult())
	}
	return out, nil
}

// Global returns whole-market aggregates.
func (c *Client) Global(ctx context.Context) (model.GlobalMarket, error) {
	var r globalResponse
	if err := c.get(ctx, "global", "/global", nil, &r); err != nil {
		return model.GlobalMarket{}, err
	}
	if r.Data == nil {
		return model.GlobalMarket{}, schemaErr("global", "data", "missing")
	}
	d := r.Data
	return model.GlobalMarket{
		ActiveCryptocurrencies: d.ActiveCryptocurrencies,
		Markets:                d.Markets,
		TotalMarketCap:         d.TotalMarketCap,
		TotalVolume:            d.TotalVolume,
		MarketCapPercentage:    d.MarketCapPercentage,
		MarketCapChangePct24h:  d.MarketCapChangePct24h,
		UpdatedAt:              time.Unix(d.UpdatedAt, 0).UTC(),
	}, nil
}

// Markets returns summary rows for ids, ordered by market cap.
func (c *Client) Markets(ctx context.Context, ids []string) ([]model.MarketSummary, error) {
	q := url.Values{
		"vs_currency":             {model.QuoteCurrency},
		"ids":                     {strings.Join(ids, ",")},
		"order":                   {"market_cap_desc"},
		"sparkline":               {"true"},
		"price_change_percentage": {"1h,24h,7d"},
	}
	var rows []marketRow
	if err := c.get(ctx, "markets", "/coins/markets", q, &rows); err != nil {
		return nil, err
	}
	out := make([]model.MarketSummary, 0, len(rows))
	for i, r := range rows {
		if r.ID == "" || r.CurrentPrice == nil {
			return nil, schemaErr("markets", fmt.Sprintf("[%d]", i), "missing id or current_price")
		}
		out = append(out, model.MarketSummary{
			ID:                r.ID,
			Symbol:            r.Symbol,
			Name:              r.Name,
			Image:             r.Image,
			CurrentPrice:      *r.CurrentPrice,
			MarketCap:         r.MarketCap,
			TotalVolume:       r.TotalVolume,
			PriceChangePct24h: r.PriceChangePct24h,
			Sparkline7d:       r.Sparkline.Price,
		})
	}
	return out, nil
}

// StatusUpdates returns recent project announcements for id.
func (c *Client) StatusUpdates(ctx context.Context, id string) ([]model.StatusUpdate, error) {
	var r statusResponse
	if err := c.get(ctx, "status_updates", "/coins/"+url.PathEscape(id)+"/status_updates", nil, &r); err != nil {
		return nil, err
	}
	out := make([]model.StatusUpdate, 0, len(r.StatusUpdates))
	for _, s := range r.StatusUpdates {
		u := model.StatusUpdate{
			Description: s.Description,
			Category:    s.Category,
			User:        s.User,
			Project:     s.Project.Name,
		}
		if ts, err := time.Parse(time.RFC3339, s.CreatedAt); err == nil {
			u.CreatedAt = ts.UTC()
		}
		out = append(out, u)
	}
	return out, nil
}
