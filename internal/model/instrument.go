package model

import (
	"strings"
	"time"
)

// QuoteCurrency is the currency every price in the system is expressed in.
const QuoteCurrency = "usd"

// InstrumentSnapshot is the current summary of one crypto asset.
// Monetary maps are keyed by lowercase currency code ("usd").
type InstrumentSnapshot struct {
	ID                string             `json:"id"`
	Symbol            string             `json:"symbol"`
	Name              string             `json:"name"`
	Image             string             `json:"image,omitempty"`
	MarketCapRank     int                `json:"market_cap_rank,omitempty"`
	CurrentPrice      map[string]float64 `json:"current_price"`
	PriceChangePct24h float64            `json:"price_change_percentage_24h"`
	MarketCap         map[string]float64 `json:"market_cap"`
	TotalVolume       map[string]float64 `json:"total_volume"`
	High24h           map[string]float64 `json:"high_24h,omitempty"`
	Low24h            map[string]float64 `json:"low_24h,omitempty"`
	CirculatingSupply float64            `json:"circulating_supply,omitempty"`
	TotalSupply       *float64           `json:"total_supply,omitempty"`
	Sparkline7d       []float64          `json:"sparkline_7d,omitempty"`
	LastUpdated       time.Time          `json:"last_updated"`
}

// Price returns the current price in the quote currency.
func (s InstrumentSnapshot) Price() (float64, bool) {
	p, ok := s.CurrentPrice[QuoteCurrency]
	return p, ok
}

// StreamSymbol is the uppercase ticker used to key the live trade feed.
func (s InstrumentSnapshot) StreamSymbol() string {
	return strings.ToUpper(s.Symbol)
}

// SearchResult is one coin matched by search or listed as trending.
type SearchResult struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Symbol        string `json:"symbol"`
	Thumb         string `json:"thumb,omitempty"`
	MarketCapRank int    `json:"market_cap_rank,omitempty"`
}

// MarketSummary is one row of the multi-coin markets listing.
type MarketSummary struct {
	ID                string    `json:"id"`
	Symbol            string    `json:"symbol"`
	Name              string    `json:"name"`
	Image             string    `json:"image,omitempty"`
	CurrentPrice      float64   `json:"current_price"`
	MarketCap         float64   `json:"market_cap"`
	TotalVolume       float64   `json:"total_volume"`
	PriceChangePct24h float64   `json:"price_change_percentage_24h"`
	Sparkline7d       []float64 `json:"sparkline_7d,omitempty"`
}

// GlobalMarket aggregates the whole crypto market.
type GlobalMarket struct {
	ActiveCryptocurrencies int                `json:"active_cryptocurrencies"`
	Markets                int                `json:"markets"`
	TotalMarketCap         map[string]float64 `json:"total_market_cap"`
	TotalVolume            map[string]float64 `json:"total_volume"`
	MarketCapPercentage    map[string]float64 `json:"market_cap_percentage"`
	MarketCapChangePct24h  float64            `json:"market_cap_change_percentage_24h_usd"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// StatusUpdate is a project announcement published for a coin.
type StatusUpdate struct {
	Description string    `json:"description"`
	Category    string    `json:"category"`
	CreatedAt   time.Time `json:"created_at"`
	User        string    `json:"user,omitempty"`
	Project     string    `json:"project,omitempty"`
}
