package model

// TimeSeriesPoint is one sample of an instrument's history. Timestamp is
// epoch milliseconds. Derived indicator fields are nil until an
// enrichment pass defines them for this index.
type TimeSeriesPoint struct {
	Timestamp int64   `json:"timestamp"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	MarketCap float64 `json:"market_cap"`

	SMA       *float64 `json:"sma,omitempty"`
	EMA       *float64 `json:"ema,omitempty"`
	RSI       *float64 `json:"rsi,omitempty"`
	MACD      *float64 `json:"macd,omitempty"`
	Signal    *float64 `json:"signal,omitempty"`
	Histogram *float64 `json:"histogram,omitempty"`
}

// Prices extracts the price column of a series.
func Prices(points []TimeSeriesPoint) []float64 {
	out := make([]float64, len(points))
	for i := range points {
		out[i] = points[i].Price
	}
	return out
}

// WithLastPrice returns a copy of points whose final element carries price.
// Every other field, including derived indicators, is left as it was.
// The input slice is not modified. An empty input is returned unchanged.
func WithLastPrice(points []TimeSeriesPoint, price float64) []TimeSeriesPoint {
	if len(points) == 0 {
		return points
	}
	out := make([]TimeSeriesPoint, len(points))
	copy(out, points)
	out[len(out)-1].Price = price
	return out
}

// StripDerived returns a copy of points with every indicator field cleared.
func StripDerived(points []TimeSeriesPoint) []TimeSeriesPoint {
	out := make([]TimeSeriesPoint, len(points))
	for i, p := range points {
		out[i] = TimeSeriesPoint{
			Timestamp: p.Timestamp,
			Price:     p.Price,
			Volume:    p.Volume,
			MarketCap: p.MarketCap,
		}
	}
	return out
}
