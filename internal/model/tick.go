package model

import "time"

// Tick represents a single trade event from the Binance trade stream.
// Symbol is the base asset ("BTC"), already stripped of the USDT quote.
type Tick struct {
	Symbol  string    `json:"symbol"`
	Price   float64   `json:"price"`
	Qty     float64   `json:"qty"`
	TradeID int64     `json:"trade_id,omitempty"`
	TickTS  time.Time `json:"tick_ts"` // trade time, UTC
}
