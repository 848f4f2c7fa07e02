package gateway

import (
	"coinpulse/internal/indicator"
	"coinpulse/internal/model"
)

// SelectRequest is the body of POST /api/select and the "select" WS command.
// Empty fields keep the current value.
type SelectRequest struct {
	Instrument string `json:"instrument"`
	Range      string `json:"range"`
}

// command is any message a WS client may send.
type command struct {
	Type       string             `json:"type"`
	ReqID      string             `json:"req_id,omitempty"`
	Ping       int64              `json:"ping"`
	Instrument string             `json:"instrument"`
	Range      string             `json:"range"`
	Indicators *indicator.Toggles `json:"indicators"`
}

// errorMsg is sent to a WS client whose command failed.
type errorMsg struct {
	Type  string `json:"type"`
	ReqID string `json:"req_id,omitempty"`
	Error string `json:"error"`
}

type pongMsg struct {
	Type     string `json:"type"`
	Ping     int64  `json:"ping"`
	ServerTS int64  `json:"server_ts"`
}

// MarketRow is a /api/markets row with display-formatted totals.
type MarketRow struct {
	model.MarketSummary
	MarketCapCompact   string `json:"market_cap_compact"`
	TotalVolumeCompact string `json:"total_volume_compact"`
}

func toMarketRows(in []model.MarketSummary) []MarketRow {
	out := make([]MarketRow, len(in))
	for i, m := range in {
		out[i] = MarketRow{
			MarketSummary:      m,
			MarketCapCompact:   model.FormatCompact(m.MarketCap),
			TotalVolumeCompact: model.FormatCompact(m.TotalVolume),
		}
	}
	return out
}
