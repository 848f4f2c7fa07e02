package market

import (
	"errors"
	"time"

	"coinpulse/internal/coingecko"
	"coinpulse/internal/fetch"
	"coinpulse/internal/indicator"
	"coinpulse/internal/model"
	"coinpulse/internal/stream"
)

// LiveStatus describes the live price feed as a consumer should see it.
type LiveStatus string

const (
	LiveIdle         LiveStatus = "idle"
	LiveConnecting   LiveStatus = "connecting"
	LiveOpen         LiveStatus = "live"
	LiveReconnecting LiveStatus = "reconnecting"
	LiveUnavailable  LiveStatus = "unavailable"
)

// liveStatus maps a stream state. following reports whether an instrument
// is currently subscribed; without one the feed is idle whatever the
// connection does, and with one an idle stream means reconnection gave up.
func liveStatus(s stream.State, following bool) LiveStatus {
	if !following {
		return LiveIdle
	}
	switch s {
	case stream.StateOpen:
		return LiveOpen
	case stream.StateConnecting:
		return LiveConnecting
	case stream.StateClosed:
		return LiveReconnecting
	}
	return LiveUnavailable
}

// State is the observable view of the selected instrument. Values handed
// out are never mutated afterwards; updates replace slices and pointers.
type State struct {
	InstrumentID  string                    `json:"instrument_id"`
	Range         model.Range               `json:"range"`
	Snapshot      *model.InstrumentSnapshot `json:"snapshot,omitempty"`
	Series        []model.TimeSeriesPoint   `json:"series"`
	LivePrice     *float64                  `json:"live_price,omitempty"`
	LiveChangePct *float64                  `json:"live_change_pct,omitempty"` // live price vs first point of the range
	LiveStatus    LiveStatus                `json:"live_status"`
	Loading       bool                      `json:"loading"`
	Error         string                    `json:"error,omitempty"`
	ErrorKind     string                    `json:"error_kind,omitempty"`
	Toggles       indicator.Toggles         `json:"toggles"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

// Entry is what gets cached per instrument and range: the raw,
// unenriched fetch result.
type Entry struct {
	Snapshot model.InstrumentSnapshot `json:"snapshot"`
	Series   []model.TimeSeriesPoint  `json:"series"`
}

// errorKind classifies a load failure for display.
func errorKind(err error) string {
	var fe *fetch.Error
	switch {
	case errors.Is(err, coingecko.ErrSchema):
		return "schema"
	case errors.As(err, &fe):
		return fe.Kind.String()
	case errors.Is(err, ErrNoInstrument):
		return "input"
	}
	return "internal"
}

func cacheKey(id string, r model.Range) string {
	return id + "|" + string(r)
}
