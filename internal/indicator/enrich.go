package indicator

import (
	"fmt"
	"strings"

	"coinpulse/internal/model"
)

// Toggles selects which indicators an enrichment pass computes.
type Toggles struct {
	SMA  bool `json:"sma" yaml:"sma"`
	EMA  bool `json:"ema" yaml:"ema"`
	RSI  bool `json:"rsi" yaml:"rsi"`
	MACD bool `json:"macd" yaml:"macd"`
}

// ParseToggles parses a comma-separated list such as "sma,rsi".
func ParseToggles(s string) (Toggles, error) {
	var t Toggles
	for _, name := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "":
		case "sma":
			t.SMA = true
		case "ema":
			t.EMA = true
		case "rsi":
			t.RSI = true
		case "macd":
			t.MACD = true
		default:
			return Toggles{}, fmt.Errorf("unknown indicator %q", name)
		}
	}
	return t, nil
}

func (t Toggles) String() string {
	var names []string
	if t.SMA {
		names = append(names, "sma")
	}
	if t.EMA {
		names = append(names, "ema")
	}
	if t.RSI {
		names = append(names, "rsi")
	}
	if t.MACD {
		names = append(names, "macd")
	}
	return strings.Join(names, ",")
}

// Config holds indicator periods and the formula variant.
type Config struct {
	SMAPeriod  int     `yaml:"sma_period"`
	EMAPeriod  int     `yaml:"ema_period"`
	RSIPeriod  int     `yaml:"rsi_period"`
	MACDFast   int     `yaml:"macd_fast"`
	MACDSlow   int     `yaml:"macd_slow"`
	MACDSignal int     `yaml:"macd_signal"`
	Variant    Variant `yaml:"-"`
}

// DefaultConfig returns SMA(20), EMA(20), RSI(14) and MACD 12/26/9.
func DefaultConfig() Config {
	return Config{
		SMAPeriod:  20,
		EMAPeriod:  20,
		RSIPeriod:  14,
		MACDFast:   MACDFast,
		MACDSlow:   MACDSlow,
		MACDSignal: MACDSignal,
		Variant:    Classic,
	}
}

// Enrich returns a copy of points with the enabled indicators attached.
// A pass only ever sets fields, and only where the indicator is defined, so
// passes commute and repeating one changes nothing. points is not modified.
func Enrich(points []model.TimeSeriesPoint, t Toggles, cfg Config) []model.TimeSeriesPoint {
	out := make([]model.TimeSeriesPoint, len(points))
	copy(out, points)
	if len(out) == 0 {
		return out
	}
	prices := model.Prices(points)

	if t.SMA {
		s := SMA(prices, cfg.SMAPeriod)
		for i := range out {
			if v := s.At(i); v != nil {
				out[i].SMA = v
			}
		}
	}
	if t.EMA {
		s := cfg.Variant.EMA(prices, cfg.EMAPeriod)
		for i := range out {
			if v := s.At(i); v != nil {
				out[i].EMA = v
			}
		}
	}
	if t.RSI {
		s := cfg.Variant.RSI(prices, cfg.RSIPeriod)
		for i := range out {
			if v := s.At(i); v != nil {
				out[i].RSI = v
			}
		}
	}
	if t.MACD {
		m := cfg.Variant.MACD(prices, cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
		for i := range out {
			if v := m.Line.At(i); v != nil {
				out[i].MACD = v
			}
			if v := m.Signal.At(i); v != nil {
				out[i].Signal = v
			}
			if v := m.Histogram.At(i); v != nil {
				out[i].Histogram = v
			}
		}
	}
	return out
}
