// Package indicator computes technical indicators over ascending price data.
//
// Indicators come in two forms: incremental types implementing Indicator,
// fed one price at a time, and series functions (SMA, EMA, RSI, MACD) that
// return a Series parallel-indexed with their input.
package indicator

import (
	"fmt"
	"math"
	"strings"
)

// Indicator is the interface for all incremental indicators.
type Indicator interface {
	// Name returns the indicator name (e.g., "SMA", "EMA").
	Name() string

	// Update feeds the next price and recalculates.
	Update(price float64)

	// Value returns the current calculated value. Returns 0 if not enough data.
	Value() float64

	// Ready returns true when enough data has been accumulated.
	Ready() bool

	// Peek computes what Value() would be if price were added next,
	// WITHOUT mutating internal state.
	Peek(price float64) float64
}

// Variant selects between the two formula conventions the engine supports.
type Variant int

const (
	// Classic seeds EMA with the first price (no warm-up gap) and treats a
	// zero average loss as RS = avgGain / 1.
	Classic Variant = iota
	// Textbook seeds EMA with an SMA over the first period prices and
	// reports RSI = 100 when the average loss is zero.
	Textbook
)

func (v Variant) String() string {
	if v == Textbook {
		return "textbook"
	}
	return "classic"
}

// ParseVariant accepts "classic" or "textbook"; empty means classic.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "classic":
		return Classic, nil
	case "textbook":
		return Textbook, nil
	}
	return Classic, fmt.Errorf("unknown indicator variant %q", s)
}

// Series holds one value per input price. NaN marks an index that does not
// have enough history for the indicator to be defined.
type Series []float64

// Defined reports whether index i holds a value.
func (s Series) Defined(i int) bool {
	return i >= 0 && i < len(s) && !math.IsNaN(s[i])
}

// At returns a pointer to a copy of the value at i, or nil when undefined.
func (s Series) At(i int) *float64 {
	if !s.Defined(i) {
		return nil
	}
	v := s[i]
	return &v
}

func undefined(n int) Series {
	s := make(Series, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

// run feeds prices through ind and records Value() wherever it is Ready.
func run(ind Indicator, prices []float64) Series {
	out := undefined(len(prices))
	for i, p := range prices {
		ind.Update(p)
		if ind.Ready() {
			out[i] = ind.Value()
		}
	}
	return out
}
