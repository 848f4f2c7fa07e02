package indicator

// RollingEMA calculates Exponential Moving Average.
// O(1) per update, no window storage needed.
type RollingEMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64
	seedSMA    bool
}

// NewEMA creates an EMA seeded with the first price it sees.
func NewEMA(period int) *RollingEMA {
	return newEMA(period, Classic)
}

// NewTextbookEMA creates an EMA seeded with SMA(period) of the first
// period prices; it is not Ready until then.
func NewTextbookEMA(period int) *RollingEMA {
	return newEMA(period, Textbook)
}

func newEMA(period int, v Variant) *RollingEMA {
	return &RollingEMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
		seedSMA:    v == Textbook,
	}
}

func (e *RollingEMA) Name() string { return "EMA" }

func (e *RollingEMA) Update(price float64) {
	e.count++

	if e.seedSMA {
		if e.count <= e.period {
			e.sum += price
			if e.count == e.period {
				e.current = e.sum / float64(e.period)
			}
			return
		}
	} else if e.count == 1 {
		e.current = price
		return
	}

	e.current = (price-e.current)*e.multiplier + e.current
}

func (e *RollingEMA) Value() float64 { return e.current }

func (e *RollingEMA) Ready() bool {
	if e.seedSMA {
		return e.count >= e.period
	}
	return e.count >= 1
}

func (e *RollingEMA) Peek(price float64) float64 {
	if !e.Ready() {
		return price
	}
	return (price-e.current)*e.multiplier + e.current
}

// Reset clears the EMA state for reuse.
func (e *RollingEMA) Reset() {
	e.current = 0
	e.count = 0
	e.sum = 0
}

// EMA returns the Classic exponential moving average of prices.
func EMA(prices []float64, period int) Series {
	return Classic.EMA(prices, period)
}

// EMA returns the exponential moving average of prices under variant v.
func (v Variant) EMA(prices []float64, period int) Series {
	if period <= 0 {
		return undefined(len(prices))
	}
	return run(newEMA(period, v), prices)
}

// emaOfDefined runs an EMA over the defined tail of values, starting at the
// first defined index. Used for signal lines computed over another series.
func (v Variant) emaOfDefined(values Series, period int) Series {
	out := undefined(len(values))
	start := -1
	for i := range values {
		if values.Defined(i) {
			start = i
			break
		}
	}
	if start < 0 || period <= 0 {
		return out
	}
	tail := v.EMA(values[start:], period)
	copy(out[start:], tail)
	return out
}
