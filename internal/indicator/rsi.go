package indicator

// RollingRSI calculates the Relative Strength Index using Wilder's smoothing.
// The first value appears once period price changes have been seen, that
// is on the (period+1)th price.
type RollingRSI struct {
	period       int
	count        int
	prevClose    float64
	gains        *SMMA
	losses       *SMMA
	current      float64
	zeroLossFull bool // Textbook: avgLoss == 0 yields exactly 100
}

// NewRSI creates a Classic RSI with the given period (typically 14).
func NewRSI(period int) *RollingRSI {
	return newRSI(period, Classic)
}

// NewTextbookRSI creates an RSI that reports 100 whenever the average loss
// is zero.
func NewTextbookRSI(period int) *RollingRSI {
	return newRSI(period, Textbook)
}

func newRSI(period int, v Variant) *RollingRSI {
	return &RollingRSI{
		period:       period,
		gains:        NewSMMA(period),
		losses:       NewSMMA(period),
		zeroLossFull: v == Textbook,
	}
}

func (r *RollingRSI) Name() string { return "RSI" }

func (r *RollingRSI) Update(price float64) {
	r.count++

	if r.count == 1 {
		// First price: no delta yet
		r.prevClose = price
		return
	}

	gain, loss := split(price - r.prevClose)
	r.prevClose = price

	r.gains.Update(gain)
	r.losses.Update(loss)
	if r.gains.Ready() {
		r.current = r.index(r.gains.Value(), r.losses.Value())
	}
}

func (r *RollingRSI) Value() float64 { return r.current }
func (r *RollingRSI) Ready() bool    { return r.gains.Ready() }

func (r *RollingRSI) Peek(price float64) float64 {
	if !r.Ready() {
		return r.current
	}
	gain, loss := split(price - r.prevClose)
	return r.index(r.gains.Peek(gain), r.losses.Peek(loss))
}

func (r *RollingRSI) index(avgGain, avgLoss float64) float64 {
	var rs float64
	if avgLoss == 0 {
		if r.zeroLossFull {
			return 100.0
		}
		rs = avgGain / 1
	} else {
		rs = avgGain / avgLoss
	}
	return 100.0 - (100.0 / (1.0 + rs))
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

// RSI returns the Classic relative strength index of prices. Index i is
// defined for i >= period and reflects the changes up to prices[i].
func RSI(prices []float64, period int) Series {
	return Classic.RSI(prices, period)
}

// RSI returns the relative strength index of prices under variant v.
func (v Variant) RSI(prices []float64, period int) Series {
	if period <= 0 {
		return undefined(len(prices))
	}
	return run(newRSI(period, v), prices)
}
