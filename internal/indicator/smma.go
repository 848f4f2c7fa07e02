package indicator

// SMMA is Wilder's smoothed moving average: an SMA(period) seed, then an
// exponential average with weight 1/period, i.e.
// next = (prev*(period-1) + price) / period. RSI smooths gains and losses
// with it.
type SMMA struct {
	RollingEMA
}

// NewSMMA creates a Wilder average over period prices.
func NewSMMA(period int) *SMMA {
	e := newEMA(period, Textbook)
	e.multiplier = 1 / float64(period)
	return &SMMA{RollingEMA: *e}
}

func (s *SMMA) Name() string { return "SMMA" }
