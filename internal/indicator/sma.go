package indicator

// RollingSMA calculates Simple Moving Average over a rolling window.
// Uses a preallocated circular buffer for zero-allocation hot path.
type RollingSMA struct {
	period  int
	buf     []float64 // preallocated circular buffer
	idx     int       // current write position
	count   int       // total values received
	sum     float64
	current float64
}

// NewSMA creates a new SMA indicator with the given period.
func NewSMA(period int) *RollingSMA {
	return &RollingSMA{
		period: period,
		buf:    make([]float64, period),
	}
}

func (s *RollingSMA) Name() string { return "SMA" }

func (s *RollingSMA) Update(price float64) {
	if s.count >= s.period {
		// Subtract the oldest value being overwritten
		s.sum -= s.buf[s.idx]
	}

	s.buf[s.idx] = price
	s.sum += price
	s.idx = (s.idx + 1) % s.period
	s.count++

	if s.count >= s.period {
		s.current = s.sum / float64(s.period)
	}
}

func (s *RollingSMA) Value() float64 { return s.current }
func (s *RollingSMA) Ready() bool    { return s.count >= s.period }

func (s *RollingSMA) Peek(price float64) float64 {
	if s.count < s.period {
		return (s.sum + price) / float64(s.count+1)
	}
	return (s.sum - s.buf[s.idx] + price) / float64(s.period)
}

// Reset clears the SMA state for reuse.
func (s *RollingSMA) Reset() {
	s.idx = 0
	s.count = 0
	s.sum = 0
	s.current = 0
	for i := range s.buf {
		s.buf[i] = 0
	}
}

// SMA returns the simple moving average of prices. Index i is defined for
// i >= period-1 and equals the mean of prices[i-period+1..i].
func SMA(prices []float64, period int) Series {
	if period <= 0 {
		return undefined(len(prices))
	}
	return run(NewSMA(period), prices)
}
