package indicator

// Standard MACD periods.
const (
	MACDFast   = 12
	MACDSlow   = 26
	MACDSignal = 9
)

// MACDResult holds the three MACD series, each parallel-indexed with the
// input prices.
type MACDResult struct {
	Line      Series
	Signal    Series
	Histogram Series
}

// MACD returns the Classic 12/26/9 MACD of prices.
func MACD(prices []float64) MACDResult {
	return Classic.MACD(prices, MACDFast, MACDSlow, MACDSignal)
}

// MACD returns line = EMA(fast) - EMA(slow), signal = EMA(signal) of the
// line and histogram = line - signal, under variant v.
func (v Variant) MACD(prices []float64, fast, slow, signal int) MACDResult {
	fastEMA := v.EMA(prices, fast)
	slowEMA := v.EMA(prices, slow)

	line := undefined(len(prices))
	for i := range prices {
		if fastEMA.Defined(i) && slowEMA.Defined(i) {
			line[i] = fastEMA[i] - slowEMA[i]
		}
	}

	sig := v.emaOfDefined(line, signal)
	hist := undefined(len(prices))
	for i := range prices {
		if line.Defined(i) && sig.Defined(i) {
			hist[i] = line[i] - sig[i]
		}
	}
	return MACDResult{Line: line, Signal: sig, Histogram: hist}
}
