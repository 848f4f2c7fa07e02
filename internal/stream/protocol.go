package stream

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"coinpulse/internal/model"
)

// DefaultURL is the Binance public raw-stream endpoint.
const DefaultURL = "wss://stream.binance.com:9443/ws"

// QuoteAsset is appended to every symbol to form the traded pair.
const QuoteAsset = "USDT"

// ControlMessage is a SUBSCRIBE or UNSUBSCRIBE request.
type ControlMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// StreamName maps "BTC" to "btcusdt@trade".
func StreamName(symbol string) string {
	return strings.ToLower(symbol) + strings.ToLower(QuoteAsset) + "@trade"
}

// SymbolFromStream maps "btcusdt@trade" back to "BTC".
func SymbolFromStream(name string) string {
	pair, _, _ := strings.Cut(name, "@")
	return SymbolFromPair(pair)
}

// SymbolFromPair maps "BTCUSDT" to "BTC".
func SymbolFromPair(pair string) string {
	return strings.TrimSuffix(strings.ToUpper(pair), QuoteAsset)
}

func streamNames(symbols []string) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = StreamName(s)
	}
	sort.Strings(out)
	return out
}

// ErrMalformed is wrapped by ParseTrade errors.
var ErrMalformed = errors.New("malformed trade frame")

// ParseTrade decodes a trade event, either bare or inside a combined-stream
// {"stream":..., "data":...} envelope. Frames that are valid JSON but not
// trade events (subscription acks, other event types) return ok=false and
// no error.
func ParseTrade(frame []byte) (tick model.Tick, ok bool, err error) {
	if !gjson.ValidBytes(frame) {
		return model.Tick{}, false, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	ev := gjson.ParseBytes(frame)
	if data := ev.Get("data"); data.IsObject() {
		ev = data
	}
	if ev.Get("e").String() != "trade" {
		return model.Tick{}, false, nil
	}

	pair := ev.Get("s").String()
	if pair == "" {
		return model.Tick{}, false, fmt.Errorf("%w: missing symbol", ErrMalformed)
	}
	price, err := decimal.NewFromString(ev.Get("p").String())
	if err != nil {
		return model.Tick{}, false, fmt.Errorf("%w: price: %v", ErrMalformed, err)
	}
	if !price.IsPositive() {
		return model.Tick{}, false, fmt.Errorf("%w: non-positive price %s", ErrMalformed, price)
	}
	qty := decimal.Zero
	if q := ev.Get("q"); q.Exists() {
		if qty, err = decimal.NewFromString(q.String()); err != nil {
			return model.Tick{}, false, fmt.Errorf("%w: quantity: %v", ErrMalformed, err)
		}
	}

	ts := ev.Get("T").Int()
	if ts == 0 {
		ts = ev.Get("E").Int()
	}

	return model.Tick{
		Symbol:  SymbolFromPair(pair),
		Price:   price.InexactFloat64(),
		Qty:     qty.InexactFloat64(),
		TradeID: ev.Get("t").Int(),
		TickTS:  time.UnixMilli(ts).UTC(),
	}, true, nil
}
