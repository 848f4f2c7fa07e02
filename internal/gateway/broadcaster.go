package gateway

import (
	"log/slog"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"coinpulse/internal/market"
)

// Broadcaster constructs envelope JSON and sends it to every client.
type Broadcaster struct {
	hub *Hub
}

// NewBroadcaster creates a Broadcaster backed by the given Hub.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub}
}

// Envelope renders st as {"type":"state","data":...,"ts":"...","seq":N}.
// The envelope is hand-assembled around the marshalled state.
func (b *Broadcaster) Envelope(st market.State, now time.Time, seq int64) ([]byte, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(data)+96)
	buf = append(buf, `{"type":"state","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, '}')
	return buf, nil
}

// Broadcast sends st to all connected clients. A client whose queue is
// full misses this state.
func (b *Broadcaster) Broadcast(st market.State) {
	now := time.Now().UTC()

	if b.hub.Latency != nil && !st.UpdatedAt.IsZero() {
		b.hub.Latency.Observe(now.Sub(st.UpdatedAt))
	}

	b.hub.mu.Lock()
	b.hub.seq++
	seq := b.hub.seq
	b.hub.mu.Unlock()

	buf, err := b.Envelope(st, now, seq)
	if err != nil {
		slog.Error("[gateway] encode state", "error", err)
		return
	}

	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()
	sent := 0
	for client := range b.hub.clients {
		select {
		case client.send <- buf:
			sent++
		default:
		}
	}
	if b.hub.OnSent != nil {
		b.hub.OnSent(sent)
	}
}
