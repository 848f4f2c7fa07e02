package sim

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"coinpulse/internal/model"
	"coinpulse/internal/stream"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(map[string]float64{"BTC": 64000})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestStreamClientAgainstSimulator(t *testing.T) {
	srv, url := startServer(t)

	c := stream.New(stream.Config{URL: url, BaseDelay: 10 * time.Millisecond}, stream.WSDialer{})
	defer c.Disconnect()

	ticks := make(chan model.Tick, 8)
	h := c.Subscribe("BTC", func(tk model.Tick) { ticks <- tk })

	eventually(t, "subscription", func() bool {
		return fmt.Sprint(srv.Subscriptions()) == "[btcusdt@trade]"
	})

	srv.Emit("BTC", 64123.45)
	select {
	case tk := <-ticks:
		if tk.Symbol != "BTC" || tk.Price != 64123.45 {
			t.Errorf("tick = %+v", tk)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no tick received")
	}

	c.Unsubscribe("BTC", h)
	eventually(t, "unsubscribe", func() bool { return len(srv.Subscriptions()) == 0 })
}

func TestStreamClientResubscribesAfterDrop(t *testing.T) {
	srv, url := startServer(t)

	c := stream.New(stream.Config{URL: url, BaseDelay: 10 * time.Millisecond}, stream.WSDialer{})
	defer c.Disconnect()

	ticks := make(chan model.Tick, 8)
	c.Subscribe("ETH", func(tk model.Tick) { ticks <- tk })
	eventually(t, "subscription", func() bool { return len(srv.Subscriptions()) == 1 })

	srv.DropClients()
	eventually(t, "reconnect", func() bool {
		return c.State() == stream.StateOpen && c.Attempts() == 1 &&
			srv.Clients() == 1 && len(srv.Subscriptions()) == 1
	})

	srv.Emit("ETH", 3100)
	select {
	case tk := <-ticks:
		if tk.Price != 3100 {
			t.Errorf("tick = %+v", tk)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no tick after reconnect")
	}
}

func TestWalkOnlyMovesSubscribedSymbols(t *testing.T) {
	srv := NewServer(map[string]float64{"BTC": 64000, "ETH": 3000})
	if got := srv.walk(); len(got) != 0 {
		t.Errorf("walk with no clients = %v", got)
	}
}
