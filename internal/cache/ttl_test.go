package cache

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func TestCache_VisibleUntilTTL(t *testing.T) {
	clk := newClock()
	c := New[string, int](DefaultTTL, WithClock(clk.Now))

	c.Set("bitcoin|30", 42)

	clk.Advance(DefaultTTL - time.Millisecond)
	if v, ok := c.Get("bitcoin|30"); !ok || v != 42 {
		t.Fatalf("Get at TTL-1ms = %v,%v, want 42,true", v, ok)
	}

	clk.Advance(2 * time.Millisecond)
	if _, ok := c.Get("bitcoin|30"); ok {
		t.Fatal("Get at TTL+1ms should miss")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not evicted on read, Len=%d", c.Len())
	}
}

func TestCache_ExactlyTTLIsExpired(t *testing.T) {
	clk := newClock()
	c := New[string, int](time.Minute, WithClock(clk.Now))
	c.Set("k", 1)
	clk.Advance(time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Error("entry aged exactly TTL should be expired")
	}
}

func TestCache_LazyExpiry(t *testing.T) {
	clk := newClock()
	c := New[string, int](time.Minute, WithClock(clk.Now))
	c.Set("a", 1)
	c.Set("b", 2)

	clk.Advance(2 * time.Minute)
	if c.Len() != 2 {
		t.Fatalf("entries swept without a read, Len=%d", c.Len())
	}
	c.Get("a")
	if c.Len() != 1 {
		t.Errorf("Len after reading one expired entry = %d, want 1", c.Len())
	}
}

func TestCache_SetReplacesAndRestartsTTL(t *testing.T) {
	clk := newClock()
	c := New[string, string](time.Minute, WithClock(clk.Now))

	c.Set("k", "old")
	clk.Advance(50 * time.Second)
	c.Set("k", "new")
	clk.Advance(50 * time.Second)

	if v, ok := c.Get("k"); !ok || v != "new" {
		t.Errorf("Get = %q,%v, want new,true", v, ok)
	}
}

func TestCache_SetAtBackdates(t *testing.T) {
	clk := newClock()
	c := New[string, int](time.Minute, WithClock(clk.Now))

	c.SetAt("k", 7, clk.Now().Add(-59*time.Second))
	if _, ok := c.Get("k"); !ok {
		t.Fatal("backdated entry within TTL should hit")
	}
	clk.Advance(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Error("backdated entry should expire relative to its insertion time")
	}
}

func TestCache_DeleteAndClear(t *testing.T) {
	c := New[int, int](0)
	if c.TTL() != DefaultTTL {
		t.Errorf("TTL = %v, want default %v", c.TTL(), DefaultTTL)
	}
	c.Set(1, 1)
	c.Set(2, 2)
	c.Delete(1)
	if _, ok := c.Get(1); ok {
		t.Error("deleted key still visible")
	}
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len after Clear = %d", c.Len())
	}
}
