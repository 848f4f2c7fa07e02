package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memRemote struct {
	mu      sync.Mutex
	data    map[string][]byte
	ttls    map[string]time.Duration
	failGet bool
}

func newMemRemote() *memRemote {
	return &memRemote{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memRemote) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, false, errors.New("connection refused")
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memRemote) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memRemote) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type payload struct {
	Name   string    `json:"name"`
	Prices []float64 `json:"prices"`
}

func TestTiered_PromotesFromRemoteWithOriginalAge(t *testing.T) {
	clk := newClock()
	remote := newMemRemote()
	ctx := context.Background()

	writer := NewTiered[payload](DefaultTTL, remote, WithClock(clk.Now))
	writer.Set(ctx, "bitcoin|30", payload{Name: "Bitcoin", Prices: []float64{1, 2}})
	if remote.ttls["bitcoin|30"] != DefaultTTL {
		t.Errorf("remote TTL = %v, want %v", remote.ttls["bitcoin|30"], DefaultTTL)
	}

	clk.Advance(90 * time.Second)

	var hits []string
	reader := NewTiered[payload](DefaultTTL, remote, WithClock(clk.Now))
	reader.OnHit = func(tier string) { hits = append(hits, tier) }

	got, ok := reader.Get(ctx, "bitcoin|30")
	if !ok || got.Name != "Bitcoin" || len(got.Prices) != 2 {
		t.Fatalf("Get = %+v,%v", got, ok)
	}
	if _, ok := reader.Get(ctx, "bitcoin|30"); !ok {
		t.Fatal("second read should hit memory")
	}
	if len(hits) != 2 || hits[0] != "remote" || hits[1] != "memory" {
		t.Errorf("hits = %v, want [remote memory]", hits)
	}

	// 90s + 31s > 2m: the promoted copy must expire with the original.
	clk.Advance(31 * time.Second)
	if _, ok := reader.local.Get("bitcoin|30"); ok {
		t.Error("promoted entry outlived the original insertion")
	}
}

func TestTiered_RemoteFailureDegradesToMiss(t *testing.T) {
	remote := newMemRemote()
	remote.failGet = true
	misses := 0

	c := NewTiered[int](DefaultTTL, remote)
	c.OnMiss = func() { misses++ }

	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatal("expected miss")
	}
	if misses != 1 {
		t.Errorf("misses = %d, want 1", misses)
	}

	c.Set(context.Background(), "k", 5)
	if v, ok := c.Get(context.Background(), "k"); !ok || v != 5 {
		t.Errorf("memory tier should still serve, got %v,%v", v, ok)
	}
}

func TestTiered_NilRemoteAndDelete(t *testing.T) {
	ctx := context.Background()
	c := NewTiered[string](time.Minute, nil)
	c.Set(ctx, "k", "v")
	c.Delete(ctx, "k")
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("deleted key still visible")
	}
}

func TestTiered_CorruptRemoteEntryIsDropped(t *testing.T) {
	remote := newMemRemote()
	remote.data["k"] = []byte("{not json")
	c := NewTiered[int](time.Minute, remote)

	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatal("corrupt entry should miss")
	}
	if _, exists := remote.data["k"]; exists {
		t.Error("corrupt entry should be removed from the remote store")
	}
}
