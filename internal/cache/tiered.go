package cache

import (
	"context"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
)

// Remote is a shared byte store that can back the in-process cache,
// typically Redis. A miss is (nil, false, nil).
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// envelope is the remote encoding. InsertedAt travels with the value so a
// promoted entry expires when the original would have.
type envelope[V any] struct {
	InsertedAt time.Time `json:"inserted_at"`
	Value      V         `json:"value"`
}

// Tiered is an in-process Cache in front of an optional Remote. Remote
// failures are logged and otherwise ignored; the memory tier keeps working.
type Tiered[V any] struct {
	local  *Cache[string, V]
	remote Remote
	now    func() time.Time

	// OnHit and OnMiss observe lookups; tier is "memory" or "remote".
	OnHit  func(tier string)
	OnMiss func()
}

// NewTiered creates a tiered cache. remote may be nil.
func NewTiered[V any](ttl time.Duration, remote Remote, opts ...Option) *Tiered[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Tiered[V]{
		local:  New[string, V](ttl, opts...),
		remote: remote,
		now:    o.now,
	}
}

// Get checks memory first, then the remote store.
func (t *Tiered[V]) Get(ctx context.Context, key string) (V, bool) {
	if v, ok := t.local.Get(key); ok {
		t.hit("memory")
		return v, true
	}

	var zero V
	if t.remote == nil {
		t.miss()
		return zero, false
	}

	raw, ok, err := t.remote.Get(ctx, key)
	if err != nil {
		slog.Warn("[cache] remote get failed", "key", key, "error", err)
		t.miss()
		return zero, false
	}
	if !ok {
		t.miss()
		return zero, false
	}

	var env envelope[V]
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Warn("[cache] dropping undecodable remote entry", "key", key, "error", err)
		_ = t.remote.Delete(ctx, key)
		t.miss()
		return zero, false
	}
	if t.now().Sub(env.InsertedAt) >= t.local.TTL() {
		t.miss()
		return zero, false
	}

	t.local.SetAt(key, env.Value, env.InsertedAt)
	t.hit("remote")
	return env.Value, true
}

// Set writes to memory and, best effort, to the remote store.
func (t *Tiered[V]) Set(ctx context.Context, key string, value V) {
	now := t.now()
	t.local.SetAt(key, value, now)
	if t.remote == nil {
		return
	}

	raw, err := json.Marshal(envelope[V]{InsertedAt: now, Value: value})
	if err != nil {
		slog.Warn("[cache] encode failed", "key", key, "error", err)
		return
	}
	if err := t.remote.Set(ctx, key, raw, t.local.TTL()); err != nil {
		slog.Warn("[cache] remote set failed", "key", key, "error", err)
	}
}

// Delete invalidates key in both tiers.
func (t *Tiered[V]) Delete(ctx context.Context, key string) {
	t.local.Delete(key)
	if t.remote != nil {
		if err := t.remote.Delete(ctx, key); err != nil {
			slog.Warn("[cache] remote delete failed", "key", key, "error", err)
		}
	}
}

func (t *Tiered[V]) hit(tier string) {
	if t.OnHit != nil {
		t.OnHit(tier)
	}
}

func (t *Tiered[V]) miss() {
	if t.OnMiss != nil {
		t.OnMiss()
	}
}
