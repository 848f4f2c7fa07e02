// Package redis is the shared cache tier: a byte store over go-redis,
// guarded by a circuit breaker so an unreachable server costs nothing
// beyond a fast ErrCircuitOpen.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Config configures the Redis cache store.
type Config struct {
	Addr         string // e.g. "localhost:6379"
	Password     string
	DB           int
	KeyPrefix    string        // default "coinpulse:cache:"
	MaxFailures  int           // breaker threshold, default 5
	ResetTimeout time.Duration // breaker cool-down, default 10s
}

// Store implements cache.Remote on top of Redis.
type Store struct {
	client  *goredis.Client
	breaker *CircuitBreaker
	prefix  string
}

// New connects to Redis and pings it.
func New(cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	slog.Info("[redis] connected", "addr", cfg.Addr)
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client, cfg Config) *Store {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "coinpulse:cache:"
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 10 * time.Second
	}
	return &Store{
		client:  client,
		breaker: NewCircuitBreaker(cfg.MaxFailures, cfg.ResetTimeout),
		prefix:  cfg.KeyPrefix,
	}
}

// Breaker exposes the circuit breaker for state hooks and health checks.
func (s *Store) Breaker() *CircuitBreaker { return s.breaker }

func (s *Store) key(k string) string { return s.prefix + k }

// Get returns (nil, false, nil) on a miss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var val []byte
	found := false
	err := s.breaker.Execute(func() error {
		b, err := s.client.Get(ctx, s.key(key)).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = b, true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, found, nil
}

// Set stores value with the given expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.breaker.Execute(func() error {
		return s.client.Set(ctx, s.key(key), value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.breaker.Execute(func() error {
		return s.client.Del(ctx, s.key(key)).Err()
	})
	if err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Ping checks connectivity for health reporting. It bypasses the breaker.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
