// Package cache provides the Redis backend of the key-value store, with a
// circuit breaker so a Redis outage fails fast instead of stalling requests.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"patapim-server/config"
	"patapim-server/internal/circuit"
	"patapim-server/internal/kvstore"
)

// RedisStore implements kvstore.Store, Conditional and Taker on Redis.
// When Redis is unavailable operations return errors immediately while the
// breaker is open; a background ping closes it again.
type RedisStore struct {
	client  redis.UniversalClient
	breaker *circuit.Breaker
	logger  zerolog.Logger

	scanCount int64
}

// ErrUnavailable is returned while the breaker is open
var ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")

// NewRedisStore connects to Redis. A failed initial ping is logged and the
// store starts in degraded mode rather than failing startup.
func NewRedisStore(cfg config.RedisConfig, logger zerolog.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	rs := newRedisStore(client, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		rs.logger.Warn().Err(err).Str("address", cfg.Address).Msg("Initial Redis connection failed")
		rs.breaker.RecordFailure()
		return rs
	}

	rs.logger.Info().Str("address", cfg.Address).Msg("Redis connected")
	return rs
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client redis.UniversalClient, logger zerolog.Logger) *RedisStore {
	return newRedisStore(client, logger)
}

func newRedisStore(client redis.UniversalClient, logger zerolog.Logger) *RedisStore {
	rs := &RedisStore{
		client:    client,
		breaker:   circuit.NewBreaker(circuit.Config{MaxFailures: 3, Cooldown: 30 * time.Second}),
		logger:    logger.With().Str("component", "RedisStore").Logger(),
		scanCount: 500,
	}
	rs.breaker.OnTrip(func(failures int) {
		rs.logger.Error().Int("failures", failures).Msg("Circuit breaker OPEN: Redis marked unhealthy")
	})
	rs.breaker.OnReset(func() {
		rs.logger.Info().Msg("Circuit breaker CLOSED: Redis recovered")
	})
	return rs
}

// IsHealthy returns whether Redis is currently considered available
func (rs *RedisStore) IsHealthy() bool {
	return rs.breaker.State() == circuit.StateClosed
}

// run executes op under the breaker. redis.Nil is a miss, not a failure.
func (rs *RedisStore) run(op func() error) error {
	if err := rs.breaker.Allow(); err != nil {
		return ErrUnavailable
	}
	err := op()
	if err != nil && !errors.Is(err, redis.Nil) {
		rs.breaker.RecordFailure()
		return err
	}
	rs.breaker.RecordSuccess()
	return err
}

func (rs *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := rs.run(func() error {
		v, err := rs.client.Get(ctx, key).Bytes()
		out = v
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, kvstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return out, nil
}

func (rs *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := rs.run(func() error { return rs.client.Set(ctx, key, value, ttl).Err() }); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	if err := rs.run(func() error { return rs.client.Del(ctx, key).Err() }); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// List scans every key under prefix, sorts them and returns the page after
// cursor. SCAN has no ordering so the whole prefix is walked per page; the
// listed namespaces (admin views, stats) are small.
func (rs *RedisStore) List(ctx context.Context, prefix, cursor string, limit int) (kvstore.ListResult, error) {
	if limit <= 0 {
		limit = kvstore.DefaultListLimit
	}

	var keys []string
	err := rs.run(func() error {
		iter := rs.client.Scan(ctx, 0, escapeGlob(prefix)+"*", rs.scanCount).Iterator()
		for iter.Next(ctx) {
			if k := iter.Val(); k > cursor {
				keys = append(keys, k)
			}
		}
		return iter.Err()
	})
	if err != nil {
		return kvstore.ListResult{}, fmt.Errorf("redis scan failed: %w", err)
	}

	sort.Strings(keys)
	keys = dedupe(keys)
	if len(keys) <= limit {
		return kvstore.ListResult{Keys: keys, Complete: true}, nil
	}
	keys = keys[:limit]
	return kvstore.ListResult{Keys: keys, Cursor: keys[len(keys)-1]}, nil
}

// PutIfAbsent uses SET NX
func (rs *RedisStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var written bool
	err := rs.run(func() error {
		ok, err := rs.client.SetNX(ctx, key, value, ttl).Result()
		written = ok
		return err
	})
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return written, nil
}

// Take uses GETDEL (Redis 6.2+)
func (rs *RedisStore) Take(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := rs.run(func() error {
		v, err := rs.client.GetDel(ctx, key).Bytes()
		out = v
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, kvstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis getdel failed: %w", err)
	}
	return out, nil
}

// Ping checks Redis connectivity and feeds the breaker
func (rs *RedisStore) Ping(ctx context.Context) error {
	if err := rs.client.Ping(ctx).Err(); err != nil {
		rs.breaker.RecordFailure()
		return err
	}
	rs.breaker.RecordSuccess()
	return nil
}

// Close closes the Redis connection
func (rs *RedisStore) Close() error {
	if rs.client != nil {
		return rs.client.Close()
	}
	return nil
}

func escapeGlob(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// SCAN may return a key more than once
func dedupe(sorted []string) []string {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, k := range sorted[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
