package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/priceoracle/internal/metrics"
	"github.com/sawpanic/priceoracle/internal/oracle"
)

// Entry is the serialized payload stored under a price fingerprint.
type Entry struct {
	Price     float64       `json:"price"`
	Source    oracle.Source `json:"source"`
	Timestamp string        `json:"timestamp"`
	CachedAt  string        `json:"cached_at"`
}

// Cache is the ephemeral lookup layer. Callers treat it as a pure
// optimization: Get returns (nil, false) on miss or unavailability, Set is
// best-effort and never fails the caller.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration)
	Healthy(ctx context.Context) bool
}

// Redis backs the cache with a shared go-redis client. A nil client is a
// valid degraded configuration: every Get misses, every Set is a no-op.
type Redis struct {
	client    *redis.Client
	opTimeout time.Duration
	metrics   *metrics.Registry
}

// NewRedis wraps an existing client. opTimeout bounds every cache operation;
// zero falls back to 500ms, and a timed-out read counts as a miss.
func NewRedis(client *redis.Client, opTimeout time.Duration, m *metrics.Registry) *Redis {
	if opTimeout <= 0 {
		opTimeout = 500 * time.Millisecond
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Redis{client: client, opTimeout: opTimeout, metrics: m}
}

func (r *Redis) Get(ctx context.Context, key string) (*Entry, bool) {
	if r.client == nil {
		r.metrics.CacheMisses.Inc()
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	raw, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		r.metrics.CacheMisses.Inc()
		return nil, false
	}
	if err != nil {
		r.metrics.CacheErrors.Inc()
		log.Debug().Err(err).Str("key", key).Msg("cache get failed, treating as miss")
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		r.metrics.CacheErrors.Inc()
		log.Warn().Err(err).Str("key", key).Msg("cache entry corrupt, treating as miss")
		return nil, false
	}

	r.metrics.CacheHits.Inc()
	return &entry, true
}

func (r *Redis) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) {
	if r.client == nil {
		return
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		r.metrics.CacheErrors.Inc()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		r.metrics.CacheErrors.Inc()
		log.Debug().Err(err).Str("key", key).Msg("cache set failed")
	}
}

// Healthy pings the backend within the operation timeout.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r.client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	return r.client.Ping(ctx).Err() == nil
}
