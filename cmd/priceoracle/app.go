package main

import (
	"context"
	"fmt"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/priceoracle/internal/backfill"
	"github.com/sawpanic/priceoracle/internal/cache"
	"github.com/sawpanic/priceoracle/internal/config"
	"github.com/sawpanic/priceoracle/internal/interp"
	"github.com/sawpanic/priceoracle/internal/metrics"
	"github.com/sawpanic/priceoracle/internal/queue"
	"github.com/sawpanic/priceoracle/internal/resolver"
	"github.com/sawpanic/priceoracle/internal/sched"
	"github.com/sawpanic/priceoracle/internal/store"
	"github.com/sawpanic/priceoracle/internal/upstream"
)

// app is the composition root. Every backend is optional; missing ones come
// up in degraded mode instead of failing startup.
type app struct {
	cfg      *config.Config
	metrics  *metrics.Registry
	store    *store.Postgres
	cache    cache.Cache
	queue    *queue.Queue
	upstream *upstream.CoinGecko
	resolver *resolver.Resolver
	registry *sched.Registry
	worker   *backfill.Worker
}

func buildApp(registerer prometheus.Registerer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	m := metrics.NewRegistry(registerer)

	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if st.Healthy(context.Background()) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := st.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate store: %w", err)
		}
	}

	c := cache.NewRedis(openCacheClient(cfg.Cache), cfg.Cache.OpTimeout, m)
	q := queue.New(openQueueClient(cfg.Queue), cfg.Queue.Name, cfg.Queue.Concurrency, m)

	gecko := upstream.NewCoinGecko(cfg.Upstream, m)
	engine := interp.NewEngine(st)

	return &app{
		cfg:      cfg,
		metrics:  m,
		store:    st,
		cache:    c,
		queue:    q,
		upstream: gecko,
		resolver: resolver.New(c, st, gecko, engine, cfg.Cache.TTL(), m),
		registry: sched.New(q),
		worker:   backfill.NewWorker(gecko, gecko, st, m),
	}, nil
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
}

// openCacheClient dials the cache backend, returning nil for degraded mode
// when the address is empty or the backend does not answer.
func openCacheClient(cfg config.CacheConfig) *redisv8.Client {
	if cfg.Addr == "" {
		log.Warn().Msg("cache address not configured, running without cache")
		return nil
	}

	client := redisv8.NewClient(&redisv8.Options{Addr: cfg.Addr, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Addr).Msg("cache backend unreachable, running without cache")
		client.Close()
		return nil
	}
	return client
}

func openQueueClient(cfg config.QueueConfig) *redisv9.Client {
	if cfg.Addr == "" {
		log.Warn().Msg("queue address not configured, running without queue")
		return nil
	}

	client := redisv9.NewClient(&redisv9.Options{Addr: cfg.Addr, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Addr).Msg("queue backend unreachable, running without queue")
		client.Close()
		return nil
	}
	return client
}
