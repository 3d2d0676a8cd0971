package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/priceoracle/internal/cache"
	"github.com/sawpanic/priceoracle/internal/interp"
	"github.com/sawpanic/priceoracle/internal/metrics"
	"github.com/sawpanic/priceoracle/internal/oracle"
	"github.com/sawpanic/priceoracle/internal/store"
	"github.com/sawpanic/priceoracle/internal/upstream"
)

// Resolver answers point price queries through the tiered pipeline:
// cache, exact store lookup, upstream fetch, interpolation. The first tier
// with an answer wins; upstream and interpolated answers are written through
// to the store and cache before returning.
type Resolver struct {
	cache    cache.Cache
	store    store.PriceStore
	upstream upstream.Adapter
	interp   *interp.Engine
	cacheTTL time.Duration
	metrics  *metrics.Registry
	now      func() time.Time
}

func New(c cache.Cache, s store.PriceStore, u upstream.Adapter, e *interp.Engine, cacheTTL time.Duration, m *metrics.Registry) *Resolver {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Resolver{
		cache:    c,
		store:    s,
		upstream: u,
		interp:   e,
		cacheTTL: cacheTTL,
		metrics:  m,
		now:      time.Now,
	}
}

// Resolve validates the request and walks the pipeline. timestamp may be
// empty (meaning now) or any ISO-8601 instant not in the future.
func (r *Resolver) Resolve(ctx context.Context, token, network, timestamp string) (*oracle.ResolvedPrice, error) {
	start := time.Now()

	token = oracle.NormalizeToken(token)
	network = oracle.NormalizeNetwork(network)

	if err := oracle.ValidateToken(token); err != nil {
		return nil, err
	}
	if err := oracle.ValidateNetwork(network); err != nil {
		return nil, err
	}
	at, err := oracle.ParseTimestamp(timestamp, r.now().UTC())
	if err != nil {
		return nil, err
	}
	at = at.Truncate(time.Second)

	resolved, err := r.resolve(ctx, token, network, at)
	if err != nil {
		if errors.Is(err, oracle.ErrNotFound) {
			r.metrics.ResolveTotal.WithLabelValues("miss").Inc()
		}
		return nil, err
	}

	r.metrics.ResolveTotal.WithLabelValues(string(resolved.Source)).Inc()
	r.metrics.ResolveDuration.WithLabelValues(string(resolved.Source)).Observe(time.Since(start).Seconds())
	return resolved, nil
}

func (r *Resolver) resolve(ctx context.Context, token, network string, at time.Time) (*oracle.ResolvedPrice, error) {
	iso := at.Format(time.RFC3339)
	key := oracle.Fingerprint(token, network, at)

	// 1. Cache probe. A hit is always reported as source=cache, whatever the
	// embedded source was when it was written.
	if entry, ok := r.cache.Get(ctx, key); ok {
		return &oracle.ResolvedPrice{
			Token:     token,
			Network:   network,
			Price:     entry.Price,
			Source:    oracle.SourceCache,
			Timestamp: entry.Timestamp,
		}, nil
	}

	// 2. Exact store lookup keeps the stored source.
	if point, err := r.store.GetByExact(ctx, token, network, at.Unix()); err == nil && point != nil {
		r.writeCache(ctx, key, point.Price, point.Source, iso)
		return &oracle.ResolvedPrice{
			Token:     token,
			Network:   network,
			Price:     point.Price,
			Source:    point.Source,
			Timestamp: iso,
		}, nil
	}

	// 3. Upstream fetch. Transient failures degrade to "no data" so the
	// pipeline can still answer from interpolation.
	point, err := r.upstream.FetchSpotPrice(ctx, token, network, at)
	if err != nil {
		log.Warn().Err(err).
			Str("token", token).
			Str("network", network).
			Msg("upstream fetch failed, continuing to interpolation")
		point = nil
	}
	if point != nil {
		r.writeThrough(ctx, *point)
		r.writeCache(ctx, key, point.Price, point.Source, iso)
		return &oracle.ResolvedPrice{
			Token:     token,
			Network:   network,
			Price:     point.Price,
			Source:    oracle.SourceUpstream,
			Timestamp: iso,
		}, nil
	}

	// 4. Interpolation between the straddling store points.
	point, err = r.interp.Interpolate(ctx, token, network, at.Unix())
	if err != nil {
		log.Warn().Err(err).Str("token", token).Msg("interpolation failed")
		point = nil
	}
	if point != nil {
		r.writeThrough(ctx, *point)
		r.writeCache(ctx, key, point.Price, point.Source, iso)
		return &oracle.ResolvedPrice{
			Token:     token,
			Network:   network,
			Price:     point.Price,
			Source:    oracle.SourceInterpolated,
			Timestamp: iso,
		}, nil
	}

	// 5. Exhaustion.
	return nil, oracle.ErrNotFound
}

// writeThrough persists a newly discovered point. Store failures are logged
// and dropped; they never block returning the resolved price.
func (r *Resolver) writeThrough(ctx context.Context, point oracle.PricePoint) {
	if _, err := r.store.Insert(ctx, point); err != nil {
		r.metrics.StoreWriteDrops.Inc()
		log.Warn().Err(err).
			Str("token", point.Token).
			Int64("unix_ts", point.UnixTS).
			Msg("write-through insert dropped")
	}
}

func (r *Resolver) writeCache(ctx context.Context, key string, price float64, source oracle.Source, iso string) {
	r.cache.Set(ctx, key, cache.Entry{
		Price:     price,
		Source:    source,
		Timestamp: iso,
		CachedAt:  r.now().UTC().Format(time.RFC3339),
	}, r.cacheTTL)
}
