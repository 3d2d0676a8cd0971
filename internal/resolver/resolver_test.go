package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/priceoracle/internal/cache"
	"github.com/sawpanic/priceoracle/internal/interp"
	"github.com/sawpanic/priceoracle/internal/metrics"
	"github.com/sawpanic/priceoracle/internal/oracle"
)

// memCache is an in-memory cache.Cache for pipeline tests.
type memCache struct {
	mu      sync.Mutex
	entries map[string]cache.Entry
	down    bool
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]cache.Entry)}
}

func (m *memCache) Get(_ context.Context, key string) (*cache.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, false
	}
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return &e, true
}

func (m *memCache) Set(_ context.Context, key string, entry cache.Entry, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return
	}
	m.entries[key] = entry
}

func (m *memCache) Healthy(context.Context) bool { return !m.down }

// memStore is an in-memory store.PriceStore enforcing the uniqueness key.
type memStore struct {
	mu     sync.Mutex
	points map[string]oracle.PricePoint
	down   bool
}

func newMemStore() *memStore {
	return &memStore{points: make(map[string]oracle.PricePoint)}
}

func (m *memStore) key(token, network string, ts int64) string {
	return fmt.Sprintf("%s|%s|%d", token, network, ts)
}

func (m *memStore) GetByExact(_ context.Context, token, network string, ts int64) (*oracle.PricePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, nil
	}
	if p, ok := m.points[m.key(token, network, ts)]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *memStore) sorted(token, network string) []oracle.PricePoint {
	var out []oracle.PricePoint
	for _, p := range m.points {
		if p.Token == token && p.Network == network {
			out = append(out, p)
		}
	}
	return interp.Dedupe(out)
}

func (m *memStore) GetStraddling(_ context.Context, token, network string, ts int64) (*oracle.PricePoint, *oracle.PricePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, nil, nil
	}
	b, a := interp.StraddleSorted(m.sorted(token, network), ts)
	return b, a, nil
}

func (m *memStore) GetRange(_ context.Context, token, network string, from, to int64) ([]oracle.PricePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, nil
	}
	var out []oracle.PricePoint
	for _, p := range m.sorted(token, network) {
		if p.UnixTS >= from && p.UnixTS <= to {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) Insert(_ context.Context, p oracle.PricePoint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, oracle.ErrUnavailable
	}
	k := m.key(p.Token, p.Network, p.UnixTS)
	if _, exists := m.points[k]; exists {
		return false, nil
	}
	m.points[k] = p
	return true, nil
}

func (m *memStore) InsertMany(ctx context.Context, ps []oracle.PricePoint) (int, error) {
	if m.down {
		return 0, oracle.ErrUnavailable
	}
	n := 0
	for _, p := range ps {
		if ok, _ := m.Insert(ctx, p); ok {
			n++
		}
	}
	return n, nil
}

func (m *memStore) Healthy(context.Context) bool { return !m.down }

// fakeUpstream returns a scripted price, no-data, or transient error.
type fakeUpstream struct {
	price     float64
	noData    bool
	transient bool
	calls     int
}

func (f *fakeUpstream) FetchSpotPrice(_ context.Context, token, network string, at time.Time) (*oracle.PricePoint, error) {
	f.calls++
	if f.transient {
		return nil, fmt.Errorf("%w: stubbed outage", oracle.ErrTransient)
	}
	if f.noData {
		return nil, nil
	}
	ts := at.UTC()
	return &oracle.PricePoint{
		Token:      token,
		Network:    network,
		UnixTS:     ts.Unix(),
		ISODate:    ts.Format(time.RFC3339),
		Price:      f.price,
		Source:     oracle.SourceUpstream,
		Confidence: 1.0,
	}, nil
}

func newTestResolver(c *memCache, s *memStore, u *fakeUpstream) *Resolver {
	r := New(c, s, u, interp.NewEngine(s), time.Hour, nil)
	r.now = func() time.Time { return time.Date(2024, 6, 16, 0, 0, 0, 0, time.UTC) }
	return r
}

func TestResolveCacheHit(t *testing.T) {
	c := newMemCache()
	s := newMemStore()
	u := &fakeUpstream{price: 9999}

	c.entries["price:eth:ethereum:2024-01-01T00:00:00Z"] = cache.Entry{
		Price:     2300.5,
		Source:    oracle.SourceUpstream,
		Timestamp: "2024-01-01T00:00:00Z",
		CachedAt:  "2024-01-01T00:00:05Z",
	}

	r := newTestResolver(c, s, u)
	got, err := r.Resolve(context.Background(), "ETH", "ethereum", "2024-01-01T00:00:00Z")
	require.NoError(t, err)

	assert.Equal(t, 2300.5, got.Price)
	assert.Equal(t, oracle.SourceCache, got.Source, "cache hits always report source=cache")
	assert.Equal(t, 0, u.calls, "no upstream call on cache hit")
}

func TestResolveUpstreamThenPersist(t *testing.T) {
	c := newMemCache()
	s := newMemStore()
	u := &fakeUpstream{price: 3275.10}

	r := newTestResolver(c, s, u)
	got, err := r.Resolve(context.Background(), "BTC", "ethereum", "2024-06-15T12:00:00Z")
	require.NoError(t, err)

	assert.Equal(t, 3275.10, got.Price)
	assert.Equal(t, oracle.SourceUpstream, got.Source)

	// Write-through persisted the point.
	at := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	p, err := s.GetByExact(context.Background(), "BTC", "ethereum", at.Unix())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 3275.10, p.Price)
	assert.Equal(t, 1.0, p.Confidence, "upstream points carry confidence 1.0")
}

func TestResolveStoreHitThenCacheHit(t *testing.T) {
	c := newMemCache()
	s := newMemStore()
	u := &fakeUpstream{price: 1111}

	at := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	_, err := s.Insert(context.Background(), oracle.PricePoint{
		Token: "ETH", Network: "ethereum", UnixTS: at.Unix(),
		ISODate: at.Format(time.RFC3339), Price: 2500,
		Source: oracle.SourceUpstream, Confidence: 1.0,
	})
	require.NoError(t, err)

	r := newTestResolver(c, s, u)

	first, err := r.Resolve(context.Background(), "ETH", "ethereum", "2024-06-15T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, oracle.SourceUpstream, first.Source, "store hit keeps the stored source")
	assert.Equal(t, 0, u.calls)

	second, err := r.Resolve(context.Background(), "ETH", "ethereum", "2024-06-15T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, oracle.SourceCache, second.Source, "second resolve is served from cache")
	assert.Equal(t, 2500.0, second.Price)
}

func TestResolveInterpolationMidGap(t *testing.T) {
	c := newMemCache()
	s := newMemStore()
	u := &fakeUpstream{noData: true}

	jan1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jan3 := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	s.Insert(ctx, oracle.PricePoint{Token: "ETH", Network: "ethereum", UnixTS: jan1.Unix(), Price: 2000, Source: oracle.SourceUpstream, Confidence: 1})
	s.Insert(ctx, oracle.PricePoint{Token: "ETH", Network: "ethereum", UnixTS: jan3.Unix(), Price: 2200, Source: oracle.SourceUpstream, Confidence: 1})

	r := newTestResolver(c, s, u)
	got, err := r.Resolve(ctx, "ETH", "ethereum", "2024-01-02T00:00:00Z")
	require.NoError(t, err)

	assert.Equal(t, 2100.0, got.Price)
	assert.Equal(t, oracle.SourceInterpolated, got.Source)

	// The interpolated point is persisted with its confidence.
	jan2 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	p, _ := s.GetByExact(ctx, "ETH", "ethereum", jan2.Unix())
	require.NotNil(t, p)
	assert.Equal(t, oracle.SourceInterpolated, p.Source)
	assert.Greater(t, p.Confidence, 0.0)
	assert.LessOrEqual(t, p.Confidence, 1.0)
}

func TestResolveTransientUpstreamFallsBackToInterpolation(t *testing.T) {
	c := newMemCache()
	s := newMemStore()
	u := &fakeUpstream{transient: true}

	ctx := context.Background()
	day := int64(86400)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	s.Insert(ctx, oracle.PricePoint{Token: "ETH", Network: "ethereum", UnixTS: base, Price: 100, Source: oracle.SourceUpstream, Confidence: 1})
	s.Insert(ctx, oracle.PricePoint{Token: "ETH", Network: "ethereum", UnixTS: base + 2*day, Price: 300, Source: oracle.SourceUpstream, Confidence: 1})

	r := newTestResolver(c, s, u)
	got, err := r.Resolve(ctx, "ETH", "ethereum", "2024-01-02T00:00:00Z")
	require.NoError(t, err, "transient upstream errors must not surface")
	assert.Equal(t, 200.0, got.Price)
	assert.Equal(t, oracle.SourceInterpolated, got.Source)
}

func TestResolveDegradedStore(t *testing.T) {
	c := newMemCache()
	s := newMemStore()
	s.down = true
	u := &fakeUpstream{price: 99.00}

	r := newTestResolver(c, s, u)
	got, err := r.Resolve(context.Background(), "ETH", "ethereum", "2024-06-15T12:00:00Z")
	require.NoError(t, err, "store-write failures must not surface")

	assert.Equal(t, 99.00, got.Price)
	assert.Equal(t, oracle.SourceUpstream, got.Source)
}

func TestResolveNotFound(t *testing.T) {
	r := newTestResolver(newMemCache(), newMemStore(), &fakeUpstream{noData: true})

	_, err := r.Resolve(context.Background(), "ETH", "ethereum", "2024-06-15T12:00:00Z")
	assert.True(t, errors.Is(err, oracle.ErrNotFound))
}

func TestResolveNotFoundCountsMiss(t *testing.T) {
	s := newMemStore()
	m := metrics.NewNop()
	r := New(newMemCache(), s, &fakeUpstream{noData: true}, interp.NewEngine(s), time.Hour, m)

	_, err := r.Resolve(context.Background(), "ETH", "ethereum", "2024-06-15T12:00:00Z")
	require.True(t, errors.Is(err, oracle.ErrNotFound))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResolveTotal.WithLabelValues("miss")))
}

func TestResolveValidation(t *testing.T) {
	u := &fakeUpstream{price: 1}
	r := newTestResolver(newMemCache(), newMemStore(), u)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "E", "ethereum", "")
	assert.True(t, oracle.IsInvalidInput(err))

	_, err = r.Resolve(ctx, "ETH", "solana", "")
	assert.True(t, oracle.IsInvalidInput(err))

	_, err = r.Resolve(ctx, "ETH", "ethereum", "2030-01-01T00:00:00Z")
	assert.True(t, oracle.IsInvalidInput(err))

	assert.Equal(t, 0, u.calls, "validation failures never reach upstream")
}

func TestResolveDefaultsToNow(t *testing.T) {
	u := &fakeUpstream{price: 42}
	r := newTestResolver(newMemCache(), newMemStore(), u)

	got, err := r.Resolve(context.Background(), "ETH", "ethereum", "")
	require.NoError(t, err)
	assert.Equal(t, "2024-06-16T00:00:00Z", got.Timestamp)
}

func TestHistoryDownsampling(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 48; i++ {
		s.Insert(ctx, oracle.PricePoint{
			Token: "ETH", Network: "ethereum",
			UnixTS: base.Add(time.Duration(i) * time.Hour).Unix(),
			Price:  float64(2000 + i), Source: oracle.SourceUpstream, Confidence: 1,
		})
	}

	r := newTestResolver(newMemCache(), s, &fakeUpstream{noData: true})

	points, err := r.History(ctx, "ETH", "ethereum",
		"2024-01-01T00:00:00Z", "2024-01-02T23:00:00Z", "1d")
	require.NoError(t, err)
	assert.Len(t, points, 2, "48 hourly points downsample to 2 daily points")

	points, err = r.History(ctx, "ETH", "ethereum",
		"2024-01-01T00:00:00Z", "2024-01-01T23:00:00Z", "4h")
	require.NoError(t, err)
	assert.Len(t, points, 6)

	_, err = r.History(ctx, "ETH", "ethereum", "2024-01-01", "2024-01-02", "7m")
	assert.True(t, oracle.IsInvalidInput(err))
}
