package interp

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/priceoracle/internal/oracle"
	"github.com/sawpanic/priceoracle/internal/store"
)

const (
	// maxGap is the straddle width past which time confidence reaches zero.
	maxGap = 7 * 24 * time.Hour

	// maxChange is the relative price move past which stability confidence
	// reaches zero.
	maxChange = 0.50
)

// Engine derives prices between known store points by linear interpolation.
type Engine struct {
	store store.PriceStore
}

func NewEngine(s store.PriceStore) *Engine {
	return &Engine{store: s}
}

// Interpolate produces a price for targetTS from the straddling pair in the
// store. Returns nil when either side is absent or the pair is degenerate.
func (e *Engine) Interpolate(ctx context.Context, token, network string, targetTS int64) (*oracle.PricePoint, error) {
	before, after, err := e.store.GetStraddling(ctx, token, network, targetTS)
	if err != nil {
		return nil, err
	}
	return Between(before, after, targetTS), nil
}

// BatchInterpolate resolves many timestamps with coalesced store reads: one
// range query covering the batch plus the straddling neighbors of its edges.
// Per-timestamp semantics are identical to Interpolate. The returned slice is
// aligned with timestamps; unresolvable entries are nil.
func (e *Engine) BatchInterpolate(ctx context.Context, token, network string, timestamps []int64) ([]*oracle.PricePoint, error) {
	results := make([]*oracle.PricePoint, len(timestamps))
	if len(timestamps) == 0 {
		return results, nil
	}

	minTS, maxTS := timestamps[0], timestamps[0]
	for _, ts := range timestamps[1:] {
		if ts < minTS {
			minTS = ts
		}
		if ts > maxTS {
			maxTS = ts
		}
	}

	known, err := e.store.GetRange(ctx, token, network, minTS, maxTS)
	if err != nil {
		return results, err
	}

	// Neighbors outside the batch window anchor interpolation at the edges.
	lo, _, err := e.store.GetStraddling(ctx, token, network, minTS)
	if err != nil {
		return results, err
	}
	_, hi, err := e.store.GetStraddling(ctx, token, network, maxTS)
	if err != nil {
		return results, err
	}
	if lo != nil {
		known = append(known, *lo)
	}
	if hi != nil {
		known = append(known, *hi)
	}

	sorted := Dedupe(known)
	for i, ts := range timestamps {
		before, after := StraddleSorted(sorted, ts)
		results[i] = Between(before, after, ts)
	}

	log.Debug().
		Str("token", token).
		Str("network", network).
		Int("requested", len(timestamps)).
		Int("known_points", len(sorted)).
		Msg("batch interpolation complete")

	return results, nil
}

// Between linearly interpolates targetTS between two known points and scores
// the result. Returns nil when either side is missing or both share the same
// timestamp.
func Between(before, after *oracle.PricePoint, targetTS int64) *oracle.PricePoint {
	if before == nil || after == nil {
		return nil
	}
	if before.UnixTS == after.UnixTS {
		return nil
	}

	ratio := float64(targetTS-before.UnixTS) / float64(after.UnixTS-before.UnixTS)
	price := oracle.Round2(before.Price + (after.Price-before.Price)*ratio)

	ts := time.Unix(targetTS, 0).UTC()
	return &oracle.PricePoint{
		Token:      before.Token,
		Network:    before.Network,
		UnixTS:     targetTS,
		ISODate:    ts.Format(time.RFC3339),
		Price:      price,
		Source:     oracle.SourceInterpolated,
		Confidence: Confidence(before, after, targetTS),
	}
}

// Confidence scores an interpolation in [0, 1] from the straddle width, the
// relative price move across it, and the target's position within it.
func Confidence(before, after *oracle.PricePoint, targetTS int64) float64 {
	gap := float64(after.UnixTS - before.UnixTS)
	timeConf := math.Max(0, 1-gap/maxGap.Seconds())

	var stabilityConf float64
	switch {
	case before.Price > 0:
		relChange := math.Abs(after.Price-before.Price) / before.Price
		stabilityConf = math.Max(0, 1-relChange/maxChange)
	case after.Price == 0:
		stabilityConf = 1
	}

	dBefore := float64(targetTS - before.UnixTS)
	dAfter := float64(after.UnixTS - targetTS)
	positionConf := 0.0
	if m := math.Max(dBefore, dAfter); m > 0 {
		positionConf = math.Min(dBefore, dAfter) / m
	}

	conf := 0.4*timeConf + 0.4*stabilityConf + 0.2*positionConf
	return math.Min(1, math.Max(0, conf))
}

// StraddleSorted finds the straddling pair for ts in an ascending slice.
func StraddleSorted(points []oracle.PricePoint, ts int64) (before, after *oracle.PricePoint) {
	// First point with unix_ts >= ts.
	i := sort.Search(len(points), func(i int) bool { return points[i].UnixTS >= ts })
	if i < len(points) {
		after = &points[i]
	}
	if i < len(points) && points[i].UnixTS == ts {
		before = &points[i]
		return before, after
	}
	if i > 0 {
		before = &points[i-1]
	}
	return before, after
}

// Dedupe sorts points ascending and drops duplicate timestamps, keeping the
// first occurrence.
func Dedupe(points []oracle.PricePoint) []oracle.PricePoint {
	sorted := make([]oracle.PricePoint, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].UnixTS < sorted[j].UnixTS })

	out := sorted[:0]
	var lastTS int64
	for i, p := range sorted {
		if i > 0 && p.UnixTS == lastTS {
			continue
		}
		out = append(out, p)
		lastTS = p.UnixTS
	}
	return out
}
