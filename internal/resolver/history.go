package resolver

import (
	"context"
	"time"

	"github.com/sawpanic/priceoracle/internal/oracle"
)

// History returns stored points for [from, to] downsampled to one point per
// interval bucket (the earliest in each bucket). interval must be one of the
// closed set in oracle.HistoryIntervals.
func (r *Resolver) History(ctx context.Context, token, network, from, to, interval string) ([]oracle.PricePoint, error) {
	token = oracle.NormalizeToken(token)
	network = oracle.NormalizeNetwork(network)

	if err := oracle.ValidateToken(token); err != nil {
		return nil, err
	}
	if err := oracle.ValidateNetwork(network); err != nil {
		return nil, err
	}

	step, ok := oracle.HistoryIntervals[interval]
	if !ok {
		return nil, oracle.NewInvalidInput("interval", "must be one of 1m, 5m, 15m, 30m, 1h, 4h, 1d")
	}

	now := r.now().UTC()
	fromTS, err := oracle.ParseTimestamp(from, now)
	if err != nil {
		return nil, err
	}
	toTS, err := oracle.ParseTimestamp(to, now)
	if err != nil {
		return nil, err
	}
	if toTS.Before(fromTS) {
		return nil, oracle.NewInvalidInput("timestamp", "range end precedes range start")
	}

	points, err := r.store.GetRange(ctx, token, network, fromTS.Unix(), toTS.Unix())
	if err != nil {
		return nil, err
	}

	return downsample(points, step), nil
}

// downsample keeps the first point in each interval bucket. Input is assumed
// ascending, which GetRange guarantees.
func downsample(points []oracle.PricePoint, step time.Duration) []oracle.PricePoint {
	if len(points) == 0 {
		return nil
	}

	stepSec := int64(step / time.Second)
	var out []oracle.PricePoint
	lastBucket := int64(-1)
	for _, p := range points {
		bucket := p.UnixTS / stepSec
		if bucket != lastBucket {
			out = append(out, p)
			lastBucket = bucket
		}
	}
	return out
}
