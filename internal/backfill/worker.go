package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/priceoracle/internal/interp"
	"github.com/sawpanic/priceoracle/internal/metrics"
	"github.com/sawpanic/priceoracle/internal/oracle"
	"github.com/sawpanic/priceoracle/internal/queue"
	"github.com/sawpanic/priceoracle/internal/store"
	"github.com/sawpanic/priceoracle/internal/upstream"
)

const (
	// genesisFallback bounds a backfill when the provider has no creation
	// date for the token.
	genesisFallback = 365 * 24 * time.Hour

	// maxResultErrors caps the error strings carried in a BackfillResult.
	maxResultErrors = 10

	day = 24 * time.Hour
)

// ProgressReporter receives percentage checkpoints during a run. Queue jobs
// satisfy it; tests substitute recorders.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, pct int)
}

// Worker fills the historical daily price series for one (token, network).
// Runs are idempotent: every write lands on the store's uniqueness key, so a
// retried or repeated job re-inserts nothing.
type Worker struct {
	upstream upstream.Adapter
	genesis  upstream.GenesisSource
	store    store.PriceStore
	metrics  *metrics.Registry
	now      func() time.Time

	// Inter-batch pause as rate-limit courtesy toward the provider.
	batchDelay time.Duration
}

// NewWorker builds a backfill worker. genesis may be nil, in which case start
// dates always fall back to one year before now.
func NewWorker(adapter upstream.Adapter, genesis upstream.GenesisSource, s store.PriceStore, m *metrics.Registry) *Worker {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Worker{
		upstream:   adapter,
		genesis:    genesis,
		store:      s,
		metrics:    m,
		now:        time.Now,
		batchDelay: 100 * time.Millisecond,
	}
}

// Handler adapts the worker to the queue's processing contract.
func (w *Worker) Handler() queue.Handler {
	return func(ctx context.Context, job *queue.ActiveJob) (interface{}, error) {
		return w.Execute(ctx, job.Payload, job)
	}
}

// Execute runs one backfill job end to end:
// creation-date detection, daily grid generation, diff against the store,
// batched upstream fetch, gap interpolation, and bulk persist. Progress is
// reported at fixed checkpoints (10/20/30/40, linear to 80 across fetch
// batches, 90, 100). Timestamps are processed in ascending order.
func (w *Worker) Execute(ctx context.Context, job oracle.BackfillJob, progress ProgressReporter) (oracle.BackfillResult, error) {
	started := w.now()

	token := oracle.NormalizeToken(job.Token)
	network := oracle.NormalizeNetwork(job.Network)
	if err := oracle.ValidateToken(token); err != nil {
		return oracle.BackfillResult{}, err
	}
	if err := oracle.ValidateNetwork(network); err != nil {
		return oracle.BackfillResult{}, err
	}

	progress.ReportProgress(ctx, 10)
	startDay, err := w.resolveStart(ctx, token, network, job.StartDate)
	if err != nil {
		return oracle.BackfillResult{}, err
	}

	endDay, err := w.resolveEnd(job.EndDate)
	if err != nil {
		return oracle.BackfillResult{}, err
	}
	if startDay.After(endDay) {
		return oracle.BackfillResult{}, oracle.NewInvalidInput("start_date", "must not be after end_date")
	}

	progress.ReportProgress(ctx, 20)
	grid := dailyGrid(startDay, endDay)
	progress.ReportProgress(ctx, 30)

	existing, err := w.store.GetRange(ctx, token, network, grid[0], grid[len(grid)-1])
	if err != nil {
		return oracle.BackfillResult{}, fmt.Errorf("load existing range: %w", err)
	}

	have := make(map[string]bool, len(existing))
	for _, p := range existing {
		have[dateKey(p.UnixTS)] = true
	}
	var missing []int64
	for _, ts := range grid {
		if !have[dateKey(ts)] {
			missing = append(missing, ts)
		}
	}
	progress.ReportProgress(ctx, 40)

	log.Info().
		Str("token", token).
		Str("network", network).
		Str("start", startDay.Format("2006-01-02")).
		Str("end", endDay.Format("2006-01-02")).
		Int("grid", len(grid)).
		Int("missing", len(missing)).
		Str("request_id", job.RequestID).
		Msg("backfill run started")

	fetched, errStrings, fetchErr := w.fetchBatches(ctx, token, network, missing, progress)

	result := oracle.BackfillResult{
		TimeRange: oracle.TimeRange{
			Start: startDay.Format(time.RFC3339),
			End:   endDay.Format(time.RFC3339),
		},
	}

	if fetchErr != nil {
		// Cancelled at a batch boundary. Persist what was fetched on a
		// fresh context so the retry picks up where this attempt stopped.
		if len(fetched) > 0 {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if n, perr := w.store.InsertMany(flushCtx, fetched); perr == nil {
				w.metrics.BackfillPersisted.Add(float64(n))
			}
		}
		return oracle.BackfillResult{}, fetchErr
	}

	// Interpolate the dates neither the store nor the provider covered,
	// anchored on the union of both.
	fetchedKeys := make(map[string]bool, len(fetched))
	for _, p := range fetched {
		fetchedKeys[dateKey(p.UnixTS)] = true
	}
	known := interp.Dedupe(append(append([]oracle.PricePoint{}, existing...), fetched...))

	var filled []oracle.PricePoint
	for _, ts := range missing {
		if fetchedKeys[dateKey(ts)] {
			continue
		}
		before, after := interp.StraddleSorted(known, ts)
		if p := interp.Between(before, after, ts); p != nil {
			p.Token = token
			p.Network = network
			filled = append(filled, *p)
		}
	}
	progress.ReportProgress(ctx, 90)

	toInsert := interp.Dedupe(append(fetched, filled...))
	inserted, err := w.store.InsertMany(ctx, toInsert)
	if err != nil {
		return oracle.BackfillResult{}, fmt.Errorf("persist backfill: %w", err)
	}
	w.metrics.BackfillPersisted.Add(float64(inserted))
	progress.ReportProgress(ctx, 100)

	if len(errStrings) > maxResultErrors {
		errStrings = errStrings[:maxResultErrors]
	}
	result.PricesProcessed = inserted
	result.DurationMS = w.now().Sub(started).Milliseconds()
	result.Errors = errStrings

	log.Info().
		Str("token", token).
		Str("network", network).
		Int("fetched", len(fetched)).
		Int("interpolated", len(filled)).
		Int("persisted", inserted).
		Int("errors", len(errStrings)).
		Int64("duration_ms", result.DurationMS).
		Msg("backfill run complete")

	return result, nil
}

// resolveStart picks the first day of the grid: the job's explicit start
// date, else the provider's genesis date, else one year before now.
func (w *Worker) resolveStart(ctx context.Context, token, network, startDate string) (time.Time, error) {
	if startDate != "" {
		ts, err := oracle.ParseTimestamp(startDate, w.now())
		if err != nil {
			return time.Time{}, err
		}
		return midnight(ts), nil
	}

	if w.genesis != nil {
		gd, err := w.genesis.GenesisDate(ctx, token, network)
		if err == nil && !gd.IsZero() {
			return midnight(gd), nil
		}
		log.Warn().
			Err(err).
			Str("token", token).
			Str("network", network).
			Msg("creation date unavailable, backfilling the last year only")
	}

	return midnight(w.now().Add(-genesisFallback)), nil
}

func (w *Worker) resolveEnd(endDate string) (time.Time, error) {
	ts, err := oracle.ParseTimestamp(endDate, w.now())
	if err != nil {
		return time.Time{}, err
	}
	return midnight(ts), nil
}

// fetchBatches pulls the missing timestamps from the provider in batches of
// clamp(10, ceil(total/10), 100), reporting progress linearly from 40 to 80.
// Cancellation is honored at batch boundaries only.
func (w *Worker) fetchBatches(ctx context.Context, token, network string, missing []int64, progress ProgressReporter) ([]oracle.PricePoint, []string, error) {
	if len(missing) == 0 {
		progress.ReportProgress(ctx, 80)
		return nil, nil, nil
	}

	batchSize := (len(missing) + 9) / 10
	if batchSize < 10 {
		batchSize = 10
	}
	if batchSize > 100 {
		batchSize = 100
	}
	totalBatches := (len(missing) + batchSize - 1) / batchSize

	var (
		fetched    []oracle.PricePoint
		errStrings []string
	)
	for b := 0; b < totalBatches; b++ {
		if err := ctx.Err(); err != nil {
			log.Info().
				Str("token", token).
				Int("batches_done", b).
				Msg("backfill cancelled at batch boundary")
			return fetched, errStrings, err
		}

		lo := b * batchSize
		hi := lo + batchSize
		if hi > len(missing) {
			hi = len(missing)
		}

		for _, ts := range missing[lo:hi] {
			point, err := w.upstream.FetchSpotPrice(ctx, token, network, time.Unix(ts, 0).UTC())
			if err != nil {
				errStrings = append(errStrings, fmt.Sprintf("%s: %v", dateKey(ts), err))
				continue
			}
			if point == nil {
				// No data for that day; interpolation covers it later.
				continue
			}
			point.UnixTS = ts
			point.ISODate = time.Unix(ts, 0).UTC().Format(time.RFC3339)
			fetched = append(fetched, *point)
		}

		progress.ReportProgress(ctx, 40+(b+1)*40/totalBatches)

		if b < totalBatches-1 && w.batchDelay > 0 {
			select {
			case <-time.After(w.batchDelay):
			case <-ctx.Done():
			}
		}
	}

	return fetched, errStrings, nil
}

// dailyGrid returns the UTC-midnight timestamps from start to end inclusive.
func dailyGrid(start, end time.Time) []int64 {
	n := int(end.Sub(start)/day) + 1
	grid := make([]int64, 0, n)
	for d := start; !d.After(end); d = d.Add(day) {
		grid = append(grid, d.Unix())
	}
	return grid
}

func midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func dateKey(unixTS int64) string {
	return time.Unix(unixTS, 0).UTC().Format("2006-01-02")
}
