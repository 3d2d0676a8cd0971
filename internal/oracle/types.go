package oracle

import (
	"math"
	"time"
)

// Source identifies where a resolved price came from.
type Source string

const (
	SourceCache        Source = "cache"
	SourceUpstream     Source = "upstream"
	SourceInterpolated Source = "interpolated"
)

// Networks is the closed set of supported network tags.
var Networks = map[string]bool{
	"ethereum": true,
	"polygon":  true,
	"arbitrum": true,
	"optimism": true,
	"base":     true,
}

// PricePoint is the atomic persisted price record. (token, network, unix_ts)
// is unique in the store; a second insert for the same key is a no-op.
type PricePoint struct {
	ID         int64     `db:"id" json:"-"`
	Token      string    `db:"token" json:"token"`
	Network    string    `db:"network" json:"network"`
	UnixTS     int64     `db:"unix_ts" json:"unix_ts"`
	ISODate    string    `db:"iso_date" json:"iso_date"`
	Price      float64   `db:"price" json:"price"`
	Source     Source    `db:"source" json:"source"`
	Confidence float64   `db:"confidence" json:"confidence"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Timestamp returns the point's time in UTC.
func (p PricePoint) Timestamp() time.Time {
	return time.Unix(p.UnixTS, 0).UTC()
}

// ResolvedPrice is the resolver's answer for a single (token, network, at).
type ResolvedPrice struct {
	Token     string  `json:"token"`
	Network   string  `json:"network"`
	Price     float64 `json:"price"`
	Source    Source  `json:"source"`
	Timestamp string  `json:"timestamp"`
}

// ScheduleRecord is a backfill definition owned by the registry. Interval is
// opaque metadata unless the periodic scheduler is enabled.
type ScheduleRecord struct {
	ID        string     `json:"id"`
	Token     string     `json:"token"`
	Network   string     `json:"network"`
	Interval  string     `json:"interval"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
}

// BackfillJob is one unit of work on the queue.
type BackfillJob struct {
	Token     string `json:"token"`
	Network   string `json:"network"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// BackfillResult summarizes a completed backfill run. Errors carries at most
// the first 10 per-timestamp failures.
type BackfillResult struct {
	PricesProcessed int       `json:"prices_processed"`
	TimeRange       TimeRange `json:"time_range"`
	DurationMS      int64     `json:"duration_ms"`
	Errors          []string  `json:"errors,omitempty"`
}

// TimeRange is an inclusive ISO-8601 interval.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// HistoryIntervals is the closed set of downsampling intervals for range
// queries.
var HistoryIntervals = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// Round2 rounds a USD price to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
