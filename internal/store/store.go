package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq" // also registers the postgres driver
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/priceoracle/internal/config"
	"github.com/sawpanic/priceoracle/internal/oracle"
)

// PriceStore is the persistence contract for price points. Read methods
// return empty results without error when the backend is unreachable; the
// resolver and worker rely on that degraded-mode behavior.
type PriceStore interface {
	GetByExact(ctx context.Context, token, network string, unixTS int64) (*oracle.PricePoint, error)
	GetStraddling(ctx context.Context, token, network string, unixTS int64) (before, after *oracle.PricePoint, err error)
	GetRange(ctx context.Context, token, network string, fromTS, toTS int64) ([]oracle.PricePoint, error)
	Insert(ctx context.Context, point oracle.PricePoint) (inserted bool, err error)
	InsertMany(ctx context.Context, points []oracle.PricePoint) (int, error)
	Healthy(ctx context.Context) bool
}

// Postgres implements PriceStore on a sqlx connection pool. A nil db is a
// valid degraded configuration.
type Postgres struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to Postgres and configures the pool. An empty DSN returns a
// degraded store rather than an error, so the resolver can run store-less.
func Open(cfg config.StoreConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		log.Warn().Msg("store DSN not configured, running in degraded mode")
		return NewPostgres(nil, cfg.QueryTimeout), nil
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		log.Warn().Err(err).Msg("store unreachable, running in degraded mode")
		return NewPostgres(nil, cfg.QueryTimeout), nil
	}

	return NewPostgres(db, cfg.QueryTimeout), nil
}

// NewPostgres wraps an existing connection pool.
func NewPostgres(db *sqlx.DB, timeout time.Duration) *Postgres {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Postgres{db: db, timeout: timeout}
}

const selectColumns = `id, token, network, unix_ts, iso_date, price, source, confidence, created_at, updated_at`

// GetByExact performs a point lookup on the uniqueness key.
func (s *Postgres) GetByExact(ctx context.Context, token, network string, unixTS int64) (*oracle.PricePoint, error) {
	if s.db == nil {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT ` + selectColumns + `
		FROM prices
		WHERE token = $1 AND network = $2 AND unix_ts = $3`

	var point oracle.PricePoint
	err := s.db.GetContext(ctx, &point, query, token, network, unixTS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		log.Warn().Err(err).Str("token", token).Str("network", network).Msg("store point lookup failed")
		return nil, nil
	}

	return &point, nil
}

// GetStraddling returns the newest record at-or-before and the oldest record
// at-or-after unixTS. Both sides use the (token, network, unix_ts) index, so
// each lookup is a single index seek.
func (s *Postgres) GetStraddling(ctx context.Context, token, network string, unixTS int64) (*oracle.PricePoint, *oracle.PricePoint, error) {
	if s.db == nil {
		return nil, nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	beforeQuery := `
		SELECT ` + selectColumns + `
		FROM prices
		WHERE token = $1 AND network = $2 AND unix_ts <= $3
		ORDER BY unix_ts DESC
		LIMIT 1`

	afterQuery := `
		SELECT ` + selectColumns + `
		FROM prices
		WHERE token = $1 AND network = $2 AND unix_ts >= $3
		ORDER BY unix_ts ASC
		LIMIT 1`

	var before, after *oracle.PricePoint

	var b oracle.PricePoint
	err := s.db.GetContext(ctx, &b, beforeQuery, token, network, unixTS)
	switch err {
	case nil:
		before = &b
	case sql.ErrNoRows:
	default:
		log.Warn().Err(err).Str("token", token).Msg("store straddling lookup (before) failed")
		return nil, nil, nil
	}

	var a oracle.PricePoint
	err = s.db.GetContext(ctx, &a, afterQuery, token, network, unixTS)
	switch err {
	case nil:
		after = &a
	case sql.ErrNoRows:
	default:
		log.Warn().Err(err).Str("token", token).Msg("store straddling lookup (after) failed")
		return nil, nil, nil
	}

	return before, after, nil
}

// GetRange returns all records in [fromTS, toTS] ascending.
func (s *Postgres) GetRange(ctx context.Context, token, network string, fromTS, toTS int64) ([]oracle.PricePoint, error) {
	if s.db == nil {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT ` + selectColumns + `
		FROM prices
		WHERE token = $1 AND network = $2 AND unix_ts >= $3 AND unix_ts <= $4
		ORDER BY unix_ts ASC`

	var points []oracle.PricePoint
	if err := s.db.SelectContext(ctx, &points, query, token, network, fromTS, toTS); err != nil {
		log.Warn().Err(err).Str("token", token).Str("network", network).Msg("store range query failed")
		return nil, nil
	}

	return points, nil
}

// Insert persists one point. A conflict on the uniqueness key is a no-op and
// reported as inserted=false with a nil error.
func (s *Postgres) Insert(ctx context.Context, point oracle.PricePoint) (bool, error) {
	if s.db == nil {
		return false, oracle.ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO prices (token, network, unix_ts, iso_date, price, source, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (token, network, unix_ts) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		point.Token, point.Network, point.UnixTS, point.ISODate,
		point.Price, point.Source, point.Confidence)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Conflict surfaced despite DO NOTHING (e.g. partial index races).
			return false, nil
		}
		return false, fmt.Errorf("insert price: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert price: %w", err)
	}
	if n == 0 {
		log.Debug().
			Str("token", point.Token).
			Str("network", point.Network).
			Int64("unix_ts", point.UnixTS).
			Msg("duplicate price point skipped")
	}
	return n > 0, nil
}

// InsertMany bulk-inserts with per-row conflict tolerance and returns the
// number of rows actually written.
func (s *Postgres) InsertMany(ctx context.Context, points []oracle.PricePoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	if s.db == nil {
		return 0, oracle.ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout*time.Duration(len(points)/100+1))
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin bulk insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO prices (token, network, unix_ts, iso_date, price, source, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (token, network, unix_ts) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare bulk insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, p := range points {
		res, err := stmt.ExecContext(ctx,
			p.Token, p.Network, p.UnixTS, p.ISODate, p.Price, p.Source, p.Confidence)
		if err != nil {
			return inserted, fmt.Errorf("bulk insert row (ts=%d): %w", p.UnixTS, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit bulk insert: %w", err)
	}

	return inserted, nil
}

// Healthy pings the backend.
func (s *Postgres) Healthy(ctx context.Context) bool {
	if s.db == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

// Close releases the connection pool.
func (s *Postgres) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
