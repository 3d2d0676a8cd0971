package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/priceoracle/internal/oracle"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(sqlx.NewDb(db, "sqlmock"), time.Second), mock
}

var pointColumns = []string{
	"id", "token", "network", "unix_ts", "iso_date", "price",
	"source", "confidence", "created_at", "updated_at",
}

func pointRow(mock sqlmock.Sqlmock, id int64, ts int64, price float64, source string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(pointColumns).
		AddRow(id, "ETH", "ethereum", ts, time.Unix(ts, 0).UTC().Format(time.RFC3339), price, source, 1.0, now, now)
}

func TestGetByExactHit(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM prices\s+WHERE token = \$1 AND network = \$2 AND unix_ts = \$3`).
		WithArgs("ETH", "ethereum", int64(1704067200)).
		WillReturnRows(pointRow(mock, 1, 1704067200, 2300.5, "upstream"))

	p, err := s.GetByExact(context.Background(), "ETH", "ethereum", 1704067200)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 2300.5, p.Price)
	assert.Equal(t, oracle.SourceUpstream, p.Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByExactMiss(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM prices`).
		WithArgs("ETH", "ethereum", int64(42)).
		WillReturnRows(sqlmock.NewRows(pointColumns))

	p, err := s.GetByExact(context.Background(), "ETH", "ethereum", 42)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestGetStraddling(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`unix_ts <= \$3\s+ORDER BY unix_ts DESC`).
		WithArgs("ETH", "ethereum", int64(1704153600)).
		WillReturnRows(pointRow(mock, 1, 1704067200, 2000, "upstream"))
	mock.ExpectQuery(`unix_ts >= \$3\s+ORDER BY unix_ts ASC`).
		WithArgs("ETH", "ethereum", int64(1704153600)).
		WillReturnRows(pointRow(mock, 2, 1704240000, 2200, "upstream"))

	before, after, err := s.GetStraddling(context.Background(), "ETH", "ethereum", 1704153600)
	require.NoError(t, err)
	require.NotNil(t, before)
	require.NotNil(t, after)
	assert.Equal(t, int64(1704067200), before.UnixTS)
	assert.Equal(t, int64(1704240000), after.UnixTS)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStraddlingMissingSide(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`ORDER BY unix_ts DESC`).
		WillReturnRows(sqlmock.NewRows(pointColumns))
	mock.ExpectQuery(`ORDER BY unix_ts ASC`).
		WillReturnRows(pointRow(mock, 2, 1704240000, 2200, "upstream"))

	before, after, err := s.GetStraddling(context.Background(), "ETH", "ethereum", 1704000000)
	require.NoError(t, err)
	assert.Nil(t, before)
	require.NotNil(t, after)
}

func TestInsertNewRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO prices (.+) ON CONFLICT \(token, network, unix_ts\) DO NOTHING`).
		WithArgs("ETH", "ethereum", int64(1704067200), "2024-01-01T00:00:00Z", 2300.5, "upstream", 1.0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	inserted, err := s.Insert(context.Background(), oracle.PricePoint{
		Token: "ETH", Network: "ethereum", UnixTS: 1704067200,
		ISODate: "2024-01-01T00:00:00Z", Price: 2300.5,
		Source: oracle.SourceUpstream, Confidence: 1.0,
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDuplicateIsNoop(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO prices`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := s.Insert(context.Background(), oracle.PricePoint{
		Token: "ETH", Network: "ethereum", UnixTS: 1704067200,
		Price: 2300.5, Source: oracle.SourceUpstream, Confidence: 1.0,
	})
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate insert is a no-op, not an error")
}

func TestInsertManyCountsOnlyNewRows(t *testing.T) {
	s, mock := newMockStore(t)

	points := []oracle.PricePoint{
		{Token: "ETH", Network: "ethereum", UnixTS: 100, Price: 1, Source: oracle.SourceUpstream, Confidence: 1},
		{Token: "ETH", Network: "ethereum", UnixTS: 200, Price: 2, Source: oracle.SourceUpstream, Confidence: 1},
		{Token: "ETH", Network: "ethereum", UnixTS: 300, Price: 3, Source: oracle.SourceInterpolated, Confidence: 0.8},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO prices`)
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0)) // conflict
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	n, err := s.InsertMany(context.Background(), points)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDegradedModeReads(t *testing.T) {
	s := NewPostgres(nil, time.Second)
	ctx := context.Background()

	p, err := s.GetByExact(ctx, "ETH", "ethereum", 1)
	assert.NoError(t, err)
	assert.Nil(t, p)

	before, after, err := s.GetStraddling(ctx, "ETH", "ethereum", 1)
	assert.NoError(t, err)
	assert.Nil(t, before)
	assert.Nil(t, after)

	pts, err := s.GetRange(ctx, "ETH", "ethereum", 0, 10)
	assert.NoError(t, err)
	assert.Empty(t, pts)

	_, err = s.Insert(ctx, oracle.PricePoint{})
	assert.ErrorIs(t, err, oracle.ErrUnavailable)

	assert.False(t, s.Healthy(ctx))
}

func TestQueryErrorReadsAsEmpty(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM prices`).
		WillReturnError(assert.AnError)

	p, err := s.GetByExact(context.Background(), "ETH", "ethereum", 1)
	assert.NoError(t, err, "read failures are swallowed in degraded mode")
	assert.Nil(t, p)
}
