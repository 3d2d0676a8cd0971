package sched

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/priceoracle/internal/oracle"
)

// fakeQueue records enqueued payloads and can simulate an unreachable
// backend.
type fakeQueue struct {
	mu       sync.Mutex
	payloads []oracle.BackfillJob
	down     bool
}

func (f *fakeQueue) Enqueue(_ context.Context, payload oracle.BackfillJob) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return "", oracle.ErrUnavailable
	}
	f.payloads = append(f.payloads, payload)
	return "job-1", nil
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func TestCreateDispatchesWhenEnabled(t *testing.T) {
	q := &fakeQueue{}
	r := New(q)

	rec, jobID, err := r.Create(context.Background(), "eth", "Ethereum", "0 0 * * *", true)
	require.NoError(t, err)

	assert.Equal(t, "ETH", rec.Token, "token is normalized")
	assert.Equal(t, "ethereum", rec.Network)
	assert.Equal(t, "job-1", jobID)
	assert.Equal(t, 1, q.count())
	assert.NotNil(t, rec.LastRun)
}

func TestCreateDisabledDoesNotDispatch(t *testing.T) {
	q := &fakeQueue{}
	r := New(q)

	_, jobID, err := r.Create(context.Background(), "ETH", "ethereum", "", false)
	require.NoError(t, err)
	assert.Empty(t, jobID)
	assert.Equal(t, 0, q.count())
}

func TestDuplicateCreateIsCaseInsensitive(t *testing.T) {
	q := &fakeQueue{}
	r := New(q)

	first, _, err := r.Create(context.Background(), "USDC", "ethereum", "", true)
	require.NoError(t, err)

	_, _, err = r.Create(context.Background(), "usdc", "Ethereum", "", true)
	require.Error(t, err)

	existingID, ok := oracle.IsAlreadyExists(err)
	require.True(t, ok)
	assert.Equal(t, first.ID, existingID)
}

func TestCreateRejectsBadInput(t *testing.T) {
	r := New(&fakeQueue{})
	ctx := context.Background()

	_, _, err := r.Create(ctx, "X", "ethereum", "", true)
	assert.True(t, oracle.IsInvalidInput(err))

	_, _, err = r.Create(ctx, "ETH", "dogechain", "", true)
	assert.True(t, oracle.IsInvalidInput(err))
}

func TestListCounts(t *testing.T) {
	r := New(&fakeQueue{})
	ctx := context.Background()

	r.Create(ctx, "ETH", "ethereum", "", true)
	r.Create(ctx, "USDC", "ethereum", "", false)
	r.Create(ctx, "WBTC", "arbitrum", "", true)

	listing := r.List()
	assert.Equal(t, 3, listing.Total)
	assert.Equal(t, 2, listing.Active)
	assert.Len(t, listing.Jobs, 3)
}

func TestGetAndDelete(t *testing.T) {
	r := New(&fakeQueue{})
	rec, _, err := r.Create(context.Background(), "ETH", "ethereum", "", false)
	require.NoError(t, err)

	got, err := r.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	require.NoError(t, r.Delete(rec.ID))
	_, err = r.Get(rec.ID)
	assert.ErrorIs(t, err, oracle.ErrNotFound)
	assert.ErrorIs(t, r.Delete(rec.ID), oracle.ErrNotFound)
}

func TestEnableReenqueues(t *testing.T) {
	q := &fakeQueue{}
	r := New(q)

	rec, _, err := r.Create(context.Background(), "ETH", "ethereum", "", false)
	require.NoError(t, err)
	require.Equal(t, 0, q.count())

	updated, jobID, err := r.SetEnabled(context.Background(), rec.ID, true)
	require.NoError(t, err)
	assert.True(t, updated.Enabled)
	assert.Equal(t, "job-1", jobID)
	assert.Equal(t, 1, q.count(), "enabling dispatches a backfill")

	// Enabling an already-enabled record does not re-dispatch.
	_, jobID, err = r.SetEnabled(context.Background(), rec.ID, true)
	require.NoError(t, err)
	assert.Empty(t, jobID)
	assert.Equal(t, 1, q.count())
}

func TestRunNow(t *testing.T) {
	q := &fakeQueue{}
	r := New(q)
	ctx := context.Background()

	enabled, _, _ := r.Create(ctx, "ETH", "ethereum", "", true)
	disabled, _, _ := r.Create(ctx, "USDC", "ethereum", "", false)

	jobID, err := r.RunNow(ctx, enabled.ID)
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)

	_, err = r.RunNow(ctx, disabled.ID)
	assert.ErrorIs(t, err, oracle.ErrDisabled)

	_, err = r.RunNow(ctx, "missing")
	assert.ErrorIs(t, err, oracle.ErrNotFound)
}

func TestRunNowQueueDownIsSoftFailure(t *testing.T) {
	q := &fakeQueue{down: true}
	r := New(q)
	ctx := context.Background()

	// Creation succeeds even though dispatch cannot happen.
	rec, jobID, err := r.Create(ctx, "ETH", "ethereum", "", true)
	require.NoError(t, err)
	assert.Empty(t, jobID)

	_, err = r.RunNow(ctx, rec.ID)
	assert.True(t, errors.Is(err, oracle.ErrUnavailable))

	// The schedule is still recorded.
	got, err := r.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "ETH", got.Token)
}

func TestRebuildFromQueue(t *testing.T) {
	q := &fakeQueue{}
	r := New(q)

	n := r.Rebuild([]oracle.BackfillJob{
		{Token: "ETH", Network: "ethereum"},
		{Token: "eth", Network: "ethereum"}, // duplicate, skipped
		{Token: "USDC", Network: "polygon"},
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, r.List().Total)
}

func TestPeriodicRejectsBadCron(t *testing.T) {
	r := New(&fakeQueue{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.EnablePeriodic(ctx)

	_, _, err := r.Create(ctx, "ETH", "ethereum", "not a cron", true)
	assert.True(t, oracle.IsInvalidInput(err))

	rec, _, err := r.Create(ctx, "USDC", "ethereum", "@hourly", true)
	require.NoError(t, err)
	assert.NotNil(t, rec.NextRun, "periodic schedules expose their next firing")
}
