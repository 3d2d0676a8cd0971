package sched

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/priceoracle/internal/oracle"
)

// Enqueuer dispatches backfill work. The Redis queue implements it; tests
// substitute fakes.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload oracle.BackfillJob) (string, error)
}

// Listing is the registry list response.
type Listing struct {
	Jobs   []oracle.ScheduleRecord `json:"jobs"`
	Total  int                     `json:"total"`
	Active int                     `json:"active"`
}

// Registry is the in-memory table of backfill definitions, unique per
// (token, network) case-insensitively. Records live only in process memory;
// Rebuild recovers best-effort from jobs still sitting in the queue backend
// after a restart.
type Registry struct {
	mu      sync.Mutex
	records map[string]*oracle.ScheduleRecord // keyed by record id
	queue   Enqueuer

	// Periodic firing, enabled only when the deployment opts in.
	cron    *cron.Cron
	entries map[string]cron.EntryID
	now     func() time.Time
}

// New creates an empty registry dispatching onto q.
func New(q Enqueuer) *Registry {
	return &Registry{
		records: make(map[string]*oracle.ScheduleRecord),
		queue:   q,
		now:     time.Now,
	}
}

// EnablePeriodic turns on cron-driven firing of enabled records. Must be
// called before records are created. Stop the returned cron via ctx.
func (r *Registry) EnablePeriodic(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cron = cron.New()
	r.entries = make(map[string]cron.EntryID)
	r.cron.Start()

	go func() {
		<-ctx.Done()
		r.cron.Stop()
	}()
}

func dedupeKey(token, network string) string {
	return strings.ToLower(token) + "|" + strings.ToLower(network)
}

// Create registers a schedule and, when enabled, dispatches an initial
// backfill. A second create for the same (token, network) fails with
// AlreadyExists regardless of input casing. Queue unavailability is a soft
// failure: the record is kept and jobID comes back empty.
func (r *Registry) Create(ctx context.Context, token, network, interval string, enabled bool) (*oracle.ScheduleRecord, string, error) {
	token = oracle.NormalizeToken(token)
	network = oracle.NormalizeNetwork(network)

	if err := oracle.ValidateToken(token); err != nil {
		return nil, "", err
	}
	if err := oracle.ValidateNetwork(network); err != nil {
		return nil, "", err
	}

	r.mu.Lock()

	want := dedupeKey(token, network)
	for _, rec := range r.records {
		if dedupeKey(rec.Token, rec.Network) == want {
			id := rec.ID
			r.mu.Unlock()
			return nil, "", &oracle.AlreadyExistsError{ExistingID: id}
		}
	}

	// Interval is opaque metadata unless periodic firing is on, in which
	// case it must parse.
	if r.cron != nil && interval != "" {
		if _, err := cron.ParseStandard(interval); err != nil {
			r.mu.Unlock()
			return nil, "", oracle.NewInvalidInput("interval", "not a valid cron expression")
		}
	}

	rec := &oracle.ScheduleRecord{
		ID:        uuid.NewString(),
		Token:     token,
		Network:   network,
		Interval:  interval,
		Enabled:   enabled,
		CreatedAt: r.now().UTC(),
	}
	r.records[rec.ID] = rec
	if enabled {
		r.addCronEntry(rec)
	}
	snapshot := *rec
	r.mu.Unlock()

	var jobID string
	if enabled {
		jobID = r.dispatch(ctx, &snapshot)
		if refreshed, err := r.Get(snapshot.ID); err == nil {
			snapshot = *refreshed
		}
	}

	log.Info().
		Str("schedule_id", snapshot.ID).
		Str("token", token).
		Str("network", network).
		Bool("enabled", enabled).
		Msg("schedule created")

	return &snapshot, jobID, nil
}

// List returns all records with totals, ordered by creation time.
func (r *Registry) List() Listing {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Listing{Jobs: make([]oracle.ScheduleRecord, 0, len(r.records))}
	for _, rec := range r.records {
		out.Jobs = append(out.Jobs, *rec)
		if rec.Enabled {
			out.Active++
		}
	}
	out.Total = len(out.Jobs)
	sort.Slice(out.Jobs, func(i, j int) bool {
		return out.Jobs[i].CreatedAt.Before(out.Jobs[j].CreatedAt)
	})
	return out
}

// Get returns one record by id.
func (r *Registry) Get(id string) (*oracle.ScheduleRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, oracle.ErrNotFound
	}
	snapshot := *rec
	return &snapshot, nil
}

// SetEnabled flips the enabled flag. Enabling re-dispatches a backfill job.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) (*oracle.ScheduleRecord, string, error) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return nil, "", oracle.ErrNotFound
	}

	wasEnabled := rec.Enabled
	rec.Enabled = enabled
	if enabled && !wasEnabled {
		r.addCronEntry(rec)
	}
	if !enabled {
		r.removeCronEntry(rec.ID)
	}
	snapshot := *rec
	r.mu.Unlock()

	var jobID string
	if enabled && !wasEnabled {
		jobID = r.dispatch(ctx, &snapshot)
		if refreshed, err := r.Get(snapshot.ID); err == nil {
			snapshot = *refreshed
		}
	}
	return &snapshot, jobID, nil
}

// Delete removes a record.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return oracle.ErrNotFound
	}
	r.removeCronEntry(id)
	delete(r.records, id)
	return nil
}

// RunNow dispatches a backfill for an enabled schedule immediately. Returns
// ErrDisabled for disabled records and ErrUnavailable when the queue backend
// cannot accept work (the schedule itself stays recorded).
func (r *Registry) RunNow(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return "", oracle.ErrNotFound
	}
	if !rec.Enabled {
		r.mu.Unlock()
		return "", oracle.ErrDisabled
	}
	snapshot := *rec
	r.mu.Unlock()

	jobID, err := r.queue.Enqueue(ctx, oracle.BackfillJob{
		Token:     snapshot.Token,
		Network:   snapshot.Network,
		RequestID: uuid.NewString(),
	})
	if err != nil {
		return "", oracle.ErrUnavailable
	}

	r.markRun(id)
	return jobID, nil
}

// Rebuild recreates records from job payloads recovered out of the queue
// backend after a restart. The jobs themselves are still queued, so no new
// dispatch happens here. Duplicates are skipped silently.
func (r *Registry) Rebuild(jobs []oracle.BackfillJob) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rebuilt := 0
	for _, job := range jobs {
		token := oracle.NormalizeToken(job.Token)
		network := oracle.NormalizeNetwork(job.Network)
		if oracle.ValidateToken(token) != nil || oracle.ValidateNetwork(network) != nil {
			continue
		}

		want := dedupeKey(token, network)
		duplicate := false
		for _, rec := range r.records {
			if dedupeKey(rec.Token, rec.Network) == want {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}

		rec := &oracle.ScheduleRecord{
			ID:        uuid.NewString(),
			Token:     token,
			Network:   network,
			Enabled:   true,
			CreatedAt: r.now().UTC(),
		}
		r.records[rec.ID] = rec
		rebuilt++
	}

	if rebuilt > 0 {
		log.Info().Int("rebuilt", rebuilt).Msg("schedules rebuilt from queue backend")
	}
	return rebuilt
}

// dispatch enqueues a backfill for rec, logging but not failing when the
// queue is down.
func (r *Registry) dispatch(ctx context.Context, rec *oracle.ScheduleRecord) string {
	jobID, err := r.queue.Enqueue(ctx, oracle.BackfillJob{
		Token:     rec.Token,
		Network:   rec.Network,
		RequestID: uuid.NewString(),
	})
	if err != nil {
		if errors.Is(err, oracle.ErrUnavailable) {
			log.Warn().
				Str("schedule_id", rec.ID).
				Msg("queue unavailable, schedule recorded without dispatch")
		} else {
			log.Error().Err(err).Str("schedule_id", rec.ID).Msg("backfill dispatch failed")
		}
		return ""
	}

	r.markRun(rec.ID)
	return jobID
}

func (r *Registry) markRun(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		now := r.now().UTC()
		rec.LastRun = &now
	}
}

// addCronEntry wires periodic firing for rec. Caller holds the mutex.
func (r *Registry) addCronEntry(rec *oracle.ScheduleRecord) {
	if r.cron == nil || rec.Interval == "" {
		return
	}

	id := rec.ID
	entryID, err := r.cron.AddFunc(rec.Interval, func() {
		rec, err := r.Get(id)
		if err != nil || !rec.Enabled {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.dispatch(ctx, rec)
	})
	if err != nil {
		log.Warn().Err(err).Str("schedule_id", id).Msg("cron entry rejected")
		return
	}

	r.entries[id] = entryID

	next := r.cron.Entry(entryID).Next
	if !next.IsZero() {
		r.records[id].NextRun = &next
	}
}

// removeCronEntry unwires periodic firing. Caller holds the mutex.
func (r *Registry) removeCronEntry(id string) {
	if r.cron == nil {
		return
	}
	if entryID, ok := r.entries[id]; ok {
		r.cron.Remove(entryID)
		delete(r.entries, id)
	}
}
