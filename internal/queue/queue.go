package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/priceoracle/internal/metrics"
	"github.com/sawpanic/priceoracle/internal/oracle"
)

// Job states as stored in the per-job hash.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

const (
	maxAttempts        = 3
	completedRetention = 100
	failedRetention    = 50
)

// Status is a point-in-time view of one job.
type Status struct {
	ID       string          `json:"id"`
	State    string          `json:"state"`
	Progress int             `json:"progress"`
	Attempts int             `json:"attempts"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Stats aggregates queue depth by state.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Handler processes one job. Progress is reported through the job handle; a
// returned error triggers retry with exponential backoff until the attempt
// limit, after which the job is marked failed.
type Handler func(ctx context.Context, job *ActiveJob) (interface{}, error)

// ActiveJob is the handle a handler works with.
type ActiveJob struct {
	ID      string
	Payload oracle.BackfillJob
	queue   *Queue
}

// ReportProgress records percentage completion (clamped to 0..100) so status
// readers can display it. Best-effort: reporting failures are ignored.
func (j *ActiveJob) ReportProgress(ctx context.Context, pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if j.queue == nil || j.queue.client == nil {
		return
	}
	j.queue.client.HSet(ctx, j.queue.jobKey(j.ID), "progress", pct)
}

// Queue is a durable at-least-once work queue on Redis lists and hashes.
// A nil client is a valid degraded configuration: Enqueue reports
// oracle.ErrUnavailable and the consumer loop never starts.
type Queue struct {
	client      *redis.Client
	name        string
	concurrency int
	backoffBase time.Duration
	metrics     *metrics.Registry
}

// New builds a queue on an existing client. The client may be nil.
func New(client *redis.Client, name string, concurrency int, m *metrics.Registry) *Queue {
	if name == "" {
		name = "price-backfill"
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Queue{
		client:      client,
		name:        name,
		concurrency: concurrency,
		backoffBase: 5 * time.Second,
		metrics:     m,
	}
}

// Available reports whether the backend is reachable.
func (q *Queue) Available(ctx context.Context) bool {
	if q.client == nil {
		return false
	}
	return q.client.Ping(ctx).Err() == nil
}

func (q *Queue) waitingKey() string   { return "queue:" + q.name + ":waiting" }
func (q *Queue) delayedKey() string   { return "queue:" + q.name + ":delayed" }
func (q *Queue) completedKey() string { return "queue:" + q.name + ":completed" }
func (q *Queue) failedKey() string    { return "queue:" + q.name + ":failed" }
func (q *Queue) activeKey() string    { return "queue:" + q.name + ":active" }
func (q *Queue) jobKey(id string) string {
	return "queue:" + q.name + ":job:" + id
}

// Enqueue adds a backfill job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, payload oracle.BackfillJob) (string, error) {
	if q.client == nil {
		return "", oracle.ErrUnavailable
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	id := uuid.NewString()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), map[string]interface{}{
		"payload":    raw,
		"state":      StateWaiting,
		"progress":   0,
		"attempts":   0,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
	pipe.LPush(ctx, q.waitingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("queue", q.name).Msg("enqueue failed")
		return "", oracle.ErrUnavailable
	}

	log.Info().
		Str("job_id", id).
		Str("token", payload.Token).
		Str("network", payload.Network).
		Str("request_id", payload.RequestID).
		Msg("backfill job enqueued")

	return id, nil
}

// Status returns the job view, or nil when the id is unknown or the backend
// is unreachable.
func (q *Queue) Status(ctx context.Context, id string) (*Status, error) {
	if q.client == nil {
		return nil, nil
	}

	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil || len(fields) == 0 {
		return nil, nil
	}

	st := &Status{ID: id, State: fields["state"], Error: fields["error"]}
	st.Progress, _ = strconv.Atoi(fields["progress"])
	st.Attempts, _ = strconv.Atoi(fields["attempts"])
	if r := fields["result"]; r != "" {
		st.Result = json.RawMessage(r)
	}
	return st, nil
}

// Stats reports queue depth by state.
func (q *Queue) Stats(ctx context.Context) Stats {
	var s Stats
	if q.client == nil {
		return s
	}

	s.Waiting, _ = q.client.LLen(ctx, q.waitingKey()).Result()
	s.Delayed, _ = q.client.ZCard(ctx, q.delayedKey()).Result()
	s.Active, _ = q.client.SCard(ctx, q.activeKey()).Result()
	s.Completed, _ = q.client.LLen(ctx, q.completedKey()).Result()
	s.Failed, _ = q.client.LLen(ctx, q.failedKey()).Result()

	q.metrics.QueueDepth.WithLabelValues(StateWaiting).Set(float64(s.Waiting))
	q.metrics.QueueDepth.WithLabelValues(StateDelayed).Set(float64(s.Delayed))
	q.metrics.QueueDepth.WithLabelValues(StateActive).Set(float64(s.Active))

	return s
}

// PendingPayloads returns the payloads of waiting and delayed jobs. The
// registry uses it at startup to rebuild schedule records that survived a
// restart only inside the queue backend.
func (q *Queue) PendingPayloads(ctx context.Context) []oracle.BackfillJob {
	if q.client == nil {
		return nil
	}

	ids, _ := q.client.LRange(ctx, q.waitingKey(), 0, -1).Result()
	delayed, _ := q.client.ZRange(ctx, q.delayedKey(), 0, -1).Result()
	ids = append(ids, delayed...)

	var jobs []oracle.BackfillJob
	for _, id := range ids {
		raw, err := q.client.HGet(ctx, q.jobKey(id), "payload").Result()
		if err != nil {
			continue
		}
		var job oracle.BackfillJob
		if json.Unmarshal([]byte(raw), &job) == nil {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// Run consumes jobs with the configured concurrency until ctx is cancelled.
// A promotion loop moves due delayed jobs back to the waiting list.
func (q *Queue) Run(ctx context.Context, handler Handler) {
	if q.client == nil {
		log.Warn().Str("queue", q.name).Msg("queue backend unavailable, consumer not started")
		return
	}

	go q.promoteLoop(ctx)

	for i := 0; i < q.concurrency; i++ {
		go q.workerLoop(ctx, i, handler)
	}

	log.Info().
		Str("queue", q.name).
		Int("concurrency", q.concurrency).
		Msg("queue consumers started")
}

func (q *Queue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := float64(time.Now().UnixMilli())
			ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
				Min: "-inf", Max: strconv.FormatFloat(now, 'f', -1, 64),
			}).Result()
			if err != nil {
				continue
			}
			for _, id := range ids {
				pipe := q.client.TxPipeline()
				pipe.ZRem(ctx, q.delayedKey(), id)
				pipe.HSet(ctx, q.jobKey(id), "state", StateWaiting)
				pipe.LPush(ctx, q.waitingKey(), id)
				pipe.Exec(ctx)
			}
		}
	}
}

func (q *Queue) workerLoop(ctx context.Context, worker int, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := q.client.BRPop(ctx, time.Second, q.waitingKey()).Result()
		if err != nil {
			continue // timeout or transient backend error
		}
		id := res[1]
		q.process(ctx, worker, id, handler)
	}
}

func (q *Queue) process(ctx context.Context, worker int, id string, handler Handler) {
	key := q.jobKey(id)

	raw, err := q.client.HGet(ctx, key, "payload").Result()
	if err != nil {
		log.Warn().Err(err).Str("job_id", id).Msg("job payload missing, dropping")
		return
	}

	// Payloads are validated on dequeue: token and network must be present.
	var payload oracle.BackfillJob
	if err := json.Unmarshal([]byte(raw), &payload); err != nil || payload.Token == "" || payload.Network == "" {
		q.finishFailed(ctx, id, "malformed payload")
		return
	}

	attempts, _ := q.client.HIncrBy(ctx, key, "attempts", 1).Result()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, "state", StateActive)
	pipe.SAdd(ctx, q.activeKey(), id)
	pipe.Exec(ctx)

	log.Info().
		Int("worker", worker).
		Str("job_id", id).
		Str("token", payload.Token).
		Int64("attempt", attempts).
		Msg("job started")

	result, jobErr := handler(ctx, &ActiveJob{ID: id, Payload: payload, queue: q})

	q.client.SRem(ctx, q.activeKey(), id)

	if jobErr == nil {
		q.finishCompleted(ctx, id, result)
		return
	}

	// Invalid input cannot become valid on retry.
	if oracle.IsInvalidInput(jobErr) {
		log.Warn().Err(jobErr).Str("job_id", id).Msg("job input invalid, not retrying")
		q.finishFailed(ctx, id, jobErr.Error())
		return
	}

	if attempts >= maxAttempts {
		log.Error().Err(jobErr).Str("job_id", id).Int64("attempts", attempts).Msg("job failed permanently")
		q.finishFailed(ctx, id, jobErr.Error())
		return
	}

	backoff := q.backoffBase * time.Duration(1<<uint(attempts-1))
	readyAt := time.Now().Add(backoff)
	pipe = q.client.TxPipeline()
	pipe.HSet(ctx, key, "state", StateDelayed, "error", jobErr.Error())
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt.UnixMilli()), Member: id})
	pipe.Exec(ctx)

	log.Warn().Err(jobErr).
		Str("job_id", id).
		Dur("backoff", backoff).
		Int64("attempt", attempts).
		Msg("job retry scheduled")
}

func (q *Queue) finishCompleted(ctx context.Context, id string, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		raw = []byte("{}")
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), "state", StateCompleted, "progress", 100, "result", raw)
	pipe.LPush(ctx, q.completedKey(), id)
	pipe.Exec(ctx)
	q.evictBeyond(ctx, q.completedKey(), completedRetention)

	q.metrics.JobsProcessed.WithLabelValues(StateCompleted).Inc()
	log.Info().Str("job_id", id).Msg("job completed")
}

func (q *Queue) finishFailed(ctx context.Context, id, reason string) {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), "state", StateFailed, "error", reason)
	pipe.LPush(ctx, q.failedKey(), id)
	pipe.Exec(ctx)
	q.evictBeyond(ctx, q.failedKey(), failedRetention)

	q.metrics.JobsProcessed.WithLabelValues(StateFailed).Inc()
}

// evictBeyond trims a terminal-state list to its newest limit entries and
// deletes the job hashes of everything pushed past the boundary, so evicted
// jobs stop being readable through Status.
func (q *Queue) evictBeyond(ctx context.Context, listKey string, limit int64) {
	evicted, err := q.client.LRange(ctx, listKey, limit, -1).Result()
	if err != nil || len(evicted) == 0 {
		return
	}

	pipe := q.client.TxPipeline()
	pipe.LTrim(ctx, listKey, 0, limit-1)
	for _, id := range evicted {
		pipe.Del(ctx, q.jobKey(id))
	}
	pipe.Exec(ctx)
}
