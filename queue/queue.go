package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"nowbridge.evalgo.org/common"
)

// Redis key layout. Status sets are sorted sets; the pending set is
// scored by the composite priority+enqueue-time score, the others by the
// transition timestamp in milliseconds.
const (
	keyPending    = "tasks:pending"
	keyRunning    = "tasks:running"
	keyCompleted  = "tasks:completed"
	keyFailed     = "tasks:failed"
	keyDeadLetter = "tasks:dead_letter"
	keyJobPrefix  = "task:"
)

// ErrNotFound is returned when a job id has no stored record.
var ErrNotFound = errors.New("job not found")

// ErrTerminal is returned when an update would overwrite a terminal
// status.
var ErrTerminal = errors.New("job is in a terminal status")

// ErrPayloadTooLarge is returned when an enqueue payload exceeds the
// configured bound.
var ErrPayloadTooLarge = errors.New("job payload too large")

// claimScript atomically moves the first due pending job into the
// running set. A member requeued with a backoff delay carries a future
// timestamp in the time component of its score (score mod the priority
// band) and is skipped until it matures, so claims behind it still go
// through. The scan window is bounded; a pending set headed by more
// than claimScanLimit delayed jobs waits out the shortest delay.
// A crashed worker leaves the member in the running set, where the
// reaper finds it by its claim timestamp.
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local band = tonumber(ARGV[2])
local entries = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[3]) - 1, 'WITHSCORES')
for i = 1, #entries, 2 do
	if tonumber(entries[i+1]) % band <= now then
		redis.call('ZREM', KEYS[1], entries[i])
		redis.call('ZADD', KEYS[2], now, entries[i])
		return entries[i]
	end
end
return false
`)

// claimScanLimit bounds how many pending-set members one claim
// inspects while skipping not-yet-due jobs.
const claimScanLimit = 128

// Config tunes the queue.
type Config struct {
	// LeaseTimeout is the running-set age beyond which the reaper
	// re-enqueues a job (default 10m).
	LeaseTimeout time.Duration

	// Retention is how long terminal jobs are kept before the cleanup
	// sweep removes them (default 7 days).
	Retention time.Duration

	// MaxPayloadBytes bounds serialized payload size (default 64KiB).
	MaxPayloadBytes int

	// DefaultRetryMax is applied when enqueue options leave it zero.
	DefaultRetryMax int
}

func (c *Config) applyDefaults() {
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 10 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 64 * 1024
	}
	if c.DefaultRetryMax <= 0 {
		c.DefaultRetryMax = 3
	}
}

// Queue is the durable job queue. All state lives in Redis; the struct
// itself only holds the client, configuration and event subscribers.
type Queue struct {
	client *redis.Client
	cfg    Config
	log    *common.ContextLogger

	subMu       sync.RWMutex
	subscribers []chan Event
}

// New creates a queue on an existing Redis client. The connection is
// pinged so that broker misconfiguration fails at startup rather than on
// first enqueue.
func New(ctx context.Context, client *redis.Client, cfg Config, logger *logrus.Logger) (*Queue, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	cfg.applyDefaults()
	return &Queue{
		client: client,
		cfg:    cfg,
		log:    common.NewContextLogger(logger, map[string]interface{}{"component": "queue"}),
	}, nil
}

// Enqueue persists a new job and places it in the pending set. It
// returns the generated job id.
func (q *Queue) Enqueue(ctx context.Context, jobType JobType, payload map[string]interface{}, opts Options) (string, error) {
	if !ValidType(jobType) {
		return "", fmt.Errorf("unknown job type %q", jobType)
	}
	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}
	if !ValidPriority(opts.Priority) {
		return "", fmt.Errorf("unknown priority %q", opts.Priority)
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal payload: %w", err)
		}
		if len(raw) > q.cfg.MaxPayloadBytes {
			return "", fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(raw), q.cfg.MaxPayloadBytes)
		}
	}
	retryMax := opts.RetryMax
	if retryMax <= 0 {
		retryMax = q.cfg.DefaultRetryMax
	}

	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Payload:   payload,
		Priority:  opts.Priority,
		Status:    StatusPending,
		RetryMax:  retryMax,
		CreatedAt: now,
		Metadata:  opts.Metadata,
	}

	if err := q.putJob(ctx, job); err != nil {
		return "", err
	}
	score := Score(job.Priority, now.Add(opts.Delay))
	if err := q.client.ZAdd(ctx, keyPending, redis.Z{Score: score, Member: job.ID}).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	q.publish(Event{Kind: EventAdded, JobID: job.ID, Type: job.Type, Status: job.Status, Timestamp: now})
	q.log.Debugf("enqueued %s job %s at priority %s", job.Type, job.ID, job.Priority)
	return job.ID, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, keyJobPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return unmarshalJob(fields)
}

// List returns jobs in the given status ordered by their set position,
// along with the total count in that status.
func (q *Queue) List(ctx context.Context, status Status, limit, offset int) ([]*Job, int64, error) {
	key, err := setForStatus(status)
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 50
	}

	total, err := q.client.ZCard(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count %s jobs: %w", status, err)
	}
	ids, err := q.client.ZRange(ctx, key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list %s jobs: %w", status, err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Swept between ZRANGE and HGETALL.
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, nil
}

// ClaimNext atomically removes the best due pending job and moves it to
// the running set. It returns nil with no error when the pending set is
// empty or holds only jobs whose delay has not elapsed; idleness is not
// a failure.
func (q *Queue) ClaimNext(ctx context.Context) (*Job, error) {
	now := time.Now().UTC()
	res, err := claimScript.Run(ctx, q.client, []string{keyPending, keyRunning}, now.UnixMilli(), int64(priorityBand), claimScanLimit).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}

	job, err := q.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// Orphaned set member; drop it and report idleness.
		q.client.ZRem(ctx, keyRunning, id)
		q.log.Warnf("claimed orphaned job id %s with no record", id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.Status = StatusRunning
	job.StartedAt = &now
	if err := q.putJob(ctx, job); err != nil {
		return nil, err
	}
	q.publish(Event{Kind: EventUpdated, JobID: job.ID, Type: job.Type, Status: job.Status, Timestamp: now})
	return job, nil
}

// Unclaim pushes a just-claimed job back to the pending set without
// counting a retry. Workers use it when a circuit breaker is open for
// the job's type.
func (q *Queue) Unclaim(ctx context.Context, job *Job) error {
	job.Status = StatusPending
	job.StartedAt = nil
	if err := q.putJob(ctx, job); err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, keyRunning, job.ID)
	pipe.ZAdd(ctx, keyPending, redis.Z{Score: Score(job.Priority, job.CreatedAt), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to unclaim job %s: %w", job.ID, err)
	}
	return nil
}

// Update applies a partial change to a stored job and moves it between
// status sets when the status changes. Updating a terminal job returns
// ErrTerminal.
func (q *Queue) Update(ctx context.Context, id string, delta Update) (*Job, error) {
	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, job.Status)
	}

	prevStatus := job.Status
	if delta.Status != nil {
		job.Status = *delta.Status
	}
	if delta.Progress != nil {
		p := *delta.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		job.Progress = p
	}
	if delta.RetryCount != nil {
		job.RetryCount = *delta.RetryCount
		if job.RetryCount > job.RetryMax {
			job.RetryCount = job.RetryMax
		}
	}
	if delta.StartedAt != nil {
		job.StartedAt = delta.StartedAt
	}
	if delta.CompletedAt != nil {
		job.CompletedAt = delta.CompletedAt
	}
	if delta.Error != nil {
		job.Error = delta.Error
	}
	if delta.Result != nil {
		job.Result = delta.Result
	}

	if err := q.putJob(ctx, job); err != nil {
		return nil, err
	}
	if job.Status != prevStatus {
		if err := q.moveStatus(ctx, job, prevStatus); err != nil {
			return nil, err
		}
	}

	kind := EventUpdated
	switch job.Status {
	case StatusCompleted:
		kind = EventCompleted
	case StatusFailed:
		kind = EventFailed
	}
	q.publish(Event{Kind: kind, JobID: job.ID, Type: job.Type, Status: job.Status, Timestamp: time.Now().UTC()})
	return job, nil
}

// Cancel marks a job cancelled. Running workers observe the cancellation
// at their next checkpoint.
func (q *Queue) Cancel(ctx context.Context, id, reason string) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, job.Status)
	}

	now := time.Now().UTC()
	prevStatus := job.Status
	job.Status = StatusCancelled
	job.CompletedAt = &now
	job.Error = &JobError{Message: reason, Kind: "cancelled", Timestamp: now}

	if err := q.putJob(ctx, job); err != nil {
		return err
	}
	if err := q.moveStatus(ctx, job, prevStatus); err != nil {
		return err
	}
	q.publish(Event{Kind: EventUpdated, JobID: job.ID, Type: job.Type, Status: job.Status, Timestamp: now})
	q.log.Infof("cancelled job %s: %s", id, reason)
	return nil
}

// Requeue returns a retrying job to the pending set after the given
// delay. The job is not claimable before the delay elapses; the claim
// script skips members whose embedded timestamp is in the future.
func (q *Queue) Requeue(ctx context.Context, job *Job, delay time.Duration) error {
	job.Status = StatusPending
	job.StartedAt = nil
	if err := q.putJob(ctx, job); err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, keyRunning, job.ID)
	pipe.ZAdd(ctx, keyPending, redis.Z{Score: Score(job.Priority, time.Now().UTC().Add(delay)), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
	}
	q.publish(Event{Kind: EventUpdated, JobID: job.ID, Type: job.Type, Status: job.Status, Timestamp: time.Now().UTC()})
	return nil
}

// DeadLetter appends a job to the dead-letter set.
func (q *Queue) DeadLetter(ctx context.Context, id string) error {
	now := time.Now().UTC()
	if err := q.client.ZAdd(ctx, keyDeadLetter, redis.Z{Score: float64(now.UnixMilli()), Member: id}).Err(); err != nil {
		return fmt.Errorf("failed to dead-letter job %s: %w", id, err)
	}
	return nil
}

// ListDeadLetter returns dead-lettered jobs, newest first.
func (q *Queue) ListDeadLetter(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.client.ZRevRange(ctx, keyDeadLetter, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ReapStale re-enqueues running jobs whose claim is older than the lease
// timeout, incrementing their retry count. It returns the number of jobs
// reaped.
func (q *Queue) ReapStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-q.cfg.LeaseTimeout).UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, keyRunning, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan running set: %w", err)
	}

	reaped := 0
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			q.client.ZRem(ctx, keyRunning, id)
			continue
		}
		if err != nil {
			return reaped, err
		}
		job.RetryCount++
		if err := q.Requeue(ctx, job, 0); err != nil {
			return reaped, err
		}
		q.log.Warnf("reaped stale job %s (retry %d/%d)", id, job.RetryCount, job.RetryMax)
		reaped++
	}
	return reaped, nil
}

// Cleanup removes completed and failed jobs older than the retention
// window. It returns the number of jobs removed.
func (q *Queue) Cleanup(ctx context.Context) (int, error) {
	cutoff := fmt.Sprintf("%d", time.Now().UTC().Add(-q.cfg.Retention).UnixMilli())
	removed := 0
	for _, key := range []string{keyCompleted, keyFailed} {
		ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to scan %s: %w", key, err)
		}
		if len(ids) == 0 {
			continue
		}
		pipe := q.client.TxPipeline()
		for _, id := range ids {
			pipe.Del(ctx, keyJobPrefix+id)
			pipe.ZRem(ctx, keyDeadLetter, id)
		}
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("failed to sweep %s: %w", key, err)
		}
		removed += len(ids)
	}
	if removed > 0 {
		q.log.Infof("cleanup removed %d expired jobs", removed)
	}
	return removed, nil
}

// Stats returns per-status counters.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, keyPending)
	running := pipe.ZCard(ctx, keyRunning)
	completed := pipe.ZCard(ctx, keyCompleted)
	failed := pipe.ZCard(ctx, keyFailed)
	dead := pipe.ZCard(ctx, keyDeadLetter)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to collect queue stats: %w", err)
	}
	return &Stats{
		Pending:    pending.Val(),
		Running:    running.Val(),
		Completed:  completed.Val(),
		Failed:     failed.Val(),
		DeadLetter: dead.Val(),
	}, nil
}

// putJob persists the job hash.
func (q *Queue) putJob(ctx context.Context, job *Job) error {
	fields, err := marshalJob(job)
	if err != nil {
		return err
	}
	if err := q.client.HSet(ctx, keyJobPrefix+job.ID, fields).Err(); err != nil {
		return fmt.Errorf("failed to store job %s: %w", job.ID, err)
	}
	return nil
}

// moveStatus relocates a job between status sets after a transition.
// Cancelled jobs are held in the failed set; retrying jobs stay out of
// all sets until Requeue places them back in pending.
func (q *Queue) moveStatus(ctx context.Context, job *Job, prev Status) error {
	now := float64(time.Now().UTC().UnixMilli())

	pipe := q.client.TxPipeline()
	if prevKey, err := setForStatus(prev); err == nil {
		pipe.ZRem(ctx, prevKey, job.ID)
	}
	switch job.Status {
	case StatusPending:
		pipe.ZAdd(ctx, keyPending, redis.Z{Score: Score(job.Priority, job.CreatedAt), Member: job.ID})
	case StatusRunning:
		pipe.ZAdd(ctx, keyRunning, redis.Z{Score: now, Member: job.ID})
	case StatusCompleted:
		pipe.ZAdd(ctx, keyCompleted, redis.Z{Score: now, Member: job.ID})
	case StatusFailed, StatusCancelled:
		pipe.ZAdd(ctx, keyFailed, redis.Z{Score: now, Member: job.ID})
	case StatusRetrying, StatusPaused:
		// Held out of the status sets until requeued or resumed.
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to move job %s from %s to %s: %w", job.ID, prev, job.Status, err)
	}
	return nil
}

// setForStatus maps a status to its sorted-set key.
func setForStatus(status Status) (string, error) {
	switch status {
	case StatusPending:
		return keyPending, nil
	case StatusRunning:
		return keyRunning, nil
	case StatusCompleted:
		return keyCompleted, nil
	case StatusFailed, StatusCancelled:
		return keyFailed, nil
	default:
		return "", fmt.Errorf("status %q has no backing set", status)
	}
}
