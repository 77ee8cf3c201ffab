// Package scheduler evaluates cron specifications against wall-clock
// time and materialises due jobs into the durable queue. Scheduled
// entries are persisted in a Redis hash; a distributed lock with a 30s
// expiration ensures that at most one scheduler instance materialises
// jobs per tick, so the platform can run replicated.
package scheduler

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
	"nowbridge.evalgo.org/queue"
)

const (
	keyTasks = "scheduler:tasks"
	keyLock  = "scheduler:lock"
)

// ErrNotFound is returned when a scheduled job id has no stored entry.
var ErrNotFound = errors.New("scheduled job not found")

// releaseScript deletes the lock only when this instance still holds it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// ScheduledJob is a recurring job definition.
type ScheduledJob struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Cron        string                 `json:"cron"`
	Type        queue.JobType          `json:"type"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Priority    queue.Priority         `json:"priority"`
	RetryMax    int                    `json:"retry_max"`
	Timeout     time.Duration          `json:"timeout,omitempty"`
	Enabled     bool                   `json:"enabled"`
	LastRun     *time.Time             `json:"last_run,omitempty"`
	NextRun     *time.Time             `json:"next_run,omitempty"`
	RunCount    int64                  `json:"run_count"`
	FailCount   int64                  `json:"fail_count"`
	CreatedBy   string                 `json:"created_by,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
}

// Spec is the caller-facing definition of a new scheduled job.
type Spec struct {
	Name        string
	Description string
	Cron        string
	Type        queue.JobType
	Payload     map[string]interface{}
	Priority    queue.Priority
	RetryMax    int
	Timeout     time.Duration
	Enabled     *bool // nil means enabled
	CreatedBy   string
	Tags        []string
}

// Update is a partial change to a scheduled job. Changing the cron spec
// forces recomputation of next-run.
type Update struct {
	Name        *string
	Description *string
	Cron        *string
	Payload     map[string]interface{}
	Priority    *queue.Priority
	RetryMax    *int
	Timeout     *time.Duration
}

// Stats summarises the scheduled set.
type Stats struct {
	Total     int   `json:"total"`
	Enabled   int   `json:"enabled"`
	TotalRuns int64 `json:"total_runs"`
	TotalFail int64 `json:"total_failures"`
}

// Config tunes the scheduler.
type Config struct {
	// TickInterval is how often due entries are evaluated (default 60s).
	TickInterval time.Duration

	// LockTTL is the distributed lock expiration (default 30s).
	LockTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 60 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
}

// Scheduler owns the scheduled-job set and the evaluation loop.
type Scheduler struct {
	client     *redis.Client
	queue      *queue.Queue
	cfg        Config
	log        *common.ContextLogger
	instanceID string

	// now is swappable for tests.
	now func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler on an existing Redis client.
func New(client *redis.Client, q *queue.Queue, cfg Config, logger *logrus.Logger) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		client:     client,
		queue:      q,
		cfg:        cfg,
		log:        common.NewContextLogger(logger, map[string]interface{}{"component": "scheduler"}),
		instanceID: uuid.NewString(),
		now:        time.Now,
	}
}

// Schedule validates the spec, computes the first next-run and persists
// the entry. Invalid cron expressions are rejected here, never deferred.
func (s *Scheduler) Schedule(ctx context.Context, spec Spec) (*ScheduledJob, error) {
	if spec.Name == "" {
		return nil, errors.New("scheduled job name is required")
	}
	if !queue.ValidType(spec.Type) {
		return nil, fmt.Errorf("unknown job type %q", spec.Type)
	}
	sched, err := ParseCron(spec.Cron)
	if err != nil {
		return nil, err
	}
	if spec.Priority == "" {
		spec.Priority = queue.PriorityNormal
	}
	if !queue.ValidPriority(spec.Priority) {
		return nil, fmt.Errorf("unknown priority %q", spec.Priority)
	}

	enabled := true
	if spec.Enabled != nil {
		enabled = *spec.Enabled
	}

	job := &ScheduledJob{
		ID:          uuid.NewString(),
		Name:        spec.Name,
		Description: spec.Description,
		Cron:        spec.Cron,
		Type:        spec.Type,
		Payload:     spec.Payload,
		Priority:    spec.Priority,
		RetryMax:    spec.RetryMax,
		Timeout:     spec.Timeout,
		Enabled:     enabled,
		CreatedBy:   spec.CreatedBy,
		Tags:        spec.Tags,
	}
	if enabled {
		next := sched.Next(s.now().UTC())
		job.NextRun = &next
	}

	if err := s.put(ctx, job); err != nil {
		return nil, err
	}
	s.log.Infof("scheduled %q (%s) cron=%q next=%v", job.Name, job.ID, job.Cron, job.NextRun)
	return job, nil
}

// Unschedule removes a scheduled job.
func (s *Scheduler) Unschedule(ctx context.Context, id string) error {
	n, err := s.client.HDel(ctx, keyTasks, id).Result()
	if err != nil {
		return fmt.Errorf("failed to unschedule %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns a scheduled job by id.
func (s *Scheduler) Get(ctx context.Context, id string) (*ScheduledJob, error) {
	raw, err := s.client.HGet(ctx, keyTasks, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduled job %s: %w", id, err)
	}
	var job ScheduledJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to decode scheduled job %s: %w", id, err)
	}
	return &job, nil
}

// UpdateJob applies a partial change. A cron change revalidates the
// expression and recomputes next-run.
func (s *Scheduler) UpdateJob(ctx context.Context, id string, delta Update) (*ScheduledJob, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if delta.Cron != nil {
		sched, err := ParseCron(*delta.Cron)
		if err != nil {
			return nil, err
		}
		job.Cron = *delta.Cron
		if job.Enabled {
			next := sched.Next(s.now().UTC())
			job.NextRun = &next
		}
	}
	if delta.Name != nil {
		job.Name = *delta.Name
	}
	if delta.Description != nil {
		job.Description = *delta.Description
	}
	if delta.Payload != nil {
		job.Payload = delta.Payload
	}
	if delta.Priority != nil {
		if !queue.ValidPriority(*delta.Priority) {
			return nil, fmt.Errorf("unknown priority %q", *delta.Priority)
		}
		job.Priority = *delta.Priority
	}
	if delta.RetryMax != nil {
		job.RetryMax = *delta.RetryMax
	}
	if delta.Timeout != nil {
		job.Timeout = *delta.Timeout
	}

	if err := s.put(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// SetEnabled toggles a scheduled job. Enabling recomputes next-run;
// disabling clears it.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) (*ScheduledJob, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Enabled = enabled
	if enabled {
		sched, err := ParseCron(job.Cron)
		if err != nil {
			return nil, err
		}
		next := sched.Next(s.now().UTC())
		job.NextRun = &next
	} else {
		job.NextRun = nil
	}
	if err := s.put(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Trigger materialises a scheduled job immediately, outside its cron
// cadence, and returns the queued job id.
func (s *Scheduler) Trigger(ctx context.Context, id string) (string, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	queuedID, err := s.materialise(ctx, job)
	if err != nil {
		return "", err
	}
	if err := s.put(ctx, job); err != nil {
		return "", err
	}
	return queuedID, nil
}

// List returns all scheduled jobs.
func (s *Scheduler) List(ctx context.Context) ([]*ScheduledJob, error) {
	raw, err := s.client.HGetAll(ctx, keyTasks).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled jobs: %w", err)
	}
	jobs := make([]*ScheduledJob, 0, len(raw))
	for id, data := range raw {
		var job ScheduledJob
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			s.log.Errorf("skipping undecodable scheduled job %s: %v", id, err)
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// GetStats aggregates counters over the scheduled set.
func (s *Scheduler) GetStats(ctx context.Context) (*Stats, error) {
	jobs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Total: len(jobs)}
	for _, j := range jobs {
		if j.Enabled {
			stats.Enabled++
		}
		stats.TotalRuns += j.RunCount
		stats.TotalFail += j.FailCount
	}
	return stats, nil
}

// Start launches the evaluation loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Tick(ctx); err != nil {
					s.log.Errorf("tick failed: %v", err)
				}
			}
		}
	}()
	s.log.Infof("scheduler started, tick interval %s", s.cfg.TickInterval)
}

// Stop cancels the evaluation loop.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Tick runs one evaluation pass: acquire the lock, materialise due
// entries, release. Losing the lock race is normal in a replicated
// deployment and is not an error.
func (s *Scheduler) Tick(ctx context.Context) error {
	ok, err := s.client.SetNX(ctx, keyLock, s.instanceID, s.cfg.LockTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire scheduler lock: %w", err)
	}
	if !ok {
		return nil
	}
	defer func() {
		if err := releaseScript.Run(ctx, s.client, []string{keyLock}, s.instanceID).Err(); err != nil && !errors.Is(err, redis.Nil) {
			s.log.Warnf("failed to release scheduler lock: %v", err)
		}
	}()

	jobs, err := s.List(ctx)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	for _, job := range jobs {
		if !job.Enabled || job.NextRun == nil || job.NextRun.After(now) {
			continue
		}

		if _, err := s.materialise(ctx, job); err != nil {
			job.FailCount++
			s.log.Errorf("failed to materialise scheduled job %q: %v", job.Name, err)
		}

		// A failing materialisation must not stall the schedule: last
		// and next run advance either way.
		job.LastRun = &now
		sched, err := ParseCron(job.Cron)
		if err != nil {
			// Stored entries predating stricter validation.
			job.Enabled = false
			job.NextRun = nil
			s.log.Errorf("disabling scheduled job %q with invalid cron %q", job.Name, job.Cron)
		} else {
			next := sched.Next(now)
			job.NextRun = &next
		}

		if err := s.put(ctx, job); err != nil {
			s.log.Errorf("failed to persist scheduled job %q: %v", job.Name, err)
		}
	}
	return nil
}

// materialise enqueues one derived queue job and bumps the run counter.
func (s *Scheduler) materialise(ctx context.Context, job *ScheduledJob) (string, error) {
	queuedID, err := s.queue.Enqueue(ctx, job.Type, job.Payload, queue.Options{
		Priority: job.Priority,
		RetryMax: job.RetryMax,
		Metadata: queue.Metadata{
			CreatedBy: "scheduler",
			ParentID:  job.ID,
			Tags:      job.Tags,
		},
	})
	if err != nil {
		return "", err
	}
	job.RunCount++
	return queuedID, nil
}

func (s *Scheduler) put(ctx context.Context, job *ScheduledJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode scheduled job %s: %w", job.ID, err)
	}
	if err := s.client.HSet(ctx, keyTasks, job.ID, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to store scheduled job %s: %w", job.ID, err)
	}
	return nil
}
