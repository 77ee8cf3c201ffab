// Package worker provides the pool of concurrent workers that claims
// jobs from the durable queue and dispatches them to type-specific
// handlers. The pool enforces per-job timeouts, cancellation, retry with
// exponential backoff, dead-lettering, and a per-handler-type circuit
// breaker.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nowbridge.evalgo.org/common"
	"nowbridge.evalgo.org/queue"
)

// Handler processes one job. Handlers must be idempotent: a job
// abandoned on timeout or cancellation may run again without the
// previous attempt being rolled back. The returned map becomes the job's
// result payload.
type Handler func(ctx context.Context, job *queue.Job) (map[string]interface{}, error)

// Config tunes the pool.
type Config struct {
	// Workers is the number of concurrent claim loops (default 5).
	Workers int

	// IdleSleep is how long a worker sleeps when the queue is empty
	// (default 1s).
	IdleSleep time.Duration

	// DefaultTimeout bounds a single handler invocation (default 5m).
	DefaultTimeout time.Duration

	// MaxRetryDelay caps the exponential retry backoff (default 30s).
	MaxRetryDelay time.Duration

	// BaseRetryDelay is the first retry delay (default 1s).
	BaseRetryDelay time.Duration

	// BreakerThreshold is the consecutive-failure count that opens a
	// handler type's breaker (default 5).
	BreakerThreshold int

	// BreakerCooldown is how long an open breaker refuses work
	// (default 30s).
	BreakerCooldown time.Duration

	// DeadLetterEnabled appends exhausted jobs to the dead-letter set.
	DeadLetterEnabled bool
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
}

// Pool runs N worker loops against a queue.
type Pool struct {
	cfg      Config
	queue    *queue.Queue
	log      *common.ContextLogger
	handlers map[queue.JobType]Handler
	breakers map[queue.JobType]*breaker
	running  map[string]context.CancelFunc
	mu       sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool. Handlers are registered before Start.
func NewPool(q *queue.Queue, cfg Config, logger *logrus.Logger) *Pool {
	cfg.applyDefaults()
	return &Pool{
		cfg:      cfg,
		queue:    q,
		log:      common.NewContextLogger(logger, map[string]interface{}{"component": "worker-pool"}),
		handlers: make(map[queue.JobType]Handler),
		breakers: make(map[queue.JobType]*breaker),
		running:  make(map[string]context.CancelFunc),
	}
}

// Register binds a handler to a job type, replacing any previous one.
func (p *Pool) Register(jobType queue.JobType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
	p.breakers[jobType] = newBreaker(p.cfg.BreakerThreshold, p.cfg.BreakerCooldown)
}

// Start launches the worker loops plus the reaper and cleanup tickers.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}

	p.wg.Add(1)
	go p.maintenance(ctx)

	p.wg.Add(1)
	go p.watchCancellations(ctx, p.queue.Subscribe())

	p.log.Infof("started %d workers", p.cfg.Workers)
}

// Stop cancels all workers and waits for in-flight jobs to settle.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Infof("worker pool stopped")
}

// run is a single worker loop: claim, dispatch, settle, repeat.
func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.WithField("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.ClaimNext(ctx)
		if err != nil {
			log.Errorf("claim failed: %v", err)
			sleep(ctx, p.cfg.IdleSleep)
			continue
		}
		if job == nil {
			sleep(ctx, p.cfg.IdleSleep)
			continue
		}

		if br := p.breakerFor(job.Type); br != nil && br.Open() {
			// Breaker open for this type: skip without consuming a retry.
			if err := p.queue.Unclaim(ctx, job); err != nil {
				log.Errorf("failed to unclaim %s job %s: %v", job.Type, job.ID, err)
			}
			sleep(ctx, p.cfg.IdleSleep)
			continue
		}

		p.execute(ctx, log, job)
	}
}

// execute dispatches one job to its handler and settles the outcome.
func (p *Pool) execute(ctx context.Context, log *common.ContextLogger, job *queue.Job) {
	handler := p.handlerFor(job.Type)
	if handler == nil {
		p.fail(ctx, job, &queue.JobError{
			Message:   fmt.Sprintf("no handler registered for type %s", job.Type),
			Kind:      string(KindValidation),
			Timestamp: time.Now().UTC(),
		})
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.DefaultTimeout)
	p.mu.Lock()
	p.running[job.ID] = cancel
	p.mu.Unlock()

	result, err := handler(jobCtx, job)

	p.mu.Lock()
	delete(p.running, job.ID)
	p.mu.Unlock()
	cancel()

	// A cancel request flips the stored status; respect it and stop.
	if current, gerr := p.queue.Get(ctx, job.ID); gerr == nil && current.Status == queue.StatusCancelled {
		log.Infof("job %s cancelled during execution", job.ID)
		return
	}

	br := p.breakerFor(job.Type)
	if err == nil {
		if br != nil {
			br.Success()
		}
		p.complete(ctx, job, result)
		return
	}
	if br != nil {
		br.Failure()
	}

	kind, retryable := Classify(err)
	jobErr := &queue.JobError{
		Message:   err.Error(),
		Kind:      string(kind),
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
	}

	if retryable && job.RetryCount < job.RetryMax {
		p.retry(ctx, log, job, jobErr)
		return
	}
	p.fail(ctx, job, jobErr)
}

func (p *Pool) complete(ctx context.Context, job *queue.Job, result map[string]interface{}) {
	now := time.Now().UTC()
	done := queue.StatusCompleted
	progress := 100
	if _, err := p.queue.Update(ctx, job.ID, queue.Update{
		Status:      &done,
		Progress:    &progress,
		CompletedAt: &now,
		Result:      result,
	}); err != nil {
		p.log.Errorf("failed to complete job %s: %v", job.ID, err)
	}
}

func (p *Pool) retry(ctx context.Context, log *common.ContextLogger, job *queue.Job, jobErr *queue.JobError) {
	retrying := queue.StatusRetrying
	nextRetry := job.RetryCount + 1
	updated, err := p.queue.Update(ctx, job.ID, queue.Update{
		Status:     &retrying,
		RetryCount: &nextRetry,
		Error:      jobErr,
	})
	if err != nil {
		log.Errorf("failed to mark job %s retrying: %v", job.ID, err)
		return
	}

	delay := RetryDelay(p.cfg.BaseRetryDelay, p.cfg.MaxRetryDelay, job.RetryCount)
	if err := p.queue.Requeue(ctx, updated, delay); err != nil {
		log.Errorf("failed to requeue job %s: %v", job.ID, err)
		return
	}
	log.Warnf("job %s failed (%s), retry %d/%d in %s", job.ID, jobErr.Kind, nextRetry, job.RetryMax, delay)
}

func (p *Pool) fail(ctx context.Context, job *queue.Job, jobErr *queue.JobError) {
	now := time.Now().UTC()
	failed := queue.StatusFailed
	if _, err := p.queue.Update(ctx, job.ID, queue.Update{
		Status:      &failed,
		CompletedAt: &now,
		Error:       jobErr,
	}); err != nil {
		p.log.Errorf("failed to mark job %s failed: %v", job.ID, err)
		return
	}
	if p.cfg.DeadLetterEnabled {
		if err := p.queue.DeadLetter(ctx, job.ID); err != nil {
			p.log.Errorf("failed to dead-letter job %s: %v", job.ID, err)
		}
	}
	p.log.Errorf("job %s failed permanently: %s (%s)", job.ID, jobErr.Message, jobErr.Kind)
}

// watchCancellations cancels the context of an in-flight handler when
// its job is cancelled, so long-running handlers stop at their next ctx
// check instead of running to completion against a cancelled job.
func (p *Pool) watchCancellations(ctx context.Context, events <-chan queue.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Status != queue.StatusCancelled {
				continue
			}
			p.mu.RLock()
			cancel := p.running[ev.JobID]
			p.mu.RUnlock()
			if cancel != nil {
				cancel()
			}
		}
	}
}

// maintenance runs the stale-claim reaper and the retention sweep.
func (p *Pool) maintenance(ctx context.Context) {
	defer p.wg.Done()

	reap := time.NewTicker(time.Minute)
	defer reap.Stop()
	clean := time.NewTicker(time.Hour)
	defer clean.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reap.C:
			if _, err := p.queue.ReapStale(ctx); err != nil {
				p.log.Errorf("reaper failed: %v", err)
			}
		case <-clean.C:
			if _, err := p.queue.Cleanup(ctx); err != nil {
				p.log.Errorf("cleanup failed: %v", err)
			}
		}
	}
}

func (p *Pool) handlerFor(t queue.JobType) Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handlers[t]
}

func (p *Pool) breakerFor(t queue.JobType) *breaker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.breakers[t]
}

// RetryDelay returns min(base·2^retryCount, max).
func RetryDelay(base, max time.Duration, retryCount int) time.Duration {
	if retryCount > 30 {
		return max
	}
	delay := base << uint(retryCount)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
