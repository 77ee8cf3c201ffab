package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"nowbridge.evalgo.org/common"
)

// Backpressure strategies.
const (
	StrategyDrop           = "drop"
	StrategyBuffer         = "buffer"
	StrategyThrottle       = "throttle"
	StrategyCircuitBreaker = "circuit-breaker"
)

// ErrDropped is returned by Offer when backpressure is active under
// the drop strategy.
var ErrDropped = fmt.Errorf("stream: record dropped by backpressure")

// ErrBreakerOpen is the fast-fail result while the processing breaker
// is open.
var ErrBreakerOpen = fmt.Errorf("stream: circuit breaker open")

// ErrStopped is returned by Offer once Stop has been called.
var ErrStopped = fmt.Errorf("stream: processor stopped")

// RetryConfig bounds per-batch retries.
type RetryConfig struct {
	Max               int
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// AlertThresholds trigger warnings when a metrics snapshot crosses
// them. Zero disables the check.
type AlertThresholds struct {
	BufferUtilisation   float64
	ProcessingLatencyMs float64
	ErrorRate           float64
	Throughput          float64
}

// MonitoringConfig controls periodic metrics collection.
type MonitoringConfig struct {
	Enabled         bool
	MetricsInterval time.Duration
	Thresholds      AlertThresholds
}

// Config tunes a Processor. Zero values take the defaults in New.
type Config struct {
	BatchSize             int
	BufferSize            int
	MaxConcurrency        int
	BackpressureThreshold float64
	BackpressureStrategy  string
	Timeout               time.Duration
	Retry                 RetryConfig
	Monitoring            MonitoringConfig

	// BreakerThreshold consecutive batch failures open the breaker for
	// BreakerCooldown
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// PausePeriod is how long the circuit-breaker backpressure strategy
	// pauses intake
	PausePeriod time.Duration
}

// BatchHandler processes one batch. An error fails the whole batch.
type BatchHandler[T any] func(ctx context.Context, batch []T) error

// Processor pulls offered records through a bounded buffer, cuts them
// into batches and runs the handler with bounded concurrency, a
// per-batch deadline and a circuit breaker. Records whose batch
// exhausts the retry budget are emitted on the dead-letter channel.
type Processor[T any] struct {
	cfg     Config
	handler BatchHandler[T]
	input   chan T
	dead    chan T
	quit    chan struct{}
	metrics *collector
	log     *common.ContextLogger

	pending int64 // batches dispatched, not yet finished

	breakerMu   sync.Mutex
	consecutive int
	openUntil   time.Time

	stopOnce sync.Once
	wg       sync.WaitGroup
	workers  sync.WaitGroup

	// sleep is swappable so tests do not wait out backoffs
	sleep func(ctx context.Context, d time.Duration) error
}

// NewProcessor creates a processor; Start must be called before Offer.
func NewProcessor[T any](cfg Config, handler BatchHandler[T], logger *logrus.Logger) (*Processor[T], error) {
	if handler == nil {
		return nil, fmt.Errorf("stream: handler is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.BackpressureThreshold <= 0 || cfg.BackpressureThreshold > 1 {
		cfg.BackpressureThreshold = 0.8
	}
	switch cfg.BackpressureStrategy {
	case StrategyDrop, StrategyBuffer, StrategyThrottle, StrategyCircuitBreaker:
	case "":
		cfg.BackpressureStrategy = StrategyBuffer
	default:
		return nil, fmt.Errorf("stream: unknown backpressure strategy %q", cfg.BackpressureStrategy)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.Max < 0 {
		cfg.Retry.Max = 0
	}
	if cfg.Retry.BackoffMultiplier <= 1 {
		cfg.Retry.BackoffMultiplier = 2
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = 5 * time.Second
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if cfg.PausePeriod <= 0 {
		cfg.PausePeriod = 5 * time.Second
	}
	if cfg.Monitoring.MetricsInterval <= 0 {
		cfg.Monitoring.MetricsInterval = 5 * time.Second
	}

	return &Processor[T]{
		cfg:     cfg,
		handler: handler,
		input:   make(chan T, cfg.BufferSize),
		dead:    make(chan T, cfg.BufferSize),
		quit:    make(chan struct{}),
		metrics: newCollector(),
		log:     common.NewContextLogger(logger, map[string]interface{}{"component": "stream"}),
		sleep:   sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load is the current load fraction: the worst of buffer fill,
// processing saturation and heap pressure.
func (p *Processor[T]) Load() float64 {
	load := float64(len(p.input)) / float64(cap(p.input))
	if saturation := float64(atomic.LoadInt64(&p.pending)) / float64(p.cfg.MaxConcurrency); saturation > load {
		load = saturation
	}
	if heap := heapMB() / 1024; heap > load {
		load = heap
	}
	return load
}

// Offer submits one record. Behaviour under active backpressure
// depends on the configured strategy; under the drop strategy the
// caller sees ErrDropped. Offering to a stopped processor returns
// ErrStopped rather than racing the shutdown.
func (p *Processor[T]) Offer(ctx context.Context, record T) error {
	select {
	case <-p.quit:
		return ErrStopped
	default:
	}

	if load := p.Load(); load > p.cfg.BackpressureThreshold {
		p.metrics.recordBackpressure()
		switch p.cfg.BackpressureStrategy {
		case StrategyDrop:
			p.metrics.recordDrop()
			return ErrDropped
		case StrategyThrottle:
			delay := time.Duration(load*100) * time.Millisecond
			if delay > time.Second {
				delay = time.Second
			}
			if err := p.sleep(ctx, delay); err != nil {
				return err
			}
		case StrategyCircuitBreaker:
			if err := p.sleep(ctx, p.cfg.PausePeriod); err != nil {
				return err
			}
		case StrategyBuffer:
			// Fall through to the blocking send below.
		}
	}

	select {
	case p.input <- record:
		return nil
	case <-p.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the batching loop and the metrics loop. The processor
// runs until Stop is called or ctx is cancelled.
func (p *Processor[T]) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)

	if p.cfg.Monitoring.Enabled {
		p.wg.Add(1)
		go p.monitorLoop(ctx)
	}
}

// Stop shuts the intake, drains what is already buffered, waits for
// in-flight batches and closes the dead-letter channel. The input
// channel itself is never closed so that a concurrent Offer can only
// observe ErrStopped, never a send on a closed channel.
func (p *Processor[T]) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.wg.Wait()
		p.workers.Wait()
		close(p.dead)
	})
}

// DeadLetters is the channel of records that exhausted their retry
// budget. It closes on Stop.
func (p *Processor[T]) DeadLetters() <-chan T { return p.dead }

// Snapshot returns current metrics.
func (p *Processor[T]) Snapshot() Metrics {
	return p.metrics.snapshot(int64(len(p.input)), float64(len(p.input))/float64(cap(p.input)))
}

// History returns the bounded metrics history.
func (p *Processor[T]) History() []Metrics { return p.metrics.historyCopy() }

func (p *Processor[T]) run(ctx context.Context) {
	defer p.wg.Done()

	sem := make(chan struct{}, p.cfg.MaxConcurrency)
	batch := make([]T, 0, p.cfg.BatchSize)

	dispatch := func(b []T) {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		atomic.AddInt64(&p.pending, 1)
		p.workers.Add(1)
		go func() {
			defer func() {
				<-sem
				atomic.AddInt64(&p.pending, -1)
				p.workers.Done()
			}()
			p.runBatch(ctx, b)
		}()
	}

	for {
		select {
		case v := <-p.input:
			batch = append(batch, v)
			if len(batch) >= p.cfg.BatchSize {
				dispatch(batch)
				batch = make([]T, 0, p.cfg.BatchSize)
			}
		case <-p.quit:
			// Drain whatever made it into the buffer before the stop,
			// then flush the partial batch.
			for {
				select {
				case v := <-p.input:
					batch = append(batch, v)
					if len(batch) >= p.cfg.BatchSize {
						dispatch(batch)
						batch = make([]T, 0, p.cfg.BatchSize)
					}
				default:
					if len(batch) > 0 {
						dispatch(batch)
					}
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// runBatch executes one batch under the deadline, the breaker and the
// retry budget. Exhausted batches go to the dead-letter channel record
// by record.
func (p *Processor[T]) runBatch(ctx context.Context, batch []T) {
	for attempt := 0; attempt <= p.cfg.Retry.Max; attempt++ {
		if attempt > 0 {
			backoff := p.backoff(attempt)
			if err := p.sleep(ctx, backoff); err != nil {
				return
			}
		}

		err := p.processBatch(ctx, batch)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		p.log.Warnf("batch of %d failed (attempt %d/%d): %v", len(batch), attempt+1, p.cfg.Retry.Max+1, err)
	}

	p.metrics.recordErrored(len(batch))
	for _, record := range batch {
		select {
		case p.dead <- record:
		default:
			// Dead-letter channel full; the record is counted and lost.
			p.metrics.recordDrop()
		}
	}
}

// processBatch is a single handler invocation under deadline and
// breaker accounting.
func (p *Processor[T]) processBatch(ctx context.Context, batch []T) error {
	if p.breakerOpen() {
		p.metrics.recordBatch(len(batch), 0, true)
		return ErrBreakerOpen
	}

	start := time.Now()
	batchCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	err := p.handler(batchCtx, batch)
	cancel()

	latency := time.Since(start)
	if err != nil {
		p.metrics.recordBatch(len(batch), latency, true)
		p.breakerFailure()
		return err
	}
	p.metrics.recordBatch(len(batch), latency, false)
	p.breakerSuccess()
	return nil
}

func (p *Processor[T]) backoff(attempt int) time.Duration {
	d := 100 * time.Millisecond
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.cfg.Retry.BackoffMultiplier)
		if d >= p.cfg.Retry.MaxBackoff {
			return p.cfg.Retry.MaxBackoff
		}
	}
	if d > p.cfg.Retry.MaxBackoff {
		d = p.cfg.Retry.MaxBackoff
	}
	return d
}

func (p *Processor[T]) breakerOpen() bool {
	p.breakerMu.Lock()
	defer p.breakerMu.Unlock()
	return time.Now().Before(p.openUntil)
}

func (p *Processor[T]) breakerFailure() {
	p.breakerMu.Lock()
	defer p.breakerMu.Unlock()
	p.consecutive++
	if p.consecutive >= p.cfg.BreakerThreshold {
		p.openUntil = time.Now().Add(p.cfg.BreakerCooldown)
		p.log.Warnf("processing breaker opened for %s after %d consecutive failures", p.cfg.BreakerCooldown, p.consecutive)
		p.consecutive = 0
	}
}

func (p *Processor[T]) breakerSuccess() {
	p.breakerMu.Lock()
	p.consecutive = 0
	p.openUntil = time.Time{}
	p.breakerMu.Unlock()
}

func (p *Processor[T]) monitorLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Monitoring.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m := p.Snapshot()
			p.metrics.appendHistory(m)
			p.checkThresholds(m)
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		}
	}
}

func (p *Processor[T]) checkThresholds(m Metrics) {
	t := p.cfg.Monitoring.Thresholds
	if t.BufferUtilisation > 0 && m.BufferUtilisation > t.BufferUtilisation {
		p.log.Warnf("buffer utilisation %.2f over threshold %.2f", m.BufferUtilisation, t.BufferUtilisation)
	}
	if t.ProcessingLatencyMs > 0 && m.AvgProcessingTimeMs > t.ProcessingLatencyMs {
		p.log.Warnf("processing latency %.1fms over threshold %.1fms", m.AvgProcessingTimeMs, t.ProcessingLatencyMs)
	}
	if t.ErrorRate > 0 && m.ErrorRate > t.ErrorRate {
		p.log.Warnf("error rate %.2f over threshold %.2f", m.ErrorRate, t.ErrorRate)
	}
	if t.Throughput > 0 && m.ThroughputPerSecond > 0 && m.ThroughputPerSecond < t.Throughput {
		p.log.Warnf("throughput %.1f/s under threshold %.1f/s", m.ThroughputPerSecond, t.Throughput)
	}
}
