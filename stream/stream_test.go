package stream

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed[T any](values ...T) <-chan T {
	ch := make(chan T, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func collect[T any](ch <-chan T) []T {
	var out []T
	for v := range ch {
		out = append(out, v)
	}
	return out
}

func TestFilterTransformBatchPipeline(t *testing.T) {
	in := feed(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)

	evens := Filter(in, func(v int) bool { return v%2 == 0 })
	doubled := Transform(evens, func(v int) int { return v * 2 })
	batches := collect(Batch(doubled, 3))

	// 2,4,6,8,10 doubled; batch of 3 then the flushed remainder of 2.
	require.Len(t, batches, 2)
	assert.Equal(t, []int{4, 8, 12}, batches[0])
	assert.Equal(t, []int{16, 20}, batches[1])
}

// A partial batch is emitted when the input closes, never lost.
func TestBatchFlushOnClose(t *testing.T) {
	batches := collect(Batch(feed("a"), 10))
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"a"}, batches[0])

	assert.Empty(t, collect(Batch(feed[string](), 10)))
}

func TestThrottlePassesAllRecords(t *testing.T) {
	ctx := context.Background()
	out := collect(Throttle(ctx, feed(1, 2, 3, 4, 5), 10000))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, out)
}

// Output rate stays at or under the configured ceiling: n records
// through a bucket of rate r take at least (n-1)/r seconds.
func TestThrottleEnforcesCeiling(t *testing.T) {
	values := make([]int, 21)
	for i := range values {
		values[i] = i
	}

	start := time.Now()
	out := collect(Throttle(context.Background(), feed(values...), 100))
	elapsed := time.Since(start)

	require.Len(t, out, 21)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
}

type update struct {
	key   string
	value int
}

// Rapid updates to the same key collapse to the latest value.
func TestDebounceCoalesces(t *testing.T) {
	in := make(chan update)
	out := Debounce(in, 50*time.Millisecond, func(u update) string { return u.key })

	in <- update{"a", 1}
	in <- update{"a", 2}
	in <- update{"b", 10}
	in <- update{"a", 3}
	close(in)

	got := collect(out)
	require.Len(t, got, 2)
	sort.Slice(got, func(i, j int) bool { return got[i].key < got[j].key })
	assert.Equal(t, update{"a", 3}, got[0])
	assert.Equal(t, update{"b", 10}, got[1])
}

func TestDebounceEmitsAfterWindow(t *testing.T) {
	in := make(chan update)
	out := Debounce(in, 20*time.Millisecond, func(u update) string { return u.key })

	in <- update{"a", 1}

	select {
	case got := <-out:
		assert.Equal(t, update{"a", 1}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("debounced value never emitted")
	}
	close(in)
	collect(out)
}

func newTestProcessor(t *testing.T, cfg Config, handler BatchHandler[int]) *Processor[int] {
	t.Helper()
	p, err := NewProcessor(cfg, handler, nil)
	require.NoError(t, err)
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

func TestProcessorProcessesAllRecords(t *testing.T) {
	var mu sync.Mutex
	var got []int

	p := newTestProcessor(t, Config{BatchSize: 2, BufferSize: 16}, func(ctx context.Context, batch []int) error {
		mu.Lock()
		got = append(got, batch...)
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	p.Start(ctx)
	for i := 1; i <= 5; i++ {
		require.NoError(t, p.Offer(ctx, i))
	}
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	sort.Ints(got)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)

	m := p.Snapshot()
	assert.Equal(t, int64(5), m.RecordsProcessed)
	assert.Zero(t, m.RecordsErrored)
}

// Under the drop strategy a full buffer sheds new records and tells
// the caller.
func TestProcessorDropStrategy(t *testing.T) {
	p := newTestProcessor(t, Config{
		BatchSize:             10,
		BufferSize:            4,
		BackpressureThreshold: 0.5,
		BackpressureStrategy:  StrategyDrop,
	}, func(ctx context.Context, batch []int) error { return nil })
	// Not started: nothing drains the buffer.

	ctx := context.Background()
	dropped := 0
	for i := 0; i < 8; i++ {
		if err := p.Offer(ctx, i); errors.Is(err, ErrDropped) {
			dropped++
		}
	}
	assert.Greater(t, dropped, 0)

	m := p.Snapshot()
	assert.EqualValues(t, dropped, m.RecordsDropped)
	assert.Greater(t, m.BackpressureEvents, int64(0))
}

// A batch that exhausts its retry budget lands on the dead-letter
// channel, record by record.
func TestProcessorDeadLetter(t *testing.T) {
	var calls int32
	p := newTestProcessor(t, Config{
		BatchSize:  2,
		BufferSize: 16,
		Retry:      RetryConfig{Max: 1},
	}, func(ctx context.Context, batch []int) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("downstream unavailable")
	})

	ctx := context.Background()
	p.Start(ctx)
	require.NoError(t, p.Offer(ctx, 7))
	require.NoError(t, p.Offer(ctx, 8))
	p.Stop()

	dead := collect(p.DeadLetters())
	sort.Ints(dead)
	assert.Equal(t, []int{7, 8}, dead)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls)) // initial + one retry

	// Each record is errored once, however many attempts its batch took.
	m := p.Snapshot()
	assert.Equal(t, int64(2), m.RecordsErrored)
	assert.Zero(t, m.RecordsProcessed)
	assert.Greater(t, m.ErrorRate, 0.99)
}

// A batch that fails once and succeeds on retry counts its records as
// processed only; per-attempt failures do not inflate the error count.
func TestProcessorRetrySuccessCountsOnce(t *testing.T) {
	var calls int32
	p := newTestProcessor(t, Config{
		BatchSize:  2,
		BufferSize: 16,
		Retry:      RetryConfig{Max: 2},
	}, func(ctx context.Context, batch []int) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	ctx := context.Background()
	p.Start(ctx)
	require.NoError(t, p.Offer(ctx, 1))
	require.NoError(t, p.Offer(ctx, 2))
	p.Stop()

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	m := p.Snapshot()
	assert.Equal(t, int64(2), m.RecordsProcessed)
	assert.Zero(t, m.RecordsErrored)
	assert.Zero(t, m.RecordsDropped)
}

// Under the throttle strategy intake slows down past the threshold but
// every record is still delivered and none are dropped.
func TestProcessorThrottleStrategy(t *testing.T) {
	var mu sync.Mutex
	var got []int

	p := newTestProcessor(t, Config{
		BatchSize:             2,
		BufferSize:            4,
		BackpressureThreshold: 0.25,
		BackpressureStrategy:  StrategyThrottle,
	}, func(ctx context.Context, batch []int) error {
		mu.Lock()
		got = append(got, batch...)
		mu.Unlock()
		return nil
	})
	var throttled int32
	p.sleep = func(ctx context.Context, d time.Duration) error {
		atomic.AddInt32(&throttled, 1)
		return nil
	}

	ctx := context.Background()
	// Fill past the threshold before the drain starts.
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Offer(ctx, i))
	}
	p.Start(ctx)
	for i := 4; i < 8; i++ {
		require.NoError(t, p.Offer(ctx, i))
	}
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	sort.Ints(got)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, got)

	m := p.Snapshot()
	assert.Equal(t, int64(8), m.RecordsProcessed)
	assert.Zero(t, m.RecordsDropped)
	assert.Greater(t, m.BackpressureEvents, int64(0))
	assert.Greater(t, atomic.LoadInt32(&throttled), int32(0))
}

// Offer after Stop reports the stop instead of panicking on a closed
// channel.
func TestProcessorOfferAfterStop(t *testing.T) {
	p := newTestProcessor(t, Config{BatchSize: 1, BufferSize: 4}, func(ctx context.Context, batch []int) error {
		return nil
	})

	ctx := context.Background()
	p.Start(ctx)
	require.NoError(t, p.Offer(ctx, 1))
	p.Stop()

	assert.ErrorIs(t, p.Offer(ctx, 2), ErrStopped)
}

// While the breaker is open process_batch fails fast without invoking
// the handler.
func TestProcessorBreakerFastFail(t *testing.T) {
	var calls int32
	p := newTestProcessor(t, Config{
		BatchSize:        1,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Minute,
	}, func(ctx context.Context, batch []int) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	})

	ctx := context.Background()
	require.Error(t, p.processBatch(ctx, []int{1}))
	require.Error(t, p.processBatch(ctx, []int{2}))
	assert.True(t, p.breakerOpen())

	err := p.processBatch(ctx, []int{3})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	// A success after cool-down closes the breaker again.
	p.openUntil = time.Time{}
	p.handler = func(ctx context.Context, batch []int) error { return nil }
	require.NoError(t, p.processBatch(ctx, []int{4}))
	assert.False(t, p.breakerOpen())
}

func TestProcessorRejectsBadConfig(t *testing.T) {
	_, err := NewProcessor[int](Config{}, nil, nil)
	assert.Error(t, err)

	_, err = NewProcessor(Config{BackpressureStrategy: "panic"}, func(ctx context.Context, b []int) error { return nil }, nil)
	assert.Error(t, err)
}

func TestMetricsHistoryBounded(t *testing.T) {
	c := newCollector()
	for i := 0; i < historyLimit+50; i++ {
		c.appendHistory(Metrics{Timestamp: time.Now()})
	}
	assert.Len(t, c.historyCopy(), historyLimit)
}
