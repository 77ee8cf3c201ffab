package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nowbridge.evalgo.org/queue"
)

func newTestPool(t *testing.T, cfg Config) (*Pool, *queue.Queue) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q, err := queue.New(context.Background(), client, queue.Config{}, nil)
	require.NoError(t, err)

	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	cfg.IdleSleep = 5 * time.Millisecond
	cfg.BaseRetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 10 * time.Millisecond
	pool := NewPool(q, cfg, nil)
	return pool, q
}

func waitForStatus(t *testing.T, q *queue.Queue, id string, want queue.Status) *queue.Job {
	t.Helper()
	var got *queue.Job
	require.Eventually(t, func() bool {
		job, err := q.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = job
		return job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return got
}

// A transient failure is retried until it succeeds; the terminal record
// keeps the retry count and the handler result.
func TestRetryThenSucceed(t *testing.T) {
	pool, q := newTestPool(t, Config{})

	var calls int32
	pool.Register(queue.TypeParquetExport, func(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return nil, Retryable(errors.New("connection reset by peer"), KindNetwork)
		}
		return map[string]interface{}{"exported": 1000, "bytes": 2500000}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	id, err := q.Enqueue(ctx, queue.TypeParquetExport, nil, queue.Options{RetryMax: 3})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, queue.StatusCompleted)
	assert.Equal(t, 2, job.RetryCount)
	assert.Equal(t, 100, job.Progress)
	assert.EqualValues(t, 1000, job.Result["exported"])
	assert.EqualValues(t, 2500000, job.Result["bytes"])
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

// Handler invocations never exceed retry_max + 1.
func TestRetryBudget(t *testing.T) {
	pool, q := newTestPool(t, Config{DeadLetterEnabled: true})

	var calls int32
	pool.Register(queue.TypeDataSync, func(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, Retryable(errors.New("upstream timeout"), KindTimeout)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	id, err := q.Enqueue(ctx, queue.TypeDataSync, nil, queue.Options{RetryMax: 2})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, queue.StatusFailed)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls)) // retry_max + 1
	require.NotNil(t, job.Error)
	assert.True(t, job.Error.Retryable)
	assert.Equal(t, string(KindTimeout), job.Error.Kind)

	dead, err := q.ListDeadLetter(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	pool, q := newTestPool(t, Config{})

	var calls int32
	pool.Register(queue.TypeReport, func(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, NonRetryable(errors.New("malformed payload"), KindValidation)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	id, err := q.Enqueue(ctx, queue.TypeReport, nil, queue.Options{RetryMax: 5})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, queue.StatusFailed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, job.RetryCount)
	assert.False(t, job.Error.Retryable)
}

// Cancelling a job mid-flight reaches the handler through its context,
// and the terminal record stays cancelled.
func TestCancelReachesRunningHandler(t *testing.T) {
	pool, q := newTestPool(t, Config{})

	started := make(chan string, 1)
	unblocked := make(chan error, 1)
	pool.Register(queue.TypeBackup, func(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
		started <- job.ID
		<-ctx.Done()
		unblocked <- ctx.Err()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	id, err := q.Enqueue(ctx, queue.TypeBackup, nil, queue.Options{})
	require.NoError(t, err)

	select {
	case got := <-started:
		require.Equal(t, id, got)
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	require.NoError(t, q.Cancel(ctx, id, "operator abort"))

	select {
	case err := <-unblocked:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation never reached the running handler")
	}

	job := waitForStatus(t, q, id, queue.StatusCancelled)
	require.NotNil(t, job.Error)
	assert.Equal(t, "operator abort", job.Error.Message)
}

func TestMissingHandlerFailsJob(t *testing.T) {
	pool, q := newTestPool(t, Config{})
	// TypeBackup deliberately left unregistered; register another type so
	// the pool has something to do.
	pool.Register(queue.TypeReport, func(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	id, err := q.Enqueue(ctx, queue.TypeBackup, nil, queue.Options{})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, queue.StatusFailed)
	assert.Contains(t, job.Error.Message, "no handler registered")
}

// After five consecutive failures the breaker opens and jobs of that
// type stay pending instead of being claimed.
func TestBreakerHoldsJobsPending(t *testing.T) {
	pool, q := newTestPool(t, Config{
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
	})

	var calls int32
	pool.Register(queue.TypeCacheRefresh, func(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, NonRetryable(errors.New("validation: bad keys"), KindValidation)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(ctx, queue.TypeCacheRefresh, nil, queue.Options{})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitForStatus(t, q, id, queue.StatusFailed)
	}

	// Breaker is now open: the next job must remain pending, unclaimed.
	held, err := q.Enqueue(ctx, queue.TypeCacheRefresh, nil, queue.Options{})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	job, err := q.Get(ctx, held)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestRetryDelayBounds(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // capped
		{10, 30 * time.Second},
		{100, 30 * time.Second}, // shift overflow guarded
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("retry%d", tt.retry), func(t *testing.T) {
			assert.Equal(t, tt.want, RetryDelay(base, max, tt.retry))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  ErrorKind
		retryable bool
	}{
		{"DeadlineExceeded", context.DeadlineExceeded, KindTimeout, true},
		{"ConnectionReset", errors.New("read tcp: connection reset by peer"), KindNetwork, true},
		{"RateLimited", errors.New("too many requests"), KindRateLimit, true},
		{"Unauthorized", errors.New("unauthorized"), KindAuth, false},
		{"Validation", errors.New("invalid cron expression"), KindValidation, false},
		{"WrappedRetryable", Retryable(errors.New("boom"), KindUpstream), KindUpstream, true},
		{"WrappedNonRetryable", NonRetryable(errors.New("boom"), KindAuth), KindAuth, false},
		{"Unknown", errors.New("something else entirely"), KindInternal, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, retryable := Classify(tt.err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.retryable, retryable)
		})
	}
}
