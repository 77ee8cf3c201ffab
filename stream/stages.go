// Package stream provides composable bounded pipeline operators and a
// batch processor with backpressure, used to shape change feeds before
// they reach consumers.
package stream

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Filter drops records for which pred returns false. The output
// channel closes when the input closes.
func Filter[T any](in <-chan T, pred func(T) bool) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for v := range in {
			if pred(v) {
				out <- v
			}
		}
	}()
	return out
}

// Transform maps every record through fn.
func Transform[T, U any](in <-chan T, fn func(T) U) <-chan U {
	out := make(chan U)
	go func() {
		defer close(out)
		for v := range in {
			out <- fn(v)
		}
	}()
	return out
}

// Batch accumulates records until size is reached and emits them as a
// slice. A partial batch is flushed when the input closes.
func Batch[T any](in <-chan T, size int) <-chan []T {
	if size <= 0 {
		size = 1
	}
	out := make(chan []T)
	go func() {
		defer close(out)
		batch := make([]T, 0, size)
		for v := range in {
			batch = append(batch, v)
			if len(batch) >= size {
				out <- batch
				batch = make([]T, 0, size)
			}
		}
		if len(batch) > 0 {
			out <- batch
		}
	}()
	return out
}

// Throttle limits throughput to maxRate records per second using a
// token bucket. Inputs wait for a token before being forwarded. The
// stage drains and stops when ctx is cancelled.
func Throttle[T any](ctx context.Context, in <-chan T, maxRate float64) <-chan T {
	out := make(chan T)
	limiter := rate.NewLimiter(rate.Limit(maxRate), 1)
	go func() {
		defer close(out)
		for v := range in {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Debounce coalesces records sharing a key within the window: only the
// latest value per key is emitted, once the window since the key's
// first pending update has elapsed. Pending values are flushed when
// the input closes.
func Debounce[T any](in <-chan T, window time.Duration, key func(T) string) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)

		pending := make(map[string]T)
		deadlines := make(map[string]time.Time)

		timer := time.NewTimer(window)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		arm := func() {
			earliest := time.Time{}
			for _, d := range deadlines {
				if earliest.IsZero() || d.Before(earliest) {
					earliest = d
				}
			}
			if !earliest.IsZero() {
				timer.Reset(time.Until(earliest))
			}
		}

		flushDue := func(now time.Time) {
			for k, d := range deadlines {
				if !d.After(now) {
					out <- pending[k]
					delete(pending, k)
					delete(deadlines, k)
				}
			}
		}

		for {
			select {
			case v, ok := <-in:
				if !ok {
					for k := range pending {
						out <- pending[k]
					}
					return
				}
				k := key(v)
				if _, exists := deadlines[k]; !exists {
					deadlines[k] = time.Now().Add(window)
				}
				pending[k] = v
				arm()

			case now := <-timer.C:
				flushDue(now)
				arm()
			}
		}
	}()
	return out
}
