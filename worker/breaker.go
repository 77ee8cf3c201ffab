package worker

import (
	"sync"
	"time"
)

// breaker is a per-handler-type circuit breaker. After a threshold of
// consecutive failures it opens for a cool-down interval; the first
// success after the cool-down closes it.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	consecutive int
	openUntil   time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{threshold: threshold, cooldown: cooldown}
}

// Open reports whether the breaker currently refuses work.
func (b *breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Before(b.openUntil)
}

// Success resets the failure streak and closes the breaker.
func (b *breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.openUntil = time.Time{}
}

// Failure records a failure; when the streak reaches the threshold the
// breaker opens for the cool-down interval.
func (b *breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if b.consecutive >= b.threshold {
		b.openUntil = time.Now().Add(b.cooldown)
		b.consecutive = 0
	}
}
