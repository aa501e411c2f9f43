package semantic

import (
	"sync"
	"time"
)

// breaker trips open after N consecutive transient failures and allows a
// probe again after the reset period. A degraded capability then costs one
// probe per reset window instead of one timeout per unit.
type breaker struct {
	mu               sync.Mutex
	consecutiveFails int
	threshold        int
	resetAfter       time.Duration
	lastFailure      time.Time
}

func newBreaker(threshold int, resetAfter time.Duration) *breaker {
	return &breaker{threshold: threshold, resetAfter: resetAfter}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consecutiveFails < b.threshold {
		return true
	}
	return time.Since(b.lastFailure) >= b.resetAfter
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails++
	b.lastFailure = time.Now()
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
}
