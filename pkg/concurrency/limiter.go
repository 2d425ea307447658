// Package concurrency provides semaphore-based concurrency control and a
// circuit breaker. The orchestration engine uses a Limiter to bound the
// number of simultaneous node invocations within a tick; the JetStream event
// sink uses a CircuitBreaker to stop publishing while the broker is down.
package concurrency

import (
	"context"
	"sync/atomic"
	"time"
)

// Metrics tracks limiter performance counters
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter provides semaphore-based concurrency control with observability.
// The zero value is not usable; create one with NewLimiter.
type Limiter struct {
	sem           chan struct{}
	active        atomic.Int64
	totalAcquired atomic.Int64
	totalReleased atomic.Int64
	peak          atomic.Int64
	totalWaitNs   atomic.Int64
}

// NewLimiter creates a limiter allowing at most maxConcurrent concurrent
// holders. A non-positive maxConcurrent is treated as 1.
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{
		sem: make(chan struct{}, maxConcurrent),
	}
}

// Acquire blocks until a slot is available or the context is cancelled
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()

	select {
	case l.sem <- struct{}{}:
		l.totalWaitNs.Add(time.Since(start).Nanoseconds())
		l.totalAcquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release releases a previously acquired slot
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.totalReleased.Add(1)
	default:
		// Release without a matching Acquire; nothing to do
	}
}

// CurrentActive returns the number of slots currently held
func (l *Limiter) CurrentActive() int64 {
	return l.active.Load()
}

// GetMetrics returns a snapshot of the limiter counters
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   l.totalAcquired.Load(),
		TotalReleased:   l.totalReleased.Load(),
		PeakConcurrent:  l.peak.Load(),
		TotalWaitTimeNs: l.totalWaitNs.Load(),
	}
}

// GetAverageWaitTime calculates the average wait time for acquiring a slot
func (l *Limiter) GetAverageWaitTime() time.Duration {
	acquired := l.totalAcquired.Load()
	if acquired == 0 {
		return 0
	}
	return time.Duration(l.totalWaitNs.Load() / acquired)
}

// updatePeak raises the peak counter if current exceeds it
func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.peak.Load()
		if current <= peak {
			return
		}
		if l.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}
