// Package ratelimit implements HoneyGrid's C3 component: a token-bucket
// limiter used by the agent sender to cap its outbound event rate.
package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"
)

// retryInterval bounds how often a blocking Acquire re-checks the bucket.
const retryInterval = 10 * time.Millisecond

// Limiter is a thread-safe token bucket: tokens refill continuously at
// rate per second up to burst, and acquiring k tokens deducts them
// atomically with the refill step.
type Limiter struct {
	mu         sync.Mutex
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
	logger     *log.Logger

	succeeded int64
	denied    int64
}

// New creates a Limiter starting at full capacity (burst tokens available).
func New(rate, burst float64) *Limiter {
	if burst <= 0 {
		burst = rate
	}
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: time.Now(),
		logger:     log.New(log.Writer(), "[RATELIMIT] ", log.LstdFlags),
	}
}

// refill applies elapsed-time token accrual. Caller must hold mu.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastRefill = now
}

// Acquire attempts to consume k tokens. If blocking is false, it returns
// immediately (true/false). If blocking is true, it retries in short
// sleeps until tokens are available or ctx is done / the deadline in ctx
// (if any) elapses. A nil ctx with blocking=true blocks indefinitely.
func (l *Limiter) Acquire(ctx context.Context, k float64, blocking bool) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		l.mu.Lock()
		l.refill(time.Now())
		if l.tokens >= k {
			l.tokens -= k
			l.succeeded++
			l.mu.Unlock()
			return true
		}
		l.mu.Unlock()

		if !blocking {
			l.recordDenied()
			return false
		}

		select {
		case <-ctx.Done():
			l.recordDenied()
			return false
		case <-time.After(retryInterval):
		}
	}
}

func (l *Limiter) recordDenied() {
	l.mu.Lock()
	l.denied++
	count := l.denied
	l.mu.Unlock()
	if count%100 == 1 {
		l.logger.Printf("rate limit denied (cumulative=%d)", count)
	}
}

// Tokens returns the current token count, after applying refill.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(time.Now())
	return l.tokens
}

// Stats reports cumulative acquire outcomes, for the sender's counters.
type Stats struct {
	Succeeded int64
	Denied    int64
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Succeeded: l.succeeded, Denied: l.denied}
}
