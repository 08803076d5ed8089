// Package ratelimit provides a per-client token bucket for the HTTP facade.
// Each identity gets its own bucket refilled at a fixed rate; a denied check
// reports how long the client should wait before retrying.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// sweepInterval bounds how often idle buckets are evicted.
const sweepInterval = time.Minute

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter tracks one token bucket per key. Buckets are created on first use
// and evicted once they sit full and idle past the sweep interval.
type Limiter struct {
	rate  float64
	burst float64

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time

	now func() time.Time
}

// New creates a limiter refilling requestsPerSecond tokens into buckets of
// capacity burst. Non-positive arguments fall back to a single-token bucket.
func New(requestsPerSecond float64, burst int) *Limiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now
	return &Limiter{
		rate:      requestsPerSecond,
		burst:     float64(burst),
		buckets:   make(map[string]*bucket),
		lastSweep: now(),
		now:       now,
	}
}

// Allow consumes one token from the key's bucket. When the bucket is empty
// the decision carries the time until the next token becomes available.
func (l *Limiter) Allow(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[key] = b
	} else {
		elapsed := now.Sub(b.last).Seconds()
		b.tokens = math.Min(l.burst, b.tokens+elapsed*l.rate)
		b.last = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true}
	}

	wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	return Decision{Allowed: false, RetryAfter: wait}
}

// sweep drops buckets that refilled to capacity and have not been touched
// since the last sweep. Caller holds the mutex.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < sweepInterval {
		return
	}
	for key, b := range l.buckets {
		idle := now.Sub(b.last)
		if b.tokens+idle.Seconds()*l.rate >= l.burst && idle >= sweepInterval {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}

// Size reports how many buckets are currently tracked.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
