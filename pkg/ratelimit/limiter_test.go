package ratelimit

import (
	"testing"
	"time"
)

// fixedClock advances only when the test says so.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(rate float64, burst int) (*Limiter, *fixedClock) {
	clock := &fixedClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := New(rate, burst)
	l.now = clock.now
	l.lastSweep = clock.t
	return l, clock
}

func TestAllowWithinBurst(t *testing.T) {
	l, _ := newTestLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if d := l.Allow("client-a"); !d.Allowed {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	if d := l.Allow("client-a"); d.Allowed {
		t.Fatal("request beyond burst allowed")
	}
}

func TestDeniedReportsRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(2, 1)

	l.Allow("client-a")
	d := l.Allow("client-a")
	if d.Allowed {
		t.Fatal("expected denial")
	}
	// One token at 2 tokens/s refills in 500ms.
	if d.RetryAfter <= 0 || d.RetryAfter > 500*time.Millisecond {
		t.Errorf("RetryAfter = %v", d.RetryAfter)
	}
}

func TestRefillOverTime(t *testing.T) {
	l, clock := newTestLimiter(1, 1)

	if d := l.Allow("client-a"); !d.Allowed {
		t.Fatal("first request denied")
	}
	if d := l.Allow("client-a"); d.Allowed {
		t.Fatal("empty bucket allowed")
	}

	clock.advance(time.Second)
	if d := l.Allow("client-a"); !d.Allowed {
		t.Fatal("refilled bucket denied")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, 1)

	l.Allow("client-a")
	if d := l.Allow("client-a"); d.Allowed {
		t.Fatal("client-a should be exhausted")
	}
	if d := l.Allow("client-b"); !d.Allowed {
		t.Fatal("client-b should have its own bucket")
	}
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	l, clock := newTestLimiter(10, 5)

	l.Allow("client-a")
	l.Allow("client-b")
	if l.Size() != 2 {
		t.Fatalf("size = %d", l.Size())
	}

	clock.advance(2 * sweepInterval)
	l.Allow("client-c")
	if l.Size() != 1 {
		t.Errorf("idle buckets not evicted, size = %d", l.Size())
	}
}

func TestNewClampsArguments(t *testing.T) {
	l := New(-1, 0)
	if d := l.Allow("k"); !d.Allowed {
		t.Fatal("clamped limiter should allow one request")
	}
	if d := l.Allow("k"); d.Allowed {
		t.Fatal("clamped limiter should hold a single token")
	}
}
