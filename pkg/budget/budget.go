// Package budget tracks tool-call consumption against a per-run maximum.
package budget

import "sync"

// ToolCallBudget counts consumed tool calls against a cap. A nil max (see
// NewUnbounded) never exhausts. The counter only moves forward; rejected
// consumes leave it untouched.
type ToolCallBudget struct {
	mu        sync.Mutex
	maxCalls  int
	unbounded bool
	usedCalls int
}

// New creates a budget capped at maxCalls. Negative caps clamp to zero.
func New(maxCalls int) *ToolCallBudget {
	if maxCalls < 0 {
		maxCalls = 0
	}
	return &ToolCallBudget{maxCalls: maxCalls}
}

// NewUnbounded creates a budget that never exhausts.
func NewUnbounded() *ToolCallBudget {
	return &ToolCallBudget{unbounded: true}
}

// Consume attempts to spend k calls. It returns true and records the spend
// iff used+k stays within the cap; otherwise the counter is unchanged.
func (b *ToolCallBudget) Consume(k int) bool {
	if k < 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.unbounded && b.usedCalls+k > b.maxCalls {
		return false
	}
	b.usedCalls += k
	return true
}

// Used returns the number of calls consumed so far.
func (b *ToolCallBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usedCalls
}

// Max returns the cap and whether it is finite.
func (b *ToolCallBudget) Max() (int, bool) {
	return b.maxCalls, !b.unbounded
}

// Remaining returns the calls left, or -1 when unbounded.
func (b *ToolCallBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unbounded {
		return -1
	}
	return b.maxCalls - b.usedCalls
}

// Exhausted reports whether no further calls may be consumed.
func (b *ToolCallBudget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.unbounded && b.usedCalls >= b.maxCalls
}

// Unbounded reports whether the budget has no cap.
func (b *ToolCallBudget) Unbounded() bool {
	return b.unbounded
}
