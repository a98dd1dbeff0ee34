package amqplink

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DeadlineTracker measures elapsed and remaining time against an operation
// budget. The clock starts on first use unless the tracker was started
// explicitly.
type DeadlineTracker struct {
	lock      sync.Mutex
	clock     clock.Clock
	budget    time.Duration
	startedAt time.Time
	started   bool
}

// NewDeadlineTracker returns a tracker for budget. When startNow is false the
// clock starts on the first call to Elapsed or Remaining.
func NewDeadlineTracker(budget time.Duration, startNow bool, clk clock.Clock) (*DeadlineTracker, error) {
	if budget < 0 {
		return nil, NewError(InvalidArgumentError, "deadline budget must not be negative")
	}
	if clk == nil {
		clk = clock.New()
	}
	tracker := &DeadlineTracker{clock: clk, budget: budget}
	if startNow {
		tracker.startedAt = clk.Now()
		tracker.started = true
	}
	return tracker, nil
}

func startDeadline(budget time.Duration, clk clock.Clock) *DeadlineTracker {
	if budget < 0 {
		budget = 0
	}
	tracker, _ := NewDeadlineTracker(budget, true, clk)
	return tracker
}

// Budget returns the configured budget.
func (tracker *DeadlineTracker) Budget() time.Duration { return tracker.budget }

// Elapsed returns the time since the tracker started, starting it if needed.
func (tracker *DeadlineTracker) Elapsed() time.Duration {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()
	if !tracker.started {
		tracker.startedAt = tracker.clock.Now()
		tracker.started = true
	}
	return tracker.clock.Since(tracker.startedAt)
}

// Remaining returns budget minus elapsed. The result is negative once the
// deadline has passed.
func (tracker *DeadlineTracker) Remaining() time.Duration {
	return tracker.budget - tracker.Elapsed()
}

// Expired reports whether no time remains.
func (tracker *DeadlineTracker) Expired() bool {
	return tracker.Remaining() <= 0
}

func clampRemaining(remaining time.Duration) time.Duration {
	if remaining < 0 {
		return 0
	}
	return remaining
}
