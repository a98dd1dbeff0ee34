package amqplink

import (
	"math"
	"sync"
	"time"
)

// Retry policy constants.
const (
	DefaultMaxRetries         = 10
	DefaultMinBackoff         = 0 * time.Second
	DefaultMaxBackoff         = 30 * time.Second
	DefaultServerBusyBaseWait = 4 * time.Second

	// retryTolerance is the smallest remaining budget worth scheduling a retry into.
	retryTolerance = time.Second

	defaultRetryClientID = "_default"
)

// RetryPolicy decides whether and when a failed link or connection is recreated.
// Attempt counts are tracked per client identifier.
type RetryPolicy interface {
	// NextRetryInterval returns the wait before the next attempt, or false to give up.
	NextRetryInterval(clientID string, lastErr error, remaining time.Duration) (time.Duration, bool)
	IncrementRetryCount(clientID string)
	ResetRetryCount(clientID string)
	RetryCount(clientID string) uint32
}

// ExponentialRetryPolicy backs off exponentially between MinBackoff and
// MaxBackoff over at most MaxRetries attempts.
type ExponentialRetryPolicy struct {
	lock               sync.Mutex
	MinBackoff         time.Duration
	MaxBackoff         time.Duration
	MaxRetries         uint32
	ServerBusyBaseWait time.Duration
	retryFactor        float64
	attempts           map[string]uint32
}

// NewExponentialRetryPolicy returns a new ExponentialRetryPolicy.
func NewExponentialRetryPolicy(minBackoff time.Duration, maxBackoff time.Duration, maxRetries uint32) *ExponentialRetryPolicy {
	if minBackoff < 0 {
		minBackoff = 0
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	return &ExponentialRetryPolicy{
		MinBackoff:         minBackoff,
		MaxBackoff:         maxBackoff,
		MaxRetries:         maxRetries,
		ServerBusyBaseWait: DefaultServerBusyBaseWait,
		retryFactor:        computeRetryFactor(minBackoff, maxBackoff, maxRetries),
		attempts:           make(map[string]uint32),
	}
}

// NewDefaultRetryPolicy returns the policy built from the package defaults.
func NewDefaultRetryPolicy() *ExponentialRetryPolicy {
	return NewExponentialRetryPolicy(DefaultMinBackoff, DefaultMaxBackoff, DefaultMaxRetries)
}

func computeRetryFactor(minBackoff time.Duration, maxBackoff time.Duration, maxRetries uint32) float64 {
	deltaSeconds := (maxBackoff - minBackoff).Seconds()
	if deltaSeconds <= 0 || maxRetries <= 1 {
		return 0
	}
	factor := math.Log(deltaSeconds) / math.Log(float64(maxRetries))
	// factors in (0,1) would make later waits shorter than earlier ones
	if factor > 0 && factor < 1 {
		factor = 1
	}
	if factor < 0 {
		factor = 0
	}
	return factor
}

// RetryFactor returns the exponent base computed at construction.
func (policy *ExponentialRetryPolicy) RetryFactor() float64 {
	if policy == nil {
		return 0
	}
	return policy.retryFactor
}

// NextRetryInterval implements RetryPolicy.
func (policy *ExponentialRetryPolicy) NextRetryInterval(clientID string, lastErr error, remaining time.Duration) (time.Duration, bool) {
	if policy == nil {
		return 0, false
	}
	classified := Classify(lastErr)
	if classified != nil && !classified.Transient() {
		return 0, false
	}

	attempt := policy.RetryCount(clientID)
	if attempt >= policy.MaxRetries {
		return 0, false
	}

	raw := time.Duration(0)
	if policy.retryFactor > 0 {
		raw = time.Duration(math.Pow(policy.retryFactor, float64(attempt)) * float64(time.Second))
	}
	wait := policy.MinBackoff + raw
	if wait > policy.MaxBackoff {
		wait = policy.MaxBackoff
	}
	if classified != nil && classified.Code == ServerBusyError {
		wait += policy.ServerBusyBaseWait
	}

	if remaining < max(wait, retryTolerance) {
		return 0, false
	}
	return wait, true
}

// IncrementRetryCount records that a recreation attempt was scheduled.
func (policy *ExponentialRetryPolicy) IncrementRetryCount(clientID string) {
	if policy == nil {
		return
	}
	policy.lock.Lock()
	policy.attempts[normalizeClientID(clientID)]++
	policy.lock.Unlock()
}

// ResetRetryCount clears the attempt count after a success.
func (policy *ExponentialRetryPolicy) ResetRetryCount(clientID string) {
	if policy == nil {
		return
	}
	policy.lock.Lock()
	delete(policy.attempts, normalizeClientID(clientID))
	policy.lock.Unlock()
}

// RetryCount returns the current attempt count.
func (policy *ExponentialRetryPolicy) RetryCount(clientID string) uint32 {
	if policy == nil {
		return 0
	}
	policy.lock.Lock()
	defer policy.lock.Unlock()
	return policy.attempts[normalizeClientID(clientID)]
}

func normalizeClientID(clientID string) string {
	if clientID == "" {
		return defaultRetryClientID
	}
	return clientID
}

// NoRetryPolicy never retries.
type NoRetryPolicy struct{}

// NewNoRetryPolicy returns a policy with single-attempt semantics.
func NewNoRetryPolicy() *NoRetryPolicy { return &NoRetryPolicy{} }

// NextRetryInterval always gives up.
func (policy *NoRetryPolicy) NextRetryInterval(string, error, time.Duration) (time.Duration, bool) {
	return 0, false
}

// IncrementRetryCount is a no-op.
func (policy *NoRetryPolicy) IncrementRetryCount(string) {}

// ResetRetryCount is a no-op.
func (policy *NoRetryPolicy) ResetRetryCount(string) {}

// RetryCount is always zero.
func (policy *NoRetryPolicy) RetryCount(string) uint32 { return 0 }
