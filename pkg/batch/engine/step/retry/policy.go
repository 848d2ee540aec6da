package retry

import (
	"time"

	"github.com/tigerroll/batchcursor/pkg/batch/support/util/exception"
)

// RetryPolicy decides whether a failed step is attempted again after a reconnect.
type RetryPolicy interface {
	// ShouldRetry reports whether err is a transient failure.
	ShouldRetry(err error) bool
	// GetBackoffInterval returns the wait before the given attempt (starting from 1).
	GetBackoffInterval(attempt int) time.Duration
	// GetMaxAttempts returns the number of consecutive reconnection attempts allowed.
	GetMaxAttempts() int
}

// DefaultRetryPolicyFactory creates reconnection policies from configuration.
type DefaultRetryPolicyFactory struct{}

// NewDefaultRetryPolicyFactory creates a new DefaultRetryPolicyFactory.
func NewDefaultRetryPolicyFactory() *DefaultRetryPolicyFactory {
	return &DefaultRetryPolicyFactory{}
}

// Create returns a fixed-delay policy.
// maxAttempts: consecutive reconnection attempts allowed (0 disables retrying).
// delaySeconds: wait before each attempt.
// retryableExceptions: additional error names matched with exception.IsErrorOfType.
func (f *DefaultRetryPolicyFactory) Create(maxAttempts int, delaySeconds int, retryableExceptions []string) RetryPolicy {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	if delaySeconds < 0 {
		delaySeconds = 0
	}
	return &defaultRetryPolicy{
		maxAttempts:         maxAttempts,
		delay:               time.Duration(delaySeconds) * time.Second,
		retryableExceptions: retryableExceptions,
	}
}

// defaultRetryPolicy waits the same delay before every attempt.
type defaultRetryPolicy struct {
	maxAttempts         int
	delay               time.Duration
	retryableExceptions []string
}

// GetMaxAttempts returns the maximum number of attempts.
func (p *defaultRetryPolicy) GetMaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry checks the BatchError retryable flag first, then the configured names.
func (p *defaultRetryPolicy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if exception.IsTemporary(err) {
		return true
	}
	for _, typeName := range p.retryableExceptions {
		if exception.IsErrorOfType(err, typeName) {
			return true
		}
	}
	return false
}

// GetBackoffInterval returns the fixed delay regardless of attempt.
func (p *defaultRetryPolicy) GetBackoffInterval(attempt int) time.Duration {
	return p.delay
}

var _ RetryPolicy = (*defaultRetryPolicy)(nil)
