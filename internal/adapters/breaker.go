package adapters

import (
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// NewBreaker builds a per-adapter circuit breaker. Each adapter gets its own
// breaker instance so one collaborator tripping open never blocks calls to
// the others.
func NewBreaker(name string, maxRequests uint32, interval, timeout time.Duration, logger *zap.Logger) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: maxRequests,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("adapter circuit breaker state change",
				zap.String("adapter", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}

// guard runs fn through the breaker, translating gobreaker's own
// open-circuit error into a Retryable AdapterError so callers only ever
// branch on AdapterError.Kind.
func guard(breaker *gobreaker.CircuitBreaker, fn func() error) error {
	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &AdapterError{Kind: Retryable, Message: fmt.Sprintf("circuit open: %v", err)}
	}
	return err
}
