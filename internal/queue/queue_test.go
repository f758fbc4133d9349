package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay_BoundedByMax(t *testing.T) {
	q := &Queue{backoffBase: 5 * time.Second, backoffMax: 30 * time.Second, maxAttempts: 8}

	for attempt := 1; attempt <= 10; attempt++ {
		delay := q.backoffDelay(attempt)
		assert.LessOrEqual(t, delay, q.backoffMax)
		assert.Greater(t, delay, time.Duration(0))
	}
}

func TestBackoffDelay_GrowsWithAttempt(t *testing.T) {
	q := &Queue{backoffBase: 1 * time.Second, backoffMax: time.Hour, maxAttempts: 8}

	// jitter makes individual samples noisy, so compare averages.
	avg := func(attempt int) time.Duration {
		var total time.Duration
		const n = 200
		for i := 0; i < n; i++ {
			total += q.backoffDelay(attempt)
		}
		return total / n
	}

	assert.Less(t, avg(1), avg(4))
}
