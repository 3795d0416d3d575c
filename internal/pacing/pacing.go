// Package pacing spreads a batch evenly over a time window.
package pacing

import (
	"fmt"
	"math"
	"time"

	"pacebot/internal/faults"
)

// PerMessageDelay returns totalWindowSeconds / messageCount.
//
// A zero or negative window is accepted and yields a delay <= 0, which
// callers treat as "no wait". messageCount must be positive.
func PerMessageDelay(totalWindowSeconds float64, messageCount int) (float64, error) {
	if messageCount <= 0 {
		return 0, fmt.Errorf("%w: cannot pace %d messages", faults.ErrConfiguration, messageCount)
	}
	return totalWindowSeconds / float64(messageCount), nil
}

// Duration converts seconds to a time.Duration, clamping negatives (and NaN)
// to zero.
func Duration(seconds float64) time.Duration {
	if math.IsNaN(seconds) || seconds <= 0 {
		return 0
	}
	d := seconds * float64(time.Second)
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
