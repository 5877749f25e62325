package queue

import (
	"math"
	"time"
)

const maxBackoff = 5 * time.Minute

// Backoff returns the redelivery delay before the given attempt number
// (1-based). Exponential with base 2, capped.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
