// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"math"
	"time"
)

// BackoffFunc returns the delay before the given attempt. attempt is 1 for
// the first retry.
type BackoffFunc func(attempt int) time.Duration

// Exponential returns base * 2^(attempt-1), capped at max.
func Exponential(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		backoff := float64(base) * math.Pow(2, float64(attempt-1))
		if max > 0 && backoff > float64(max) {
			return max
		}
		return time.Duration(backoff)
	}
}

// Linear returns step * attempt, capped at max.
func Linear(step, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		backoff := step * time.Duration(attempt)
		if max > 0 && backoff > max {
			return max
		}
		return backoff
	}
}

// Constant always returns d.
func Constant(d time.Duration) BackoffFunc {
	return func(int) time.Duration {
		return d
	}
}
