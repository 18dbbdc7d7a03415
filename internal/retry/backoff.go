package retry

import "time"

// maxShift keeps base*2^(n-1) well inside int64 nanoseconds
const maxShift = 20

// BackoffDelay returns the wait before attempt (1-based) for category.
//
//	none:        0
//	linear:      base * attempt
//	exponential: base * 2^(attempt-1)
//
// Attempts below 1 are treated as 1. The result is deterministic.
func BackoffDelay(category Category, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	p := PolicyFor(category)
	switch p.Backoff {
	case BackoffLinear:
		return p.BaseDelay * time.Duration(attempt)
	case BackoffExponential:
		shift := attempt - 1
		if shift > maxShift {
			shift = maxShift
		}
		return p.BaseDelay * time.Duration(1<<uint(shift))
	default:
		return 0
	}
}
