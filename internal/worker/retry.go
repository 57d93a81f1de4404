package worker

import (
	"time"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

const maxBackoffShift = 16

// RetryDecision reports whether attempt (1-based retry number) should run after err,
// and how long to wait first: base * 2^(attempt-1).
func RetryDecision(err error, attempt, maxRetries int, base time.Duration) (time.Duration, bool) {
	if err == nil || attempt < 1 || attempt > maxRetries || !harvest.Retryable(err) {
		return 0, false
	}
	if base <= 0 {
		return 0, true
	}
	shift := min(attempt-1, maxBackoffShift)
	return base << shift, true
}
