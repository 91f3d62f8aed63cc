package fetch

import (
	"time"
)

// RetryPolicy is the bounded exponential backoff applied to transport failures.
type RetryPolicy struct {
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Backoff returns the delay after the given zero-based failed attempt:
// min(InitialDelay * 2^attempt, MaxDelay).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := p.InitialDelay
	for i := 0; i < attempt; i++ {
		if (p.MaxDelay > 0 && delay >= p.MaxDelay) || delay > (1<<62)/2 {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func (p RetryPolicy) attempts() int {
	if p.MaxRetries < 1 {
		return 1
	}
	return p.MaxRetries
}
