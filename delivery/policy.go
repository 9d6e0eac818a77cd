package delivery

import (
	"time"

	"mailfollow/config"
)

// RetryPolicy is a fixed backoff schedule: after the n-th failed attempt
// (n counted from 0) the job waits Backoff[n]; once MaxRetries retries have
// been used the next failure is terminal.
type RetryPolicy struct {
	MaxRetries int
	Backoff    []time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Backoff:    []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second},
	}
}

// PolicyFromConfig reads the retry knobs from the scheduler config.
func PolicyFromConfig(cfg config.SchedulerConfig) RetryPolicy {
	if cfg.MaxRetries == 0 && len(cfg.RetryDelays) == 0 {
		return DefaultRetryPolicy()
	}
	return RetryPolicy{MaxRetries: cfg.MaxRetries, Backoff: cfg.RetryDelays}
}

// Next returns the wait before the next attempt given the number of failed
// attempts so far, and false when the retry budget is spent.
func (p RetryPolicy) Next(attempts int) (time.Duration, bool) {
	if attempts >= p.MaxRetries {
		return 0, false
	}
	switch {
	case len(p.Backoff) == 0:
		return 0, true
	case attempts < len(p.Backoff):
		return p.Backoff[attempts], true
	default:
		return p.Backoff[len(p.Backoff)-1], true
	}
}
