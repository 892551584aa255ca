package feed

import "time"

const (
	defaultBaseDelay  = 1 * time.Second
	defaultMaxDelay   = 60 * time.Second
	defaultMaxRetries = 5
	defaultSlowRetry  = 60 * time.Second
)

// Policy decides how long a connection waits before the next dial.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int           // consecutive failures before the feed is reported unavailable
	SlowRetry  time.Duration // retry cadence once unavailable
}

// DefaultPolicy returns 1s doubling up to 60s, unavailable after 5 failures.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  defaultBaseDelay,
		MaxDelay:   defaultMaxDelay,
		MaxRetries: defaultMaxRetries,
		SlowRetry:  defaultSlowRetry,
	}
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.SlowRetry <= 0 {
		p.SlowRetry = p.MaxDelay
	}
	return p
}

// Backoff returns BaseDelay × 2^attempt capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		// Stop doubling before the shift can overflow.
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Plan returns the wait after the given number of consecutive failures and
// whether the symbol must now be reported unavailable. A rate-limited failure
// degrades immediately.
func (p Policy) Plan(failures int, rateLimited bool) (time.Duration, bool) {
	if rateLimited || failures >= p.MaxRetries {
		return p.SlowRetry, true
	}
	return p.Backoff(failures - 1), false
}
