package pipeline

import "time"

// Policy bounds each stage invocation and governs retries of transient
// failures.
type Policy struct {
	MaxAttempts  int           // per stage, including the first try
	BackoffBase  time.Duration // delay after the first failed attempt
	BackoffMax   time.Duration
	StageTimeout time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		BackoffBase:  time.Second,
		BackoffMax:   time.Minute,
		StageTimeout: 2 * time.Minute,
	}
}

// normalize fills zero or inconsistent fields from the defaults.
func (p Policy) normalize() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.BackoffMax < p.BackoffBase {
		p.BackoffMax = p.BackoffBase
	}
	if p.StageTimeout <= 0 {
		p.StageTimeout = def.StageTimeout
	}
	return p
}

// Backoff returns the wait after failed attempt n (1-based): 1x, 2x, 4x the
// base, capped at BackoffMax.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}
