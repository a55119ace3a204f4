package reader

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/killfeed/killfeed/internal/config"
)

// RetryPolicy yields capped, jittered exponential delays between failed
// polls. It is owned by a single source task.
type RetryPolicy struct {
	b *backoff.ExponentialBackOff
}

// NewRetryPolicy builds a policy from the reader configuration.
func NewRetryPolicy(cfg config.ReaderConfig) *RetryPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.Jitter
	b.Reset()
	return &RetryPolicy{b: b}
}

// Next returns the delay before the next attempt. It never exceeds the
// configured ceiling plus jitter.
func (p *RetryPolicy) Next() time.Duration {
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		return p.b.MaxInterval
	}
	return d
}

// Reset restarts the sequence after a successful poll.
func (p *RetryPolicy) Reset() {
	p.b.Reset()
}
