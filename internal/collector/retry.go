package collector

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"trendlens/internal/core"
)

// serverAdvisedBackOff widens an exponential schedule so the next wait
// is never shorter than a server-advertised Retry-After.
type serverAdvisedBackOff struct {
	backoff.BackOff
	advised time.Duration
}

func (b *serverAdvisedBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next != backoff.Stop && b.advised > next {
		next = b.advised
	}
	b.advised = 0
	return next
}

// collectWithRetry runs a collector under its retry policy. Transient
// and rate-limited failures are retried with exponential backoff up to
// the metadata retry count, with rate-limited waits stretched to any
// server-advertised Retry-After; resource exhaustion is retried
// exactly once; parse and sandbox failures are never retried.
func collectWithRetry(ctx context.Context, c Collector, baseDelay time.Duration) ([]core.RawItem, error) {
	meta := c.Metadata()
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = baseDelay
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.MaxElapsedTime = 0
	wait := &serverAdvisedBackOff{BackOff: policy}

	attempts := 0
	exhaustedRetried := false
	var items []core.RawItem

	operation := func() error {
		attempts++
		var err error
		items, err = c.Collect(ctx)
		if err == nil {
			return nil
		}
		switch core.KindOf(err) {
		case core.KindTransient, core.KindRateLimited:
			if attempts > meta.RetryCount {
				return backoff.Permanent(err)
			}
			wait.advised = core.RetryAfterOf(err)
			return err
		case core.KindResourceExhausted:
			if exhaustedRetried {
				return backoff.Permanent(err)
			}
			exhaustedRetried = true
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	if err := backoff.Retry(operation, backoff.WithContext(wait, ctx)); err != nil {
		return nil, err
	}
	return items, nil
}
