package eventbus

import (
	"math/rand"
	"time"
)

// RetryPolicy computes when a failed entry becomes due again. The schedule is
// derived from the persisted attempts counter so it survives restarts:
// base·2^(attempts-1) plus jitter bounded by half the step, which keeps
// consecutive retry times strictly increasing.
type RetryPolicy struct {
	BaseDelay time.Duration
}

// maxShift caps the exponent so the shift cannot overflow; 20 doublings of
// any sane base delay already exceed operational retry horizons.
const maxShift = 20

func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts - 1
	if shift > maxShift {
		shift = maxShift
	}
	delay := p.BaseDelay << shift
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}

func (p RetryPolicy) NextRetryAt(now time.Time, attempts int) time.Time {
	return now.Add(p.Delay(attempts))
}
