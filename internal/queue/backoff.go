package queue

import (
	"errors"
	"math/rand"
	"time"

	"postbot/internal/executor"
)

// retryDelay computes the wait before attempt+1, honoring an explicit
// retry-after hint when the error carries one. Exponential from RetryBase,
// capped at RetryMaxDelay, with symmetric jitter to avoid thundering herds.
func retryDelay(cfg Config, attempt int, err error, rng *rand.Rand) time.Duration {
	var ra executor.RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		return clampJitter(d, cfg.RetryMaxDelay, cfg.RetryJitter, rng)
	}

	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return clampJitter(d, cfg.RetryMaxDelay, cfg.RetryJitter, rng)
}

func clampJitter(d, max time.Duration, jitter float64, rng *rand.Rand) time.Duration {
	if d > max {
		d = max
	}
	if jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > max {
		d = max
	}
	return d
}
