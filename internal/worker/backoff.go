package worker

import "time"

// Backoff returns the delay before the retry that follows the given attempt:
// base·2^(attempt-1) capped at maxDelay, then spread by ±jitter (a fraction of the delay).
// random must return values in [0, 1).
func Backoff(attempt int, base, maxDelay time.Duration, jitter float64, random func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	if jitter > 0 && random != nil {
		if jitter > 1 {
			jitter = 1
		}
		d = time.Duration(float64(d) * (1 + jitter*(2*random()-1)))
	}
	return d
}
