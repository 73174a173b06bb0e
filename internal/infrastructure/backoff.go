package infrastructure

import (
	"math"
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"
)

type backoffConfig struct {
	MaxRetries int
	Factor     float64
	MinJitter  time.Duration
	MaxJitter  time.Duration
}

func (c backoffConfig) withDefaults(maxRetries int, factor float64, minJitter, maxJitter time.Duration) backoffConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = maxRetries
	}
	if c.Factor < 1 {
		c.Factor = factor
	}
	if c.MinJitter <= 0 {
		c.MinJitter = minJitter
	}
	if c.MaxJitter <= 0 {
		c.MaxJitter = maxJitter
	}
	if c.MaxJitter < c.MinJitter {
		c.MaxJitter = c.MinJitter
	}
	return c
}

// retryBackoff returns a go-retry backoff that grows by Factor from MinJitter,
// never exceeds MaxJitter and stops after MaxRetries retries.
func (c backoffConfig) retryBackoff(rng *rand.Rand) retry.Backoff {
	attempt := 0
	b := retry.BackoffFunc(func() (time.Duration, bool) {
		delay := jitteredDelay(attempt, c.Factor, c.MinJitter, c.MaxJitter, rng)
		attempt++
		return delay, false
	})
	return retry.WithMaxRetries(uint64(c.MaxRetries), b)
}

func jitteredDelay(attempt int, factor float64, min, max time.Duration, rng *rand.Rand) time.Duration {
	backoff := float64(min) * math.Pow(factor, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}

	base := time.Duration(backoff)
	if max <= min {
		return base
	}

	jitter := time.Duration(rng.Int63n(int64(max-min) + 1))
	if base+jitter > max {
		return max
	}
	return base + jitter
}

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
