package multiplexer

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig parameterizes the exponential-backoff-with-jitter reconnect
// policy (spec §4.1): delay_n = min(base * 1.5^(n-1) * (1 + U[0,0.2]), cap).
type BackoffConfig struct {
	Base        time.Duration
	Factor      float64
	JitterFrac  float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff matches the recommended values in spec §4.1.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Base:        5 * time.Second,
		Factor:      1.5,
		JitterFrac:  0.2,
		Cap:         60 * time.Second,
		MaxAttempts: 10,
	}
}

// delay returns the wait before attempt n (1-indexed).
func (c BackoffConfig) delay(n int, rng *rand.Rand) time.Duration {
	jitter := 1 + rng.Float64()*c.JitterFrac
	d := float64(c.Base) * math.Pow(c.Factor, float64(n-1)) * jitter
	if d > float64(c.Cap) {
		d = float64(c.Cap)
	}
	return time.Duration(d)
}
