package poller

import (
	"fmt"
	"math"
	"time"
)

type FailurePolicy string

const (
	// FailureNone retries a failing owner on every tick.
	FailureNone FailurePolicy = "none"
	// FailureExponential waits Base*2^(n-1), capped at Max, after the n-th
	// consecutive failure of an owner.
	FailureExponential FailurePolicy = "exponential"
)

const (
	DefaultTick             = time.Second
	DefaultMinWriteDistance = 5.0
	defaultBackoffBase      = 2 * time.Second
	defaultBackoffMax       = 5 * time.Minute
)

type Config struct {
	Tick time.Duration
	// MinWriteDistance is the movement in meters a poll must exceed before a
	// sample is persisted.
	MinWriteDistance float64
	Failure          FailurePolicy
	BackoffBase      time.Duration
	BackoffMax       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.MinWriteDistance <= 0 || math.IsNaN(c.MinWriteDistance) {
		c.MinWriteDistance = DefaultMinWriteDistance
	}
	if c.Failure == "" {
		c.Failure = FailureNone
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = max(defaultBackoffMax, c.BackoffBase)
	}
	return c
}

// Validate rejects unknown failure policies.
func (c Config) Validate() error {
	switch c.Failure {
	case "", FailureNone, FailureExponential:
		return nil
	}
	return fmt.Errorf("poller: unknown failure policy %q", c.Failure)
}

// Interval maps the distance moved since the previous poll to the wait before
// the next one: 180/(d/10+1)+10 seconds. A stationary object waits 190s and
// the wait approaches 10s as d grows.
func Interval(d float64) time.Duration {
	if d < 0 || math.IsNaN(d) {
		d = 0
	}
	secs := 180/(d/10+1) + 10
	return time.Duration(secs * float64(time.Second))
}

// backoff is the extra delay after n consecutive failures.
func (c Config) backoff(n int) time.Duration {
	if c.Failure != FailureExponential || n <= 0 {
		return 0
	}
	d := c.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	return min(d, c.BackoffMax)
}
