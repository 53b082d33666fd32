package relay

import (
	"math"
	"math/rand"
	"time"
)

// nextBackoff: exponential with jitter, bounded by max.
func nextBackoff(attempt int, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// base: 2^attempt seconds
	sec := math.Pow(2, float64(attempt))
	d := time.Duration(sec) * time.Second
	if d < time.Second {
		d = time.Second
	}
	if d > max {
		d = max
	}

	// jitter +/-20%
	j := time.Duration(rand.Int63n(int64(d/5))) - d/10
	d += j

	if d > max {
		d = max
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}
