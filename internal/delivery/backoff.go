package delivery

import (
	"math"
	"math/rand"
	"time"
)

// ComputeDelay implements the retry backoff formula (spec §4.1/§4.4):
// delay_i = min(base_ms * mult^i, max_ms), then jittered. With
// JitterFull the actual wait is uniform(0, delay_i); with JitterNone
// the full delay_i is used. attempt is 0 on the first retry.
func ComputeDelay(attempt int, cfg Backoff, rng *rand.Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	raw := float64(cfg.BaseMs) * math.Pow(cfg.Mult, float64(attempt))
	if raw > float64(cfg.MaxMs) {
		raw = float64(cfg.MaxMs)
	}
	if raw < 0 {
		raw = 0
	}
	delayMs := raw
	if cfg.Jitter == JitterFull && delayMs > 0 {
		if rng != nil {
			delayMs = rng.Float64() * delayMs
		} else {
			delayMs = rand.Float64() * delayMs
		}
	}
	return time.Duration(delayMs) * time.Millisecond
}
