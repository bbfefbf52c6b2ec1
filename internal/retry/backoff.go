package retry

import (
	"math"
	"math/rand/v2"

	"github.com/randalmurphal/pmrunner/internal/config"
)

// Backoff computes the delay in milliseconds before retry number
// retryCount (0-based) under the given policy. The delay is capped at
// MaxDelayMs before jitter; jitter is symmetric and the final value is
// clamped to be non-negative and re-capped.
func Backoff(cfg config.BackoffConfig, retryCount int) int {
	delay := float64(cfg.InitialDelayMs)

	switch cfg.Strategy {
	case config.BackoffLinear:
		delay = float64(cfg.InitialDelayMs) * float64(retryCount+1)
	case config.BackoffExponential:
		multiplier := cfg.Multiplier
		if multiplier <= 0 {
			multiplier = 2
		}
		delay = float64(cfg.InitialDelayMs) * math.Pow(multiplier, float64(retryCount))
	}

	if cfg.MaxDelayMs > 0 && delay > float64(cfg.MaxDelayMs) {
		delay = float64(cfg.MaxDelayMs)
	}

	if cfg.Jitter > 0 && cfg.Jitter <= 1 {
		delay += (rand.Float64()*2 - 1) * delay * cfg.Jitter
		if delay < 0 {
			delay = 0
		}
		if cfg.MaxDelayMs > 0 && delay > float64(cfg.MaxDelayMs) {
			delay = float64(cfg.MaxDelayMs)
		}
	}

	return int(math.Round(delay))
}
