package ladder

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig configures the delay slept between retries of the same
// (credential, model) pair.
type BackoffConfig struct {
	InitialDelay time.Duration
	Factor       float64
	// JitterBound adds a uniform random [0, JitterBound] to every delay.
	JitterBound time.Duration
	// MaxDelay caps the final delay, jitter included. Zero means no cap.
	MaxDelay time.Duration
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		Factor:       2.0,
		JitterBound:  250 * time.Millisecond,
		MaxDelay:     8 * time.Second,
	}
}

// JitterFunc returns a duration in [0, bound].
type JitterFunc func(bound time.Duration) time.Duration

func uniformJitter(bound time.Duration) time.Duration {
	if bound <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(bound) + 1))
}

// DelayForAttempt returns min(MaxDelay, InitialDelay*Factor^attempt + jitter)
// for the 0-based attempt index.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitter JitterFunc) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if cfg.InitialDelay <= 0 && cfg.JitterBound <= 0 {
		return 0
	}
	factor := cfg.Factor
	if factor <= 0 {
		factor = 1.0
	}

	baseNS := float64(cfg.InitialDelay) * math.Pow(factor, float64(attempt))
	if cfg.MaxDelay > 0 && baseNS >= float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	if baseNS > math.MaxInt64/2 {
		baseNS = math.MaxInt64 / 2
	}
	d := time.Duration(baseNS)

	if cfg.JitterBound > 0 {
		if jitter == nil {
			jitter = uniformJitter
		}
		j := jitter(cfg.JitterBound)
		if j < 0 {
			j = 0
		}
		if j > cfg.JitterBound {
			j = cfg.JitterBound
		}
		d += j
	}

	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}
