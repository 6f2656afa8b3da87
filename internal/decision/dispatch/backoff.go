package dispatch

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"
)

// BackoffConfig configures retry delays between tool attempts.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

// DefaultBackoffConfig is 250ms doubling per attempt, capped at 4s. Jitter
// defaults off for determinism.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelayMS: 250,
		BackoffFactor:  2.0,
		MaxDelayMS:     4_000,
		Jitter:         false,
	}
}

// DelayForAttempt returns the sleep before retry number attempt (1-indexed:
// the delay after the first failed attempt is attempt=1).
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}

	baseMS := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}

	// Jitter applies after capping.
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed)
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
