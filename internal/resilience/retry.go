package resilience

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/voxmill/voxmill/pkg/types"
)

// RetryConfig holds tuning knobs for [Retry].
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 10s.
	MaxDelay time.Duration

	// Multiplier grows the delay between attempts. Default: 2.
	Multiplier float64

	// Jitter is the fractional randomisation applied to each delay
	// (0.25 means ±25%). Default: 0.25.
	Jitter float64
}

func (cfg *RetryConfig) applyDefaults() {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = 0.25
	}
}

// Retry runs fn up to cfg.MaxAttempts times, sleeping an exponentially growing
// jittered delay between attempts. Only errors whose [types.ErrorKind] is
// retriable (out_of_memory, transient_backend, timeout) are retried; all other
// errors propagate on first failure. Returns the last error when attempts are
// exhausted. Context cancellation interrupts the backoff sleep.
func Retry(ctx context.Context, cfg RetryConfig, name string, fn func() error) error {
	cfg.applyDefaults()

	var err error
	delay := cfg.BaseDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !types.KindOf(err).Retriable() {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		sleep := jittered(delay, cfg.Jitter)
		slog.Warn("transient failure, backing off",
			"name", name,
			"attempt", attempt,
			"error_kind", string(types.KindOf(err)),
			"backoff", sleep,
		)

		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return err
}

// jittered randomises d by ±frac.
func jittered(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	span := float64(d) * frac
	return time.Duration(float64(d) - span + rand.Float64()*2*span)
}
