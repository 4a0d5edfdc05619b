package layer2

import (
	"context"
	"math/rand"
	"time"

	"github.com/klingon-exchange/l2dispatch/internal/l2err"
)

// BackoffConfig parameterizes Retry's exponential-backoff-with-full-jitter
// schedule.
type BackoffConfig struct {
	Base    time.Duration
	Cap     time.Duration
	MaxTrys int // 0 means unlimited (bounded only by ctx)
}

// DefaultBackoffConfig returns the standard schedule: base 250ms, cap 30s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{Base: 250 * time.Millisecond, Cap: 30 * time.Second}
}

func (c BackoffConfig) delay(attempt int) time.Duration {
	d := c.Base << attempt
	if d <= 0 || d > c.Cap {
		d = c.Cap
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// Retry runs fn, retrying with exponential backoff and full jitter while
// fn returns a transient l2err.Kind (l2err.Kind.Transient). Non-transient
// errors (consensus rejections, policy violations, signature failures)
// propagate immediately and untouched.
func Retry(ctx context.Context, cfg BackoffConfig, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !l2err.KindOf(err).Transient() {
			return err
		}
		if cfg.MaxTrys > 0 && attempt+1 >= cfg.MaxTrys {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.delay(attempt)):
		}
	}
}
