// Package retry implements the exponential backoff policy both API clients
// wrap their network calls in.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/marcus/taskmirror/internal/adapter"
)

// Policy holds the backoff schedule for retried calls.
type Policy struct {
	MaxAttempts    int           // total attempts including the first
	InitialBackoff time.Duration // first delay
	Multiplier     float64       // delay growth factor
	MaxBackoff     time.Duration // delay cap
}

// DefaultPolicy matches the daemon's contract for transient failures:
// base 1s, factor 2, cap 60s, 6 attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    6,
		InitialBackoff: time.Second,
		Multiplier:     2.0,
		MaxBackoff:     60 * time.Second,
	}
}

// Do runs fn, retrying transient failures per the policy. Rate-limited,
// validation and auth failures return immediately; the engine owns those.
// Context cancellation cuts the wait short and returns ctx.Err().
func Do(ctx context.Context, p Policy, op string, fn func() error) error {
	backoff := p.InitialBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !adapter.IsTransient(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			slog.Warn("giving up after retries", "op", op, "attempts", attempt, "err", err)
			return err
		}
		slog.Debug("transient failure, backing off", "op", op, "attempt", attempt, "backoff", backoff, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}
