package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// CheckFunc is invoked on every scheduled cadence tick.
type CheckFunc func(ctx context.Context, at time.Time) error

// Options tune cadence behaviour.
type Options struct {
	Interval     time.Duration
	Immediate    bool
	StartupDelay time.Duration
}

// Cadence drives periodic execution of a background check. Errors from the
// check are logged and absorbed; only context cancellation stops the loop, so
// one failed cycle never kills the daemon.
type Cadence struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Cadence instance.
func New(opts Options, logger zerolog.Logger) *Cadence {
	if opts.Interval <= 0 {
		panic("cadence interval must be positive")
	}
	return &Cadence{opts: opts, logger: logger.With().Str("component", "cadence").Logger()}
}

// Run blocks, invoking the check at each interval until ctx is cancelled.
// Cancellation is honoured between checks, never mid-check.
func (c *Cadence) Run(ctx context.Context, check CheckFunc) error {
	if c.opts.StartupDelay > 0 {
		timer := time.NewTimer(c.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if c.opts.Immediate {
		c.execute(ctx, time.Now().UTC(), check)
	}

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case at := <-ticker.C:
			c.execute(ctx, at.UTC(), check)
		}
	}
}

func (c *Cadence) execute(ctx context.Context, at time.Time, check CheckFunc) {
	c.logger.Debug().Time("at", at).Msg("executing scheduled check")
	if err := check(ctx, at); err != nil {
		c.logger.Error().Err(err).Time("at", at).Msg("scheduled check failed")
	}
}
