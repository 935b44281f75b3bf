// Package admission gates request dispatch behind an in-flight cap and
// two token-bucket rate budgets: operations per second and bytes per
// second.
package admission

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds the admission limits. Non-positive values disable the
// corresponding limit.
type Config struct {
	MaxInFlight       int
	MaxPerSecond      float64
	MaxBytesPerSecond float64
}

// Controller is shared by all requests of one executor and is safe for
// concurrent use.
type Controller struct {
	config   Config
	sem      *semaphore.Weighted // nil when in-flight is unlimited
	ops      *rate.Limiter       // nil when unlimited
	bytes    *rate.Limiter       // nil when unlimited
	inFlight atomic.Int64
}

// New creates a controller for config
func New(config Config) *Controller {
	c := &Controller{config: config}
	if config.MaxInFlight > 0 {
		c.sem = semaphore.NewWeighted(int64(config.MaxInFlight))
	}
	if config.MaxPerSecond > 0 {
		c.ops = rate.NewLimiter(rate.Limit(config.MaxPerSecond), burst(config.MaxPerSecond))
	}
	if config.MaxBytesPerSecond > 0 {
		c.bytes = rate.NewLimiter(rate.Limit(config.MaxBytesPerSecond), burst(config.MaxBytesPerSecond))
	}
	return c
}

// burst allows one second worth of tokens to accumulate
func burst(perSecond float64) int {
	b := math.Ceil(perSecond)
	if b > math.MaxInt32 {
		return math.MaxInt32
	}
	if b < 1 {
		return 1
	}
	return int(b)
}

// Config returns the limits of the controller
func (c *Controller) Config() Config {
	return c.config
}

// Acquire waits until ops operations of bytes estimated bytes fit in
// both rate budgets and an in-flight slot is free. Rate budgets are
// consumed before the slot is taken, so a permit is never held while
// waiting for rate. The returned permit must be released exactly once.
func (c *Controller) Acquire(ctx context.Context, ops int, bytes int64) (*Permit, error) {
	if err := c.Throttle(ctx, ops, bytes); err != nil {
		return nil, err
	}
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, errors.Wrap(err, "waiting for in-flight permit")
		}
	}
	c.inFlight.Add(1)
	return &Permit{c: c}, nil
}

// Throttle waits until ops operations of bytes estimated bytes fit in
// the rate budgets, without taking an in-flight slot.
func (c *Controller) Throttle(ctx context.Context, ops int, bytes int64) error {
	if c.ops != nil && ops > 0 {
		if err := waitN(ctx, c.ops, int64(ops)); err != nil {
			return errors.Wrap(err, "waiting for operation rate budget")
		}
	}
	if c.bytes != nil && bytes > 0 {
		if err := waitN(ctx, c.bytes, bytes); err != nil {
			return errors.Wrap(err, "waiting for byte rate budget")
		}
	}
	return ctx.Err()
}

// waitN consumes n tokens from l in burst-sized chunks, so requests
// larger than the burst are paced instead of rejected.
func waitN(ctx context.Context, l *rate.Limiter, n int64) error {
	b := int64(l.Burst())
	for n > 0 {
		chunk := n
		if chunk > b {
			chunk = b
		}
		if err := l.WaitN(ctx, int(chunk)); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// InFlight returns the number of permits currently held
func (c *Controller) InFlight() int64 {
	return c.inFlight.Load()
}

// Available returns the number of free in-flight permits, or -1 when
// in-flight requests are unlimited.
func (c *Controller) Available() int64 {
	if c.sem == nil {
		return -1
	}
	return int64(c.config.MaxInFlight) - c.inFlight.Load()
}

// Permit is a lease on one in-flight slot
type Permit struct {
	c        *Controller
	released atomic.Bool
}

// Release returns the slot to the controller. Only the first call has
// an effect.
func (p *Permit) Release() {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	p.c.inFlight.Add(-1)
	if p.c.sem != nil {
		p.c.sem.Release(1)
	}
}
