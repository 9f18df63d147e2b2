// Package retry re-invokes a single adapter call while the upstream keeps
// rate-limiting it.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vnmchuo/tutor-gateway/internal/provider"
)

const (
	DefaultMaxRetries = 3
	DefaultBase       = time.Second
	DefaultCap        = 30 * time.Second
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Controller retries only on RateLimited. Any other failure is returned
// immediately so the dispatcher can move on.
type Controller struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
	Sleep      SleepFunc
}

func New(maxRetries int, base, ceiling time.Duration) *Controller {
	c := &Controller{MaxRetries: maxRetries, Base: base, Cap: ceiling}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Base <= 0 {
		c.Base = DefaultBase
	}
	if c.Cap < c.Base {
		c.Cap = DefaultCap
	}
	return c
}

// Result reports what happened across all attempts.
type Result struct {
	Attempts int
	Waited   time.Duration
}

// Do invokes fn up to 1+MaxRetries times. When retries run out the last
// RateLimited error is returned.
func (c *Controller) Do(ctx context.Context, fn func(context.Context) (*provider.Envelope, error)) (*provider.Envelope, Result, error) {
	var res Result
	schedule := c.schedule()
	sleep := c.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	for {
		res.Attempts++
		env, err := fn(ctx)
		if err == nil {
			return env, res, nil
		}

		var pe *provider.Error
		if !errors.As(err, &pe) || pe.Kind != provider.KindRateLimited {
			return nil, res, err
		}
		if res.Attempts > c.MaxRetries {
			return nil, res, err
		}

		wait := schedule.NextBackOff()
		if pe.RetryAfter > 0 && pe.RetryAfter < wait {
			wait = pe.RetryAfter
		}
		if serr := sleep(ctx, wait); serr != nil {
			return nil, res, provider.NewError(provider.KindTimeout, pe.Provider, serr)
		}
		res.Waited += wait
	}
}

// Delays returns the backoff sequence the controller would use with no
// upstream hints.
func (c *Controller) Delays() []time.Duration {
	schedule := c.schedule()
	out := make([]time.Duration, c.MaxRetries)
	for i := range out {
		out[i] = schedule.NextBackOff()
	}
	return out
}

func (c *Controller) schedule() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.Cap,
	}
	b.Reset()
	return b
}

// Sleep waits on a timer and gives up early when ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
