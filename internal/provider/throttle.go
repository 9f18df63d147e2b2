package provider

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// Throttle paces outbound calls to one upstream. A nil Throttle never waits.
type Throttle struct {
	limiter *rate.Limiter
}

func NewThrottle(rps float64) *Throttle {
	if rps <= 0 {
		return nil
	}
	burst := int(math.Ceil(rps))
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until the next call may start or ctx ends.
func (t *Throttle) Wait(ctx context.Context, id ID) error {
	if t == nil {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		// rate.Limiter.Wait fails fast when the deadline is too close to wait it out.
		return NewError(KindTimeout, id, err)
	}
	return nil
}
