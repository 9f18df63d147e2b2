// Package ratelimit caps how many questions a learner may ask per minute.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter
type Limiter struct {
	store extratelimit.Limiter
	limit int64
}

func NewLimiter(rdb *redis.Client, defaultRPM int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultRPM)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store, limit: defaultRPM}
}

func NewTestLimiter(store extratelimit.Limiter, defaultRPM int64) *Limiter {
	return &Limiter{store: store, limit: defaultRPM}
}

func key(userID string) string {
	return fmt.Sprintf("ratelimit:user:%s", userID)
}

// Allow admits one request. A positive rpm below the default tightens the
// limit for this user by charging each request proportionally more.
func (l *Limiter) Allow(ctx context.Context, userID string, rpm int64) (bool, error) {
	res, err := l.store.AllowN(ctx, key(userID), Weight(l.limit, rpm))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Window is a learner's standing in the current minute, counted in requests.
type Window struct {
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}

// Status peeks at the current window without consuming anything.
func (l *Limiter) Status(ctx context.Context, userID string, rpm int64) (*Window, error) {
	res, err := l.store.Status(ctx, key(userID))
	if err != nil {
		return nil, err
	}
	w := int64(Weight(l.limit, rpm))
	return &Window{Limit: l.limit / w, Remaining: res.Remaining / w}, nil
}

// Weight is how many units one request consumes so that a window sized for
// limit admits roughly rpm requests.
func Weight(limit, rpm int64) int {
	if rpm <= 0 || limit <= 0 || rpm >= limit {
		return 1
	}
	return int(limit / rpm)
}
