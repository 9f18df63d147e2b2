// Package usage keeps per-user, per-provider daily counters and enforces
// the daily quota against them.
package usage

import (
	"context"
	"time"

	"github.com/vnmchuo/tutor-gateway/internal/provider"
)

const dayLayout = "2006-01-02"

// Key addresses one bucket. Day is the UTC calendar date.
type Key struct {
	UserID   string
	Provider provider.ID
	Day      string
}

func DayOf(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// NextReset is the start of the UTC day after t.
func NextReset(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

type Counters struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

func (c *Counters) Add(o Counters) {
	c.Requests += o.Requests
	c.Tokens += o.Tokens
	c.Cost += o.Cost
}

// Ledger stores counters. Implementations must apply Add atomically per
// call and ignore a callID they have already applied.
type Ledger interface {
	Add(ctx context.Context, callID string, key Key, delta Counters) (applied bool, err error)
	Day(ctx context.Context, userID, day string) (map[provider.ID]Counters, error)
}
