// Package billing is the durable per-call record behind the usage report.
package billing

import (
	"context"
	"time"
)

type UsageLog struct {
	ID        string
	CallID    string
	UserID    string
	RequestID string
	Provider  string
	Model     string
	Subject   string
	Tokens    int
	CostUSD   float64
	LatencyMs int64
	Outcome   string // "served" or the rejection kind
	CreatedAt time.Time
}

// ProviderUsage is one row of a usage report grouped by provider.
type ProviderUsage struct {
	Provider string  `json:"-"`
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	UsageByProvider(ctx context.Context, userID string, from, to time.Time) ([]ProviderUsage, error)
}
