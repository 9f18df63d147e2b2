package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnmchuo/tutor-gateway/internal/billing"
	"github.com/vnmchuo/tutor-gateway/internal/provider"
)

var ErrQuotaExceeded = errors.New("daily quota exceeded")

// Limits apply per user per UTC day. Zero disables a limit.
type Limits struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// Call is one billed provider call.
type Call struct {
	ID        string
	RequestID string
	UserID    string
	Subject   string
	Outcome   string
	Envelope  *provider.Envelope
}

type Summary struct {
	Day       string                   `json:"day"`
	Totals    Counters                 `json:"totals"`
	Providers map[provider.ID]Counters `json:"providers"`
	Limits    Limits                   `json:"limits"`
	ResetTime time.Time                `json:"resetTime"`
}

type Tracker struct {
	ledger  Ledger
	limits  Limits
	billing billing.Store
	log     zerolog.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithBilling mirrors every recorded call into the durable usage log.
func WithBilling(store billing.Store) Option {
	return func(t *Tracker) { t.billing = store }
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

func NewTracker(ledger Ledger, limits Limits, opts ...Option) *Tracker {
	t := &Tracker{
		ledger: ledger,
		limits: limits,
		log:    zerolog.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// CheckQuota is read-only. It fails with a QuotaExceeded *provider.Error
// carrying the next UTC midnight as reset time.
func (t *Tracker) CheckQuota(ctx context.Context, userID string) error {
	if t.limits == (Limits{}) {
		return nil
	}
	now := t.now()
	byProvider, err := t.ledger.Day(ctx, userID, DayOf(now))
	if err != nil {
		return fmt.Errorf("check quota: %w", err)
	}
	total := sum(byProvider)

	var reason string
	switch {
	case t.limits.Requests > 0 && total.Requests >= t.limits.Requests:
		reason = fmt.Sprintf("%d of %d requests used", total.Requests, t.limits.Requests)
	case t.limits.Tokens > 0 && total.Tokens >= t.limits.Tokens:
		reason = fmt.Sprintf("%d of %d tokens used", total.Tokens, t.limits.Tokens)
	case t.limits.Cost > 0 && total.Cost >= t.limits.Cost:
		reason = fmt.Sprintf("$%.4f of $%.4f spent", total.Cost, t.limits.Cost)
	default:
		return nil
	}
	return provider.QuotaExceeded("", NextReset(now), fmt.Errorf("%w: %s", ErrQuotaExceeded, reason))
}

// Record adds one call to today's bucket. Recording the same call id twice
// counts it once.
func (t *Tracker) Record(ctx context.Context, call Call) error {
	if call.Envelope == nil {
		return errors.New("record: nil envelope")
	}
	env := call.Envelope
	key := Key{UserID: call.UserID, Provider: env.Provider, Day: DayOf(t.now())}
	delta := Counters{Requests: 1, Tokens: int64(env.Metadata.Tokens), Cost: env.Metadata.Cost}

	applied, err := t.ledger.Add(ctx, call.ID, key, delta)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	if !applied || t.billing == nil {
		return nil
	}

	entry := &billing.UsageLog{
		CallID:    call.ID,
		UserID:    call.UserID,
		RequestID: call.RequestID,
		Provider:  string(env.Provider),
		Model:     env.Metadata.Model,
		Subject:   call.Subject,
		Tokens:    env.Metadata.Tokens,
		CostUSD:   env.Metadata.Cost,
		LatencyMs: env.ResponseTimeMs,
		Outcome:   call.Outcome,
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.billing.LogUsage(context.Background(), entry); err != nil {
			t.log.Error().Err(err).Str("call_id", entry.CallID).Msg("usage_log_failed")
		}
	}()
	return nil
}

// Today reports the user's counters for the current UTC day.
func (t *Tracker) Today(ctx context.Context, userID string) (*Summary, error) {
	now := t.now()
	day := DayOf(now)
	byProvider, err := t.ledger.Day(ctx, userID, day)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Day:       day,
		Totals:    sum(byProvider),
		Providers: byProvider,
		Limits:    t.limits,
		ResetTime: NextReset(now),
	}, nil
}

// Wait blocks until pending usage log writes finish.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func sum(m map[provider.ID]Counters) Counters {
	var total Counters
	for _, c := range m {
		total.Add(c)
	}
	return total
}
