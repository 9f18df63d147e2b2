package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/tutor-gateway/internal/billing"
	"github.com/vnmchuo/tutor-gateway/internal/provider"
)

var fixedNow = time.Date(2025, 3, 14, 22, 30, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func newRedisLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLedger(rdb, nil), mr
}

func ledgers(t *testing.T) map[string]Ledger {
	rl, _ := newRedisLedger(t)
	return map[string]Ledger{
		"memory": NewMemoryLedger(),
		"redis":  rl,
	}
}

func call(id string, p provider.ID, tokens int, cost float64) Call {
	return Call{
		ID:     id,
		UserID: "learner-1",
		Envelope: &provider.Envelope{
			Answer:   "ok",
			Provider: p,
			Metadata: provider.Metadata{Model: "m", Tokens: tokens, Cost: cost},
		},
	}
}

func TestDayHelpers(t *testing.T) {
	local := time.Date(2025, 3, 15, 1, 0, 0, 0, time.FixedZone("UTC+3", 3*3600))
	assert.Equal(t, "2025-03-14", DayOf(local))
	assert.Equal(t, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), NextReset(fixedNow))
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), NextReset(time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC)))
}

func TestLedger_AddAndDay(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			day := DayOf(fixedNow)

			applied, err := l.Add(ctx, "c1", Key{"u1", provider.OpenRouter, day}, Counters{1, 40, 0.25})
			require.NoError(t, err)
			assert.True(t, applied)
			_, err = l.Add(ctx, "c2", Key{"u1", provider.OpenRouter, day}, Counters{1, 10, 0.5})
			require.NoError(t, err)
			_, err = l.Add(ctx, "c3", Key{"u1", provider.Gemini, day}, Counters{1, 5, 0})
			require.NoError(t, err)
			_, err = l.Add(ctx, "c4", Key{"u2", provider.Gemini, day}, Counters{1, 5, 0})
			require.NoError(t, err)
			_, err = l.Add(ctx, "c5", Key{"u1", provider.Gemini, "2025-03-13"}, Counters{1, 5, 0})
			require.NoError(t, err)

			got, err := l.Day(ctx, "u1", day)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, int64(2), got[provider.OpenRouter].Requests)
			assert.Equal(t, int64(50), got[provider.OpenRouter].Tokens)
			assert.InDelta(t, 0.75, got[provider.OpenRouter].Cost, 1e-9)
			assert.Equal(t, int64(1), got[provider.Gemini].Requests)
		})
	}
}

func TestLedger_DuplicateCallID(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := Key{"u1", provider.ZAI, DayOf(fixedNow)}

			first, err := l.Add(ctx, "same", key, Counters{1, 10, 0.1})
			require.NoError(t, err)
			second, err := l.Add(ctx, "same", key, Counters{1, 10, 0.1})
			require.NoError(t, err)

			assert.True(t, first)
			assert.False(t, second)
			got, _ := l.Day(ctx, "u1", key.Day)
			assert.Equal(t, int64(1), got[provider.ZAI].Requests)
		})
	}
}

func TestRedisLedger_KeyLayout(t *testing.T) {
	l, mr := newRedisLedger(t)
	_, err := l.Add(context.Background(), "c1", Key{"u1", provider.Gemini, "2025-03-14"}, Counters{1, 7, 0.5})
	require.NoError(t, err)

	key := "usage:u1:gemini:2025-03-14"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, "7", mr.HGet(key, "tokens"))
	assert.Equal(t, bucketTTL, mr.TTL(key))
	assert.True(t, mr.Exists("usage:call:c1"))
}

func TestLedger_ConcurrentRecords(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			tr := NewTracker(l, Limits{}, WithClock(clock))
			ctx := context.Background()

			g, gctx := errgroup.WithContext(ctx)
			for i := 0; i < 10; i++ {
				id := fmt.Sprintf("call-%d", i)
				g.Go(func() error {
					if err := tr.Record(gctx, call(id, provider.OpenRouter, 10, 0.01)); err != nil {
						return err
					}
					// replays must not double count
					return tr.Record(gctx, call(id, provider.OpenRouter, 10, 0.01))
				})
			}
			require.NoError(t, g.Wait())

			s, err := tr.Today(ctx, "learner-1")
			require.NoError(t, err)
			assert.Equal(t, int64(10), s.Totals.Requests)
			assert.Equal(t, int64(100), s.Totals.Tokens)
			assert.InDelta(t, 0.1, s.Totals.Cost, 1e-9)
		})
	}
}

func TestCheckQuota(t *testing.T) {
	ctx := context.Background()

	t.Run("unlimited", func(t *testing.T) {
		tr := NewTracker(NewMemoryLedger(), Limits{}, WithClock(clock))
		for i := 0; i < 5; i++ {
			require.NoError(t, tr.Record(ctx, call(fmt.Sprint(i), provider.Gemini, 1000, 1)))
		}
		assert.NoError(t, tr.CheckQuota(ctx, "learner-1"))
	})

	cases := []struct {
		name   string
		limits Limits
	}{
		{"requests", Limits{Requests: 2}},
		{"tokens", Limits{Tokens: 30}},
		{"cost", Limits{Cost: 0.02}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker(NewMemoryLedger(), tc.limits, WithClock(clock))
			require.NoError(t, tr.Record(ctx, call("a", provider.OpenRouter, 15, 0.01)))
			assert.NoError(t, tr.CheckQuota(ctx, "learner-1"))

			require.NoError(t, tr.Record(ctx, call("b", provider.Gemini, 15, 0.01)))
			err := tr.CheckQuota(ctx, "learner-1")

			var pe *provider.Error
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, provider.KindQuotaExceeded, pe.Kind)
			assert.Equal(t, NextReset(fixedNow), pe.ResetTime)
			assert.ErrorIs(t, err, ErrQuotaExceeded)

			// other users are unaffected
			assert.NoError(t, tr.CheckQuota(ctx, "learner-2"))
		})
	}
}

func TestCheckQuota_DoesNotMutate(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	tr := NewTracker(l, Limits{Requests: 100}, WithClock(clock))
	require.NoError(t, tr.Record(ctx, call("a", provider.ZAI, 3, 0.001)))

	before, _ := l.Day(ctx, "learner-1", DayOf(fixedNow))
	for i := 0; i < 5; i++ {
		require.NoError(t, tr.CheckQuota(ctx, "learner-1"))
	}
	after, _ := l.Day(ctx, "learner-1", DayOf(fixedNow))
	assert.Equal(t, before, after)
}

func TestCheckQuota_NewDayResets(t *testing.T) {
	ctx := context.Background()
	now := fixedNow
	tr := NewTracker(NewMemoryLedger(), Limits{Requests: 1}, WithClock(func() time.Time { return now }))

	require.NoError(t, tr.Record(ctx, call("a", provider.OpenRouter, 1, 0)))
	assert.Error(t, tr.CheckQuota(ctx, "learner-1"))

	now = NextReset(fixedNow).Add(time.Minute)
	assert.NoError(t, tr.CheckQuota(ctx, "learner-1"))
}

type fakeBilling struct {
	mu   sync.Mutex
	logs []*billing.UsageLog
	err  error
}

func (f *fakeBilling) LogUsage(_ context.Context, log *billing.UsageLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, log)
	return f.err
}

func (f *fakeBilling) UsageByProvider(context.Context, string, time.Time, time.Time) ([]billing.ProviderUsage, error) {
	return nil, nil
}

func TestRecord_MirrorsToBilling(t *testing.T) {
	ctx := context.Background()
	fb := &fakeBilling{}
	tr := NewTracker(NewMemoryLedger(), Limits{}, WithClock(clock), WithBilling(fb))

	c := call("c-1", provider.Gemini, 42, 0.003)
	c.RequestID = "req-1"
	c.Subject = "physics"
	c.Outcome = "served"
	require.NoError(t, tr.Record(ctx, c))
	require.NoError(t, tr.Record(ctx, c))
	tr.Wait()

	require.Len(t, fb.logs, 1)
	got := fb.logs[0]
	assert.Equal(t, "c-1", got.CallID)
	assert.Equal(t, "learner-1", got.UserID)
	assert.Equal(t, "gemini", got.Provider)
	assert.Equal(t, 42, got.Tokens)
	assert.Equal(t, "physics", got.Subject)
	assert.Equal(t, "served", got.Outcome)
}

func TestRecord_BillingFailureIsNotFatal(t *testing.T) {
	fb := &fakeBilling{err: errors.New("db down")}
	tr := NewTracker(NewMemoryLedger(), Limits{}, WithClock(clock), WithBilling(fb))

	assert.NoError(t, tr.Record(context.Background(), call("x", provider.ZAI, 1, 0)))
	tr.Wait()

	s, err := tr.Today(context.Background(), "learner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Totals.Requests)
}

func TestRecord_NilEnvelope(t *testing.T) {
	tr := NewTracker(NewMemoryLedger(), Limits{})
	assert.Error(t, tr.Record(context.Background(), Call{ID: "x", UserID: "u"}))
}

func TestToday(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(NewMemoryLedger(), Limits{Requests: 50, Cost: 1}, WithClock(clock))
	require.NoError(t, tr.Record(ctx, call("a", provider.OpenRouter, 10, 0.1)))
	require.NoError(t, tr.Record(ctx, call("b", provider.ZAI, 20, 0.2)))

	s, err := tr.Today(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-14", s.Day)
	assert.Equal(t, int64(2), s.Totals.Requests)
	assert.Equal(t, int64(30), s.Totals.Tokens)
	assert.Len(t, s.Providers, 2)
	assert.Equal(t, Limits{Requests: 50, Cost: 1}, s.Limits)
	assert.Equal(t, NextReset(fixedNow), s.ResetTime)
}
