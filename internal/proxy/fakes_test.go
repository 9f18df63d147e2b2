package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/tutor-gateway/internal/billing"
	"github.com/vnmchuo/tutor-gateway/internal/provider"
	"github.com/vnmchuo/tutor-gateway/internal/retry"
	"github.com/vnmchuo/tutor-gateway/internal/usage"
	"github.com/vnmchuo/tutor-gateway/internal/validate"
)

// fakeAdapter answers with respond(n) on its n-th call (1-based).
type fakeAdapter struct {
	id      provider.ID
	respond func(ctx context.Context, n int) (*provider.Envelope, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeAdapter) Name() provider.ID { return f.id }

func (f *fakeAdapter) Invoke(ctx context.Context, req *provider.AskRequest) (*provider.Envelope, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.respond(ctx, n)
}

func (f *fakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func answer(id provider.ID) *provider.Envelope {
	relevance := 0.9
	return &provider.Envelope{
		Answer:            "2 + 2 = 4",
		Confidence:        0.95,
		Provider:          id,
		FollowUpQuestions: []string{"What is 3 + 3?"},
		Metadata:          provider.Metadata{Model: string(id) + "-model", Tokens: 30, Cost: 0.001},
		RelevanceScore:    &relevance,
	}
}

func healthy(id provider.ID) *fakeAdapter {
	return &fakeAdapter{id: id, respond: func(context.Context, int) (*provider.Envelope, error) {
		return answer(id), nil
	}}
}

func failing(id provider.ID, kind provider.Kind) *fakeAdapter {
	return &fakeAdapter{id: id, respond: func(context.Context, int) (*provider.Envelope, error) {
		return nil, provider.NewError(kind, id, errors.New("upstream said no"))
	}}
}

func returning(id provider.ID, mut func(*provider.Envelope)) *fakeAdapter {
	return &fakeAdapter{id: id, respond: func(context.Context, int) (*provider.Envelope, error) {
		env := answer(id)
		mut(env)
		return env, nil
	}}
}

// hanging blocks until the caller gives up.
func hanging(id provider.ID) *fakeAdapter {
	return &fakeAdapter{id: id, respond: func(ctx context.Context, _ int) (*provider.Envelope, error) {
		<-ctx.Done()
		return nil, provider.Classify(id, ctx.Err())
	}}
}

type fakeSleeper struct {
	mu    sync.Mutex
	total time.Duration
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.total += d
	s.mu.Unlock()
	return ctx.Err()
}

type fixture struct {
	dispatcher *Dispatcher
	tracker    *usage.Tracker
	ledger     *usage.MemoryLedger
	sleeper    *fakeSleeper
}

func newFixture(limits usage.Limits, adapters ...*fakeAdapter) *fixture {
	sleeper := &fakeSleeper{}
	ctrl := retry.New(retry.DefaultMaxRetries, retry.DefaultBase, retry.DefaultCap)
	ctrl.Sleep = sleeper.Sleep

	ledger := usage.NewMemoryLedger()
	tracker := usage.NewTracker(ledger, limits)

	list := make([]provider.Adapter, len(adapters))
	for i, a := range adapters {
		list[i] = a
	}
	d := NewDispatcher(list, Deps{
		Quota:     tracker,
		Validator: validate.New(0.5),
		Retry:     ctrl,
		Tracer:    noop.NewTracerProvider().Tracer("test"),
	})
	return &fixture{dispatcher: d, tracker: tracker, ledger: ledger, sleeper: sleeper}
}

func askRequest() *provider.AskRequest {
	return &provider.AskRequest{
		Question:  "What is 2+2?",
		Subject:   "mathematics",
		Level:     provider.Beginner,
		UserID:    "learner-1",
		RequestID: "req-1",
	}
}

type mockBillingStore struct {
	logUsageFunc        func(ctx context.Context, log *billing.UsageLog) error
	usageByProviderFunc func(ctx context.Context, userID string, from, to time.Time) ([]billing.ProviderUsage, error)
}

func (m *mockBillingStore) LogUsage(ctx context.Context, log *billing.UsageLog) error {
	if m.logUsageFunc != nil {
		return m.logUsageFunc(ctx, log)
	}
	return nil
}

func (m *mockBillingStore) UsageByProvider(ctx context.Context, userID string, from, to time.Time) ([]billing.ProviderUsage, error) {
	if m.usageByProviderFunc != nil {
		return m.usageByProviderFunc(ctx, userID, from, to)
	}
	return nil, nil
}
