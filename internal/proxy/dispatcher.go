package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/tutor-gateway/internal/provider"
	"github.com/vnmchuo/tutor-gateway/internal/retry"
	"github.com/vnmchuo/tutor-gateway/internal/telemetry"
	"github.com/vnmchuo/tutor-gateway/internal/usage"
	"github.com/vnmchuo/tutor-gateway/internal/validate"
)

// Quota is the slice of the usage tracker the dispatcher needs.
type Quota interface {
	CheckQuota(ctx context.Context, userID string) error
	Record(ctx context.Context, call usage.Call) error
}

type Deps struct {
	Quota     Quota
	Validator *validate.Validator
	Retry     *retry.Controller
	Tracer    trace.Tracer
	Metrics   *telemetry.Metrics
}

// Attempt summarizes what one provider did for a request.
type Attempt struct {
	Provider provider.ID
	Calls    int
	Err      error
}

type Result struct {
	Envelope *provider.Envelope
	Attempts []Attempt
}

// Dispatcher tries providers one at a time in priority order until one
// returns an answer that passes validation.
type Dispatcher struct {
	order     []provider.ID
	adapters  map[provider.ID]provider.Adapter
	breakers  map[provider.ID]*gobreaker.CircuitBreaker
	quota     Quota
	validator *validate.Validator
	retry     *retry.Controller
	tracer    trace.Tracer
	metrics   *telemetry.Metrics
}

// errCallerGone marks failures caused by the caller's context ending, which
// must not count against a provider's breaker.
var errCallerGone = errors.New("caller gone")

// countsAsHealthy reports whether err leaves the provider's breaker alone.
// Caller cancellation and terminal rejections are not provider faults, and a
// tripped breaker would turn those terminal outcomes into failover.
func countsAsHealthy(err error) bool {
	if err == nil || errors.Is(err, errCallerGone) {
		return true
	}
	switch provider.KindOf(err) {
	case provider.KindInappropriateContent, provider.KindIrrelevant, provider.KindInvalidCredentials:
		return true
	}
	return false
}

// NewDispatcher keeps the order of adapters as the priority order.
func NewDispatcher(adapters []provider.Adapter, deps Deps) *Dispatcher {
	d := &Dispatcher{
		adapters:  make(map[provider.ID]provider.Adapter, len(adapters)),
		breakers:  make(map[provider.ID]*gobreaker.CircuitBreaker, len(adapters)),
		quota:     deps.Quota,
		validator: deps.Validator,
		retry:     deps.Retry,
		tracer:    deps.Tracer,
		metrics:   deps.Metrics,
	}
	if d.validator == nil {
		d.validator = validate.New(validate.DefaultRelevanceThreshold)
	}
	if d.retry == nil {
		d.retry = retry.New(retry.DefaultMaxRetries, retry.DefaultBase, retry.DefaultCap)
	}
	if d.tracer == nil {
		d.tracer = noop.NewTracerProvider().Tracer("dispatcher")
	}

	for _, a := range adapters {
		id := a.Name()
		d.order = append(d.order, id)
		d.adapters[id] = a
		settings := gobreaker.Settings{
			Name:        string(id),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			IsSuccessful: countsAsHealthy,
			OnStateChange: func(name string, from, to gobreaker.State) {
				telemetry.L().Warn().Str("provider", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("circuit_breaker_state_changed")
				d.metrics.SetBreakerState(name, int(to))
			},
		}
		d.breakers[id] = gobreaker.NewCircuitBreaker(settings)
		d.metrics.SetBreakerState(string(id), int(gobreaker.StateClosed))
	}
	return d
}

// Order returns the providers a request would visit, starting at the
// preferred provider's position when it is configured.
func (d *Dispatcher) Order(preferred provider.ID) []provider.ID {
	if preferred != "" {
		for i, id := range d.order {
			if id == preferred {
				return d.order[i:]
			}
		}
	}
	return d.order
}

func (d *Dispatcher) Dispatch(ctx context.Context, req *provider.AskRequest) (*Result, error) {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "dispatch.ask")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("request_id", req.RequestID),
		attribute.String("subject", req.Subject),
		attribute.String("preferred_provider", string(req.PreferredProvider)),
	)

	res, err := d.dispatch(ctx, req)

	outcome := "success"
	if err != nil {
		outcome = string(provider.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	d.metrics.ObserveDispatch(outcome, time.Since(start))
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, req *provider.AskRequest) (*Result, error) {
	log := telemetry.L().With().Str("request_id", req.RequestID).Str("user_id", req.UserID).Logger()
	res := &Result{}

	if d.quota != nil {
		if err := d.quota.CheckQuota(ctx, req.UserID); err != nil {
			if provider.KindOf(err) == provider.KindQuotaExceeded {
				log.Info().Err(err).Msg("quota_exceeded")
				return res, err
			}
			// the ledger being unreachable should not block learners
			log.Warn().Err(err).Msg("quota_check_failed")
		}
	}

	var failures []error
	for _, id := range d.Order(req.PreferredProvider) {
		if ctx.Err() != nil {
			return res, provider.NewError(provider.KindTimeout, "", ctx.Err())
		}

		env, calls, err := d.attempt(ctx, id, req)
		if err == nil {
			err = d.validator.Validate(env)
			d.record(ctx, req, env, err)
		}
		res.Attempts = append(res.Attempts, Attempt{Provider: id, Calls: calls, Err: err})

		if err == nil {
			d.metrics.ObserveAttempt(string(id), "success", calls)
			log.Info().Str("provider", string(id)).Int("calls", calls).
				Int64("latency_ms", env.ResponseTimeMs).Msg("dispatch_succeeded")
			res.Envelope = env
			return res, nil
		}

		kind := provider.KindOf(err)
		d.metrics.ObserveAttempt(string(id), string(kind), calls)
		log.Warn().Err(err).Str("provider", string(id)).Str("kind", string(kind)).
			Int("calls", calls).Msg("provider_attempt_failed")

		switch {
		case errors.Is(err, errCallerGone):
			return res, provider.NewError(provider.KindTimeout, id, ctx.Err())
		case kind == provider.KindInvalidCredentials,
			kind == provider.KindInappropriateContent,
			kind == provider.KindIrrelevant:
			return res, err
		}
		failures = append(failures, err)
	}

	return res, provider.NewError(provider.KindAllUnavailable, "", errors.Join(failures...))
}

// attempt runs one provider through its breaker and the retry controller.
func (d *Dispatcher) attempt(ctx context.Context, id provider.ID, req *provider.AskRequest) (*provider.Envelope, int, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.attempt", trace.WithAttributes(attribute.String("provider", string(id))))
	defer span.End()

	adapter := d.adapters[id]
	calls := 0
	out, err := d.breakers[id].Execute(func() (interface{}, error) {
		env, rr, err := d.retry.Do(ctx, func(ctx context.Context) (*provider.Envelope, error) {
			return adapter.Invoke(ctx, req)
		})
		calls = rr.Attempts
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errCallerGone, err)
		}
		return env, err
	})
	span.SetAttributes(attribute.Int("calls", calls))

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = provider.NewError(provider.KindUnavailable, id, fmt.Errorf("circuit breaker: %w", err))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(provider.KindOf(err)))
		return nil, calls, provider.Classify(id, err)
	}

	env := out.(*provider.Envelope)
	if env == nil {
		return nil, calls, provider.Malformed(id, "adapter returned no envelope")
	}
	if env.Provider == "" {
		env.Provider = id
	}
	if env.FollowUpQuestions == nil {
		env.FollowUpQuestions = []string{}
	}
	return env, calls, nil
}

// record bills a call that produced an envelope, whether or not it was served.
func (d *Dispatcher) record(ctx context.Context, req *provider.AskRequest, env *provider.Envelope, verr error) {
	if env == nil {
		return
	}
	d.metrics.ObserveUsage(string(env.Provider), env.Metadata.Tokens, env.Metadata.Cost)
	if d.quota == nil {
		return
	}
	outcome := "served"
	if verr != nil {
		outcome = string(provider.KindOf(verr))
	}
	err := d.quota.Record(context.WithoutCancel(ctx), usage.Call{
		ID:        uuid.New().String(),
		RequestID: req.RequestID,
		UserID:    req.UserID,
		Subject:   req.Subject,
		Outcome:   outcome,
		Envelope:  env,
	})
	if err != nil {
		telemetry.L().Error().Err(err).Str("request_id", req.RequestID).Msg("usage_record_failed")
	}
}
