package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/tutor-gateway/internal/auth"
	"github.com/vnmchuo/tutor-gateway/internal/billing"
	"github.com/vnmchuo/tutor-gateway/internal/provider"
	"github.com/vnmchuo/tutor-gateway/internal/telemetry"
	"github.com/vnmchuo/tutor-gateway/internal/usage"
	"github.com/vnmchuo/tutor-gateway/pkg/ratelimit"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	rateLimitRetryAfter   = 60
	maxBodyBytes          = 1 << 20
)

type Handler struct {
	dispatcher *Dispatcher
	billing    billing.Store
	tracker    *usage.Tracker
	limiter    *ratelimit.Limiter
	timeout    time.Duration
}

func NewHandler(dispatcher *Dispatcher, billing billing.Store, tracker *usage.Tracker, limiter *ratelimit.Limiter, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Handler{
		dispatcher: dispatcher,
		billing:    billing,
		tracker:    tracker,
		limiter:    limiter,
		timeout:    timeout,
	}
}

type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retryAfter,omitempty"`
	ResetTime  string `json:"resetTime,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) HandleAsk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: "unauthorized"})
		return
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req provider.AskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body", Code: string(provider.KindMalformed)})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: string(provider.KindMalformed)})
		return
	}
	if req.PreferredProvider != "" {
		id, err := provider.ParseID(string(req.PreferredProvider))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: string(provider.KindMalformed)})
			return
		}
		req.PreferredProvider = id
	}
	req.UserID = userID
	req.RequestID = requestID

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, userID, auth.GetRateLimit(ctx))
		if err != nil {
			telemetry.L().Warn().Err(err).Str("request_id", requestID).Msg("rate_limiter_error")
		}
		if err != nil || !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(rateLimitRetryAfter))
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Error:      "rate limit exceeded",
				Code:       string(provider.KindRateLimited),
				RetryAfter: rateLimitRetryAfter,
			})
			return
		}
	}

	// The dispatcher is raced against the request timeout. On expiry it is
	// told to stop but not waited for.
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.dispatcher.Dispatch(ctx, &req)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			writeError(w, out.err)
			return
		}
		writeJSON(w, http.StatusOK, out.res.Envelope)
	case <-ctx.Done():
		telemetry.L().Warn().Str("request_id", requestID).Dur("timeout", h.timeout).Msg("dispatch_timed_out")
		writeError(w, provider.NewError(provider.KindTimeout, "", ctx.Err()))
	}
}

// StatusFor maps an error kind onto the HTTP status the boundary returns.
func StatusFor(kind provider.Kind) int {
	switch kind {
	case provider.KindMalformed, provider.KindInappropriateContent, provider.KindIrrelevant:
		return http.StatusBadRequest
	case provider.KindRateLimited, provider.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case provider.KindTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	var pe *provider.Error
	if !errors.As(err, &pe) {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error", Code: "internal"})
		return
	}

	body := errorBody{Code: string(pe.Kind)}
	switch pe.Kind {
	case provider.KindAllUnavailable:
		body.Error = "all providers unavailable"
	case provider.KindInvalidCredentials:
		body.Error = "provider misconfigured"
	case provider.KindInappropriateContent:
		body.Error = "inappropriate content"
	case provider.KindIrrelevant:
		body.Error = "question is not relevant to the subject"
	case provider.KindTimeout:
		body.Error = "request timed out"
	case provider.KindRateLimited:
		body.Error = "rate limit exceeded"
		body.RetryAfter = int(math.Ceil(pe.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	case provider.KindQuotaExceeded:
		body.Error = "daily quota exceeded"
		if !pe.ResetTime.IsZero() {
			body.ResetTime = pe.ResetTime.UTC().Format(time.RFC3339)
			body.RetryAfter = int(math.Ceil(time.Until(pe.ResetTime).Seconds()))
			if body.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
			}
		}
	default:
		body.Error = "invalid provider response"
	}
	writeJSON(w, StatusFor(pe.Kind), body)
}

type usageResponse struct {
	UserID        string                           `json:"userId"`
	TotalCost     float64                          `json:"totalCost"`
	TotalRequests int64                            `json:"totalRequests"`
	ProviderUsage map[string]billing.ProviderUsage `json:"providerUsage"`
	Today         *usage.Summary                   `json:"today,omitempty"`
	RateLimit     *ratelimit.Window                `json:"rateLimit,omitempty"`
	From          time.Time                        `json:"from"`
	To            time.Time                        `json:"to"`
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: "unauthorized"})
		return
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid 'from' date format (use RFC3339)", Code: "bad_request"})
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid 'to' date format (use RFC3339)", Code: "bad_request"})
			return
		}
		to = t
	}
	if to.Before(from) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "'to' is before 'from'", Code: "bad_request"})
		return
	}

	rows, err := h.billing.UsageByProvider(ctx, userID, from, to)
	if err != nil {
		telemetry.L().Error().Err(err).Str("user_id", userID).Msg("usage_query_failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error", Code: "internal"})
		return
	}

	resp := usageResponse{
		UserID:        userID,
		ProviderUsage: make(map[string]billing.ProviderUsage, len(rows)),
		From:          from,
		To:            to,
	}
	for _, row := range rows {
		resp.ProviderUsage[row.Provider] = row
		resp.TotalCost += row.Cost
		resp.TotalRequests += row.Requests
	}

	if h.tracker != nil {
		today, err := h.tracker.Today(ctx, userID)
		if err != nil {
			telemetry.L().Warn().Err(err).Str("user_id", userID).Msg("usage_today_failed")
		} else {
			resp.Today = today
		}
	}

	if h.limiter != nil {
		window, err := h.limiter.Status(ctx, userID, auth.GetRateLimit(ctx))
		if err != nil {
			telemetry.L().Warn().Err(err).Str("user_id", userID).Msg("rate_limit_status_failed")
		} else {
			resp.RateLimit = window
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
