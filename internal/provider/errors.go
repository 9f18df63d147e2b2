package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

type Kind string

const (
	KindRateLimited          Kind = "rate_limited"
	KindInvalidCredentials   Kind = "invalid_credentials"
	KindUnavailable          Kind = "unavailable"
	KindTimeout              Kind = "timeout"
	KindQuotaExceeded        Kind = "quota_exceeded"
	KindMalformed            Kind = "malformed"
	KindInappropriateContent Kind = "inappropriate_content"
	KindIrrelevant           Kind = "irrelevant"
	KindAllUnavailable       Kind = "all_unavailable"
)

// DefaultRetryAfter applies when an upstream rate-limits without a hint.
const DefaultRetryAfter = 60 * time.Second

// Error is the single error type crossing the adapter, validator and
// dispatcher boundaries.
type Error struct {
	Kind       Kind
	Provider   ID
	RetryAfter time.Duration // RateLimited only
	ResetTime  time.Time     // QuotaExceeded only; zero when unknown
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Provider != "" {
		msg = string(e.Provider) + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Provider == "" || t.Provider == e.Provider)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func NewError(kind Kind, id ID, err error) *Error {
	return &Error{Kind: kind, Provider: id, Err: err}
}

func RateLimited(id ID, retryAfter time.Duration, err error) *Error {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	return &Error{Kind: KindRateLimited, Provider: id, RetryAfter: retryAfter, Err: err}
}

func QuotaExceeded(id ID, reset time.Time, err error) *Error {
	return &Error{Kind: KindQuotaExceeded, Provider: id, ResetTime: reset, Err: err}
}

func Malformed(id ID, format string, args ...any) *Error {
	return &Error{Kind: KindMalformed, Provider: id, Err: fmt.Errorf(format, args...)}
}

// FromStatus classifies a non-2xx upstream response.
func FromStatus(id ID, status int, header http.Header, body []byte) *Error {
	err := fmt.Errorf("%s api error (status %d): %s", id, status, truncate(string(body), 300))
	switch {
	case status == http.StatusTooManyRequests:
		return RateLimited(id, ParseRetryAfter(header), err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(KindInvalidCredentials, id, err)
	case status == http.StatusPaymentRequired:
		return QuotaExceeded(id, time.Time{}, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return NewError(KindTimeout, id, err)
	case status >= 500:
		return NewError(KindUnavailable, id, err)
	default:
		return NewError(KindMalformed, id, err)
	}
}

// Classify maps a transport-level failure onto the taxonomy. Errors that are
// already classified pass through unchanged.
func Classify(id ID, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, id, err)
	}
	return NewError(KindUnavailable, id, err)
}

// ParseRetryAfter reads Retry-After as delta-seconds or an HTTP date.
// Returns zero when absent or unparseable.
func ParseRetryAfter(header http.Header) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		return time.Until(t)
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
