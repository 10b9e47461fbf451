// Package failure maps heterogeneous fetch failures into a closed taxonomy.
//
// Every failure that leaves the orchestrator is a *Error carrying an explicit
// Kind, retryability flags, a suggested action and, when the source managed to
// return something, the salvaged partial payload. Callers inspect failures by
// matching on Kind, never by type-switching on the underlying error.
package failure

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Kind is the closed set of failure classifications.
type Kind string

const (
	KindRateLimitExceeded  Kind = "rate_limit_exceeded"
	KindCircuitOpen        Kind = "circuit_open"
	KindNetwork            Kind = "network"
	KindTimeout            Kind = "timeout"
	KindServer             Kind = "server"
	KindDataIncomplete     Kind = "data_incomplete"
	KindAPIChanged         Kind = "api_changed"
	KindNotFound           Kind = "not_found"
	KindMaxRetriesExceeded Kind = "max_retries_exceeded"
	KindPartialData        Kind = "partial_data"
	KindSession            Kind = "session_error"
	KindUnknown            Kind = "unknown"
)

// Kinds lists every classification in a stable order.
var Kinds = []Kind{
	KindRateLimitExceeded,
	KindCircuitOpen,
	KindNetwork,
	KindTimeout,
	KindServer,
	KindDataIncomplete,
	KindAPIChanged,
	KindNotFound,
	KindMaxRetriesExceeded,
	KindPartialData,
	KindSession,
	KindUnknown,
}

// Retryable reports whether a retry policy may attempt the call again.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindServer:
		return true
	}
	return false
}

// SuggestedAction is the human-readable next step for the kind.
func (k Kind) SuggestedAction() string {
	switch k {
	case KindRateLimitExceeded:
		return "Slow down: wait for the rate limit window to reset before retrying."
	case KindCircuitOpen:
		return "Upstream is failing; wait for the circuit breaker cooldown before retrying."
	case KindNetwork:
		return "Check network connectivity to the data source and retry."
	case KindTimeout:
		return "The data source is slow; retry later or raise the request timeout."
	case KindServer:
		return "The data source returned a server error; retry later."
	case KindDataIncomplete:
		return "The response was missing data; try again later or use another source."
	case KindAPIChanged:
		return "The upstream response shape changed; the source adapter needs updating."
	case KindNotFound:
		return "Verify the requested symbol or resource exists."
	case KindMaxRetriesExceeded:
		return "All retries failed; the data source may be down. Try again later."
	case KindPartialData:
		return "Only part of the data was returned; treat the result as incomplete."
	case KindSession:
		return "The upstream session or cookie expired; re-authenticate and retry."
	default:
		return "Unexpected failure; check logs for details."
	}
}

// Attempt records one try made by a retry policy.
type Attempt struct {
	Number int           `json:"number"`
	Delay  time.Duration `json:"delay"`
	Err    string        `json:"error"`
	At     time.Time     `json:"at"`
}

// Error is a classified failure. It is immutable once created.
type Error struct {
	Kind            Kind           `json:"kind"`
	Message         string         `json:"message"`
	HTTPStatus      int            `json:"http_status,omitempty"`
	Code            string         `json:"code,omitempty"`
	Retryable       bool           `json:"retryable"`
	RateLimit       bool           `json:"rate_limit"`
	RetryAfter      time.Duration  `json:"retry_after,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	SuggestedAction string         `json:"suggested_action"`
	Warnings        []string       `json:"warnings,omitempty"`
	PartialData     any            `json:"partial_data,omitempty"`
	Attempts        []Attempt      `json:"attempts,omitempty"`
	Cause           error          `json:"-"`
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&sb, " (http %d)", e.HTTPStatus)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by kind so errors.Is(err, &Error{Kind: ...}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// HasPartialData reports whether the failure carries salvaged data.
func (e *Error) HasPartialData() bool { return e.PartialData != nil }

// Transient reports whether the upstream is only temporarily unusable, which is
// when serving a still-fresh cached value instead is acceptable.
func (e *Error) Transient() bool {
	if e.Retryable {
		return true
	}
	switch e.Kind {
	case KindRateLimitExceeded, KindCircuitOpen, KindMaxRetriesExceeded:
		return true
	}
	return false
}

// Option customises an Error at construction time.
type Option func(*Error)

func WithStatus(status int) Option { return func(e *Error) { e.HTTPStatus = status } }

func WithCode(code string) Option { return func(e *Error) { e.Code = code } }

func WithCause(err error) Option { return func(e *Error) { e.Cause = err } }

func WithRetryAfter(d time.Duration) Option { return func(e *Error) { e.RetryAfter = d } }

func WithContext(kv map[string]any) Option {
	return func(e *Error) {
		if e.Context == nil {
			e.Context = make(map[string]any, len(kv))
		}
		maps.Copy(e.Context, kv)
	}
}

func WithWarnings(w ...string) Option {
	return func(e *Error) { e.Warnings = append(e.Warnings, w...) }
}

func WithPartialData(data any) Option { return func(e *Error) { e.PartialData = data } }

// New builds a classified error with the kind's default flags.
func New(kind Kind, msg string, opts ...Option) *Error {
	e := &Error{
		Kind:            kind,
		Message:         msg,
		Retryable:       kind.Retryable(),
		RateLimit:       kind == KindRateLimitExceeded,
		SuggestedAction: kind.SuggestedAction(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CircuitOpen reports a fail-fast rejection by the breaker of an operation.
func CircuitOpen(operation string, retryAt time.Time, now time.Time) *Error {
	wait := retryAt.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return New(KindCircuitOpen,
		fmt.Sprintf("circuit for %q is open", operation),
		WithRetryAfter(wait),
		WithContext(map[string]any{"operation": operation, "retry_at": retryAt}),
	)
}

// RateLimited reports that admission was denied for key.
func RateLimited(key string, retryAfter time.Duration) *Error {
	msg := "rate limit exceeded"
	if key != "" {
		msg = fmt.Sprintf("rate limit exceeded for %q", key)
	}
	return New(KindRateLimitExceeded, msg,
		WithRetryAfter(retryAfter),
		WithContext(map[string]any{"key": key}),
	)
}

// MaxRetries wraps the last failure once the retry budget is exhausted.
func MaxRetries(last error, attempts []Attempt) *Error {
	cause := Classify(last)
	msg := fmt.Sprintf("failed after %d attempts", len(attempts))
	opts := []Option{WithCause(last)}
	if cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, cause.Message)
		opts = append(opts,
			WithStatus(cause.HTTPStatus),
			WithContext(map[string]any{"last_kind": string(cause.Kind)}),
		)
		if cause.HasPartialData() {
			opts = append(opts, WithPartialData(cause.PartialData), WithWarnings(cause.Warnings...))
		}
	}
	e := New(KindMaxRetriesExceeded, msg, opts...)
	e.Attempts = slices.Clone(attempts)
	return e
}

// Partial reports a failure that still produced usable data.
func Partial(data any, warnings ...string) *Error {
	return New(KindPartialData, "partial data returned",
		WithPartialData(data),
		WithWarnings(warnings...),
	)
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf classifies err and returns only its kind.
func KindOf(err error) Kind {
	if fe := Classify(err); fe != nil {
		return fe.Kind
	}
	return ""
}
