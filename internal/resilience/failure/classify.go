package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// Sentinels a data source can return (optionally wrapped).
var (
	ErrEmptyResponse  = errors.New("empty response")
	ErrNotFound       = errors.New("resource not found")
	ErrSessionExpired = errors.New("session expired")
)

// StatusError is returned by HTTP sources for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, body)
}

// SchemaError signals the upstream response no longer has the expected shape.
type SchemaError struct {
	Path     string
	Expected string
	Got      string
}

func (e *SchemaError) Error() string {
	if e.Got == "" {
		return fmt.Sprintf("unexpected response shape at %s: expected %s", e.Path, e.Expected)
	}
	return fmt.Sprintf("unexpected response shape at %s: expected %s, got %s", e.Path, e.Expected, e.Got)
}

// PartialError carries the data a source managed to salvage.
type PartialError struct {
	Data     any
	Warnings []string
	Err      error
}

func (e *PartialError) Error() string {
	if e.Err != nil {
		return "partial data: " + e.Err.Error()
	}
	return "partial data"
}

func (e *PartialError) Unwrap() error { return e.Err }

var throttlePatterns = []string{
	"rate limit",
	"too many requests",
	"request count exceeded",
	"quota exceeded",
	"throttled",
}

var sessionPatterns = []string{
	"invalid crumb",
	"invalid cookie",
	"cookie",
	"unauthorized",
	"session expired",
}

var networkPatterns = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"no such host",
	"eof",
	"network is unreachable",
}

// Classify maps any failure to exactly one *Error. It never panics and returns
// nil only for a nil input. An *Error already in the chain is returned as is.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	msg := err.Error()

	// Salvaged data outranks any *Error it wraps.
	var partial *PartialError
	hasPartial := errors.As(err, &partial)
	fe, ok := As(err)
	if hasPartial && (!ok || wraps(partial, fe)) {
		opts := []Option{
			WithCause(err),
			WithPartialData(partial.Data),
			WithWarnings(partial.Warnings...),
		}
		if ok {
			opts = append(opts, WithContext(map[string]any{"underlying_kind": string(fe.Kind)}))
		}
		return New(KindPartialData, msg, opts...)
	}
	if ok {
		return fe
	}

	var schema *SchemaError
	if errors.As(err, &schema) {
		return New(KindAPIChanged, msg,
			WithCause(err),
			WithContext(map[string]any{"path": schema.Path, "expected": schema.Expected}),
		)
	}

	var status *StatusError
	if errors.As(err, &status) {
		return classifyStatus(status, err)
	}

	switch {
	case errors.Is(err, ErrEmptyResponse):
		return New(KindDataIncomplete, msg, WithCause(err))
	case errors.Is(err, ErrNotFound):
		return New(KindNotFound, msg, WithCause(err))
	case errors.Is(err, ErrSessionExpired):
		return New(KindSession, msg, WithCause(err))
	case errors.Is(err, context.DeadlineExceeded):
		return New(KindTimeout, msg, WithCause(err))
	case errors.Is(err, context.Canceled):
		return New(KindUnknown, msg, WithCause(err), WithCode("canceled"))
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return New(KindTimeout, msg, WithCause(err))
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return New(KindNetwork, msg, WithCause(err), WithCode(errnoCode(err)))
	}

	return classifyMessage(err, msg)
}

// wraps reports whether fe sits inside partial's chain.
func wraps(partial *PartialError, fe *Error) bool {
	inner, ok := As(partial.Err)
	return ok && inner == fe
}

func classifyStatus(status *StatusError, err error) *Error {
	code := status.StatusCode
	msg := err.Error()
	opts := []Option{WithCause(err), WithStatus(code)}

	switch {
	case code == http.StatusTooManyRequests:
		return New(KindRateLimitExceeded, msg, append(opts, WithRetryAfter(status.RetryAfter))...)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return New(KindSession, msg, opts...)
	case code == http.StatusNotFound:
		return New(KindNotFound, msg, opts...)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return New(KindTimeout, msg, opts...)
	case code >= 500:
		return New(KindServer, msg, opts...)
	case code == http.StatusNoContent:
		return New(KindDataIncomplete, msg, opts...)
	default:
		return New(KindUnknown, msg, opts...)
	}
}

func classifyMessage(err error, msg string) *Error {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, throttlePatterns) || strings.Contains(lower, "429"):
		return New(KindRateLimitExceeded, msg, WithCause(err))
	case containsAny(lower, sessionPatterns):
		return New(KindSession, msg, WithCause(err))
	case strings.Contains(lower, "not found") || strings.Contains(lower, "no data found"):
		return New(KindNotFound, msg, WithCause(err))
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return New(KindTimeout, msg, WithCause(err))
	case containsAny(lower, networkPatterns):
		return New(KindNetwork, msg, WithCause(err))
	case strings.Contains(lower, "internal server error") || strings.Contains(lower, "bad gateway") ||
		strings.Contains(lower, "service unavailable"):
		return New(KindServer, msg, WithCause(err))
	}
	return New(KindUnknown, msg, WithCause(err))
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func errnoCode(err error) string {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET:
			return "ECONNRESET"
		case syscall.ECONNREFUSED:
			return "ECONNREFUSED"
		}
		return fmt.Sprintf("errno_%d", int(errno))
	}
	return ""
}
