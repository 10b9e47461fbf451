// Package breaker implements a per-operation circuit breaker.
//
// States:
//   - closed: calls pass through; outcomes land in a rolling window of buckets
//   - open: calls fail fast with a circuit_open failure, fn is never invoked
//   - half-open: up to HalfOpenMaxAttempts trial calls are let through
//
// closed → open when the window holds at least VolumeThreshold requests and the
// failure rate reaches ErrorThresholdPercentage. open → half-open once
// ResetTimeout has elapsed. half-open → open on any trial failure (restarting
// the reset timer). half-open → closed depends on HalfOpenPolicy.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/marketfetch/internal/resilience/failure"
)

// State is the breaker mode.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// HalfOpenPolicy decides when trials close the circuit.
type HalfOpenPolicy string

const (
	// PolicyAllTrials closes after HalfOpenMaxAttempts consecutive trial successes.
	PolicyAllTrials HalfOpenPolicy = "all_trials"
	// PolicyFirstSuccess closes on the first trial success.
	PolicyFirstSuccess HalfOpenPolicy = "first_success"
)

// Config holds circuit breaker configuration.
type Config struct {
	Enabled                  bool
	ErrorThresholdPercentage float64
	ResetTimeout             time.Duration
	RollingCountBuckets      int
	RollingCountTimeout      time.Duration
	VolumeThreshold          int
	HalfOpenMaxAttempts      int
	HalfOpenPolicy           HalfOpenPolicy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		ErrorThresholdPercentage: 50,
		ResetTimeout:             30 * time.Second,
		RollingCountBuckets:      10,
		RollingCountTimeout:      10 * time.Second,
		VolumeThreshold:          5,
		HalfOpenMaxAttempts:      1,
		HalfOpenPolicy:           PolicyAllTrials,
	}
}

// Metrics is a snapshot of breaker state.
type Metrics struct {
	Operation      string    `json:"operation"`
	State          State     `json:"state"`
	FailureRate    float64   `json:"failure_rate"`
	SuccessRate    float64   `json:"success_rate"`
	Requests       int       `json:"requests"`
	Failures       int       `json:"failures"`
	Successes      int       `json:"successes"`
	WindowStart    time.Time `json:"window_start"`
	LastFailureAt  time.Time `json:"last_failure_at"`
	NextAttemptAt  time.Time `json:"next_attempt_at"`
	HalfOpenTrials int       `json:"half_open_trials"`
	Opens          int64     `json:"opens"`
	Rejected       int64     `json:"rejected"`
}

// StateChangeFunc is notified after every transition.
type StateChangeFunc func(operation string, from, to State)

// Outcome is how a finished call is accounted.
type Outcome int

const (
	// OutcomeSuccess counts as a success in the window and as a passed trial.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure counts against the upstream and fails a trial.
	OutcomeFailure
	// OutcomeIgnored releases the call without recording it. The upstream was
	// never reached or the caller gave up.
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeIgnored:
		return "ignored"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// DefaultOutcome counts every error as a failure except those describing the
// request itself (unknown symbol), a local gate's rejection or caller
// cancellation, which are ignored. An upstream 429 still counts.
func DefaultOutcome(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeIgnored
	}
	fe := failure.Classify(err)
	switch fe.Kind {
	case failure.KindNotFound, failure.KindCircuitOpen:
		return OutcomeIgnored
	case failure.KindRateLimitExceeded:
		if fe.HTTPStatus == 0 {
			return OutcomeIgnored
		}
	}
	return OutcomeFailure
}
