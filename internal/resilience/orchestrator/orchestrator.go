// Package orchestrator runs data-source calls through the resilience pipeline.
//
// One call goes: cache read (unless forced) → circuit breaker → rate limiter →
// retry → fetch. A live success is graded, cached and saved as last known
// good. A live failure is classified and then degraded, in order, to a fresh
// cached value (transient failures only), the last known good snapshot, or the
// partial data carried by the failure. Otherwise the classified failure is
// returned. Every error returned by Execute is a *failure.Error.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/marketfetch/internal/resilience/breaker"
	"github.com/vietddude/marketfetch/internal/resilience/cache"
	"github.com/vietddude/marketfetch/internal/resilience/failure"
	"github.com/vietddude/marketfetch/internal/resilience/fallback"
	"github.com/vietddude/marketfetch/internal/resilience/quality"
	"github.com/vietddude/marketfetch/internal/resilience/ratelimit"
	"github.com/vietddude/marketfetch/internal/resilience/retry"
)

// Config bundles the component configurations. Each part is independently
// overridable per instance.
type Config struct {
	Cache     cache.Config
	RateLimit ratelimit.Config
	Retry     retry.Config
	Breaker   breaker.Config
	Quality   quality.Rules
	Fields    quality.FieldSet

	// Timeout bounds one pipeline run when the request sets none.
	Timeout time.Duration
	// StoreTimeout bounds fallback store reads and writes.
	StoreTimeout time.Duration
}

// DefaultConfig returns sensible defaults for market quotes.
func DefaultConfig() Config {
	c := cache.DefaultConfig()
	return Config{
		Cache:        c,
		RateLimit:    ratelimit.DefaultConfig(),
		Retry:        retry.DefaultConfig(),
		Breaker:      breaker.DefaultConfig(),
		Quality:      quality.DefaultRules(c.DefaultTTL),
		Fields:       quality.DefaultQuoteFields(),
		Timeout:      30 * time.Second,
		StoreTimeout: 2 * time.Second,
	}
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	config   Config
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	retry    *retry.Policy
	reporter *quality.Reporter
	store    fallback.Store
	recorder Recorder
	now      func() time.Time
	stages   []Stage

	mu       sync.Mutex
	outcomes map[Source]int64
	failures map[failure.Kind]int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithCache(c *cache.Cache) Option { return func(o *Orchestrator) { o.cache = c } }

func WithLimiter(l *ratelimit.Limiter) Option { return func(o *Orchestrator) { o.limiter = l } }

func WithBreakers(r *breaker.Registry) Option { return func(o *Orchestrator) { o.breakers = r } }

func WithRetryPolicy(p *retry.Policy) Option { return func(o *Orchestrator) { o.retry = p } }

func WithReporter(r *quality.Reporter) Option { return func(o *Orchestrator) { o.reporter = r } }

func WithFallbackStore(s fallback.Store) Option { return func(o *Orchestrator) { o.store = s } }

func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

// WithClock overrides the time source of the orchestrator and of the
// components it builds itself.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New builds an orchestrator. Components not supplied through options are
// built from config.
func New(config Config, opts ...Option) *Orchestrator {
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 2 * time.Second
	}
	if config.Quality.TTL == 0 {
		config.Quality.TTL = config.Cache.DefaultTTL
	}

	o := &Orchestrator{
		config:   config,
		now:      time.Now,
		recorder: nopRecorder{},
		outcomes: make(map[Source]int64),
		failures: make(map[failure.Kind]int64),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.cache == nil {
		o.cache = cache.New(config.Cache, cache.WithClock(o.now))
	}
	if o.limiter == nil {
		o.limiter = ratelimit.New(config.RateLimit, ratelimit.WithClock(o.now, nil))
	}
	if o.breakers == nil {
		o.breakers = breaker.NewRegistry(config.Breaker, breaker.WithClock(o.now))
	}
	if o.retry == nil {
		o.retry = retry.New(config.Retry, retry.WithClock(o.now))
	}
	if o.reporter == nil {
		o.reporter = quality.New(config.Quality, quality.WithClock(o.now))
	}
	if o.store == nil {
		o.store = fallback.NewMemory()
	}

	o.stages = []Stage{
		BreakerStage(o.breakers),
		RateLimitStage(o.limiter),
		RetryStage(o.retry),
	}
	return o
}

// Stages returns the pipeline stage names, outermost first.
func (o *Orchestrator) Stages() []string {
	names := make([]string, len(o.stages))
	for i, s := range o.stages {
		names[i] = s.Name
	}
	return names
}

// Cache exposes the primary cache, e.g. for warming.
func (o *Orchestrator) Cache() *cache.Cache { return o.cache }

// Breakers exposes the per-operation circuit breakers.
func (o *Orchestrator) Breakers() *breaker.Registry { return o.breakers }

// Execute runs one logical call. It returns a Result for every outcome that
// produced a value, and a *failure.Error otherwise.
func (o *Orchestrator) Execute(ctx context.Context, req Request, fetch Fetch) (*Result, error) {
	if req.Operation == "" || fetch == nil {
		return nil, failure.New(failure.KindUnknown, "operation and fetch are required",
			failure.WithCode("invalid_request"))
	}

	start := o.now()
	id := uuid.NewString()
	key := req.key()
	log := slog.With("request_id", id, "operation", req.Operation, "key", key)

	if !req.ForceRefresh {
		if e, ok := o.cache.GetEntry(key); ok {
			return o.finish(log, req, o.result(id, req, e.Value, SourceCache, e.CreatedAt, start)), nil
		}
	}

	runCtx := ctx
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.config.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	v, err := o.run(runCtx, req, fetch)
	if err == nil {
		return o.finish(log, req, o.succeed(ctx, log, id, req, key, v, start)), nil
	}

	fe := failure.Classify(err)
	o.mu.Lock()
	o.failures[fe.Kind]++
	o.mu.Unlock()
	o.recorder.RecordFailure(req.Operation, string(fe.Kind))
	log.Warn("Live fetch failed", "kind", fe.Kind, "retryable", fe.Retryable, "error", fe.Message)

	// A caller that gave up gets no substitute.
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, fe
	}

	if res := o.degrade(ctx, log, id, req, key, fe, start); res != nil {
		return o.finish(log, req, res), nil
	}

	o.recorder.RecordOutcome(req.Operation, "failure", o.now().Sub(start))
	return nil, fe
}

// run executes the stage chain and stops waiting once ctx is done. An
// abandoned chain keeps running in its goroutine until fetch returns, so the
// limiter slot and breaker trial are still released and recorded.
func (o *Orchestrator) run(ctx context.Context, req Request, fetch Fetch) (any, error) {
	type outcome struct {
		v   any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("panic in fetch: %v", r)}
			}
		}()
		v, err := chain(o.stages, req, nonEmpty(fetch))(ctx)
		ch <- outcome{v: v, err: err}
	}()

	select {
	case out := <-ch:
		return out.v, out.err
	case <-ctx.Done():
		select {
		case out := <-ch:
			return out.v, out.err
		default:
			return nil, ctx.Err()
		}
	}
}

func nonEmpty(fetch Fetch) Fetch {
	return func(ctx context.Context) (any, error) {
		v, err := fetch(ctx)
		if err == nil && v == nil {
			return nil, failure.ErrEmptyResponse
		}
		return v, err
	}
}

func (o *Orchestrator) succeed(
	ctx context.Context,
	log *slog.Logger,
	id string,
	req Request,
	key string,
	v any,
	start time.Time,
) *Result {
	now := o.now()

	ttl := req.CacheTTL
	if ttl == 0 {
		ttl = o.cache.DefaultTTL()
	}
	o.cache.Set(key, v, ttl)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.StoreTimeout)
	defer cancel()
	if err := o.store.Save(sctx, fallback.Snapshot{Key: key, Value: v, StoredAt: now}); err != nil {
		log.Warn("Failed to save fallback snapshot", "error", err)
	}

	return o.result(id, req, v, SourceLive, now, start)
}

func (o *Orchestrator) degrade(
	ctx context.Context,
	log *slog.Logger,
	id string,
	req Request,
	key string,
	fe *failure.Error,
	start time.Time,
) *Result {
	if fe.Transient() {
		if e, ok := o.cache.Peek(key); ok {
			res := o.result(id, req, e.Value, SourceCacheFallback, e.CreatedAt, start)
			res.IsPartial, res.Err = true, fe
			res.Warnings = prepend(res.Warnings, fmt.Sprintf(
				"Live fetch failed: %s. Serving cached value from %s.",
				fe.Message, e.CreatedAt.Format(time.RFC3339)))
			return res
		}
	}

	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.StoreTimeout)
	defer cancel()
	snap, err := o.store.Load(lctx, key)
	switch {
	case err == nil:
		res := o.result(id, req, snap.Value, SourceFallback, snap.StoredAt, start)
		res.IsPartial, res.Err = true, fe
		res.Warnings = prepend(res.Warnings, fmt.Sprintf(
			"Live fetch failed: %s. Serving last known good value stored at %s.",
			fe.Message, snap.StoredAt.Format(time.RFC3339)))
		return res
	case !errors.Is(err, fallback.ErrNotFound):
		log.Warn("Failed to load fallback snapshot", "error", err)
	}

	if fe.HasPartialData() {
		res := o.result(id, req, fe.PartialData, SourcePartial, o.now(), start)
		res.IsPartial, res.Err = true, fe
		warnings := append([]string{"Partial data returned: " + fe.Message}, fe.Warnings...)
		res.Warnings = append(warnings, res.Warnings...)
		return res
	}
	return nil
}

// result builds a Result and grades the value. at is when the value was
// produced and drives data age when the value has no timestamp of its own.
func (o *Orchestrator) result(id string, req Request, v any, src Source, at, start time.Time) *Result {
	res := &Result{
		RequestID: id,
		Value:     v,
		Source:    src,
		Warnings:  []string{},
		FetchedAt: at,
	}

	rec, err := quality.ToRecord(v)
	if err == nil {
		fields := o.config.Fields
		if req.Fields != nil {
			fields = *req.Fields
		}
		report := o.reporter.GenerateQualityReport(rec, fields, at)
		res.Quality = &report
		res.Warnings = append(res.Warnings, report.Warnings...)
	}

	res.Duration = o.now().Sub(start)
	return res
}

func (o *Orchestrator) finish(log *slog.Logger, req Request, res *Result) *Result {
	o.mu.Lock()
	o.outcomes[res.Source]++
	o.mu.Unlock()

	o.recorder.RecordOutcome(req.Operation, string(res.Source), res.Duration)
	attrs := []any{"source", res.Source, "partial", res.IsPartial, "duration", res.Duration}
	if res.Quality != nil {
		o.recorder.RecordCompleteness(req.Operation, res.Quality.CompletenessScore)
		attrs = append(attrs, "completeness", res.Quality.CompletenessPercent(),
			"reliability", res.Quality.SourceReliability)
	}
	if res.IsPartial {
		log.Info("Served degraded result", attrs...)
	} else {
		log.Debug("Served result", attrs...)
	}
	return res
}

// Stats returns a snapshot of every component.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	outcomes := maps.Clone(o.outcomes)
	failures := maps.Clone(o.failures)
	o.mu.Unlock()

	return Stats{
		Cache:     o.cache.Stats(),
		RateLimit: o.limiter.Stats(),
		Breakers:  o.breakers.All(),
		Outcomes:  outcomes,
		Failures:  failures,
		Stages:    o.Stages(),
	}
}

func prepend(list []string, s string) []string {
	return append([]string{s}, list...)
}
