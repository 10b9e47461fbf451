// Package control wires the stores, the call pipeline and the background
// workers into one service.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/marketfetch/internal/core/config"
	"github.com/vietddude/marketfetch/internal/core/worker"
	"github.com/vietddude/marketfetch/internal/health"
	redisclient "github.com/vietddude/marketfetch/internal/infra/redis"
	"github.com/vietddude/marketfetch/internal/infra/storage/postgres"
	"github.com/vietddude/marketfetch/internal/metrics"
	"github.com/vietddude/marketfetch/internal/resilience/breaker"
	"github.com/vietddude/marketfetch/internal/resilience/cache"
	"github.com/vietddude/marketfetch/internal/resilience/fallback"
	"github.com/vietddude/marketfetch/internal/resilience/orchestrator"
	"github.com/vietddude/marketfetch/internal/resilience/ratelimit"
	"github.com/vietddude/marketfetch/internal/source"
)

// QuoteOperation names the upstream quote call.
const QuoteOperation = "quote"

// QuoteFetcher is the upstream quote call.
type QuoteFetcher interface {
	Quote(ctx context.Context, symbol string) (source.Quote, error)
}

// Service is the main application struct that manages the service lifecycle.
type Service struct {
	cfg          *config.AppConfig
	orch         *orchestrator.Orchestrator
	fetcher      QuoteFetcher
	client       *source.Client
	poller       *worker.Poller
	pruner       *worker.Pruner
	healthMon    *health.Monitor
	healthServer *health.Server
	db           *postgres.DB
	redisClient  *redisclient.Client
	log          *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithFetcher replaces the HTTP quote client.
func WithFetcher(f QuoteFetcher) Option { return func(s *Service) { s.fetcher = f } }

// NewService creates a Service with all dependencies initialized.
func NewService(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*Service, error) {
	s := &Service{cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	r := cfg.Resilience
	oc := cfg.Orchestrator()

	// 1. Shared stores
	if r.Cache.Store == "redis" || r.Fallback.Store == "redis" || r.RateLimit.Shared {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		s.redisClient = rc
		slog.Info("Connected to Redis")
	}

	var store fallback.Store
	switch r.Fallback.Store {
	case "postgres":
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		s.db = db
		if err := db.Migrate(); err != nil {
			s.closeStores()
			return nil, err
		}
		repo := postgres.NewSnapshotRepo(db)
		store = repo
		if r.Fallback.RetentionMs > 0 {
			s.pruner = worker.NewPruner(time.Duration(r.Fallback.RetentionMs)*time.Millisecond, repo)
		}
		slog.Info("Using PostgreSQL fallback store")
	case "redis":
		store = s.redisClient
		slog.Info("Using Redis fallback store")
	default:
		store = fallback.NewMemory()
		slog.Info("Using memory fallback store")
	}

	// 2. Pipeline components
	var cacheOpts []cache.Option
	if r.Cache.Store == "redis" {
		cacheOpts = append(cacheOpts, cache.WithBackend(s.redisClient))
	}
	c := cache.New(oc.Cache, cacheOpts...)

	var limiterOpts []ratelimit.Option
	if r.RateLimit.Shared {
		limiterOpts = append(limiterOpts, ratelimit.WithCounter(s.redisClient))
	}

	breakers := breaker.NewRegistry(oc.Breaker, breaker.WithStateChange(
		func(op string, _, to breaker.State) { metrics.SetBreakerState(op, to.String()) },
	))

	s.orch = orchestrator.New(oc,
		orchestrator.WithCache(c),
		orchestrator.WithLimiter(ratelimit.New(oc.RateLimit, limiterOpts...)),
		orchestrator.WithBreakers(breakers),
		orchestrator.WithFallbackStore(store),
		orchestrator.WithRecorder(metrics.Recorder{}),
	)

	// 3. Upstream
	if s.fetcher == nil {
		s.client = source.NewClient(cfg.Source.Config)
		s.fetcher = s.client
	}

	// 4. Workers
	concurrency := oc.RateLimit.MaxConcurrent
	s.poller = worker.NewPoller(cfg.Symbols, cfg.PollInterval(), concurrency, s.poll)

	// 5. Health
	hopts := []health.Option{health.WithBreakers(breakers)}
	if s.redisClient != nil {
		hopts = append(hopts, health.WithCheck("redis", s.redisClient.Health))
	}
	if s.db != nil {
		hopts = append(hopts, health.WithCheck("postgres", s.db.Health))
	}
	if s.client != nil {
		hopts = append(hopts, health.WithSource(s.client.Monitor))
	}
	s.healthMon = health.NewMonitor(hopts...)
	s.healthServer = health.NewServer(s.healthMon, s.orch, cfg.Server.Port)

	return s, nil
}

// Orchestrator exposes the call pipeline.
func (s *Service) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// Handler returns the health server handler.
func (s *Service) Handler() http.Handler { return s.healthServer.Handler() }

// Quote fetches one symbol through the pipeline.
func (s *Service) Quote(ctx context.Context, symbol string, force bool) (source.Quote, *orchestrator.Result, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	req := orchestrator.Request{
		Operation:    QuoteOperation,
		Key:          quoteKey(symbol),
		ForceRefresh: force,
	}
	return orchestrator.Do(ctx, s.orch, req, func(ctx context.Context) (source.Quote, error) {
		return s.fetcher.Quote(ctx, symbol)
	})
}

func quoteKey(symbol string) string {
	return QuoteOperation + ":" + symbol
}

// Start starts the service and all its components. It does not block.
func (s *Service) Start(ctx context.Context) error {
	// Start Health Server
	go func() {
		if err := s.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Health server failed", "error", err)
		}
	}()

	// Start DB Metrics Collector
	if s.db != nil {
		s.db.StartMetricsCollector(ctx)
	}

	s.orch.Cache().StartJanitor(ctx, time.Minute)

	if n := s.Warm(ctx); n > 0 {
		s.log.Info("Cache warmed", "symbols", n)
	}

	go s.poller.Start(ctx)

	if s.pruner != nil {
		go s.pruner.Start(ctx)
	}

	s.log.Info("Service started", "symbols", len(s.cfg.Symbols), "port", s.cfg.Server.Port,
		"poll_interval", s.cfg.PollInterval())
	return nil
}

// Warm preloads configured symbols. Only live values are cached.
func (s *Service) Warm(ctx context.Context) int {
	keys := make([]string, len(s.cfg.Symbols))
	for i, sym := range s.cfg.Symbols {
		keys[i] = quoteKey(strings.ToUpper(sym))
	}

	return s.orch.Cache().Warm(ctx, keys, func(ctx context.Context, key string) (any, error) {
		symbol := strings.TrimPrefix(key, QuoteOperation+":")
		q, res, err := s.Quote(ctx, symbol, true)
		if err != nil {
			return nil, err
		}
		if res.Source != orchestrator.SourceLive {
			return nil, fmt.Errorf("%s served from %s", symbol, res.Source)
		}
		return q, nil
	})
}

func (s *Service) poll(ctx context.Context, symbol string) error {
	_, res, err := s.Quote(ctx, symbol, true)
	if err != nil {
		return err
	}

	attrs := []any{"symbol", symbol, "source", res.Source}
	if res.Quality != nil {
		attrs = append(attrs,
			"completeness", res.Quality.CompletenessPercent(),
			"reliability", res.Quality.SourceReliability,
			"recommendation", res.Quality.Recommendation,
		)
	}
	if len(res.Warnings) > 0 {
		attrs = append(attrs, "warnings", len(res.Warnings))
		s.log.Warn("Quote refreshed with warnings", attrs...)
		return nil
	}
	s.log.Debug("Quote refreshed", attrs...)
	return nil
}

// Stop stops the service.
func (s *Service) Stop(ctx context.Context) error {
	s.log.Info("Stopping service...")

	if s.client != nil {
		_ = s.client.Close()
	}
	s.closeStores()

	// Stop Health Server
	return s.healthServer.Stop(ctx)
}

func (s *Service) closeStores() {
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warn("Failed to close database", "error", err)
		}
	}
}
