package orchestrator

import (
	"context"

	"github.com/vietddude/marketfetch/internal/resilience/breaker"
	"github.com/vietddude/marketfetch/internal/resilience/ratelimit"
	"github.com/vietddude/marketfetch/internal/resilience/retry"
)

// Stage decorates the next step of the pipeline.
type Stage struct {
	Name string
	Wrap func(req Request, next Fetch) Fetch
}

// BreakerStage fails fast while the operation's circuit is open.
func BreakerStage(reg *breaker.Registry) Stage {
	return Stage{
		Name: "circuit_breaker",
		Wrap: func(req Request, next Fetch) Fetch {
			b := reg.Get(req.Operation)
			return func(ctx context.Context) (any, error) {
				return b.Execute(ctx, next)
			}
		},
	}
}

// RateLimitStage waits for, or is refused, admission.
func RateLimitStage(l *ratelimit.Limiter) Stage {
	return Stage{
		Name: "rate_limit",
		Wrap: func(req Request, next Fetch) Fetch {
			return func(ctx context.Context) (any, error) {
				return l.Execute(ctx, req.Operation, next)
			}
		},
	}
}

// RetryStage retries transient failures of the wrapped call.
func RetryStage(p *retry.Policy) Stage {
	return Stage{
		Name: "retry",
		Wrap: func(_ Request, next Fetch) Fetch {
			return func(ctx context.Context) (any, error) {
				return p.Execute(ctx, next)
			}
		},
	}
}

// chain nests stages so stages[0] is outermost and fetch runs innermost.
func chain(stages []Stage, req Request, fetch Fetch) Fetch {
	f := fetch
	for i := len(stages) - 1; i >= 0; i-- {
		f = stages[i].Wrap(req, f)
	}
	return f
}
