// Package prober adapts a probing engine to the agent: it paces probe
// submission, collects the observed replies, and wraps engine failures
// so the consumption loop can keep running.
package prober

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/perigeehq/perigee/internal/config"
	"github.com/perigeehq/perigee/internal/metrics"
	"github.com/perigeehq/perigee/internal/probe"
	"github.com/perigeehq/perigee/internal/reply"
)

// Engine sends probes and returns the replies observed for them. Probe
// order must be preserved on the wire; replies arrive in whatever order
// the network produces them.
type Engine interface {
	Probe(ctx context.Context, probes []probe.Probe, srcAddr netip.Addr) ([]reply.Reply, error)
}

// ExecutionError marks a failure inside the probing engine. The agent
// records it against the measurement instead of crashing the loop.
type ExecutionError struct {
	Prober string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("prober %s: %v", e.Prober, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Runner drives one configured prober instance.
type Runner struct {
	cfg     config.ProberConfig
	engine  Engine
	limiter *rate.Limiter
	metrics *metrics.Store
	logger  zerolog.Logger
}

// NewRunner builds a runner for one prober instance. A nil metrics
// store disables counting.
func NewRunner(cfg config.ProberConfig, engine Engine, store *metrics.Store, logger zerolog.Logger) *Runner {
	limit := rate.Limit(cfg.ProbingRate)
	burst := cfg.BatchSize
	if burst < 1 {
		burst = 1
	}
	return &Runner{
		cfg:     cfg,
		engine:  engine,
		limiter: rate.NewLimiter(limit, burst),
		metrics: store,
		logger:  logger.With().Str("prober", cfg.Name).Logger(),
	}
}

// Name returns the prober instance name.
func (r *Runner) Name() string { return r.cfg.Name }

// Config returns the instance configuration.
func (r *Runner) Config() config.ProberConfig { return r.cfg }

// Execute sends probes in batches at the configured rate and returns
// every reply observed plus the number of probes that actually ran.
// Probes keep their submission order. On failure the replies are
// discarded: a failed run publishes nothing, and executed tells the
// caller how much of the work completed before the failure.
func (r *Runner) Execute(ctx context.Context, probes []probe.Probe, srcAddr netip.Addr) (replies []reply.Reply, executed int, err error) {
	for start := 0; start < len(probes); start += r.cfg.BatchSize {
		end := start + r.cfg.BatchSize
		if end > len(probes) {
			end = len(probes)
		}
		batch := probes[start:end]

		if err := r.limiter.WaitN(ctx, len(batch)); err != nil {
			return nil, executed, &ExecutionError{Prober: r.cfg.Name, Err: err}
		}

		observed, err := r.engine.Probe(ctx, batch, srcAddr)
		if err != nil {
			return nil, executed, &ExecutionError{Prober: r.cfg.Name, Err: err}
		}
		replies = append(replies, observed...)
		executed += len(batch)

		if r.metrics != nil {
			r.metrics.AddProbesExecuted(len(batch))
			r.metrics.AddRepliesObserved(len(observed))
		}
		r.logger.Debug().Int("probes", len(batch)).Int("replies", len(observed)).Msg("batch executed")
	}
	return replies, executed, nil
}
