// Package agent runs the probe-work consumption loop: fetch, route,
// decode, execute, publish. Nothing a message contains may crash the
// loop; malformed input is counted, logged, and committed away.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/perigeehq/perigee/internal/broker"
	"github.com/perigeehq/perigee/internal/config"
	"github.com/perigeehq/perigee/internal/metrics"
	"github.com/perigeehq/perigee/internal/probe"
	"github.com/perigeehq/perigee/internal/prober"
	"github.com/perigeehq/perigee/internal/reply"
	"github.com/perigeehq/perigee/internal/tracker"
)

// MessageReader is the slice of kafka.Reader the loop needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// ReplySink receives observed replies for publication.
type ReplySink interface {
	Publish(replies ...reply.Reply)
}

// Config holds the static configuration for an agent loop.
type Config struct {
	AgentID string
}

// Dependencies inject the loop's collaborators.
type Dependencies struct {
	Reader  MessageReader
	Sink    ReplySink
	Tracker *tracker.Tracker
	Runners []*prober.Runner
	Metrics *metrics.Store
	Logger  zerolog.Logger
}

// Agent consumes probe-work messages and executes the ones addressed
// to it. One worker runs per prober instance: the underlying network
// interface is exclusive, so concurrency is capped at the number of
// configured probers.
type Agent struct {
	cfg     Config
	router  *Router
	reader  MessageReader
	sink    ReplySink
	tracker *tracker.Tracker
	runners []*prober.Runner
	metrics *metrics.Store
	logger  zerolog.Logger

	running sync.WaitGroup
	ready   chan struct{}
}

type job struct {
	headers broker.ProbeHeaders
	probes  []probe.Probe
}

// New builds an agent loop.
func New(cfg Config, deps Dependencies) (*Agent, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if deps.Reader == nil {
		return nil, fmt.Errorf("message reader is required")
	}
	if deps.Sink == nil {
		return nil, fmt.Errorf("reply sink is required")
	}
	if len(deps.Runners) == 0 {
		return nil, fmt.Errorf("at least one prober runner is required")
	}
	return &Agent{
		cfg:     cfg,
		router:  NewRouter(cfg.AgentID),
		reader:  deps.Reader,
		sink:    deps.Sink,
		tracker: deps.Tracker,
		runners: deps.Runners,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		ready:   make(chan struct{}),
	}, nil
}

// Ready reports whether the consumption loop has started.
func (a *Agent) Ready() bool {
	select {
	case <-a.ready:
		return true
	default:
		return false
	}
}

// Run consumes until ctx is cancelled. Cancellation stops fetching
// immediately; jobs already dispatched run to completion so finished
// measurement work is not lost.
func (a *Agent) Run(ctx context.Context) error {
	jobs := make(map[string]chan job, len(a.runners))
	var workers sync.WaitGroup
	for _, runner := range a.runners {
		ch := make(chan job, 1)
		jobs[runner.Name()] = ch
		workers.Add(1)
		go func(r *prober.Runner, ch <-chan job) {
			defer workers.Done()
			a.work(r, ch)
		}(runner, ch)
	}

	close(a.ready)
	a.logger.Info().Str("agent", a.cfg.AgentID).Int("probers", len(a.runners)).Msg("consumption loop started")

	var loopErr error
	for {
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				break
			}
			a.logger.Error().Err(err).Msg("fetch failed")
			loopErr = err
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		loopErr = nil
		a.handle(ctx, msg, jobs)
	}

	for _, ch := range jobs {
		close(ch)
	}
	workers.Wait()
	a.logger.Info().Msg("consumption loop drained")

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return loopErr
}

// handle classifies and dispatches one message. Every settled outcome
// commits the message: a skipped message is consumed, not retried
// forever. The one exception is a dispatch aborted by shutdown; the
// offset stays uncommitted so the log redelivers the batch on restart.
func (a *Agent) handle(ctx context.Context, msg kafka.Message, jobs map[string]chan job) {
	if a.metrics != nil {
		a.metrics.IncMessagesConsumed()
	}
	commit := true
	defer func() {
		if commit {
			a.commit(ctx, msg)
		}
	}()

	headers, decision, err := a.router.Route(msg)
	switch decision {
	case DecisionInvalid:
		if a.metrics != nil {
			a.metrics.IncMessagesInvalid()
		}
		a.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("unroutable message skipped")
		return
	case DecisionFiltered:
		if a.metrics != nil {
			a.metrics.IncMessagesFiltered()
		}
		return
	}

	probes, err := probe.ParseLines(string(msg.Value))
	if err != nil {
		if a.metrics != nil {
			a.metrics.IncMessagesInvalid()
		}
		a.logger.Warn().Err(err).Str("measurement", headers.MeasurementID).Msg("undecodable payload skipped")
		return
	}
	if a.metrics != nil {
		a.metrics.AddProbesReceived(len(probes))
	}

	// No measurement id means an untracked batch: it executes
	// normally, only status reporting is disabled.
	if a.tracker != nil && headers.MeasurementID != "" {
		a.tracker.Begin(headers.MeasurementID)
	}

	runner, err := a.selectRunner(headers)
	if err != nil {
		if a.metrics != nil {
			a.metrics.AddProbesRejected(len(probes))
		}
		a.logger.Warn().Err(err).Str("measurement", headers.MeasurementID).Msg("probes rejected")
		return
	}

	select {
	case jobs[runner.Name()] <- job{headers: headers, probes: probes}:
	case <-ctx.Done():
		commit = false
	}
}

func (a *Agent) selectRunner(headers broker.ProbeHeaders) (*prober.Runner, error) {
	configs := make([]config.ProberConfig, len(a.runners))
	for i, r := range a.runners {
		configs[i] = r.Config()
	}
	selected, err := config.SelectProber(configs, headers.SrcAddr)
	if err != nil {
		return nil, err
	}
	for _, r := range a.runners {
		if r.Name() == selected.Name {
			return r, nil
		}
	}
	return nil, fmt.Errorf("prober %q has no runner", selected.Name)
}

// work executes dispatched jobs for one prober instance. The jobs
// channel drains fully on shutdown; execution itself uses a detached
// context so an in-flight batch finishes.
func (a *Agent) work(runner *prober.Runner, jobs <-chan job) {
	for j := range jobs {
		execCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		replies, executed, err := runner.Execute(execCtx, j.probes, j.headers.SrcAddr)
		cancel()
		if err != nil {
			a.logger.Error().Err(err).Str("measurement", j.headers.MeasurementID).Msg("probe execution failed")
		}
		tracked := a.tracker != nil && j.headers.MeasurementID != ""
		if tracked {
			a.tracker.AddProbes(j.headers.MeasurementID, executed)
		}
		if len(replies) > 0 {
			a.sink.Publish(replies...)
		}
		if j.headers.EndOfMeasurement && tracked {
			reportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			a.tracker.Complete(reportCtx, j.headers.MeasurementID)
			cancel()
		}
	}
}

func (a *Agent) commit(ctx context.Context, msg kafka.Message) {
	commitCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		commitCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := a.reader.CommitMessages(commitCtx, msg); err != nil {
		a.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("offset commit failed")
	}
}
