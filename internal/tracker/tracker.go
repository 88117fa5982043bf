// Package tracker follows the lifecycle of every measurement an agent
// executes and reports terminal states to the gateway.
package tracker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/perigeehq/perigee/internal/metrics"
)

// State is the lifecycle position of one measurement on this agent.
type State int

const (
	StateUnknown State = iota
	StateActive
	StateReported
	StateReportFailed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateReported:
		return "reported"
	case StateReportFailed:
		return "report_failed"
	default:
		return "unknown"
	}
}

// Reporter delivers a terminal measurement state to the coordination
// service. Reporting is advisory: a failure marks the measurement
// ReportFailed and never blocks probe execution.
type Reporter interface {
	ReportMeasurementStatus(ctx context.Context, measurementID, state string, probesSent uint64) error
}

type measurement struct {
	mu         sync.Mutex
	state      State
	probesSent uint64
}

// Tracker maintains per-measurement state. Transitions for one
// measurement are serialized; distinct measurements never contend.
type Tracker struct {
	mu           sync.Mutex
	measurements map[string]*measurement

	reporter Reporter
	metrics  *metrics.Store
	logger   zerolog.Logger
}

// New builds a tracker. Reporter and metrics may be nil.
func New(reporter Reporter, store *metrics.Store, logger zerolog.Logger) *Tracker {
	return &Tracker{
		measurements: make(map[string]*measurement),
		reporter:     reporter,
		metrics:      store,
		logger:       logger,
	}
}

func (t *Tracker) get(id string) *measurement {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.measurements[id]
	if !ok {
		m = &measurement{}
		t.measurements[id] = m
	}
	return m
}

// Begin marks a measurement active. Repeat calls while active or after
// completion are no-ops.
func (t *Tracker) Begin(id string) {
	m := t.get(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateUnknown {
		return
	}
	m.state = StateActive
	if t.metrics != nil {
		t.metrics.IncMeasurementsActive()
	}
	t.logger.Debug().Str("measurement", id).Msg("measurement started")
}

// AddProbes accumulates the number of probes sent for a measurement.
func (t *Tracker) AddProbes(id string, n int) {
	if n <= 0 {
		return
	}
	m := t.get(id)
	m.mu.Lock()
	m.probesSent += uint64(n)
	m.mu.Unlock()
}

// Complete handles the end-of-measurement signal: the terminal state is
// reported once and the transition recorded. A measurement already
// reported stays reported; a failed report may be retried by a later
// completion signal.
func (t *Tracker) Complete(ctx context.Context, id string) State {
	m := t.get(id)
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateReported:
		return StateReported
	case StateUnknown:
		m.state = StateActive
		if t.metrics != nil {
			t.metrics.IncMeasurementsActive()
		}
	}

	wasFailed := m.state == StateReportFailed

	if t.reporter != nil {
		if err := t.reporter.ReportMeasurementStatus(ctx, id, "finished", m.probesSent); err != nil {
			t.logger.Warn().Err(err).Str("measurement", id).Msg("measurement report failed")
			m.state = StateReportFailed
			if t.metrics != nil && !wasFailed {
				t.metrics.DecMeasurementsActive()
				t.metrics.IncMeasurementsReportFailed()
			}
			return StateReportFailed
		}
	}

	m.state = StateReported
	if t.metrics != nil {
		if !wasFailed {
			t.metrics.DecMeasurementsActive()
		}
		t.metrics.IncMeasurementsReported()
	}
	t.logger.Info().Str("measurement", id).Uint64("probes_sent", m.probesSent).Msg("measurement finished")
	return StateReported
}

// State returns the current lifecycle state of a measurement.
func (t *Tracker) State(id string) State {
	t.mu.Lock()
	m, ok := t.measurements[id]
	t.mu.Unlock()
	if !ok {
		return StateUnknown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ProbesSent returns the probes accumulated for a measurement.
func (t *Tracker) ProbesSent(id string) uint64 {
	t.mu.Lock()
	m, ok := t.measurements[id]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probesSent
}
