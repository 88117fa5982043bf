// Package metrics maintains in-memory counters for agent telemetry and
// serves them in the Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Store maintains in-memory gauges and counters for agent telemetry.
type Store struct {
	messagesConsumed atomic.Uint64
	messagesFiltered atomic.Uint64
	messagesInvalid  atomic.Uint64
	probesReceived   atomic.Uint64
	probesExecuted   atomic.Uint64
	probesRejected   atomic.Uint64
	repliesObserved  atomic.Uint64
	repliesPublished atomic.Uint64
	publishFailures  atomic.Uint64

	measurementsActive   atomic.Int64
	measurementsReported atomic.Uint64
	measurementsFailed   atomic.Uint64
}

// NewStore constructs a Store with zeroed metrics.
func NewStore() *Store {
	return &Store{}
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	MessagesConsumed uint64
	MessagesFiltered uint64
	MessagesInvalid  uint64
	ProbesReceived   uint64
	ProbesExecuted   uint64
	ProbesRejected   uint64
	RepliesObserved  uint64
	RepliesPublished uint64
	PublishFailures  uint64

	MeasurementsActive   int64
	MeasurementsReported uint64
	MeasurementsFailed   uint64
}

// Snapshot returns a point-in-time copy of the metrics.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		MessagesConsumed:     s.messagesConsumed.Load(),
		MessagesFiltered:     s.messagesFiltered.Load(),
		MessagesInvalid:      s.messagesInvalid.Load(),
		ProbesReceived:       s.probesReceived.Load(),
		ProbesExecuted:       s.probesExecuted.Load(),
		ProbesRejected:       s.probesRejected.Load(),
		RepliesObserved:      s.repliesObserved.Load(),
		RepliesPublished:     s.repliesPublished.Load(),
		PublishFailures:      s.publishFailures.Load(),
		MeasurementsActive:   s.measurementsActive.Load(),
		MeasurementsReported: s.measurementsReported.Load(),
		MeasurementsFailed:   s.measurementsFailed.Load(),
	}
}

func (s *Store) IncMessagesConsumed()          { s.messagesConsumed.Add(1) }
func (s *Store) IncMessagesFiltered()          { s.messagesFiltered.Add(1) }
func (s *Store) IncMessagesInvalid()           { s.messagesInvalid.Add(1) }
func (s *Store) AddProbesReceived(n int)       { s.probesReceived.Add(uint64(n)) }
func (s *Store) AddProbesExecuted(n int)       { s.probesExecuted.Add(uint64(n)) }
func (s *Store) AddProbesRejected(n int)       { s.probesRejected.Add(uint64(n)) }
func (s *Store) AddRepliesObserved(n int)      { s.repliesObserved.Add(uint64(n)) }
func (s *Store) AddRepliesPublished(n int)     { s.repliesPublished.Add(uint64(n)) }
func (s *Store) IncPublishFailures()           { s.publishFailures.Add(1) }
func (s *Store) IncMeasurementsActive()        { s.measurementsActive.Add(1) }
func (s *Store) DecMeasurementsActive()        { s.measurementsActive.Add(-1) }
func (s *Store) IncMeasurementsReported()      { s.measurementsReported.Add(1) }
func (s *Store) IncMeasurementsReportFailed()  { s.measurementsFailed.Add(1) }

// WritePrometheus renders the current metrics using the Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) error {
	snap := s.Snapshot()
	lines := []string{
		"# HELP perigee_agent_messages_consumed_total Probe-work messages consumed from the log.",
		"# TYPE perigee_agent_messages_consumed_total counter",
		fmt.Sprintf("perigee_agent_messages_consumed_total %d", snap.MessagesConsumed),
		"# HELP perigee_agent_messages_filtered_total Messages addressed to another agent and skipped.",
		"# TYPE perigee_agent_messages_filtered_total counter",
		fmt.Sprintf("perigee_agent_messages_filtered_total %d", snap.MessagesFiltered),
		"# HELP perigee_agent_messages_invalid_total Messages whose headers or payload could not be decoded.",
		"# TYPE perigee_agent_messages_invalid_total counter",
		fmt.Sprintf("perigee_agent_messages_invalid_total %d", snap.MessagesInvalid),
		"# HELP perigee_agent_probes_received_total Probes decoded from accepted messages.",
		"# TYPE perigee_agent_probes_received_total counter",
		fmt.Sprintf("perigee_agent_probes_received_total %d", snap.ProbesReceived),
		"# HELP perigee_agent_probes_executed_total Probes handed to a probing engine.",
		"# TYPE perigee_agent_probes_executed_total counter",
		fmt.Sprintf("perigee_agent_probes_executed_total %d", snap.ProbesExecuted),
		"# HELP perigee_agent_probes_rejected_total Probes rejected before execution.",
		"# TYPE perigee_agent_probes_rejected_total counter",
		fmt.Sprintf("perigee_agent_probes_rejected_total %d", snap.ProbesRejected),
		"# HELP perigee_agent_replies_observed_total Replies captured by the probing engines.",
		"# TYPE perigee_agent_replies_observed_total counter",
		fmt.Sprintf("perigee_agent_replies_observed_total %d", snap.RepliesObserved),
		"# HELP perigee_agent_replies_published_total Replies published to the result topic.",
		"# TYPE perigee_agent_replies_published_total counter",
		fmt.Sprintf("perigee_agent_replies_published_total %d", snap.RepliesPublished),
		"# HELP perigee_agent_publish_failures_total Result batches dropped after exhausting retries.",
		"# TYPE perigee_agent_publish_failures_total counter",
		fmt.Sprintf("perigee_agent_publish_failures_total %d", snap.PublishFailures),
		"# HELP perigee_agent_measurements_active Measurements currently being executed.",
		"# TYPE perigee_agent_measurements_active gauge",
		fmt.Sprintf("perigee_agent_measurements_active %d", snap.MeasurementsActive),
		"# HELP perigee_agent_measurements_reported_total Measurement completions reported to the gateway.",
		"# TYPE perigee_agent_measurements_reported_total counter",
		fmt.Sprintf("perigee_agent_measurements_reported_total %d", snap.MeasurementsReported),
		"# HELP perigee_agent_measurement_report_failures_total Measurement completions the gateway did not accept.",
		"# TYPE perigee_agent_measurement_report_failures_total counter",
		fmt.Sprintf("perigee_agent_measurement_report_failures_total %d", snap.MeasurementsFailed),
		"",
	}
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}
