// Package client produces probe-work messages: it splits a probe list
// into bounded batches, addresses each batch to an agent through
// message headers, and paces submission to the log.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"github.com/perigeehq/perigee/internal/broker"
	"github.com/perigeehq/perigee/internal/probe"
	"github.com/perigeehq/perigee/internal/target"
)

// Writer is the slice of kafka.Writer the producer needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Config bounds batch size and submission rate.
type Config struct {
	// BatchMaxBytes caps one message payload.
	BatchMaxBytes int
	// MessagesPerSecond paces submission; zero disables pacing.
	MessagesPerSecond int
}

// Producer submits probe batches for a set of agents.
type Producer struct {
	cfg     Config
	writer  Writer
	limiter *rate.Limiter
	now     func() time.Time
	logger  zerolog.Logger
}

// New builds a producer.
func New(cfg Config, writer Writer, logger zerolog.Logger) *Producer {
	if cfg.BatchMaxBytes <= 0 {
		cfg.BatchMaxBytes = 990_000
	}
	var limiter *rate.Limiter
	if cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), 1)
	}
	return &Producer{
		cfg:     cfg,
		writer:  writer,
		limiter: limiter,
		now:     time.Now,
		logger:  logger,
	}
}

// Produce sends the probe list to every agent target. Each agent gets
// the full list split into payloads no larger than the byte cap, and
// the final payload for each agent carries the end-of-measurement
// marker. An empty measurement ID gets a generated one. It returns the
// measurement ID and the number of messages written.
func (p *Producer) Produce(ctx context.Context, measurementID string, targets []target.AgentTarget, probes []probe.Probe) (string, int, error) {
	if len(targets) == 0 {
		return "", 0, target.ErrNoAgentsSpecified
	}
	if len(probes) == 0 {
		return "", 0, fmt.Errorf("no probes to send")
	}
	if measurementID == "" {
		measurementID = uuid.NewString()
	}

	batches, err := p.split(probes)
	if err != nil {
		return "", 0, err
	}

	written := 0
	for _, tgt := range targets {
		for i, payload := range batches {
			headers := broker.ProbeHeaders{
				AgentID:          tgt.AgentID,
				SrcAddr:          tgt.SrcAddr,
				MeasurementID:    measurementID,
				CreatedAt:        p.now().UTC(),
				EndOfMeasurement: i == len(batches)-1,
			}
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					return measurementID, written, err
				}
			}
			msg := kafka.Message{
				Key:     []byte(tgt.AgentID),
				Value:   payload,
				Headers: headers.Encode(),
			}
			if err := p.writer.WriteMessages(ctx, msg); err != nil {
				return measurementID, written, fmt.Errorf("write batch %d for agent %s: %w", i, tgt.AgentID, err)
			}
			written++
		}
		p.logger.Info().
			Str("agent", tgt.AgentID).
			Str("measurement", measurementID).
			Int("batches", len(batches)).
			Int("probes", len(probes)).
			Msg("probes submitted")
	}
	return measurementID, written, nil
}

// split renders probes into newline-separated payloads under the byte
// cap without splitting a line across payloads.
func (p *Producer) split(probes []probe.Probe) ([][]byte, error) {
	var batches [][]byte
	var current []byte
	for _, pr := range probes {
		line := append([]byte(pr.String()), '\n')
		if len(line) > p.cfg.BatchMaxBytes {
			return nil, fmt.Errorf("probe line %q exceeds batch byte cap %d", pr, p.cfg.BatchMaxBytes)
		}
		if len(current) > 0 && len(current)+len(line) > p.cfg.BatchMaxBytes {
			batches = append(batches, current)
			current = nil
		}
		current = append(current, line...)
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches, nil
}
