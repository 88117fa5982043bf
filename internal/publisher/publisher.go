// Package publisher accumulates reply records and publishes them to the
// result topic in bounded batches.
package publisher

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/perigeehq/perigee/internal/metrics"
	"github.com/perigeehq/perigee/internal/queue"
	"github.com/perigeehq/perigee/internal/reply"
)

// Writer is the slice of kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Config bounds batching and retry behavior.
type Config struct {
	// AgentID keys every published message so one agent's replies
	// stay on one partition.
	AgentID string
	// MaxBytes caps one message payload.
	MaxBytes int
	// BatchWait flushes a partial batch after this much quiet time.
	BatchWait time.Duration
	// Retries bounds publish attempts before a batch is dropped.
	Retries int
	// QueueCapacity bounds the reply buffer between execution and
	// publication.
	QueueCapacity int
}

// Publisher buffers encoded replies and flushes them as payloads reach
// the byte cap or the batch wait expires. Publishing never blocks the
// caller; a batch that exhausts its retries is dropped and counted.
type Publisher struct {
	cfg     Config
	writer  Writer
	metrics *metrics.Store
	logger  zerolog.Logger

	buffer *queue.ReplyQueue
	notify chan struct{}
}

// New builds a publisher. Run must be called for anything to flow.
func New(cfg Config, writer Writer, store *metrics.Store, logger zerolog.Logger) *Publisher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 990_000
	}
	if cfg.BatchWait <= 0 {
		cfg.BatchWait = time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 5
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 65536
	}
	return &Publisher{
		cfg:     cfg,
		writer:  writer,
		metrics: store,
		logger:  logger,
		buffer:  queue.NewReplyQueue(cfg.QueueCapacity),
		notify:  make(chan struct{}, 1),
	}
}

// Publish buffers replies for delivery. When the buffer is full the
// oldest records are evicted to keep the probing path from stalling.
func (p *Publisher) Publish(replies ...reply.Reply) {
	evicted := 0
	for _, r := range replies {
		if p.buffer.Enqueue(r) {
			evicted++
		}
	}
	if evicted > 0 {
		p.logger.Warn().Int("evicted", evicted).Msg("publish buffer full, oldest replies dropped")
	}
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Run drains the buffer until ctx is cancelled, then flushes whatever
// remains before returning.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.BatchWait)
	defer ticker.Stop()

	var payload []byte
	var count int

	flush := func(flushCtx context.Context) {
		if count == 0 {
			return
		}
		p.flushWithRetry(flushCtx, payload, count)
		payload = nil
		count = 0
	}

	add := func(flushCtx context.Context, r reply.Reply) {
		encoded, err := reply.Encode(nil, r)
		if err != nil {
			p.logger.Error().Err(err).Msg("reply encode failed")
			return
		}
		if len(payload) > 0 && len(payload)+len(encoded) > p.cfg.MaxBytes {
			flush(flushCtx)
		}
		payload = append(payload, encoded...)
		count++
		if len(payload) >= p.cfg.MaxBytes {
			flush(flushCtx)
		}
	}

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			for _, r := range p.buffer.Drain(0) {
				add(drainCtx, r)
			}
			flush(drainCtx)
			return ctx.Err()
		case <-p.notify:
			for _, r := range p.buffer.Drain(0) {
				add(ctx, r)
			}
		case <-ticker.C:
			for _, r := range p.buffer.Drain(0) {
				add(ctx, r)
			}
			flush(ctx)
		}
	}
}

// flushWithRetry publishes one payload with exponential backoff and
// jitter, dropping it after the attempt budget is spent.
func (p *Publisher) flushWithRetry(ctx context.Context, payload []byte, count int) {
	baseDelay := 250 * time.Millisecond

	for attempt := 1; ; attempt++ {
		err := p.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(p.cfg.AgentID),
			Value: payload,
		})
		if err == nil {
			if p.metrics != nil {
				p.metrics.AddRepliesPublished(count)
			}
			p.logger.Debug().Int("replies", count).Int("bytes", len(payload)).Msg("reply batch published")
			return
		}

		p.logger.Warn().Err(err).Int("attempt", attempt).Int("replies", count).Msg("reply publish failed")
		if attempt >= p.cfg.Retries {
			if p.metrics != nil {
				p.metrics.IncPublishFailures()
			}
			p.logger.Error().Int("attempts", attempt).Int("replies", count).Msg("reply batch dropped")
			return
		}

		backoff := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
		jitter := time.Duration(rand.Int63n(int64(baseDelay)))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			if p.metrics != nil {
				p.metrics.IncPublishFailures()
			}
			p.logger.Warn().Msg("publish cancelled during backoff")
			return
		}
	}
}
