// Package emitter decouples the settlement core from the audit sink.
// State machines hand their transition events to a buffered channel and
// continue; a delivery loop drains the buffer and retries publishes so
// a slow sink never blocks or fails a settlement.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/event"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/observability"
)

// Publisher delivers one serialized event to the audit sink.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Emitter buffers settlement events and delivers them asynchronously.
// Enqueue is blocking: every transition event must reach the sink
// exactly once, so events are never dropped; if the buffer fills, the
// caller stalls until the delivery loop catches up.
type Emitter struct {
	publisher     Publisher
	buf           chan event.Envelope
	subjectPrefix string
	retryBase     time.Duration
	maxAttempts   int
	log           zerolog.Logger
	metrics       *observability.Metrics
}

// Config tunes the emitter.
type Config struct {
	BufferSize    int
	SubjectPrefix string
	RetryBase     time.Duration
	MaxAttempts   int
}

func DefaultConfig() Config {
	return Config{
		BufferSize:    4096,
		SubjectPrefix: "parametric.settlement.events",
		RetryBase:     250 * time.Millisecond,
		MaxAttempts:   5,
	}
}

func New(publisher Publisher, cfg Config, log zerolog.Logger, metrics *observability.Metrics) *Emitter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultConfig().SubjectPrefix
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Emitter{
		publisher:     publisher,
		buf:           make(chan event.Envelope, cfg.BufferSize),
		subjectPrefix: cfg.SubjectPrefix,
		retryBase:     cfg.RetryBase,
		maxAttempts:   cfg.MaxAttempts,
		log:           log,
		metrics:       metrics,
	}
}

// Emit enqueues one event for delivery. Blocks if the buffer is full.
func (e *Emitter) Emit(evt event.Envelope) {
	e.buf <- evt
	if e.metrics != nil {
		e.metrics.EmitterBufferDepth.Set(float64(len(e.buf)))
	}
}

// Run drains the buffer until ctx is cancelled, then flushes whatever
// is already buffered before returning.
func (e *Emitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.flush()
			return ctx.Err()
		case evt := <-e.buf:
			e.deliver(ctx, evt)
			if e.metrics != nil {
				e.metrics.EmitterBufferDepth.Set(float64(len(e.buf)))
			}
		}
	}
}

// flush makes a best-effort pass over the remaining buffer during
// shutdown, one publish attempt per event.
func (e *Emitter) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case evt := <-e.buf:
			if err := e.publish(ctx, evt); err != nil {
				e.log.Error().Err(err).Str("event_id", evt.EventID.String()).Msg("audit event lost at shutdown")
			}
		default:
			return
		}
	}
}

// deliver publishes with exponential backoff. Delivery failures past
// the attempt bound are logged and counted, never propagated to the
// settlement path.
func (e *Emitter) deliver(ctx context.Context, evt event.Envelope) {
	delay := e.retryBase
	for attempt := 1; ; attempt++ {
		err := e.publish(ctx, evt)
		if err == nil {
			if e.metrics != nil {
				e.metrics.EventsEmitted.WithLabelValues(string(evt.Type)).Inc()
			}
			return
		}
		if attempt >= e.maxAttempts {
			e.log.Error().Err(err).
				Str("event_id", evt.EventID.String()).
				Str("type", string(evt.Type)).
				Int("attempts", attempt).
				Msg("audit event delivery abandoned")
			if e.metrics != nil {
				e.metrics.EmitterDeliveryFailures.Inc()
			}
			return
		}
		select {
		case <-ctx.Done():
			e.log.Warn().Str("event_id", evt.EventID.String()).Msg("audit delivery interrupted by shutdown")
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (e *Emitter) publish(ctx context.Context, evt event.Envelope) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", e.subjectPrefix, evt.Type)
	return e.publisher.Publish(ctx, subject, data)
}

// JetStreamPublisher adapts a JetStream context to the Publisher
// interface used by the emitter.
type JetStreamPublisher struct {
	js jetstream.JetStream
}

func NewJetStreamPublisher(js jetstream.JetStream) *JetStreamPublisher {
	return &JetStreamPublisher{js: js}
}

func (p *JetStreamPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.js.Publish(ctx, subject, data)
	return err
}

// EnsureAuditStream creates the audit events stream.
func EnsureAuditStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PARAMETRIC_SETTLEMENT_EVENTS",
		Subjects:  []string{"parametric.settlement.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    30 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create audit stream: %w", err)
	}
	return nil
}
