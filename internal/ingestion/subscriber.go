package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/domain"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/observability"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/payout"
)

const (
	// TriggerStream carries confirmed parametric triggers published by
	// the trigger evaluation service.
	TriggerStream = "PARAMETRIC_TRIGGERS"

	// TriggerSubject is the filter the settlement consumer reads. The
	// last token is the policy ID.
	TriggerSubject = "parametric.triggers.confirmed.>"

	triggerConsumerName = "settlement-triggers"
)

// TriggerDeduper answers whether a trigger already produced a payout.
type TriggerDeduper interface {
	IsDuplicateTrigger(ctx context.Context, policyID, triggerID string) (bool, error)
}

// PayoutInitiator starts one settlement per trigger.
type PayoutInitiator interface {
	RequestPayout(ctx context.Context, req payout.Request) (*domain.PayoutTransaction, error)
}

// TriggerSubscriber consumes confirmed triggers from JetStream and
// starts a settlement per message. Explicit ACK with redelivery:
// malformed or duplicate messages are ACKed and dropped, infra errors
// are NAKed so JetStream redelivers.
type TriggerSubscriber struct {
	js       jetstream.JetStream
	dedup    TriggerDeduper
	payouts  PayoutInitiator
	log      zerolog.Logger
	metrics  *observability.Metrics
	consumer jetstream.ConsumeContext
}

func NewTriggerSubscriber(
	js jetstream.JetStream,
	dedup TriggerDeduper,
	payouts PayoutInitiator,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *TriggerSubscriber {
	return &TriggerSubscriber{
		js:      js,
		dedup:   dedup,
		payouts: payouts,
		log:     log,
		metrics: metrics,
	}
}

// Subscribe creates the durable consumer and starts processing.
// Consumers use explicit ACK, max_deliver=5, ack_wait=5m: a settlement
// holds the message for its full pipeline including finality polling.
func (s *TriggerSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, TriggerStream, jetstream.ConsumerConfig{
		Durable:       triggerConsumerName,
		FilterSubject: TriggerSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       5 * time.Minute,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", triggerConsumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", triggerConsumerName, err)
	}

	s.consumer = cc
	s.log.Info().Str("subject", TriggerSubject).Str("consumer", triggerConsumerName).Msg("subscribed to trigger stream")
	return nil
}

func (s *TriggerSubscriber) handle(ctx context.Context, msg jetstream.Msg) {
	if s.metrics != nil {
		s.metrics.TriggersReceived.Inc()
	}

	req, err := ParseTrigger(msg.Data())
	if err != nil {
		// Malformed payloads never become valid on redelivery.
		s.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed trigger")
		if s.metrics != nil {
			s.metrics.TriggersRejected.WithLabelValues("malformed").Inc()
		}
		msg.Ack()
		return
	}

	dup, err := s.dedup.IsDuplicateTrigger(ctx, req.PolicyID, req.TriggerID)
	if err != nil {
		s.log.Error().Err(err).Str("trigger_id", req.TriggerID).Msg("dedup check failed, requesting redelivery")
		msg.Nak()
		return
	}
	if dup {
		s.log.Debug().Str("trigger_id", req.TriggerID).Str("policy_id", req.PolicyID).Msg("trigger already settled")
		if s.metrics != nil {
			s.metrics.TriggersRejected.WithLabelValues("duplicate").Inc()
		}
		msg.Ack()
		return
	}

	tx, err := s.payouts.RequestPayout(ctx, req)
	switch {
	case errors.Is(err, payout.ErrValidation):
		if s.metrics != nil {
			s.metrics.TriggersRejected.WithLabelValues("invalid").Inc()
		}
		s.log.Warn().Err(err).Str("trigger_id", req.TriggerID).Msg("dropping invalid trigger")
		msg.Ack()
	case err != nil:
		// Store or infra failure before the payout entity existed.
		s.log.Error().Err(err).Str("trigger_id", req.TriggerID).Msg("settlement start failed, requesting redelivery")
		msg.Nak()
	default:
		s.log.Info().
			Str("transaction_id", tx.TransactionID.String()).
			Str("trigger_id", req.TriggerID).
			Str("status", string(tx.Status)).
			Msg("trigger settled")
		msg.Ack()
	}
}

// Stop gracefully stops the consumer.
func (s *TriggerSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.log.Info().Msg("trigger subscriber stopped")
}

// EnsureTriggerStream creates the trigger stream if it does not exist.
// FileStorage with a 72h horizon: triggers older than that are resolved
// through the reconciliation surface, not replay.
func EnsureTriggerStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      TriggerStream,
		Subjects:  []string{"parametric.triggers.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", TriggerStream, err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
