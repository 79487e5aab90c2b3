package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/llLeco/parametric-ecosphere-sub001/internal/event"
	"github.com/llLeco/parametric-ecosphere-sub001/internal/observability"
)

// EventArchiver drains emitted audit events into Postgres in batches.
// It implements event.Sink so it can sit next to the NATS emitter in a
// sink fan-out. Emit uses a BLOCKING send: if the archiver falls
// behind, emitters stall rather than drop audit records.
type EventArchiver struct {
	writer       *ArchiveWriter
	input        chan event.Envelope
	batchSize    int
	flushTimeout time.Duration
	log          zerolog.Logger
	metrics      *observability.Metrics
}

func NewEventArchiver(
	db *sql.DB,
	batchSize int,
	flushTimeout time.Duration,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *EventArchiver {
	if batchSize <= 0 {
		batchSize = 256
	}
	if flushTimeout <= 0 {
		flushTimeout = 500 * time.Millisecond
	}
	return &EventArchiver{
		writer:       NewArchiveWriter(db),
		input:        make(chan event.Envelope, batchSize*4),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		log:          log,
		metrics:      metrics,
	}
}

// Emit enqueues one event for archiving. Blocks when the buffer is
// full.
func (a *EventArchiver) Emit(e event.Envelope) {
	a.input <- e
}

// Run batches incoming events and flushes either when the batch is full
// or the flush timeout expires. Blocks until ctx is cancelled, then
// drains whatever is buffered before returning.
func (a *EventArchiver) Run(ctx context.Context) error {
	batch := make([]event.Envelope, 0, a.batchSize)

	timer := time.NewTimer(a.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.drain(&batch)
			if len(batch) > 0 {
				if err := a.writer.WriteBatch(context.Background(), batch); err != nil {
					a.log.Error().Err(err).Int("events", len(batch)).Msg("final archive flush failed")
				}
			}
			return ctx.Err()

		case e := <-a.input:
			batch = append(batch, e)
			if len(batch) >= a.batchSize {
				a.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(a.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				a.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(a.flushTimeout)
		}
	}
}

func (a *EventArchiver) drain(batch *[]event.Envelope) {
	for {
		select {
		case e := <-a.input:
			*batch = append(*batch, e)
		default:
			return
		}
	}
}

// flushWithRetry retries with exponential backoff until the write
// succeeds or the context is cancelled. The archiver never drops a
// batch while the process is alive.
func (a *EventArchiver) flushWithRetry(ctx context.Context, batch []event.Envelope) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			a.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(batch)).
				Msg("archive flush retry")
			select {
			case <-ctx.Done():
				// One last try with a background context so the batch
				// survives a shutdown racing a flaky database.
				if err := a.writer.WriteBatch(context.Background(), batch); err != nil {
					a.log.Error().Err(err).Msg("archive flush lost on shutdown")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := a.writer.WriteBatch(ctx, batch)
		if err == nil {
			if attempt > 0 {
				a.log.Info().Int("retries", attempt).Msg("archive flush recovered")
			}
			return
		}
		if a.metrics != nil {
			a.metrics.StoreErrors.WithLabelValues("event_archive").Inc()
		}
	}
}
