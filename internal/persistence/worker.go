package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"lendledger/internal/event"
	"lendledger/internal/observability"
)

// Recorder drains the persist channel and batch-writes the event log
// to Postgres. The engine uses BLOCKING sends on the persist channel,
// so if the recorder falls behind the engine stalls — no event is
// ever lost between emit and durable write.
type Recorder struct {
	writer       *EventLogWriter
	inputChan    <-chan event.Envelope
	batchSize    int
	flushTimeout time.Duration
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

func NewRecorder(
	db *sql.DB,
	inputChan <-chan event.Envelope,
	batchSize int,
	flushTimeout time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Recorder {
	return &Recorder{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		logger:       logger,
		metrics:      metrics,
	}
}

// Run starts the recorder loop. It batches incoming envelopes and
// flushes either when the batch is full or the flush timeout expires.
// Blocks until the input channel closes; it does not stop on ctx
// cancellation, so shutdown drains every envelope still buffered in
// the channel before the final flush. ctx only bounds the retry loop
// of in-flight writes.
func (r *Recorder) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, r.batchSize)
	liquidationBatch := make([]LiquidationRow, 0, r.batchSize)

	timer := time.NewTimer(r.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case env, ok := <-r.inputChan:
			if !ok {
				// Final flush on a background context so the batch in
				// hand survives an already-cancelled ctx.
				if len(eventBatch) > 0 {
					if err := r.flush(context.Background(), eventBatch, liquidationBatch); err != nil {
						r.logger.Error().Err(err).Int("events", len(eventBatch)).
							Msg("final flush failed")
					}
				}
				return nil
			}

			eventBatch, liquidationBatch = appendRows(eventBatch, liquidationBatch, env, r.logger)

			if len(eventBatch) >= r.batchSize {
				if err := r.flushWithRetry(ctx, eventBatch, liquidationBatch); err != nil {
					r.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				eventBatch = eventBatch[:0]
				liquidationBatch = liquidationBatch[:0]
				timer.Reset(r.flushTimeout)
			}

		case <-timer.C:
			if len(eventBatch) > 0 {
				if err := r.flushWithRetry(ctx, eventBatch, liquidationBatch); err != nil {
					r.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				eventBatch = eventBatch[:0]
				liquidationBatch = liquidationBatch[:0]
			}
			timer.Reset(r.flushTimeout)
		}
	}
}

// appendRows converts an envelope into its persistence rows. A
// Liquidated event additionally produces a lend_liquidations row.
func appendRows(
	events []EventRow,
	liquidations []LiquidationRow,
	env event.Envelope,
	logger zerolog.Logger,
) ([]EventRow, []LiquidationRow) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		logger.Error().Err(err).
			Int64("sequence", env.Sequence).
			Str("kind", env.Kind.String()).
			Msg("failed to encode event payload, dropping")
		return events, liquidations
	}

	events = append(events, EventRow{
		Sequence:  env.Sequence,
		EventID:   env.EventID.String(),
		Kind:      env.Kind.String(),
		Payload:   payload,
		Timestamp: env.Timestamp,
	})

	if liq, ok := env.Payload.(event.Liquidated); ok {
		liquidations = append(liquidations, LiquidationRow{
			LiquidationID:    liq.LiquidationID.String(),
			Borrower:         liq.Borrower,
			Liquidator:       liq.Liquidator,
			CollateralSeized: liq.CollateralSeized,
			Bonus:            liq.Bonus,
			DebtRepaid:       liq.DebtRepaid,
			PoolTotal:        liq.PoolTotal,
			Timestamp:        env.Timestamp,
		})
	}

	return events, liquidations
}

// flushWithRetry attempts to flush with exponential backoff. The
// recorder never drops events — it retries until the write succeeds
// or the context is cancelled, in which case one final flush runs on
// a background context.
func (r *Recorder) flushWithRetry(ctx context.Context, events []EventRow, liquidations []LiquidationRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			r.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			if r.metrics != nil {
				r.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				finalErr := r.flush(context.Background(), events, liquidations)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := r.flush(ctx, events, liquidations)
		if err == nil {
			if attempt > 0 {
				r.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}

		if r.metrics != nil {
			r.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (r *Recorder) flush(ctx context.Context, events []EventRow, liquidations []LiquidationRow) error {
	start := time.Now()

	tx, err := r.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if r.metrics != nil {
			r.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := r.writer.WriteEventBatch(ctx, tx, events); err != nil {
		if r.metrics != nil {
			r.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	if err := r.writer.WriteLiquidationBatch(ctx, tx, liquidations); err != nil {
		if r.metrics != nil {
			r.metrics.PersistErrors.WithLabelValues("write_liquidations").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if r.metrics != nil {
			r.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if r.metrics != nil {
		r.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		r.metrics.PersistBatchSize.Observe(float64(len(events)))
		r.metrics.PersistEventsWritten.Add(float64(len(events)))
		if len(events) > 0 {
			r.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}

	return nil
}
