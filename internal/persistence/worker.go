package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"AutoVault/internal/core"
	"AutoVault/internal/observability"

	"github.com/rs/zerolog"
)

// ErrPersistHalted is returned by Run when the database refuses a batch for
// a reason retrying cannot fix. The engine is then ahead of the log, so the
// process must stop without snapshotting.
var ErrPersistHalted = errors.New("persistence halted")

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on this channel with a blocking send, so if the worker
// falls behind the engine stalls and no operation is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *OperationLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewOperationLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]OperationRow, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("ops", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("ops", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, NewOperationRow(output.Envelope))
			if pw.metrics != nil {
				pw.metrics.SetChannelMetrics("persist", len(pw.inputChan), cap(pw.inputChan))
			}

			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					if errors.Is(err, ErrPersistHalted) {
						return err
					}
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					if errors.Is(err, ErrPersistHalted) {
						return err
					}
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds or
// ctx is cancelled; on cancellation it makes one last attempt. A constraint
// violation is not retried and comes back as ErrPersistHalted.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, ops []OperationRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("ops", len(ops)).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), ops)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, ops)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		if classifyError(err) == "constraint" {
			pw.logger.Error().Err(err).
				Int64("first_sequence", ops[0].Sequence).
				Int64("last_sequence", ops[len(ops)-1].Sequence).
				Msg("operation log rejected batch, halting persistence")
			if pw.metrics != nil {
				pw.metrics.PersistHalted.Set(1)
			}
			return fmt.Errorf("%w: sequences %d-%d: %w", ErrPersistHalted, ops[0].Sequence, ops[len(ops)-1].Sequence, err)
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, ops []OperationRow) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.recordError("tx_begin", err)
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteOperationBatch(ctx, ops, tx); err != nil {
		pw.recordError("write_operations", err)
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.recordError("tx_commit", err)
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(ops)))
		pw.metrics.PersistOpsWritten.Add(float64(len(ops)))
		pw.metrics.PersistLastSequence.Set(float64(ops[len(ops)-1].Sequence))
	}
	return nil
}

func (pw *PersistenceWorker) recordError(stage string, err error) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage + ":" + classifyError(err)).Inc()
	}
}
