package persistence

import (
	"context"
	"fmt"
	"time"

	"AutoVault/internal/core"
	"AutoVault/internal/event"
	"AutoVault/internal/observability"

	"github.com/rs/zerolog"
)

const replayPageSize = 1000

// Replayer is the engine surface recovery drives.
type Replayer interface {
	RestoreFromSnapshot(snap *core.SnapshotState) error
	ApplyEnvelope(env *event.Envelope) error
	WarmLRU(entries []core.LRUEntry)
	CreateSnapshotState() *core.SnapshotState
	GetSequence() int64
}

// Recovery rebuilds engine state on startup: latest verified snapshot first,
// then every logged operation after it.
type Recovery struct {
	snapshots *SnapshotManager
	keys      *PostgresIdempotencyChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewRecovery(snapshots *SnapshotManager, keys *PostgresIdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *Recovery {
	return &Recovery{snapshots: snapshots, keys: keys, metrics: metrics, logger: logger}
}

// Run restores engine and returns the number of replayed operations.
func (r *Recovery) Run(ctx context.Context, engine Replayer, lruWarm int) (int, error) {
	start := time.Now()

	snap, err := r.snapshots.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if snap != nil {
		st, err := snap.State()
		if err != nil {
			return 0, err
		}
		if err := engine.RestoreFromSnapshot(st); err != nil {
			return 0, err
		}
	}

	replayed := 0
	next := engine.GetSequence() + 1
	for {
		rows, err := r.snapshots.LoadOperationsFrom(ctx, next, replayPageSize)
		if err != nil {
			return replayed, fmt.Errorf("load operations from %d: %w", next, err)
		}
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return replayed, err
			}
			if err := engine.ApplyEnvelope(env); err != nil {
				return replayed, err
			}
			replayed++
			next = row.Sequence + 1
		}
		if len(rows) < replayPageSize {
			break
		}
	}

	if r.keys != nil && lruWarm > 0 {
		recent, err := r.keys.RecentKeys(ctx, lruWarm)
		if err != nil {
			r.logger.Warn().Err(err).Msg("idempotency warmup skipped")
		} else {
			entries := make([]core.LRUEntry, 0, len(recent))
			for _, k := range recent {
				entries = append(entries, core.LRUEntry{Key: core.CompositeKey(k.OpType, k.Scope(), k.Key), Sequence: k.Sequence})
			}
			engine.WarmLRU(entries)
		}
	}

	if r.metrics != nil {
		r.metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	r.logger.Info().
		Bool("from_snapshot", snap != nil).
		Int("replayed", replayed).
		Int64("sequence", engine.GetSequence()).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return replayed, nil
}

// TakeSnapshot saves the engine's current state once the operation log has
// caught up to it, then verifies it against the log.
func (r *Recovery) TakeSnapshot(ctx context.Context, engine Replayer) error {
	start := time.Now()
	st := engine.CreateSnapshotState()
	if st.Sequence == 0 {
		return nil
	}

	latest, err := r.snapshots.GetLatestSequence(ctx)
	if err != nil {
		return err
	}
	if latest < st.Sequence {
		return fmt.Errorf("operation log at %d behind snapshot %d", latest, st.Sequence)
	}

	data := NewSnapshotData(st, time.Now().UTC())
	size, err := r.snapshots.SaveSnapshot(ctx, data)
	if err != nil {
		return fmt.Errorf("save snapshot %d: %w", st.Sequence, err)
	}
	if err := r.snapshots.VerifySnapshot(ctx, st.Sequence, data.StateHash); err != nil {
		return err
	}

	if r.metrics != nil {
		r.metrics.SnapshotTaken.Inc()
		r.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		r.metrics.SnapshotSizeBytes.Set(float64(size))
		r.metrics.SnapshotLastSeq.Set(float64(st.Sequence))
	}
	r.logger.Info().Int64("sequence", st.Sequence).Int("bytes", size).Msg("snapshot taken")
	return nil
}

// RunSnapshotLoop takes a snapshot every interval until ctx is cancelled.
func (r *Recovery) RunSnapshotLoop(ctx context.Context, engine Replayer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if seq := engine.GetSequence(); seq == last {
				continue
			}
			if err := r.TakeSnapshot(ctx, engine); err != nil {
				r.logger.Warn().Err(err).Msg("snapshot failed")
				continue
			}
			last = engine.GetSequence()
		}
	}
}
