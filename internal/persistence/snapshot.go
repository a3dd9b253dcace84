package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"AutoVault/internal/core"
	"AutoVault/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const snapshotFormatVersion = 1

var ErrSnapshotHashMismatch = errors.New("snapshot state hash does not match operation log")

// SnapshotManager handles creating and loading state snapshots for recovery.
// Snapshots contain positions, the pause flag, market enabled flags, the
// idempotency LRU, the sequence and the last state hash.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the JSON body stored in event_log.snapshots.data.
type SnapshotData struct {
	Sequence        int64                   `json:"sequence"`
	StateHash       []byte                  `json:"state_hash"`
	Positions       []state.Position        `json:"positions"`
	Paused          bool                    `json:"paused"`
	EnabledMarkets  map[common.Address]bool `json:"enabled_markets"`
	IdempotencyKeys []core.LRUEntry         `json:"idempotency_keys"`
	CreatedAt       time.Time               `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// NewSnapshotData converts engine state for storage.
func NewSnapshotData(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	return &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       append([]byte(nil), s.StateHash[:]...),
		Positions:       s.Positions,
		Paused:          s.Paused,
		EnabledMarkets:  s.EnabledMarkets,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       createdAt,
	}
}

// State converts a stored snapshot back to engine state.
func (d *SnapshotData) State() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", d.Sequence, len(d.StateHash))
	}
	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		Positions:       d.Positions,
		Paused:          d.Paused,
		EnabledMarkets:  d.EnabledMarkets,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	copy(s.StateHash[:], d.StateHash)
	return s, nil
}

// SaveSnapshot persists a snapshot unverified and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// VerifySnapshot checks the snapshot's hash against the logged operation at
// the same sequence and marks it verified on success.
func (sm *SnapshotManager) VerifySnapshot(ctx context.Context, sequence int64, stateHash []byte) error {
	var logged []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT state_hash FROM event_log.operations WHERE sequence = $1
	`, sequence).Scan(&logged)
	if err != nil {
		return fmt.Errorf("load operation %d: %w", sequence, err)
	}
	if !bytes.Equal(logged, stateHash) {
		return fmt.Errorf("%w at sequence %d", ErrSnapshotHashMismatch, sequence)
	}
	return sm.MarkVerified(ctx, sequence)
}

// LoadLatestSnapshot loads the most recent verified snapshot; nil means cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadOperationsFrom loads up to limit operations from a sequence for replay.
func (sm *SnapshotManager) LoadOperationsFrom(ctx context.Context, fromSequence int64, limit int) ([]OperationRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, op_type, idempotency_key, depositor, asset, amount,
		       payload, state_hash, prev_hash, timestamp
		FROM event_log.operations
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []OperationRow
	for rows.Next() {
		var r OperationRow
		if err := rows.Scan(
			&r.Sequence, &r.OpType, &r.IdempotencyKey, &r.Depositor, &r.Asset, &r.Amount,
			&r.Payload, &r.StateHash, &r.PrevHash, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		ops = append(ops, r)
	}
	return ops, rows.Err()
}

// GetLatestSequence returns the highest sequence in the operation log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.operations
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
