package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"AutoVault/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/lib/pq"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// OperationLogWriter writes applied operations to event_log.operations using
// multi-row INSERT.
type OperationLogWriter struct {
	db *sql.DB
}

// OperationRow represents a row in event_log.operations
type OperationRow struct {
	Sequence       int64
	OpType         string
	IdempotencyKey string
	Depositor      string         // 0x-hex; empty for admin operations
	Asset          string         // 0x-hex; empty when none
	Amount         sql.NullString // decimal; NULL for admin operations
	Payload        []byte         // JSON-encoded operation
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

const operationColumns = 10

func NewOperationLogWriter(db *sql.DB) *OperationLogWriter {
	return &OperationLogWriter{db: db}
}

// NewOperationRow flattens an envelope for storage.
func NewOperationRow(env *event.Envelope) OperationRow {
	row := OperationRow{
		Sequence:       env.Sequence,
		OpType:         env.OpType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Depositor:      hexOrEmpty(env.Depositor),
		Asset:          hexOrEmpty(env.Asset),
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
	}
	if env.Amount != nil {
		row.Amount = sql.NullString{String: env.Amount.Dec(), Valid: true}
	}
	return row
}

// Envelope rebuilds the envelope for replay.
func (r OperationRow) Envelope() (*event.Envelope, error) {
	opType, err := event.ParseOpType(r.OpType)
	if err != nil {
		return nil, fmt.Errorf("sequence %d: %w", r.Sequence, err)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("sequence %d: malformed hash column", r.Sequence)
	}
	env := &event.Envelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		OpType:         opType,
		Depositor:      common.HexToAddress(r.Depositor),
		Asset:          common.HexToAddress(r.Asset),
		Timestamp:      r.Timestamp,
		Payload:        r.Payload,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	if r.Amount.Valid {
		amount, err := uint256.FromDecimal(r.Amount.String)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: amount %q: %w", r.Sequence, r.Amount.String, err)
		}
		env.Amount = amount
	}
	return env, nil
}

// WriteOperationBatch writes a batch of operations through exec (the DB or an
// open transaction). Rows already present are skipped.
func (w *OperationLogWriter) WriteOperationBatch(ctx context.Context, ops []OperationRow, exec Execer) error {
	if len(ops) == 0 {
		return nil
	}
	if exec == nil {
		exec = w.db
	}

	query := `INSERT INTO event_log.operations
		(sequence, op_type, idempotency_key, depositor, asset, amount, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(ops))
	args := make([]any, 0, len(ops)*operationColumns)

	for i, op := range ops {
		base := i * operationColumns
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			op.Sequence, op.OpType, op.IdempotencyKey, op.Depositor, op.Asset,
			op.Amount, op.Payload, op.StateHash, op.PrevHash, op.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := exec.ExecContext(ctx, query, args...)
	return err
}

// classifyError maps a database error to a metric label.
func classifyError(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23":
			return "constraint"
		case "08":
			return "connection"
		case "40":
			return "serialization"
		case "53":
			return "resources"
		}
		return "pq_" + string(pqErr.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timeout"
	}
	return "other"
}

func hexOrEmpty(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}
