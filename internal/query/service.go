package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// QueryService provides read-only access to the operation log. Live
// positions come from the engine; this serves what happened to them.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetHistory returns a depositor's operations newest first. beforeSequence
// (exclusive) pages backwards; 0 starts at the tip.
func (qs *QueryService) GetHistory(
	ctx context.Context,
	depositor common.Address,
	limit int,
	beforeSequence int64,
) (*HistoryPage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT sequence, op_type, idempotency_key, asset, amount, payload, state_hash, timestamp
		FROM event_log.operations
		WHERE depositor = $1
	`
	args := []interface{}{depositor.Hex()}
	argIdx := 2

	if beforeSequence > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &HistoryPage{
		Depositor:    depositor.Hex(),
		Entries:      make([]HistoryEntry, 0, limit),
		AsOfSequence: asOfSeq,
	}
	for rows.Next() {
		var (
			e         HistoryEntry
			amount    sql.NullString
			payload   []byte
			stateHash []byte
		)
		if err := rows.Scan(
			&e.Sequence, &e.OpType, &e.IdempotencyKey, &e.Asset, &amount,
			&payload, &stateHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Amount = amount.String
		e.Payload = payload
		e.StateHash = hex.EncodeToString(stateHash)
		page.Entries = append(page.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(page.Entries) == limit {
		page.NextBefore = page.Entries[len(page.Entries)-1].Sequence
	}
	return page, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain linkage and sequence contiguity of the
// stored log.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	latest, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	report.LatestSequence = latest

	rows, err := qs.db.QueryContext(ctx, `
		SELECT o1.sequence
		FROM event_log.operations o1
		JOIN event_log.operations o2 ON o2.sequence = o1.sequence - 1
		WHERE o1.prev_hash <> o2.state_hash
		ORDER BY o1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	gapRows, err := qs.db.QueryContext(ctx, `
		SELECT o1.sequence + 1
		FROM event_log.operations o1
		LEFT JOIN event_log.operations o2 ON o2.sequence = o1.sequence + 1
		WHERE o2.sequence IS NULL AND o1.sequence < $1
		ORDER BY o1.sequence
		LIMIT 10
	`, latest)
	if err != nil {
		return nil, err
	}
	defer gapRows.Close()

	for gapRows.Next() {
		var seq int64
		if err := gapRows.Scan(&seq); err != nil {
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, seq)
	}
	if err := gapRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := qs.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.operations
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
