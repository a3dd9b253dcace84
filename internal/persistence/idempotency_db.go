package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PostgresIdempotencyChecker implements DB-based deduplication against the
// operation log.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// Lookup returns the sequence an (op_type, depositor, key) triple was applied
// at. Admin operations are stored with an empty depositor, which the zero
// scope maps to.
func (pic *PostgresIdempotencyChecker) Lookup(opType string, scope common.Address, idempotencyKey string) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	var seq int64
	err := pic.db.QueryRowContext(ctx, `
		SELECT sequence
		FROM event_log.operations
		WHERE op_type = $1 AND depositor = $2 AND idempotency_key = $3
		LIMIT 1
	`, opType, hexOrEmpty(scope), idempotencyKey).Scan(&seq)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

// RecentKeys loads the newest idempotency keys, oldest first, for LRU warming.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([]KeyRecord, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT op_type, depositor, idempotency_key, sequence FROM (
			SELECT op_type, depositor, idempotency_key, sequence
			FROM event_log.operations
			WHERE idempotency_key <> ''
			ORDER BY sequence DESC
			LIMIT $1
		) recent ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KeyRecord
	for rows.Next() {
		var k KeyRecord
		if err := rows.Scan(&k.OpType, &k.Depositor, &k.Key, &k.Sequence); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// KeyRecord is one stored idempotency key.
type KeyRecord struct {
	OpType    string
	Depositor string // 0x-hex; empty for admin operations
	Key       string
	Sequence  int64
}

// Scope returns the address the key is scoped to.
func (k KeyRecord) Scope() common.Address {
	return common.HexToAddress(k.Depositor)
}
