package query

import (
	"encoding/json"
	"time"
)

// HistoryEntry is one logged operation of a depositor.
type HistoryEntry struct {
	Sequence       int64           `json:"sequence"`
	OpType         string          `json:"op_type"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Asset          string          `json:"asset,omitempty"`
	Amount         string          `json:"amount,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// HistoryPage is a page of history, newest first.
type HistoryPage struct {
	Depositor string         `json:"depositor"`
	Entries   []HistoryEntry `json:"entries"`
	// NextBefore is passed as before_sequence to fetch the next page; 0 when done.
	NextBefore   int64 `json:"next_before,omitempty"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	LatestSequence  int64   `json:"latest_sequence"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
}
