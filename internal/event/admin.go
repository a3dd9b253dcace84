package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MarketToggle flips the operator enabled flag of one catalog asset.
type MarketToggle struct {
	Key       string         `json:"idempotency_key"`
	Operator  common.Address `json:"operator"`
	Asset     common.Address `json:"asset"`
	Enabled   bool           `json:"enabled"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e *MarketToggle) IdempotencyKey() string  { return e.Key }
func (e *MarketToggle) OpType() OpType          { return OpTypeSetMarketEnabled }
func (e *MarketToggle) Account() common.Address { return common.Address{} }
func (e *MarketToggle) Subject() common.Address { return e.Asset }
func (e *MarketToggle) Quantity() *uint256.Int  { return nil }
func (e *MarketToggle) OccurredAt() time.Time   { return e.Timestamp }

// PauseToggle pauses or resumes deposits and borrows vault-wide.
type PauseToggle struct {
	Key       string         `json:"idempotency_key"`
	Operator  common.Address `json:"operator"`
	Paused    bool           `json:"paused"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e *PauseToggle) IdempotencyKey() string  { return e.Key }
func (e *PauseToggle) OpType() OpType          { return OpTypeSetPaused }
func (e *PauseToggle) Account() common.Address { return common.Address{} }
func (e *PauseToggle) Subject() common.Address { return common.Address{} }
func (e *PauseToggle) Quantity() *uint256.Int  { return nil }
func (e *PauseToggle) OccurredAt() time.Time   { return e.Timestamp }
