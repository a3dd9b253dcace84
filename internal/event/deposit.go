package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Deposit records underlying supplied to the external market and shares
// minted 1:1 to the depositor.
type Deposit struct {
	Key       string         `json:"idempotency_key"`
	Depositor common.Address `json:"depositor"`
	Asset     common.Address `json:"asset"`
	Amount    *uint256.Int   `json:"amount"`
	TxHash    common.Hash    `json:"tx_hash"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e *Deposit) IdempotencyKey() string  { return e.Key }
func (e *Deposit) OpType() OpType          { return OpTypeDeposit }
func (e *Deposit) Account() common.Address { return e.Depositor }
func (e *Deposit) Subject() common.Address { return e.Asset }
func (e *Deposit) Quantity() *uint256.Int  { return e.Amount }
func (e *Deposit) OccurredAt() time.Time   { return e.Timestamp }
