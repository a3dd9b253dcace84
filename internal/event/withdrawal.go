package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Withdrawal records shares burned and underlying returned from the
// depositor's active market. Emptied is set when the position closed.
type Withdrawal struct {
	Key       string         `json:"idempotency_key"`
	Depositor common.Address `json:"depositor"`
	Asset     common.Address `json:"asset"`
	Amount    *uint256.Int   `json:"amount"`
	Emptied   bool           `json:"emptied"`
	TxHash    common.Hash    `json:"tx_hash"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e *Withdrawal) IdempotencyKey() string  { return e.Key }
func (e *Withdrawal) OpType() OpType          { return OpTypeWithdraw }
func (e *Withdrawal) Account() common.Address { return e.Depositor }
func (e *Withdrawal) Subject() common.Address { return e.Asset }
func (e *Withdrawal) Quantity() *uint256.Int  { return e.Amount }
func (e *Withdrawal) OccurredAt() time.Time   { return e.Timestamp }
