package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Borrow records a borrow forwarded to the external protocol. Debt is not
// tracked locally; the collateral figures are kept for audit only.
type Borrow struct {
	Key              string         `json:"idempotency_key"`
	Depositor        common.Address `json:"depositor"`
	Asset            common.Address `json:"asset"`
	Amount           *uint256.Int   `json:"amount"`
	CollateralMarket common.Address `json:"collateral_market"`
	LTV              uint64         `json:"ltv"`
	Limit            *uint256.Int   `json:"limit"`
	TxHash           common.Hash    `json:"tx_hash"`
	Timestamp        time.Time      `json:"timestamp"`
}

func (e *Borrow) IdempotencyKey() string  { return e.Key }
func (e *Borrow) OpType() OpType          { return OpTypeBorrow }
func (e *Borrow) Account() common.Address { return e.Depositor }
func (e *Borrow) Subject() common.Address { return e.Asset }
func (e *Borrow) Quantity() *uint256.Int  { return e.Amount }
func (e *Borrow) OccurredAt() time.Time   { return e.Timestamp }
