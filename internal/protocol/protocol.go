// Package protocol talks to the external lending market that actually holds
// vault deposits. The vault never stores APY, LTV or debt; it forwards
// instructions and reads attestations through LendingProtocol.
package protocol

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrMarketNotListed = errors.New("market not listed by protocol")
	ErrTxReverted      = errors.New("transaction reverted")
	ErrReceiptTimeout  = errors.New("timed out waiting for receipt")
)

// LendingProtocol is the external collaborator consumed by the vault.
// The vault's own account holds every supplied position; depositors are
// only ever the source of a supply or the recipient of a withdrawal or a
// borrow. Write calls are synchronous and all-or-nothing: a returned error
// means the protocol retained no partial state. A successful write returns
// the transaction reference.
type LendingProtocol interface {
	// Supply moves amount out of from's wallet into the vault's position.
	Supply(ctx context.Context, asset common.Address, amount *uint256.Int, from common.Address) (common.Hash, error)
	// Withdraw redeems amount from the vault's position and pays it to to.
	Withdraw(ctx context.Context, asset common.Address, amount *uint256.Int, to common.Address) (common.Hash, error)
	// Borrow draws amount against the vault's collateral and pays it to to.
	Borrow(ctx context.Context, asset common.Address, amount *uint256.Int, to common.Address) (common.Hash, error)

	// GetSupplyAPY returns the current supply rate in whole percent; 0 when
	// the reserve has no liquidity.
	GetSupplyAPY(ctx context.Context, asset common.Address) (uint64, error)
	// GetLTV returns the loan-to-value ratio in whole percent.
	GetLTV(ctx context.Context, asset common.Address) (uint64, error)
	// IsMarketActive reports whether the reserve currently accepts deposits.
	IsMarketActive(ctx context.Context, asset common.Address) (bool, error)
}
