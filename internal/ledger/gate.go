package ledger

import (
	"context"
	"errors"
	"fmt"

	fpmath "AutoVault/internal/math"
	"AutoVault/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LTVSource supplies live loan-to-value ratios in whole percent.
type LTVSource interface {
	GetLTV(ctx context.Context, asset common.Address) (uint64, error)
}

// CollateralGate decides whether a borrow fits within the depositor's
// share-backed limit: shareBalance * ltv(activeMarket) / 100, truncating.
type CollateralGate struct {
	positions *state.PositionManager
	ltv       LTVSource
}

func NewCollateralGate(positions *state.PositionManager, ltv LTVSource) *CollateralGate {
	return &CollateralGate{positions: positions, ltv: ltv}
}

// BorrowLimit returns the depositor's limit together with the LTV and market
// it was derived from. An Empty position yields ErrNoCollateral.
func (g *CollateralGate) BorrowLimit(ctx context.Context, depositor common.Address) (*uint256.Int, uint64, common.Address, error) {
	pos := g.positions.Get(depositor)
	if pos.IsEmpty() {
		return nil, 0, common.Address{}, ErrNoCollateral
	}

	ltv, err := g.ltv.GetLTV(ctx, pos.ActiveMarket)
	if err != nil {
		return nil, 0, common.Address{}, err
	}

	limit, ok := fpmath.PercentOf(pos.ShareBalance, ltv)
	if !ok {
		return nil, 0, common.Address{}, fmt.Errorf("borrow limit overflow: shares=%s ltv=%d", pos.ShareBalance.Dec(), ltv)
	}
	return limit, ltv, pos.ActiveMarket, nil
}

// CanBorrow reports whether amount of asset may be borrowed against the
// depositor's collateral. The limit is denominated in the collateral
// market's units regardless of asset.
func (g *CollateralGate) CanBorrow(ctx context.Context, depositor, asset common.Address, amount *uint256.Int) (bool, error) {
	limit, _, _, err := g.BorrowLimit(ctx, depositor)
	if errors.Is(err, ErrNoCollateral) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !amount.Gt(limit), nil
}
