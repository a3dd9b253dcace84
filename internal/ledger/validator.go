package ledger

import (
	"fmt"

	"AutoVault/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	positions *state.PositionManager
}

func NewInvariantValidator(positions *state.PositionManager) *InvariantValidator {
	return &InvariantValidator{
		positions: positions,
	}
}

// ValidatePosition verifies shareBalance == 0 ⇔ activeMarket == none for one depositor
func (v *InvariantValidator) ValidatePosition(depositor common.Address) error {
	if err := v.positions.CheckPosition(depositor); err != nil {
		return fmt.Errorf("empty/market invariant: %w", err)
	}
	return nil
}

// ValidateGlobal verifies totalShares == Σ shareBalance across all depositors
func (v *InvariantValidator) ValidateGlobal() error {
	if err := v.positions.CheckInvariants(); err != nil {
		return fmt.Errorf("share conservation: %w", err)
	}
	return nil
}
