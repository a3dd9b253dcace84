package state

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrMarketConflict = errors.New("position held in another market")
	ErrUnderflow      = errors.New("debit exceeds share balance")
)

// PositionManager owns every UserPosition and the vault-wide share counter.
// Not thread-safe; only accessed under the engine lock.
type PositionManager struct {
	positions   map[common.Address]*Position
	totalShares *uint256.Int
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions:   make(map[common.Address]*Position),
		totalShares: new(uint256.Int),
	}
}

// Get returns a copy of the depositor's position. Unknown depositors are Empty.
func (pm *PositionManager) Get(depositor common.Address) Position {
	if pos := pm.positions[depositor]; pos != nil {
		return pos.Clone()
	}
	return Position{Depositor: depositor, ShareBalance: new(uint256.Int)}
}

// TotalShares returns a copy of the vault-wide share counter.
func (pm *PositionManager) TotalShares() *uint256.Int {
	return pm.totalShares.Clone()
}

// Count returns the number of non-empty positions.
func (pm *PositionManager) Count() int {
	return len(pm.positions)
}

// Credit mints amount shares into asset. An Empty position enters Holding(asset).
func (pm *PositionManager) Credit(depositor, asset common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("credit: zero amount")
	}
	if asset == (common.Address{}) {
		return fmt.Errorf("credit: zero asset")
	}

	pos := pm.positions[depositor]
	if pos != nil && pos.ActiveMarket != asset {
		return fmt.Errorf("%w: holding %s, credit %s", ErrMarketConflict, pos.ActiveMarket.Hex(), asset.Hex())
	}

	newTotal, overflow := new(uint256.Int).AddOverflow(pm.totalShares, amount)
	if overflow {
		return fmt.Errorf("credit: total shares overflow")
	}

	if pos == nil {
		pos = &Position{Depositor: depositor, ShareBalance: new(uint256.Int), ActiveMarket: asset}
		pm.positions[depositor] = pos
	}
	// A position's balance never exceeds the total, so this cannot overflow.
	pos.ShareBalance.Add(pos.ShareBalance, amount)
	pm.totalShares = newTotal
	return nil
}

// Debit burns amount shares. Reaching zero returns the position to Empty.
func (pm *PositionManager) Debit(depositor common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("debit: zero amount")
	}

	pos := pm.positions[depositor]
	if pos == nil || pos.ShareBalance.Lt(amount) {
		return ErrUnderflow
	}

	pos.ShareBalance.Sub(pos.ShareBalance, amount)
	pm.totalShares.Sub(pm.totalShares, amount)

	if pos.ShareBalance.IsZero() {
		delete(pm.positions, depositor)
	}
	return nil
}

// All returns every non-empty position ordered by depositor address.
func (pm *PositionManager) All() []Position {
	out := make([]Position, 0, len(pm.positions))
	for _, pos := range pm.positions {
		out = append(out, pos.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Depositor.Bytes(), out[j].Depositor.Bytes()) < 0
	})
	return out
}

// Restore replaces all state from a snapshot. Totals are recomputed rather
// than trusted.
func (pm *PositionManager) Restore(positions []Position) error {
	fresh := NewPositionManager()
	for _, p := range positions {
		if p.IsEmpty() {
			continue
		}
		if _, dup := fresh.positions[p.Depositor]; dup {
			return fmt.Errorf("restore: duplicate depositor %s", p.Depositor.Hex())
		}
		if err := fresh.Credit(p.Depositor, p.ActiveMarket, p.ShareBalance); err != nil {
			return fmt.Errorf("restore %s: %w", p.Depositor.Hex(), err)
		}
	}
	pm.positions = fresh.positions
	pm.totalShares = fresh.totalShares
	return nil
}

// CheckInvariants verifies totalShares == Σ shareBalance and that every
// stored position is Holding with a non-zero market.
func (pm *PositionManager) CheckInvariants() error {
	sum := new(uint256.Int)
	for depositor, pos := range pm.positions {
		if pos.IsEmpty() {
			return fmt.Errorf("empty position retained for %s", depositor.Hex())
		}
		if pos.ActiveMarket == (common.Address{}) {
			return fmt.Errorf("position %s has shares but no market", depositor.Hex())
		}
		if _, overflow := sum.AddOverflow(sum, pos.ShareBalance); overflow {
			return fmt.Errorf("share sum overflow")
		}
	}
	if !sum.Eq(pm.totalShares) {
		return fmt.Errorf("total shares %s != sum of balances %s", pm.totalShares.Dec(), sum.Dec())
	}
	return nil
}

// CheckPosition verifies the Empty/Holding invariant for a single depositor.
func (pm *PositionManager) CheckPosition(depositor common.Address) error {
	pos := pm.Get(depositor)
	empty := pos.IsEmpty()
	noMarket := pos.ActiveMarket == (common.Address{})
	if empty != noMarket {
		return fmt.Errorf("position %s: shares=%s market=%s", depositor.Hex(), pos.ShareBalance.Dec(), pos.ActiveMarket.Hex())
	}
	return nil
}
