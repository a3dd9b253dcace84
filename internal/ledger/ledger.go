package ledger

import (
	"context"
	"fmt"

	"AutoVault/internal/event"
	"AutoVault/internal/market"
	"AutoVault/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Executor is the write side of the lending protocol.
type Executor interface {
	Supply(ctx context.Context, asset common.Address, amount *uint256.Int, from common.Address) (common.Hash, error)
	Withdraw(ctx context.Context, asset common.Address, amount *uint256.Int, to common.Address) (common.Hash, error)
	Borrow(ctx context.Context, asset common.Address, amount *uint256.Int, to common.Address) (common.Hash, error)
}

// Ledger enforces the per-depositor Empty / Holding(asset) state machine.
// Every guard runs before the external call, and bookkeeping advances only
// after the call succeeds, so a failed operation leaves no trace.
// Not thread-safe; callers serialize through the engine.
type Ledger struct {
	catalog   *market.Catalog
	positions *state.PositionManager
	gate      *CollateralGate
	exec      Executor
	paused    bool
}

func New(catalog *market.Catalog, positions *state.PositionManager, exec Executor, ltv LTVSource) *Ledger {
	return &Ledger{
		catalog:   catalog,
		positions: positions,
		gate:      NewCollateralGate(positions, ltv),
		exec:      exec,
	}
}

func (l *Ledger) Positions() *state.PositionManager {
	return l.positions
}

func (l *Ledger) Gate() *CollateralGate {
	return l.gate
}

func (l *Ledger) Paused() bool {
	return l.paused
}

// GetUserPosition returns (shareBalance, activeMarket).
func (l *Ledger) GetUserPosition(depositor common.Address) (*uint256.Int, common.Address) {
	pos := l.positions.Get(depositor)
	return pos.ShareBalance, pos.ActiveMarket
}

// Deposit pulls amount of asset from the depositor into the vault's position
// and mints shares 1:1. A depositor holding another asset is rejected.
func (l *Ledger) Deposit(ctx context.Context, depositor, asset common.Address, amount *uint256.Int) (*event.Deposit, error) {
	if isZero(amount) {
		return nil, ErrZeroAmount
	}
	if err := l.catalog.Require(asset); err != nil {
		return nil, err
	}
	if l.paused {
		return nil, ErrPaused
	}
	if enabled, _ := l.catalog.IsEnabled(asset); !enabled {
		return nil, fmt.Errorf("%w: %s", ErrMarketDisabled, l.catalog.Symbol(asset))
	}

	pos := l.positions.Get(depositor)
	if !pos.IsEmpty() && pos.ActiveMarket != asset {
		return nil, fmt.Errorf("%w: holding %s, requested %s",
			ErrMarketMismatch, l.catalog.Symbol(pos.ActiveMarket), l.catalog.Symbol(asset))
	}
	if _, overflow := new(uint256.Int).AddOverflow(l.positions.TotalShares(), amount); overflow {
		return nil, ErrShareOverflow
	}

	txHash, err := l.exec.Supply(ctx, asset, amount, depositor)
	if err != nil {
		return nil, fmt.Errorf("%w: supply: %w", ErrExternalCallFailed, err)
	}

	evt := &event.Deposit{
		Depositor: depositor,
		Asset:     asset,
		Amount:    amount.Clone(),
		TxHash:    txHash,
	}
	l.mustApply(evt)
	return evt, nil
}

// Withdraw burns amount shares and returns the underlying from the
// depositor's active market. Reaching zero shares returns to Empty.
// Withdrawals stay open while the vault is paused.
func (l *Ledger) Withdraw(ctx context.Context, depositor common.Address, amount *uint256.Int) (*event.Withdrawal, error) {
	if isZero(amount) {
		return nil, ErrZeroAmount
	}

	pos := l.positions.Get(depositor)
	if pos.ShareBalance.Lt(amount) {
		return nil, fmt.Errorf("%w: have %s, requested %s", ErrInsufficientShares, pos.ShareBalance.Dec(), amount.Dec())
	}

	txHash, err := l.exec.Withdraw(ctx, pos.ActiveMarket, amount, depositor)
	if err != nil {
		return nil, fmt.Errorf("%w: withdraw: %w", ErrExternalCallFailed, err)
	}

	evt := &event.Withdrawal{
		Depositor: depositor,
		Asset:     pos.ActiveMarket,
		Amount:    amount.Clone(),
		Emptied:   pos.ShareBalance.Eq(amount),
		TxHash:    txHash,
	}
	l.mustApply(evt)
	return evt, nil
}

// Borrow draws against the vault's collateral after the per-depositor
// collateral check and pays the depositor. Debt lives in the protocol;
// nothing local changes.
func (l *Ledger) Borrow(ctx context.Context, depositor, asset common.Address, amount *uint256.Int) (*event.Borrow, error) {
	if isZero(amount) {
		return nil, ErrZeroAmount
	}
	if err := l.catalog.Require(asset); err != nil {
		return nil, err
	}
	if l.paused {
		return nil, ErrPaused
	}

	limit, ltv, collateral, err := l.gate.BorrowLimit(ctx, depositor)
	if err != nil {
		return nil, err
	}
	if amount.Gt(limit) {
		return nil, fmt.Errorf("%w: limit %s, requested %s", ErrCollateralExceeded, limit.Dec(), amount.Dec())
	}

	txHash, err := l.exec.Borrow(ctx, asset, amount, depositor)
	if err != nil {
		return nil, fmt.Errorf("%w: borrow: %w", ErrExternalCallFailed, err)
	}

	return &event.Borrow{
		Depositor:        depositor,
		Asset:            asset,
		Amount:           amount.Clone(),
		CollateralMarket: collateral,
		LTV:              ltv,
		Limit:            limit,
		TxHash:           txHash,
	}, nil
}

// --- Administration ---

func (l *Ledger) SetMarketEnabled(operator, asset common.Address, enabled bool) (*event.MarketToggle, error) {
	evt := &event.MarketToggle{Operator: operator, Asset: asset, Enabled: enabled}
	if err := l.Apply(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

func (l *Ledger) SetPaused(operator common.Address, paused bool) (*event.PauseToggle, error) {
	evt := &event.PauseToggle{Operator: operator, Paused: paused}
	if err := l.Apply(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// --- Replay ---

// Apply performs the bookkeeping of an already-executed operation without
// touching the protocol. Used for the live path after a successful external
// call and for log replay on startup.
func (l *Ledger) Apply(evt event.Event) error {
	switch e := evt.(type) {
	case *event.Deposit:
		return l.positions.Credit(e.Depositor, e.Asset, e.Amount)
	case *event.Withdrawal:
		return l.positions.Debit(e.Depositor, e.Amount)
	case *event.Borrow:
		return nil
	case *event.MarketToggle:
		return l.catalog.SetEnabled(e.Asset, e.Enabled)
	case *event.PauseToggle:
		l.paused = e.Paused
		return nil
	default:
		return fmt.Errorf("apply: unsupported operation %T", evt)
	}
}

// RestorePaused sets the pause flag from a snapshot.
func (l *Ledger) RestorePaused(paused bool) {
	l.paused = paused
}

// mustApply is used once the external call has succeeded; the guards above
// make failure impossible, so an error here means corrupted state.
func (l *Ledger) mustApply(evt event.Event) {
	if err := l.Apply(evt); err != nil {
		panic(fmt.Sprintf("FATAL: bookkeeping failed after external %s succeeded: %v", evt.OpType(), err))
	}
}

func isZero(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}
