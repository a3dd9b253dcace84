package protocol

import (
	"context"
	"time"

	"AutoVault/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Instrumented wraps a LendingProtocol and records call counts and latency.
type Instrumented struct {
	next    LendingProtocol
	metrics *observability.Metrics
}

// Instrument returns p unchanged when metrics is nil.
func Instrument(p LendingProtocol, metrics *observability.Metrics) LendingProtocol {
	if metrics == nil {
		return p
	}
	return &Instrumented{next: p, metrics: metrics}
}

func (i *Instrumented) Supply(ctx context.Context, asset common.Address, amount *uint256.Int, from common.Address) (common.Hash, error) {
	start := time.Now()
	h, err := i.next.Supply(ctx, asset, amount, from)
	i.metrics.ObserveExternalCall("supply", start, err)
	return h, err
}

func (i *Instrumented) Withdraw(ctx context.Context, asset common.Address, amount *uint256.Int, to common.Address) (common.Hash, error) {
	start := time.Now()
	h, err := i.next.Withdraw(ctx, asset, amount, to)
	i.metrics.ObserveExternalCall("withdraw", start, err)
	return h, err
}

func (i *Instrumented) Borrow(ctx context.Context, asset common.Address, amount *uint256.Int, to common.Address) (common.Hash, error) {
	start := time.Now()
	h, err := i.next.Borrow(ctx, asset, amount, to)
	i.metrics.ObserveExternalCall("borrow", start, err)
	return h, err
}

func (i *Instrumented) GetSupplyAPY(ctx context.Context, asset common.Address) (uint64, error) {
	start := time.Now()
	v, err := i.next.GetSupplyAPY(ctx, asset)
	i.metrics.ObserveExternalCall("get_supply_apy", start, err)
	return v, err
}

func (i *Instrumented) GetLTV(ctx context.Context, asset common.Address) (uint64, error) {
	start := time.Now()
	v, err := i.next.GetLTV(ctx, asset)
	i.metrics.ObserveExternalCall("get_ltv", start, err)
	return v, err
}

func (i *Instrumented) IsMarketActive(ctx context.Context, asset common.Address) (bool, error) {
	start := time.Now()
	v, err := i.next.IsMarketActive(ctx, asset)
	i.metrics.ObserveExternalCall("is_market_active", start, err)
	return v, err
}
