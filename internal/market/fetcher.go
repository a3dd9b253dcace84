package market

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// DataProvider is the read side of the lending protocol.
type DataProvider interface {
	GetSupplyAPY(ctx context.Context, asset common.Address) (uint64, error)
	GetLTV(ctx context.Context, asset common.Address) (uint64, error)
	IsMarketActive(ctx context.Context, asset common.Address) (bool, error)
}

// MarketDescriptor is the logical shape of one market as seen at query time.
// It is assembled on every call and never stored.
type MarketDescriptor struct {
	Asset          Asset          `json:"asset"`
	Symbol         string         `json:"symbol"`
	ExternalMarket common.Address `json:"external_market"`
	SupplyAPY      uint64         `json:"supply_apy"`
	LTV            uint64         `json:"ltv"`
	IsActive       bool           `json:"is_active"`
}

// Fetcher pulls live APY and LTV figures. Nothing is cached: two reads in
// the same request may legitimately disagree.
type Fetcher struct {
	catalog  *Catalog
	provider DataProvider
}

func NewFetcher(catalog *Catalog, provider DataProvider) *Fetcher {
	return &Fetcher{catalog: catalog, provider: provider}
}

func (f *Fetcher) Catalog() *Catalog {
	return f.catalog
}

// IsActive is true when the operator has the asset enabled and the protocol
// reports the reserve as accepting deposits.
func (f *Fetcher) IsActive(ctx context.Context, asset Asset) (bool, error) {
	enabled, err := f.catalog.IsEnabled(asset)
	if err != nil {
		return false, err
	}
	if !enabled {
		return false, nil
	}
	active, err := f.provider.IsMarketActive(ctx, asset)
	if err != nil {
		return false, &ExternalDataError{Op: "isMarketActive", Asset: asset, Err: err}
	}
	return active, nil
}

// GetSupplyAPY returns the supply rate in whole percent, or 0 for an
// inactive market.
func (f *Fetcher) GetSupplyAPY(ctx context.Context, asset Asset) (uint64, error) {
	active, err := f.IsActive(ctx, asset)
	if err != nil {
		return 0, err
	}
	if !active {
		return 0, nil
	}
	apy, err := f.provider.GetSupplyAPY(ctx, asset)
	if err != nil {
		return 0, &ExternalDataError{Op: "getSupplyAPY", Asset: asset, Err: err}
	}
	return apy, nil
}

// GetLTV returns the loan-to-value ratio in whole percent.
func (f *Fetcher) GetLTV(ctx context.Context, asset Asset) (uint64, error) {
	if err := f.catalog.Require(asset); err != nil {
		return 0, err
	}
	ltv, err := f.provider.GetLTV(ctx, asset)
	if err != nil {
		return 0, &ExternalDataError{Op: "getLTV", Asset: asset, Err: err}
	}
	return ltv, nil
}

func (f *Fetcher) GetMarketData(ctx context.Context, asset Asset) (MarketDescriptor, error) {
	listing, err := f.catalog.Listing(asset)
	if err != nil {
		return MarketDescriptor{}, err
	}

	active, err := f.IsActive(ctx, asset)
	if err != nil {
		return MarketDescriptor{}, err
	}

	var apy uint64
	if active {
		if apy, err = f.provider.GetSupplyAPY(ctx, asset); err != nil {
			return MarketDescriptor{}, &ExternalDataError{Op: "getSupplyAPY", Asset: asset, Err: err}
		}
	}

	ltv, err := f.GetLTV(ctx, asset)
	if err != nil {
		return MarketDescriptor{}, err
	}

	return MarketDescriptor{
		Asset:          listing.Asset,
		Symbol:         listing.Symbol,
		ExternalMarket: listing.ExternalMarket,
		SupplyAPY:      apy,
		LTV:            ltv,
		IsActive:       active,
	}, nil
}
