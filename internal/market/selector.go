package market

import (
	"context"
)

// Board is the presentation view of every market: parallel slices in
// catalog order, zero-filled for inactive assets.
type Board struct {
	Assets []Asset  `json:"assets"`
	APYs   []uint64 `json:"apys"`
	LTVs   []uint64 `json:"ltvs"`
}

// Selector ranks markets by live supply APY.
type Selector struct {
	fetcher *Fetcher
}

func NewSelector(fetcher *Fetcher) *Selector {
	return &Selector{fetcher: fetcher}
}

// FindBestMarket scans the catalog in registration order and returns the
// asset with the highest positive APY. Ties go to the earlier asset.
// When nothing yields it returns (NoMarket, 0, nil), a valid negative result.
// A failed read aborts the scan rather than skipping the market.
func (s *Selector) FindBestMarket(ctx context.Context) (Asset, uint64, error) {
	best := NoMarket
	var bestAPY uint64

	for _, asset := range s.fetcher.catalog.ListSupportedAssets() {
		apy, err := s.fetcher.GetSupplyAPY(ctx, asset)
		if err != nil {
			return NoMarket, 0, err
		}
		if apy > bestAPY {
			best, bestAPY = asset, apy
		}
	}

	return best, bestAPY, nil
}

// DisplayMarkets returns every listed market in catalog order. Inactive
// markets are zero-filled without reading their rates, so a failing reserve
// that is switched off cannot take the whole board down.
func (s *Selector) DisplayMarkets(ctx context.Context) (Board, error) {
	assets := s.fetcher.catalog.ListSupportedAssets()
	board := Board{
		Assets: assets,
		APYs:   make([]uint64, len(assets)),
		LTVs:   make([]uint64, len(assets)),
	}

	for i, asset := range assets {
		active, err := s.fetcher.IsActive(ctx, asset)
		if err != nil {
			return Board{}, err
		}
		if !active {
			continue
		}
		apy, err := s.fetcher.provider.GetSupplyAPY(ctx, asset)
		if err != nil {
			return Board{}, &ExternalDataError{Op: "getSupplyAPY", Asset: asset, Err: err}
		}
		ltv, err := s.fetcher.GetLTV(ctx, asset)
		if err != nil {
			return Board{}, err
		}
		board.APYs[i] = apy
		board.LTVs[i] = ltv
	}

	return board, nil
}
