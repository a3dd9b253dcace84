package server

import (
	"context"
	"encoding/hex"
	"fmt"

	"AutoVault/internal/core"
	"AutoVault/internal/ingestion"
	"AutoVault/internal/market"
	"AutoVault/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LogReader serves reads of the persisted operation log.
type LogReader interface {
	GetHistory(ctx context.Context, depositor common.Address, limit int, beforeSequence int64) (*query.HistoryPage, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

type vaultService struct {
	engine   *core.Engine
	fetcher  *market.Fetcher
	selector *market.Selector
	log      LogReader
	snapshot func(ctx context.Context) error
}

// NewVaultService builds the VaultServer over the engine. log and snapshot
// may be nil when running without a database; the calls needing them then
// answer Unavailable.
func NewVaultService(engine *core.Engine, fetcher *market.Fetcher, log LogReader, snapshot func(ctx context.Context) error) VaultServer {
	return &vaultService{
		engine:   engine,
		fetcher:  fetcher,
		selector: market.NewSelector(fetcher),
		log:      log,
		snapshot: snapshot,
	}
}

// --- Markets ---

func (s *vaultService) ListSupportedAssets(ctx context.Context, _ *ListSupportedAssetsRequest) (*ListSupportedAssetsResponse, error) {
	catalog := s.engine.Catalog()
	flags := catalog.EnabledFlags()

	resp := &ListSupportedAssetsResponse{Assets: make([]AssetInfo, 0, catalog.Len())}
	for _, l := range catalog.Listings() {
		resp.Assets = append(resp.Assets, AssetInfo{
			Asset:          l.Asset.Hex(),
			Symbol:         l.Symbol,
			ExternalMarket: l.ExternalMarket.Hex(),
			Enabled:        flags[l.Asset],
		})
	}
	return resp, nil
}

func (s *vaultService) FindBestMarket(ctx context.Context, _ *FindBestMarketRequest) (*FindBestMarketResponse, error) {
	asset, apy, err := s.selector.FindBestMarket(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &FindBestMarketResponse{Asset: asset.Hex(), APY: apy}
	if asset != market.NoMarket {
		resp.Found = true
		resp.Symbol = s.engine.Catalog().Symbol(asset)
	}
	return resp, nil
}

func (s *vaultService) DisplayMarkets(ctx context.Context, _ *DisplayMarketsRequest) (*DisplayMarketsResponse, error) {
	board, err := s.selector.DisplayMarkets(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	catalog := s.engine.Catalog()
	resp := &DisplayMarketsResponse{
		Assets:  make([]string, len(board.Assets)),
		Symbols: make([]string, len(board.Assets)),
		APYs:    board.APYs,
		LTVs:    board.LTVs,
	}
	for i, asset := range board.Assets {
		resp.Assets[i] = asset.Hex()
		resp.Symbols[i] = catalog.Symbol(asset)
	}
	return resp, nil
}

func (s *vaultService) GetMarketData(ctx context.Context, req *GetMarketDataRequest) (*GetMarketDataResponse, error) {
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	md, err := s.fetcher.GetMarketData(ctx, asset)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetMarketDataResponse{
		Asset:          md.Asset.Hex(),
		Symbol:         md.Symbol,
		ExternalMarket: md.ExternalMarket.Hex(),
		SupplyAPY:      md.SupplyAPY,
		LTV:            md.LTV,
		IsActive:       md.IsActive,
	}, nil
}

func (s *vaultService) GetSupplyAPY(ctx context.Context, req *GetSupplyAPYRequest) (*GetSupplyAPYResponse, error) {
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	apy, err := s.fetcher.GetSupplyAPY(ctx, asset)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetSupplyAPYResponse{Asset: asset.Hex(), APY: apy}, nil
}

// --- Positions ---

func (s *vaultService) GetUserPosition(ctx context.Context, req *GetUserPositionRequest) (*GetUserPositionResponse, error) {
	depositor, err := parseAddress("depositor", req.Depositor)
	if err != nil {
		return nil, err
	}
	seq := s.engine.GetSequence()
	pos := s.engine.GetUserPosition(depositor)
	return &GetUserPositionResponse{
		Depositor:    depositor.Hex(),
		ShareBalance: decimal(pos.ShareBalance),
		ActiveMarket: pos.ActiveMarket.Hex(),
		Empty:        pos.IsEmpty(),
		TotalShares:  decimal(s.engine.TotalShares()),
		AsOfSequence: seq,
	}, nil
}

func (s *vaultService) GetBorrowLimit(ctx context.Context, req *GetBorrowLimitRequest) (*GetBorrowLimitResponse, error) {
	depositor, err := parseAddress("depositor", req.Depositor)
	if err != nil {
		return nil, err
	}
	limit, ltv, collateral, err := s.engine.BorrowLimit(ctx, depositor)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetBorrowLimitResponse{
		Depositor:        depositor.Hex(),
		Limit:            limit.Dec(),
		LTV:              ltv,
		CollateralMarket: collateral.Hex(),
	}, nil
}

func (s *vaultService) GetHistory(ctx context.Context, req *GetHistoryRequest) (*query.HistoryPage, error) {
	if s.log == nil {
		return nil, status.Error(codes.Unavailable, "operation log not configured")
	}
	depositor, err := parseAddress("depositor", req.Depositor)
	if err != nil {
		return nil, err
	}
	if req.Limit < 0 || req.BeforeSequence < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit and before_sequence must not be negative")
	}
	page, err := s.log.GetHistory(ctx, depositor, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return page, nil
}

// --- Depositor operations ---

func (s *vaultService) Deposit(ctx context.Context, req *DepositRequest) (*OperationResponse, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := ingestion.ParseAmount(req.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	receipt, err := s.engine.Deposit(ctx, req.IdempotencyKey, caller.Depositor, asset, amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return receiptResponse(receipt), nil
}

func (s *vaultService) Withdraw(ctx context.Context, req *WithdrawRequest) (*OperationResponse, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	amount, err := ingestion.ParseAmount(req.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	receipt, err := s.engine.Withdraw(ctx, req.IdempotencyKey, caller.Depositor, amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return receiptResponse(receipt), nil
}

func (s *vaultService) Borrow(ctx context.Context, req *BorrowRequest) (*OperationResponse, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := ingestion.ParseAmount(req.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	receipt, err := s.engine.Borrow(ctx, req.IdempotencyKey, caller.Depositor, asset, amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return receiptResponse(receipt), nil
}

// --- Admin ---

func (s *vaultService) SetMarketEnabled(ctx context.Context, req *SetMarketEnabledRequest) (*OperationResponse, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	receipt, err := s.engine.SetMarketEnabled(req.IdempotencyKey, caller.Depositor, asset, req.Enabled)
	if err != nil {
		return nil, toStatus(err)
	}
	return receiptResponse(receipt), nil
}

func (s *vaultService) Pause(ctx context.Context, req *PauseRequest) (*OperationResponse, error) {
	return s.setPaused(ctx, req.IdempotencyKey, true)
}

func (s *vaultService) Unpause(ctx context.Context, req *PauseRequest) (*OperationResponse, error) {
	return s.setPaused(ctx, req.IdempotencyKey, false)
}

func (s *vaultService) setPaused(ctx context.Context, key string, paused bool) (*OperationResponse, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	receipt, err := s.engine.SetPaused(key, caller.Depositor, paused)
	if err != nil {
		return nil, toStatus(err)
	}
	return receiptResponse(receipt), nil
}

func (s *vaultService) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	if s.log == nil {
		return nil, status.Error(codes.Unavailable, "operation log not configured")
	}
	report, err := s.log.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

// TakeSnapshot reports the engine tip as of the end of the call, which may
// be ahead of the snapshot itself.
func (s *vaultService) TakeSnapshot(ctx context.Context, _ *TakeSnapshotRequest) (*TakeSnapshotResponse, error) {
	if s.snapshot == nil {
		return nil, status.Error(codes.Unavailable, "snapshots not configured")
	}
	if err := s.snapshot(ctx); err != nil {
		return nil, status.Errorf(codes.Internal, "snapshot: %v", err)
	}
	hash := s.engine.GetStateHash()
	return &TakeSnapshotResponse{
		Sequence:  s.engine.GetSequence(),
		StateHash: hex.EncodeToString(hash[:]),
	}, nil
}

// --- Helpers ---

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Error(codes.InvalidArgument, fmt.Sprintf("%s %q is not an address", field, s))
	}
	return common.HexToAddress(s), nil
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func receiptResponse(r *core.Receipt) *OperationResponse {
	resp := &OperationResponse{
		Sequence:    r.Sequence,
		OpType:      r.OpType.String(),
		TotalShares: decimal(r.TotalShares),
		StateHash:   hex.EncodeToString(r.StateHash[:]),
		Duplicate:   r.Duplicate,
	}
	if r.Depositor != (common.Address{}) {
		resp.Depositor = r.Depositor.Hex()
		resp.ShareBalance = decimal(r.ShareBalance)
		resp.ActiveMarket = r.ActiveMarket.Hex()
	}
	if r.Asset != (common.Address{}) {
		resp.Asset = r.Asset.Hex()
	}
	if r.Amount != nil {
		resp.Amount = r.Amount.Dec()
	}
	if r.TxHash != (common.Hash{}) {
		resp.TxHash = r.TxHash.Hex()
	}
	return resp
}
