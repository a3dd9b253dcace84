package server

import (
	"context"

	"AutoVault/internal/query"

	"google.golang.org/grpc"
)

// VaultClient calls autovault.v1.VaultService over the JSON codec.
type VaultClient struct {
	cc grpc.ClientConnInterface
}

func NewVaultClient(cc grpc.ClientConnInterface) *VaultClient {
	return &VaultClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *VaultClient) ListSupportedAssets(ctx context.Context, in *ListSupportedAssetsRequest, opts ...grpc.CallOption) (*ListSupportedAssetsResponse, error) {
	return invoke[ListSupportedAssetsResponse](ctx, c.cc, "ListSupportedAssets", in, opts...)
}

func (c *VaultClient) FindBestMarket(ctx context.Context, in *FindBestMarketRequest, opts ...grpc.CallOption) (*FindBestMarketResponse, error) {
	return invoke[FindBestMarketResponse](ctx, c.cc, "FindBestMarket", in, opts...)
}

func (c *VaultClient) DisplayMarkets(ctx context.Context, in *DisplayMarketsRequest, opts ...grpc.CallOption) (*DisplayMarketsResponse, error) {
	return invoke[DisplayMarketsResponse](ctx, c.cc, "DisplayMarkets", in, opts...)
}

func (c *VaultClient) GetMarketData(ctx context.Context, in *GetMarketDataRequest, opts ...grpc.CallOption) (*GetMarketDataResponse, error) {
	return invoke[GetMarketDataResponse](ctx, c.cc, "GetMarketData", in, opts...)
}

func (c *VaultClient) GetSupplyAPY(ctx context.Context, in *GetSupplyAPYRequest, opts ...grpc.CallOption) (*GetSupplyAPYResponse, error) {
	return invoke[GetSupplyAPYResponse](ctx, c.cc, "GetSupplyAPY", in, opts...)
}

func (c *VaultClient) GetUserPosition(ctx context.Context, in *GetUserPositionRequest, opts ...grpc.CallOption) (*GetUserPositionResponse, error) {
	return invoke[GetUserPositionResponse](ctx, c.cc, "GetUserPosition", in, opts...)
}

func (c *VaultClient) GetBorrowLimit(ctx context.Context, in *GetBorrowLimitRequest, opts ...grpc.CallOption) (*GetBorrowLimitResponse, error) {
	return invoke[GetBorrowLimitResponse](ctx, c.cc, "GetBorrowLimit", in, opts...)
}

func (c *VaultClient) GetHistory(ctx context.Context, in *GetHistoryRequest, opts ...grpc.CallOption) (*query.HistoryPage, error) {
	return invoke[query.HistoryPage](ctx, c.cc, "GetHistory", in, opts...)
}

func (c *VaultClient) Deposit(ctx context.Context, in *DepositRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	return invoke[OperationResponse](ctx, c.cc, "Deposit", in, opts...)
}

func (c *VaultClient) Withdraw(ctx context.Context, in *WithdrawRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	return invoke[OperationResponse](ctx, c.cc, "Withdraw", in, opts...)
}

func (c *VaultClient) Borrow(ctx context.Context, in *BorrowRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	return invoke[OperationResponse](ctx, c.cc, "Borrow", in, opts...)
}

func (c *VaultClient) SetMarketEnabled(ctx context.Context, in *SetMarketEnabledRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	return invoke[OperationResponse](ctx, c.cc, "SetMarketEnabled", in, opts...)
}

func (c *VaultClient) Pause(ctx context.Context, in *PauseRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	return invoke[OperationResponse](ctx, c.cc, "Pause", in, opts...)
}

func (c *VaultClient) Unpause(ctx context.Context, in *PauseRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	return invoke[OperationResponse](ctx, c.cc, "Unpause", in, opts...)
}

func (c *VaultClient) VerifyIntegrity(ctx context.Context, in *VerifyIntegrityRequest, opts ...grpc.CallOption) (*query.IntegrityReport, error) {
	return invoke[query.IntegrityReport](ctx, c.cc, "VerifyIntegrity", in, opts...)
}

func (c *VaultClient) TakeSnapshot(ctx context.Context, in *TakeSnapshotRequest, opts ...grpc.CallOption) (*TakeSnapshotResponse, error) {
	return invoke[TakeSnapshotResponse](ctx, c.cc, "TakeSnapshot", in, opts...)
}
