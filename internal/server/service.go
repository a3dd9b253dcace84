package server

import (
	"context"

	"AutoVault/internal/query"

	"google.golang.org/grpc"
)

const serviceName = "autovault.v1.VaultService"

// VaultServer is the server API of autovault.v1.VaultService.
type VaultServer interface {
	ListSupportedAssets(context.Context, *ListSupportedAssetsRequest) (*ListSupportedAssetsResponse, error)
	FindBestMarket(context.Context, *FindBestMarketRequest) (*FindBestMarketResponse, error)
	DisplayMarkets(context.Context, *DisplayMarketsRequest) (*DisplayMarketsResponse, error)
	GetMarketData(context.Context, *GetMarketDataRequest) (*GetMarketDataResponse, error)
	GetSupplyAPY(context.Context, *GetSupplyAPYRequest) (*GetSupplyAPYResponse, error)
	GetUserPosition(context.Context, *GetUserPositionRequest) (*GetUserPositionResponse, error)
	GetBorrowLimit(context.Context, *GetBorrowLimitRequest) (*GetBorrowLimitResponse, error)
	GetHistory(context.Context, *GetHistoryRequest) (*query.HistoryPage, error)

	Deposit(context.Context, *DepositRequest) (*OperationResponse, error)
	Withdraw(context.Context, *WithdrawRequest) (*OperationResponse, error)
	Borrow(context.Context, *BorrowRequest) (*OperationResponse, error)

	SetMarketEnabled(context.Context, *SetMarketEnabledRequest) (*OperationResponse, error)
	Pause(context.Context, *PauseRequest) (*OperationResponse, error)
	Unpause(context.Context, *PauseRequest) (*OperationResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *TakeSnapshotRequest) (*TakeSnapshotResponse, error)
}

type access int

const (
	// accessInternal marks methods of other services (health, reflection).
	accessInternal access = iota
	accessPublic
	accessDepositor
	accessAdmin
)

type methodSpec struct {
	name    string
	access  access
	handler grpc.MethodHandler
}

var vaultMethods = []methodSpec{
	{"ListSupportedAssets", accessPublic, unary("ListSupportedAssets", VaultServer.ListSupportedAssets)},
	{"FindBestMarket", accessPublic, unary("FindBestMarket", VaultServer.FindBestMarket)},
	{"DisplayMarkets", accessPublic, unary("DisplayMarkets", VaultServer.DisplayMarkets)},
	{"GetMarketData", accessPublic, unary("GetMarketData", VaultServer.GetMarketData)},
	{"GetSupplyAPY", accessPublic, unary("GetSupplyAPY", VaultServer.GetSupplyAPY)},
	{"GetUserPosition", accessPublic, unary("GetUserPosition", VaultServer.GetUserPosition)},
	{"GetBorrowLimit", accessPublic, unary("GetBorrowLimit", VaultServer.GetBorrowLimit)},
	{"GetHistory", accessPublic, unary("GetHistory", VaultServer.GetHistory)},
	{"Deposit", accessDepositor, unary("Deposit", VaultServer.Deposit)},
	{"Withdraw", accessDepositor, unary("Withdraw", VaultServer.Withdraw)},
	{"Borrow", accessDepositor, unary("Borrow", VaultServer.Borrow)},
	{"SetMarketEnabled", accessAdmin, unary("SetMarketEnabled", VaultServer.SetMarketEnabled)},
	{"Pause", accessAdmin, unary("Pause", VaultServer.Pause)},
	{"Unpause", accessAdmin, unary("Unpause", VaultServer.Unpause)},
	{"VerifyIntegrity", accessAdmin, unary("VerifyIntegrity", VaultServer.VerifyIntegrity)},
	{"TakeSnapshot", accessAdmin, unary("TakeSnapshot", VaultServer.TakeSnapshot)},
}

// VaultServiceDesc is registered with the JSON codec; there is no .proto.
var VaultServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*VaultServer)(nil),
	Methods:     methodDescs(),
	Streams:     []grpc.StreamDesc{},
}

var accessByMethod = func() map[string]access {
	m := make(map[string]access, len(vaultMethods))
	for _, spec := range vaultMethods {
		m[fullMethod(spec.name)] = spec.access
	}
	return m
}()

func RegisterVaultServiceServer(s grpc.ServiceRegistrar, srv VaultServer) {
	s.RegisterService(&VaultServiceDesc, srv)
}

func methodDescs() []grpc.MethodDesc {
	descs := make([]grpc.MethodDesc, len(vaultMethods))
	for i, spec := range vaultMethods {
		descs[i] = grpc.MethodDesc{MethodName: spec.name, Handler: spec.handler}
	}
	return descs
}

func methodAccess(full string) access {
	return accessByMethod[full]
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// shortMethod strips the service prefix for metric labels.
func shortMethod(full string) string {
	for i := len(full) - 1; i >= 0; i-- {
		if full[i] == '/' {
			return full[i+1:]
		}
	}
	return full
}

// unary adapts a typed VaultServer method to a grpc.MethodHandler, the way
// protoc-gen-go-grpc does for generated services.
func unary[Req, Resp any](method string, call func(VaultServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	full := fullMethod(method)
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(VaultServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(VaultServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
