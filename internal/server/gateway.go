package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"AutoVault/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const forwardedForHeader = "x-forwarded-for"

const maxBodyBytes = 64 << 10

type binder[Req any] func(r *http.Request, params map[string]string, in *Req) error

// NewGatewayMux serves the HTTP/JSON routes of VaultService. Every request
// is forwarded over cc to the gRPC server, so auth, rate limiting and error
// mapping are shared with native gRPC callers.
func NewGatewayMux(cc grpc.ClientConnInterface) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	// Later registrations win, so /v1/markets/best goes after /v1/markets/{asset}.
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"GET", "/v1/assets", route[ListSupportedAssetsRequest, ListSupportedAssetsResponse](mux, cc, "ListSupportedAssets", bindNone[ListSupportedAssetsRequest])},
		{"GET", "/v1/markets", route[DisplayMarketsRequest, DisplayMarketsResponse](mux, cc, "DisplayMarkets", bindNone[DisplayMarketsRequest])},
		{"GET", "/v1/markets/{asset}", route[GetMarketDataRequest, GetMarketDataResponse](mux, cc, "GetMarketData",
			func(_ *http.Request, p map[string]string, in *GetMarketDataRequest) error {
				in.Asset = p["asset"]
				return nil
			})},
		{"GET", "/v1/markets/best", route[FindBestMarketRequest, FindBestMarketResponse](mux, cc, "FindBestMarket", bindNone[FindBestMarketRequest])},
		{"GET", "/v1/markets/{asset}/apy", route[GetSupplyAPYRequest, GetSupplyAPYResponse](mux, cc, "GetSupplyAPY",
			func(_ *http.Request, p map[string]string, in *GetSupplyAPYRequest) error {
				in.Asset = p["asset"]
				return nil
			})},
		{"GET", "/v1/positions/{depositor}", route[GetUserPositionRequest, GetUserPositionResponse](mux, cc, "GetUserPosition",
			func(_ *http.Request, p map[string]string, in *GetUserPositionRequest) error {
				in.Depositor = p["depositor"]
				return nil
			})},
		{"GET", "/v1/positions/{depositor}/borrow-limit", route[GetBorrowLimitRequest, GetBorrowLimitResponse](mux, cc, "GetBorrowLimit",
			func(_ *http.Request, p map[string]string, in *GetBorrowLimitRequest) error {
				in.Depositor = p["depositor"]
				return nil
			})},
		{"GET", "/v1/positions/{depositor}/history", route[GetHistoryRequest, query.HistoryPage](mux, cc, "GetHistory", bindHistory)},
		{"POST", "/v1/deposit", route[DepositRequest, OperationResponse](mux, cc, "Deposit", bindBody[DepositRequest])},
		{"POST", "/v1/withdraw", route[WithdrawRequest, OperationResponse](mux, cc, "Withdraw", bindBody[WithdrawRequest])},
		{"POST", "/v1/borrow", route[BorrowRequest, OperationResponse](mux, cc, "Borrow", bindBody[BorrowRequest])},
		{"POST", "/v1/admin/markets/{asset}/enabled", route[SetMarketEnabledRequest, OperationResponse](mux, cc, "SetMarketEnabled",
			func(r *http.Request, p map[string]string, in *SetMarketEnabledRequest) error {
				if err := bindBody(r, p, in); err != nil {
					return err
				}
				in.Asset = p["asset"]
				return nil
			})},
		{"POST", "/v1/admin/pause", route[PauseRequest, OperationResponse](mux, cc, "Pause", bindBody[PauseRequest])},
		{"POST", "/v1/admin/unpause", route[PauseRequest, OperationResponse](mux, cc, "Unpause", bindBody[PauseRequest])},
		{"GET", "/v1/admin/integrity", route[VerifyIntegrityRequest, query.IntegrityReport](mux, cc, "VerifyIntegrity", bindNone[VerifyIntegrityRequest])},
		{"POST", "/v1/admin/snapshots", route[TakeSnapshotRequest, TakeSnapshotResponse](mux, cc, "TakeSnapshot", bindNone[TakeSnapshotRequest])},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

func route[Req, Resp any](mux *runtime.ServeMux, cc grpc.ClientConnInterface, method string, bind binder[Req]) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		_, outbound := runtime.MarshalerForRequest(mux, r)

		in := new(Req)
		if err := bind(r, params, in); err != nil {
			runtime.HTTPError(r.Context(), mux, outbound, w, r, status.Error(codes.InvalidArgument, err.Error()))
			return
		}

		out, err := invoke[Resp](outgoingContext(r), cc, method, in)
		if err != nil {
			runtime.HTTPError(r.Context(), mux, outbound, w, r, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(out)
	}
}

// outgoingContext carries the bearer token and the client address to the
// gRPC side.
func outgoingContext(r *http.Request) context.Context {
	md := metadata.MD{}
	if auth := r.Header.Get("Authorization"); auth != "" {
		md.Set("authorization", auth)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host != "" {
		md.Set(forwardedForHeader, host)
	}
	return metadata.NewOutgoingContext(r.Context(), md)
}

func bindNone[Req any](*http.Request, map[string]string, *Req) error {
	return nil
}

func bindBody[Req any](r *http.Request, _ map[string]string, in *Req) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(in); err != nil && err != io.EOF {
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}

func bindHistory(r *http.Request, p map[string]string, in *GetHistoryRequest) error {
	in.Depositor = p["depositor"]
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("limit %q: %v", v, err)
		}
		in.Limit = n
	}
	if v := q.Get("before_sequence"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("before_sequence %q: %v", v, err)
		}
		in.BeforeSequence = n
	}
	return nil
}
