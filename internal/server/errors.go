package server

import (
	"context"
	"errors"

	"AutoVault/internal/core"
	"AutoVault/internal/ingestion"
	"AutoVault/internal/ledger"
	"AutoVault/internal/market"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps domain errors onto gRPC codes. Guard failures keep their
// message so callers can tell e.g. "no collateral" from "collateral exceeded".
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, market.ErrUnknownAsset):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ledger.ErrZeroAmount),
		errors.Is(err, ingestion.ErrMalformedCommand):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ledger.ErrInsufficientShares),
		errors.Is(err, ledger.ErrMarketMismatch),
		errors.Is(err, ledger.ErrNoCollateral),
		errors.Is(err, ledger.ErrMarketDisabled):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ledger.ErrCollateralExceeded):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, ledger.ErrShareOverflow):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, ledger.ErrPaused):
		return status.Errorf(codes.Unavailable, "operation paused")
	case errors.Is(err, core.ErrIdempotencyUnavailable):
		return status.Errorf(codes.Unavailable, "idempotency store unavailable, retry later")
	case errors.Is(err, market.ErrExternalDataUnavailable):
		return status.Errorf(codes.Unavailable, "lending protocol data unavailable")
	case errors.Is(err, ledger.ErrExternalCallFailed):
		return status.Errorf(codes.Aborted, "lending protocol call failed")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Errorf(codes.Internal, "internal error")
	}
}
