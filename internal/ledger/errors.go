package ledger

import "errors"

// Guard failures. Each aborts the operation with no state change.
var (
	ErrZeroAmount         = errors.New("zero amount")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrMarketMismatch     = errors.New("market mismatch")
	ErrNoCollateral       = errors.New("no collateral")
	ErrCollateralExceeded = errors.New("collateral exceeded")
	ErrPaused             = errors.New("vault paused")
	ErrMarketDisabled     = errors.New("market disabled")
	ErrShareOverflow      = errors.New("share supply overflow")

	// ErrExternalCallFailed wraps a failed supply, withdraw or borrow.
	ErrExternalCallFailed = errors.New("external protocol call failed")
)
