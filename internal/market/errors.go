package market

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownAsset            = errors.New("unknown asset")
	ErrExternalDataUnavailable = errors.New("external data unavailable")
)

// ExternalDataError reports a failed read from the lending protocol.
// It matches both ErrExternalDataUnavailable and the underlying cause.
type ExternalDataError struct {
	Op    string
	Asset Asset
	Err   error
}

func (e *ExternalDataError) Error() string {
	return fmt.Sprintf("%s: %s(%s): %v", ErrExternalDataUnavailable, e.Op, e.Asset.Hex(), e.Err)
}

func (e *ExternalDataError) Unwrap() []error {
	return []error{ErrExternalDataUnavailable, e.Err}
}
