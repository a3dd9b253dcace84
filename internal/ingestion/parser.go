package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"AutoVault/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var zeroAddress common.Address

var ErrMalformedCommand = errors.New("malformed command")

// Command is a validated depositor request received over NATS.
type Command struct {
	OpType         event.OpType
	IdempotencyKey string
	Depositor      common.Address
	Asset          common.Address // unused for withdraw
	Amount         *uint256.Int
}

// commandJSON is the wire format. Amounts are decimal strings so values
// above 2^53 survive JSON.
type commandJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	Depositor      string `json:"depositor"`
	Asset          string `json:"asset"`
	Amount         string `json:"amount"`
}

// ParseCommand validates raw.Data for raw.OpType. When the payload has no
// idempotency key the NATS message ID is used; one of the two is required
// since redelivery is expected.
func ParseCommand(raw RawMessage) (*Command, error) {
	var j commandJSON
	dec := json.NewDecoder(bytes.NewReader(raw.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&j); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCommand, raw.OpType, err)
	}

	cmd := &Command{OpType: raw.OpType, IdempotencyKey: j.IdempotencyKey}
	if cmd.IdempotencyKey == "" {
		cmd.IdempotencyKey = raw.MsgID
	}
	if cmd.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency_key required", ErrMalformedCommand)
	}

	depositor, err := parseAddress("depositor", j.Depositor)
	if err != nil {
		return nil, err
	}
	cmd.Depositor = depositor

	switch raw.OpType {
	case event.OpTypeDeposit, event.OpTypeBorrow:
		asset, err := parseAddress("asset", j.Asset)
		if err != nil {
			return nil, err
		}
		cmd.Asset = asset
	case event.OpTypeWithdraw:
		if j.Asset != "" {
			return nil, fmt.Errorf("%w: withdraw takes no asset", ErrMalformedCommand)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported op %s", ErrMalformedCommand, raw.OpType)
	}

	amount, err := ParseAmount(j.Amount)
	if err != nil {
		return nil, err
	}
	cmd.Amount = amount
	return cmd, nil
}

// ParseAmount parses a base-10 token amount. Zero is accepted here and
// rejected by the ledger.
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: amount required", ErrMalformedCommand)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q: %v", ErrMalformedCommand, s, err)
	}
	return v, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not an address", ErrMalformedCommand, field, s)
	}
	return common.HexToAddress(s), nil
}
