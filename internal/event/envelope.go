package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// OpType discriminator for operation payloads
type OpType int32

const (
	OpTypeUnknown OpType = iota
	OpTypeDeposit
	OpTypeWithdraw
	OpTypeBorrow
	OpTypeSetMarketEnabled
	OpTypeSetPaused
)

// Envelope wraps every applied operation in the log
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Caller-supplied dedup key (may be empty)
	IdempotencyKey string

	OpType OpType

	// Zero for admin operations
	Depositor common.Address
	Asset     common.Address
	Amount    *uint256.Int

	// Time the engine accepted the request
	Timestamp time.Time

	// JSON-encoded operation
	Payload []byte

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all operation payloads implement
type Event interface {
	IdempotencyKey() string
	OpType() OpType
	// Account is the depositor the operation acts for; zero for admin ops.
	Account() common.Address
	// Subject is the asset the operation touches; zero when none.
	Subject() common.Address
	// Quantity is the amount moved; nil for admin ops.
	Quantity() *uint256.Int
	OccurredAt() time.Time
}

func (t OpType) String() string {
	switch t {
	case OpTypeDeposit:
		return "Deposit"
	case OpTypeWithdraw:
		return "Withdraw"
	case OpTypeBorrow:
		return "Borrow"
	case OpTypeSetMarketEnabled:
		return "SetMarketEnabled"
	case OpTypeSetPaused:
		return "SetPaused"
	default:
		return "Unknown"
	}
}

// ParseOpType is the inverse of String.
func ParseOpType(s string) (OpType, error) {
	switch s {
	case "Deposit":
		return OpTypeDeposit, nil
	case "Withdraw":
		return OpTypeWithdraw, nil
	case "Borrow":
		return OpTypeBorrow, nil
	case "SetMarketEnabled":
		return OpTypeSetMarketEnabled, nil
	case "SetPaused":
		return OpTypeSetPaused, nil
	default:
		return OpTypeUnknown, fmt.Errorf("unknown op type %q", s)
	}
}

// NewEnvelope fills the routing fields of an envelope from evt and encodes
// its payload. Sequence and hashes are left for the engine.
func NewEnvelope(evt Event) (*Envelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", evt.OpType(), err)
	}
	var amount *uint256.Int
	if q := evt.Quantity(); q != nil {
		amount = q.Clone()
	}
	return &Envelope{
		IdempotencyKey: evt.IdempotencyKey(),
		OpType:         evt.OpType(),
		Depositor:      evt.Account(),
		Asset:          evt.Subject(),
		Amount:         amount,
		Timestamp:      evt.OccurredAt(),
		Payload:        payload,
	}, nil
}

// Decode returns the typed operation carried in the envelope payload.
func (e *Envelope) Decode() (Event, error) {
	return DecodePayload(e.OpType, e.Payload)
}

// DecodePayload unmarshals a stored payload by op type.
func DecodePayload(t OpType, payload []byte) (Event, error) {
	var evt Event
	switch t {
	case OpTypeDeposit:
		evt = &Deposit{}
	case OpTypeWithdraw:
		evt = &Withdrawal{}
	case OpTypeBorrow:
		evt = &Borrow{}
	case OpTypeSetMarketEnabled:
		evt = &MarketToggle{}
	case OpTypeSetPaused:
		evt = &PauseToggle{}
	default:
		return nil, fmt.Errorf("cannot decode op type %d", t)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", t, err)
	}
	return evt, nil
}
