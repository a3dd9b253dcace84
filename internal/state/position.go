// internal/state/position.go
package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Position is a depositor's claim on the vault.
// Empty: ShareBalance == 0 and ActiveMarket is the zero address.
// Holding(asset): ShareBalance > 0 and ActiveMarket == asset.
type Position struct {
	Depositor    common.Address `json:"depositor"`
	ShareBalance *uint256.Int   `json:"share_balance"`
	ActiveMarket common.Address `json:"active_market"`
}

// IsEmpty returns true if the depositor holds no shares
func (p Position) IsEmpty() bool {
	return p.ShareBalance == nil || p.ShareBalance.IsZero()
}

// Clone returns a deep copy
func (p Position) Clone() Position {
	shares := new(uint256.Int)
	if p.ShareBalance != nil {
		shares.Set(p.ShareBalance)
	}
	return Position{
		Depositor:    p.Depositor,
		ShareBalance: shares,
		ActiveMarket: p.ActiveMarket,
	}
}

// CanonicalBytes returns deterministic serialization for hashing
func (p Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 72)

	// depositor (20 bytes)
	buf = append(buf, p.Depositor.Bytes()...)

	// share_balance (32 bytes BE)
	var shares [32]byte
	if p.ShareBalance != nil {
		shares = p.ShareBalance.Bytes32()
	}
	buf = append(buf, shares[:]...)

	// active_market (20 bytes)
	buf = append(buf, p.ActiveMarket.Bytes()...)

	return buf
}
