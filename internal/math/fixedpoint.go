// internal/math/fixedpoint.go
package math

import (
	"github.com/holiman/uint256"
)

// Scales reported by Aave-style lending protocols.
//   - Rates (liquidityRate, variableBorrowRate) are ray-scaled: 1e27 == 100%.
//   - Risk parameters (ltv, liquidationThreshold) are basis points: 10_000 == 100%.
var (
	Ray           = uint256.MustFromDecimal("1000000000000000000000000000")
	rayPerPercent = uint256.MustFromDecimal("10000000000000000000000000")
)

const (
	BpsPerPercent  = 100
	PercentDivisor = 100
)

// RayToPercent converts a ray-scaled annual rate to whole percent, truncating.
// Saturates at MaxUint64 rather than wrapping.
func RayToPercent(rate *uint256.Int) uint64 {
	if rate == nil || rate.IsZero() {
		return 0
	}
	q := new(uint256.Int).Div(rate, rayPerPercent)
	if !q.IsUint64() {
		return ^uint64(0)
	}
	return q.Uint64()
}

// BpsToPercent converts basis points to whole percent, truncating.
func BpsToPercent(bps uint64) uint64 {
	return bps / BpsPerPercent
}

// MulDivDown returns a * b / d truncated toward zero. The product is held
// at 512 bits, so ok is false only when d is zero or the quotient itself
// does not fit in 256 bits.
func MulDivDown(a *uint256.Int, b, d uint64) (result *uint256.Int, ok bool) {
	if a == nil || d == 0 {
		return nil, false
	}
	q, overflow := new(uint256.Int).MulDivOverflow(a, uint256.NewInt(b), uint256.NewInt(d))
	if overflow {
		return nil, false
	}
	return q, true
}

// PercentOf returns amount * pct / 100, truncating. Used for LTV limits.
func PercentOf(amount *uint256.Int, pct uint64) (*uint256.Int, bool) {
	return MulDivDown(amount, pct, PercentDivisor)
}
