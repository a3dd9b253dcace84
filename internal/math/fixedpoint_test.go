package math_test

import (
	fpmath "AutoVault/internal/math"
	"testing"

	"github.com/holiman/uint256"
)

func TestRayToPercent(t *testing.T) {
	tests := []struct {
		name string
		rate string
		want uint64
	}{
		{"zero", "0", 0},
		{"four percent", "40000000000000000000000000", 4},
		{"truncates 4.99%", "49900000000000000000000000", 4},
		{"below one percent", "9999999999999999999999999", 0},
		{"one hundred percent", "1000000000000000000000000000", 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fpmath.RayToPercent(uint256.MustFromDecimal(tt.rate))
			if got != tt.want {
				t.Errorf("RayToPercent(%s) = %d, want %d", tt.rate, got, tt.want)
			}
		})
	}
}

func TestRayToPercent_Nil(t *testing.T) {
	if got := fpmath.RayToPercent(nil); got != 0 {
		t.Errorf("nil rate: got %d, want 0", got)
	}
}

func TestBpsToPercent(t *testing.T) {
	if got := fpmath.BpsToPercent(8000); got != 80 {
		t.Errorf("8000 bps: got %d, want 80", got)
	}
	if got := fpmath.BpsToPercent(7599); got != 75 {
		t.Errorf("7599 bps: got %d, want 75", got)
	}
}

func TestPercentOf_Truncates(t *testing.T) {
	got, ok := fpmath.PercentOf(uint256.NewInt(1000), 80)
	if !ok {
		t.Fatal("unexpected overflow")
	}
	if got.Uint64() != 800 {
		t.Errorf("1000 * 80%%: got %d, want 800", got.Uint64())
	}

	got, ok = fpmath.PercentOf(uint256.NewInt(999), 33)
	if !ok {
		t.Fatal("unexpected overflow")
	}
	// 999 * 33 / 100 = 329.67 -> 329
	if got.Uint64() != 329 {
		t.Errorf("999 * 33%%: got %d, want 329", got.Uint64())
	}
}

func TestMulDivDown_Overflow(t *testing.T) {
	maxInt := new(uint256.Int).SetAllOne()
	if _, ok := fpmath.MulDivDown(maxInt, 2, 1); ok {
		t.Error("expected overflow for max * 2")
	}
	if _, ok := fpmath.MulDivDown(uint256.NewInt(1), 1, 0); ok {
		t.Error("expected failure for zero divisor")
	}
}

func TestMulDivDown_WideIntermediate(t *testing.T) {
	// (2^256 - 1) * 80 overflows 256 bits but the quotient by 100 fits.
	maxInt := new(uint256.Int).SetAllOne()
	got, ok := fpmath.MulDivDown(maxInt, 80, 100)
	if !ok {
		t.Fatal("expected quotient to fit")
	}
	if !got.Lt(maxInt) || got.IsZero() {
		t.Errorf("unexpected quotient %s", got.Dec())
	}
}
