package math_test

import (
	"errors"
	stdmath "math"
	"testing"

	"lendledger/internal/math"
)

// ============================================================================
// Test: HealthFactor
// ============================================================================

func TestHealthFactor_ZeroDebt(t *testing.T) {
	if got := math.HealthFactor(1000, 0); got != stdmath.MaxUint64 {
		t.Errorf("got %d, want MaxUint64", got)
	}
	if got := math.HealthFactor(0, 0); got != stdmath.MaxUint64 {
		t.Errorf("zero collateral, zero debt: got %d, want MaxUint64", got)
	}
}

func TestHealthFactor_Ratios(t *testing.T) {
	tests := []struct {
		name       string
		collateral uint64
		debt       uint64
		want       uint64
	}{
		{"exactly one", 1000, 1000, math.Scale},
		{"double cover", 2000, 1000, 2 * math.Scale},
		{"half cover", 500, 1000, math.Scale / 2},
		{"rounds down", 1, 3, math.Scale / 3},
		{"zero collateral", 0, 1000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := math.HealthFactor(tt.collateral, tt.debt); got != tt.want {
				t.Errorf("HealthFactor(%d, %d) = %d, want %d", tt.collateral, tt.debt, got, tt.want)
			}
		})
	}
}

func TestHealthFactor_SaturatesOnOverflow(t *testing.T) {
	// MaxUint64 collateral against 1 debt overflows the scaled ratio.
	if got := math.HealthFactor(stdmath.MaxUint64, 1); got != stdmath.MaxUint64 {
		t.Errorf("got %d, want MaxUint64", got)
	}
}

// ============================================================================
// Test: IsLiquidatable
// ============================================================================

func TestIsLiquidatable_ZeroDebt(t *testing.T) {
	if math.IsLiquidatable(0, 0, 150) {
		t.Error("position with no debt must never be liquidatable")
	}
	if math.IsLiquidatable(1_000_000, 0, 150) {
		t.Error("collateralized position with no debt must never be liquidatable")
	}
}

func TestIsLiquidatable_Boundary(t *testing.T) {
	// Threshold 150%: 1500 collateral against 1000 debt sits exactly on
	// the boundary and is not liquidatable.
	if math.IsLiquidatable(1500, 1000, 150) {
		t.Error("collateral exactly at threshold must not be liquidatable")
	}
	if !math.IsLiquidatable(1499, 1000, 150) {
		t.Error("collateral one unit below threshold must be liquidatable")
	}
}

// At fixed collateral and threshold, growing debt can only push a
// position toward liquidation, never back to health.
func TestIsLiquidatable_MonotonicInDebt(t *testing.T) {
	const collateralValue = 10_000
	const thresholdPct = 150

	liquidatable := false
	for debtValue := uint64(1); debtValue <= 20_000; debtValue++ {
		got := math.IsLiquidatable(collateralValue, debtValue, thresholdPct)
		if liquidatable && !got {
			t.Fatalf("debt %d: flipped back to non-liquidatable", debtValue)
		}
		liquidatable = got
	}
	if !liquidatable {
		t.Fatal("position never became liquidatable as debt grew")
	}
}

func TestIsLiquidatable_ExactnessAtLargeValues(t *testing.T) {
	// Values chosen so that any intermediate division would truncate the
	// comparison; cross-multiplication keeps it exact.
	c := uint64(stdmath.MaxUint64/100) * 100
	d := c/150*100 + 1
	if !math.IsLiquidatable(c-150, d, 150) {
		t.Error("large value just below threshold must be liquidatable")
	}
}

// ============================================================================
// Test: NormalizedValue
// ============================================================================

func TestNormalizedValue(t *testing.T) {
	tests := []struct {
		name     string
		amount   uint64
		price    uint64
		decimals uint8
		target   uint8
		want     uint64
	}{
		{"same decimals", 100, 20, 0, 0, 2000},
		{"scale up", 100, 20, 0, 2, 200_000},
		{"scale down exact", 100, 2000, 2, 0, 2000},
		{"scale down truncates", 1, 199, 2, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := math.NormalizedValue(tt.amount, tt.price, tt.decimals, tt.target)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNormalizedValue_Overflow(t *testing.T) {
	_, err := math.NormalizedValue(stdmath.MaxUint64, 2, 0, 0)
	if !errors.Is(err, math.ErrOverflow) {
		t.Errorf("got %v, want ErrOverflow", err)
	}
}

// ============================================================================
// Test: LiquidationAmounts / LiquidationBonus
// ============================================================================

func TestLiquidationAmounts(t *testing.T) {
	seize, repay, err := math.LiquidationAmounts(1000, 600, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seize != 500 || repay != 300 {
		t.Errorf("got seize=%d repay=%d, want 500/300", seize, repay)
	}
}

func TestLiquidationAmounts_RoundsDown(t *testing.T) {
	seize, repay, err := math.LiquidationAmounts(101, 7, 33)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seize != 33 { // floor(101*33/100)
		t.Errorf("seize = %d, want 33", seize)
	}
	if repay != 2 { // floor(7*33/100)
		t.Errorf("repay = %d, want 2", repay)
	}
}

func TestLiquidationAmounts_FullAndZero(t *testing.T) {
	seize, repay, err := math.LiquidationAmounts(1000, 600, 100)
	if err != nil || seize != 1000 || repay != 600 {
		t.Errorf("pct=100: got %d/%d err=%v, want 1000/600", seize, repay, err)
	}
	seize, repay, err = math.LiquidationAmounts(1000, 600, 0)
	if err != nil || seize != 0 || repay != 0 {
		t.Errorf("pct=0: got %d/%d err=%v, want 0/0", seize, repay, err)
	}
}

func TestLiquidationAmounts_RejectsOverHundred(t *testing.T) {
	_, _, err := math.LiquidationAmounts(1000, 600, 101)
	if !errors.Is(err, math.ErrInvalidParameter) {
		t.Errorf("got %v, want ErrInvalidParameter", err)
	}
}

func TestLiquidationBonus(t *testing.T) {
	got, err := math.LiquidationBonus(100, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 5 {
		t.Errorf("got %d, want 5", got)
	}

	got, err = math.LiquidationBonus(19, 5) // floor(0.95)
	if err != nil || got != 0 {
		t.Errorf("got %d err=%v, want 0", got, err)
	}

	if _, err := math.LiquidationBonus(100, 101); !errors.Is(err, math.ErrInvalidParameter) {
		t.Errorf("got %v, want ErrInvalidParameter", err)
	}
}

func TestLiquidationMath_NoOverflowAtMax(t *testing.T) {
	seize, repay, err := math.LiquidationAmounts(stdmath.MaxUint64, stdmath.MaxUint64, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seize != stdmath.MaxUint64 || repay != stdmath.MaxUint64 {
		t.Errorf("got %d/%d, want MaxUint64 for both", seize, repay)
	}
}

// ============================================================================
// Test: AccruedInterest
// ============================================================================

func TestAccruedInterest(t *testing.T) {
	// 5% APR on 1000 over a full year.
	rate := uint64(math.Scale / 20)
	got, err := math.AccruedInterest(1000, rate, math.SecondsPerYear)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 50 {
		t.Errorf("got %d, want 50", got)
	}
}

func TestAccruedInterest_PartialYearRoundsDown(t *testing.T) {
	// 10% APR on 999 over half a year: floor(999*0.10*0.5) = 49.
	rate := uint64(math.Scale / 10)
	got, err := math.AccruedInterest(999, rate, math.SecondsPerYear/2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 49 {
		t.Errorf("got %d, want 49", got)
	}
}

func TestAccruedInterest_ZeroElapsed(t *testing.T) {
	got, err := math.AccruedInterest(1000, math.Scale, 0)
	if err != nil || got != 0 {
		t.Errorf("got %d err=%v, want 0", got, err)
	}
}

func TestAccruedInterest_Overflow(t *testing.T) {
	// A rate that doubles the principal every second for a year
	// overflows any uint64 principal above 1.
	rate := uint64(math.Scale) * 2
	_, err := math.AccruedInterest(stdmath.MaxUint64, rate, stdmath.MaxUint64)
	if !errors.Is(err, math.ErrOverflow) {
		t.Errorf("got %v, want ErrOverflow", err)
	}
}
