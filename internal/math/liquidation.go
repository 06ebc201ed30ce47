package math

import (
	"errors"
	stdmath "math"
	"math/big"
	"sync"
)

// Scale is the fixed-point unit used for health factors and interest
// rates: 1.0 is represented as 1e18.
const Scale = 1_000_000_000_000_000_000

// SecondsPerYear is the interest accrual basis (365 days).
const SecondsPerYear = 31_536_000

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrOverflow         = errors.New("arithmetic overflow")
)

var (
	bigScale   = big.NewInt(Scale)
	bigHundred = big.NewInt(100)
	maxUint64  = new(big.Int).SetUint64(stdmath.MaxUint64)
)

var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

// HealthFactor returns collateralValue/debtValue scaled by Scale,
// rounded down. A position with no debt has unbounded health and
// returns math.MaxUint64; a factor below Scale means the collateral no
// longer covers the debt one-to-one.
func HealthFactor(collateralValue, debtValue uint64) uint64 {
	if debtValue == 0 {
		return stdmath.MaxUint64
	}

	num := getInt()
	num.SetUint64(collateralValue)
	num.Mul(num, bigScale)

	denom := getInt()
	denom.SetUint64(debtValue)
	num.Quo(num, denom)

	result := uint64(stdmath.MaxUint64)
	if num.Cmp(maxUint64) <= 0 {
		result = num.Uint64()
	}

	putInt(num)
	putInt(denom)

	return result
}

// IsLiquidatable reports whether the collateral value has fallen below
// the threshold percentage of the debt value. The comparison is the
// cross-multiplied form collateralValue*100 < debtValue*thresholdPct,
// computed exactly, so it never truncates where a scaled division
// would. A position with zero debt is never liquidatable.
func IsLiquidatable(collateralValue, debtValue, thresholdPct uint64) bool {
	if debtValue == 0 {
		return false
	}

	lhs := getInt()
	lhs.SetUint64(collateralValue)
	lhs.Mul(lhs, bigHundred)

	rhs := getInt()
	rhs.SetUint64(debtValue)
	t := getInt()
	t.SetUint64(thresholdPct)
	rhs.Mul(rhs, t)

	below := lhs.Cmp(rhs) < 0

	putInt(lhs)
	putInt(rhs)
	putInt(t)

	return below
}

// NormalizedValue computes amount*price rescaled from the quote's
// decimals to targetDecimals, rounding down when scaling down. It is
// how two quotes with different decimal precision are brought into a
// common unit before comparison. Returns ErrOverflow when the result
// does not fit in uint64.
func NormalizedValue(amount, price uint64, decimals, targetDecimals uint8) (uint64, error) {
	v := getInt()
	defer putInt(v)

	v.SetUint64(amount)
	p := getInt()
	p.SetUint64(price)
	v.Mul(v, p)
	putInt(p)

	if targetDecimals >= decimals {
		v.Mul(v, pow10(targetDecimals-decimals))
	} else {
		v.Quo(v, pow10(decimals-targetDecimals))
	}

	if v.Cmp(maxUint64) > 0 {
		return 0, ErrOverflow
	}
	return v.Uint64(), nil
}

// LiquidationAmounts returns the collateral to seize and the debt to
// repay for liquidating liquidationPct percent of a position. Both
// results round down. liquidationPct must be in [0, 100].
func LiquidationAmounts(collateral, debt, liquidationPct uint64) (seize, repay uint64, err error) {
	if liquidationPct > 100 {
		return 0, 0, ErrInvalidParameter
	}
	return percentOf(collateral, liquidationPct), percentOf(debt, liquidationPct), nil
}

// LiquidationBonus returns the liquidator incentive on top of a seized
// amount, rounded down. bonusPct must be in [0, 100].
func LiquidationBonus(amount, bonusPct uint64) (uint64, error) {
	if bonusPct > 100 {
		return 0, ErrInvalidParameter
	}
	return percentOf(amount, bonusPct), nil
}

// percentOf computes amount*pct/100 exactly, rounded down. pct <= 100
// so the result always fits back in uint64.
func percentOf(amount, pct uint64) uint64 {
	v := getInt()
	v.SetUint64(amount)
	p := getInt()
	p.SetUint64(pct)
	v.Mul(v, p)
	v.Quo(v, bigHundred)

	result := v.Uint64()
	putInt(v)
	putInt(p)
	return result
}

// AccruedInterest computes simple interest on a principal over elapsed
// seconds at ratePerYear, a Scale-denominated annual rate (5% APR is
// Scale/20). The result rounds down; ErrOverflow is returned when it
// exceeds uint64.
func AccruedInterest(principal, ratePerYear, elapsedSeconds uint64) (uint64, error) {
	v := getInt()
	defer putInt(v)

	v.SetUint64(principal)
	t := getInt()

	t.SetUint64(ratePerYear)
	v.Mul(v, t)
	t.SetUint64(elapsedSeconds)
	v.Mul(v, t)
	putInt(t)

	denom := getInt()
	denom.SetInt64(SecondsPerYear)
	denom.Mul(denom, bigScale)
	v.Quo(v, denom)
	putInt(denom)

	if v.Cmp(maxUint64) > 0 {
		return 0, ErrOverflow
	}
	return v.Uint64(), nil
}

var pow10Table = func() [39]*big.Int {
	var t [39]*big.Int
	n := big.NewInt(1)
	ten := big.NewInt(10)
	for i := range t {
		t[i] = new(big.Int).Set(n)
		n.Mul(n, ten)
	}
	return t
}()

func pow10(n uint8) *big.Int {
	if int(n) < len(pow10Table) {
		return pow10Table[n]
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
