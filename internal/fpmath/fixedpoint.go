package fpmath

import (
	"math"
	"math/big"
	"sync"
)

// FractionScale is the fixed-point denominator for all protocol fractions:
// collateral factors, LLTVs, liquidation incentive and the health threshold.
// 1_000_000 = 1.0.
const FractionScale int64 = 1_000_000

// HealthFactorInfinite is the sentinel health factor for a debt-free account.
const HealthFactorInfinite int64 = math.MaxInt64

var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// MulDiv computes a * b / denom with a 128-bit intermediate, truncating
// toward zero. Truncation is the protocol-favoring rounding direction:
// collateral values and debt-to-asset conversions always round against
// the debtor.
func MulDiv(a, b, denom int64) int64 {
	if denom == 0 {
		panic("fpmath: division by zero")
	}
	prod := getBig()
	prod.Mul(big.NewInt(a), big.NewInt(b))
	prod.Quo(prod, big.NewInt(denom))
	result := prod.Int64()
	putBig(prod)
	return result
}

// ApplyFraction scales v by a FractionScale-denominated fraction, truncating.
func ApplyFraction(v, fraction int64) int64 {
	return MulDiv(v, fraction, FractionScale)
}

// Pow10 returns 10^n as int64. n must be in [0, 18].
func Pow10(n int) int64 {
	if n < 0 || n > 18 {
		panic("fpmath: pow10 exponent out of range")
	}
	result := int64(1)
	for i := 0; i < n; i++ {
		result *= 10
	}
	return result
}

// Ratio computes numerator * FractionScale / denominator, truncating.
// Used for the health factor: (netValue - debtValue) / debtValue.
func Ratio(numerator, denominator int64) int64 {
	return MulDiv(numerator, FractionScale, denominator)
}
