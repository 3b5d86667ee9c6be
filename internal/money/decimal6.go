// Package money implements fixed-precision arithmetic for the gateway's
// pricing and billing surfaces. Every monetary figure in the system —
// price, fee, provider payout, discount, allocation — lives on the same
// implicit 6-decimal USDC grid, so unlike a general-purpose ledger we do
// not carry a per-value Asset tag: Decimal6 is always "micro-units of the
// settlement currency."
package money

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Decimal6 represents a monetary amount in micro-units (1 unit = 1e-6).
// All arithmetic is performed on int64 atomic units to avoid floating
// point drift across the fee-split and bundle-allocation algorithms.
type Decimal6 int64

const decimal6Scale = 1_000_000

// Zero is the additive identity.
const Zero Decimal6 = 0

// FromMajor parses a decimal string such as "0.005000" into a Decimal6.
// Uses half-away-from-zero rounding when the input carries more than six
// fractional digits.
func FromMajor(s string) (Decimal6, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("money: empty decimal")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	parts := strings.SplitN(s, ".", 2)
	if len(parts) > 2 {
		return 0, fmt.Errorf("money: invalid decimal %q", s)
	}
	intPart := parts[0]
	if intPart == "" {
		intPart = "0"
	}
	intVal, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("money: invalid decimal %q: %w", s, err)
	}

	var frac string
	if len(parts) == 2 {
		frac = parts[1]
	}
	roundUp := false
	if len(frac) > 6 {
		roundUp = frac[6] >= '5'
		frac = frac[:6]
	}
	for len(frac) < 6 {
		frac += "0"
	}
	fracVal, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("money: invalid decimal %q: %w", s, err)
	}
	if roundUp {
		fracVal++
	}

	total := intVal*decimal6Scale + fracVal
	if neg {
		total = -total
	}
	return Decimal6(total), nil
}

// MustFromMajor is FromMajor but panics on error; used for constants.
func MustFromMajor(s string) Decimal6 {
	d, err := FromMajor(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String renders the value with exactly six fractional digits.
func (d Decimal6) String() string {
	v := int64(d)
	neg := v < 0
	if neg {
		v = -v
	}
	intPart := v / decimal6Scale
	fracPart := v % decimal6Scale
	s := fmt.Sprintf("%d.%06d", intPart, fracPart)
	if neg {
		s = "-" + s
	}
	return s
}

// Micros returns the raw atomic micro-unit count.
func (d Decimal6) Micros() int64 { return int64(d) }

// FromMicros builds a Decimal6 from a raw micro-unit count.
func FromMicros(micros int64) Decimal6 { return Decimal6(micros) }

// Add returns d + other.
func (d Decimal6) Add(other Decimal6) Decimal6 { return d + other }

// Sub returns d - other.
func (d Decimal6) Sub(other Decimal6) Decimal6 { return d - other }

// IsZero reports whether the value is exactly zero.
func (d Decimal6) IsZero() bool { return d == 0 }

// IsPositive reports whether the value is strictly greater than zero.
func (d Decimal6) IsPositive() bool { return d > 0 }

// LessThanOrEqual reports d <= other.
func (d Decimal6) LessThanOrEqual(other Decimal6) bool { return d <= other }

// GreaterThan reports d > other.
func (d Decimal6) GreaterThan(other Decimal6) bool { return d > other }

// MulRatio multiplies d by the rational number num/den using half-away-
// from-zero rounding, the operation underlying round6(price * fee-rate)
// and the largest-remainder weight computations in the bundle engine.
func (d Decimal6) MulRatio(num, den int64) Decimal6 {
	if den == 0 {
		return 0
	}
	bd := big.NewInt(int64(d))
	bn := big.NewInt(num)
	bden := big.NewInt(den)

	result := new(big.Int).Mul(bd, bn)
	half := new(big.Int).Div(bden, big.NewInt(2))
	if result.Sign() >= 0 {
		result.Add(result, half)
	} else {
		result.Sub(result, half)
	}
	result.Div(result, bden)
	return Decimal6(result.Int64())
}

// MulFloat multiplies d by a float64 ratio (e.g. a discount fraction
// already clamped to [0,1]) with half-away-from-zero rounding at the
// 6-decimal grid. Internally routed through MulRatio on a fixed
// denominator of 1e9 to keep the computation integer-exact.
func (d Decimal6) MulFloat(ratio float64) Decimal6 {
	const denom = 1_000_000_000
	num := int64(ratio * denom)
	return d.MulRatio(num, denom)
}

// round6HalfAway rounds a big.Rat-style numerator/denominator pair to the
// nearest int64 using half-away-from-zero semantics, the same rounding
// MulRatio applies. It is unexported and has no callers in this package.
func round6HalfAway(num, den int64) int64 {
	if den == 0 {
		return 0
	}
	bn := big.NewInt(num)
	bden := big.NewInt(den)
	result := new(big.Int).Set(bn)
	half := new(big.Int).Div(bden, big.NewInt(2))
	if result.Sign() >= 0 {
		result.Add(result, half)
	} else {
		result.Sub(result, half)
	}
	result.Div(result, bden)
	return result.Int64()
}
