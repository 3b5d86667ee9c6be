package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Rate4 represents a fee-rate or discount fraction on a 4-decimal grid
// (one unit is one basis point), e.g. a platform fee rate of 0.1200 is Rate4(1200).
type Rate4 int64

const rate4Scale = 10_000

// RateFromFloat clamps a float64 fraction to [0,1] and rounds it to the
// 4-decimal grid, per the bundle engine's "clamped to [0,1]" fee-rate
// input and the resolver's base-discount-fraction clamp.
func RateFromFloat(f float64) Rate4 {
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return Rate4(int64(f*rate4Scale + 0.5))
}

// Float64 returns the rate as a float64 fraction.
func (r Rate4) Float64() float64 {
	return float64(r) / rate4Scale
}

// String renders the rate with four fractional digits (e.g. "0.1200").
func (r Rate4) String() string {
	v := int64(r)
	return fmt.Sprintf("%d.%04d", v/rate4Scale, abs64(v)%rate4Scale)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Apply multiplies a Decimal6 amount by this rate with half-away-from-
// zero rounding at the 6-decimal grid: round6(amount * rate).
func (r Rate4) Apply(amount Decimal6) Decimal6 {
	return amount.MulRatio(int64(r), rate4Scale)
}

// ParseRate4 parses a decimal string ("0.12") into a Rate4, clamped to
// [0,1] as required by the bundle engine's platform-fee-rate input.
func ParseRate4(s string) (Rate4, error) {
	s = strings.TrimSpace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("money: invalid rate %q: %w", s, err)
	}
	return RateFromFloat(f), nil
}
