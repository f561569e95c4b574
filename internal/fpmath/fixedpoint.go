// internal/fpmath/fixedpoint.go
package fpmath

import (
	"math/big"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int
	Scale            *big.Int
}

// All price and ratio quantities use 18 decimal digits. This is an
// interop-critical protocol parameter: every participating chain must
// interpret settlement prices, strikes, and tolerance ratios at this scale.
var (
	PriceConfig = DecimalConfig{DecimalPrecision: 18, Scale: exp10(18)}

	// Scale is the shared 1e18 fixed-point unit.
	Scale = PriceConfig.Scale

	// ImbalanceTolerance is the maximum relative settlement imbalance,
	// 1% expressed at 1e18 scale (0.01 * 1e18).
	ImbalanceTolerance = exp10(16)
)

func exp10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

// OptionPayoff computes the per-unit option payoff in 1e18 fixed point:
// max(spot-strike, 0) for calls, max(strike-spot, 0) for puts.
// spot and strike are 1e18-scaled prices; the result is never negative.
func OptionPayoff(spot, strike *big.Int, isCall bool) *big.Int {
	payoff := new(big.Int)
	if isCall {
		payoff.Sub(spot, strike)
	} else {
		payoff.Sub(strike, spot)
	}
	if payoff.Sign() < 0 {
		payoff.SetInt64(0)
	}
	return payoff
}

// SettlementDelta computes a chain's signed settlement delta in quote units:
// (long - short) * payoff / Scale. Long holders are owed value when the
// payoff is positive; short writers owe it.
func SettlementDelta(long, short, payoff *big.Int) *big.Int {
	net := new(big.Int).Sub(long, short)
	net.Mul(net, payoff)
	return net.Quo(net, Scale)
}

// PositionNotional computes (long + short) * payoff / Scale, the payoff-scaled
// gross position size used as the denominator of the imbalance check.
func PositionNotional(long, short, payoff *big.Int) *big.Int {
	gross := new(big.Int).Add(long, short)
	gross.Mul(gross, payoff)
	return gross.Quo(gross, Scale)
}

// RelativeImbalance computes |net| * Scale / (|notional| + 1), the relative
// settlement imbalance in 1e18 fixed point. The +1 unit in the denominator
// keeps the ratio defined for an empty book.
func RelativeImbalance(net, notional *big.Int) *big.Int {
	num := new(big.Int).Abs(net)
	num.Mul(num, Scale)

	denom := new(big.Int).Abs(notional)
	denom.Add(denom, big.NewInt(1))

	return num.Quo(num, denom)
}

// WithinTolerance reports whether a net settlement amount is acceptable for
// the given payoff-scaled notional. A trivial notional (zero) with a zero
// net is always balanced; a trivial notional with a non-zero net is not.
func WithinTolerance(net, notional *big.Int) bool {
	if net.Sign() == 0 {
		return true
	}
	return RelativeImbalance(net, notional).Cmp(ImbalanceTolerance) <= 0
}
