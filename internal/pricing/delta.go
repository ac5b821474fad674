// Package pricing holds closed-form option pricing helpers.
package pricing

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// BlackScholesDelta returns the Black-Scholes delta of a European option. spot and strike are
// prices, r the continuously compounded risk-free rate, sigma the annual volatility and t the
// time to expiry in years. ok is false when any of spot, strike, sigma or t is not a positive
// finite number.
func BlackScholesDelta(spot, strike, r, sigma, t float64, isCall bool) (delta float64, ok bool) {
	for _, v := range []float64{spot, strike, sigma, t} {
		if !(v > 0) || math.IsInf(v, 0) {
			return 0, false
		}
	}
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, false
	}

	d1 := (math.Log(spot/strike) + (r+0.5*sigma*sigma)*t) / (sigma * math.Sqrt(t))
	nd1 := distuv.UnitNormal.CDF(d1)
	if isCall {
		return nd1, true
	}
	return nd1 - 1, true
}

// YearsUntil converts a day count to a year fraction on a 365-day year.
func YearsUntil(days float64) float64 {
	return days / 365
}
