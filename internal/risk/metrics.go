// Package risk computes return series and risk-adjusted performance statistics from price
// histories. All functions are pure and safe for concurrent use.
package risk

import (
	"math"

	"github.com/jongan69/trading-api/internal/model"
	"gonum.org/v1/gonum/stat"
)

// DefaultPeriodsPerYear is used when a caller supplies a non-positive annualisation factor.
const DefaultPeriodsPerYear = 252

// epsilon below which a denominator is treated as zero.
const epsilon = 1e-12

// ComputeReturns turns prices into simple period returns p[i+1]/p[i]-1. A zero previous price
// yields a zero return. Fewer than two prices yields an empty series.
func ComputeReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 0; i+1 < len(prices); i++ {
		if prices[i] == 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, prices[i+1]/prices[i]-1)
	}
	return returns
}

// PerPeriodRate converts an annual rate to its compounded per-period equivalent. Rates at or
// below -100% map to zero.
func PerPeriodRate(annual float64, periodsPerYear int) float64 {
	if annual <= -1 || periodsPerYear <= 0 {
		return 0
	}
	return math.Pow(1+annual, 1/float64(periodsPerYear)) - 1
}

// ComputeMetrics derives the full statistic set from a return series. rfAnnual is the risk-free
// rate and targetAnnual the minimum acceptable return, both annual. Every field of the result is
// finite for any finite input.
func ComputeMetrics(returns []float64, rfAnnual, targetAnnual float64, periodsPerYear int, w model.CompositeWeights) model.MetricsResult {
	if periodsPerYear <= 0 {
		periodsPerYear = DefaultPeriodsPerYear
	}
	n := len(returns)
	if n == 0 {
		return model.MetricsResult{}
	}

	rf := PerPeriodRate(rfAnnual, periodsPerYear)
	target := PerPeriodRate(targetAnnual, periodsPerYear)
	annualizer := math.Sqrt(float64(periodsPerYear))

	mean := stat.Mean(returns, nil)
	var volatility, variance float64
	if n >= 2 {
		variance = stat.Variance(returns, nil)
		volatility = math.Sqrt(variance)
	}

	downside := downsideDeviation(returns, target)
	excess := mean - rf

	var sharpe, sortino float64
	if volatility > epsilon {
		sharpe = excess / volatility * annualizer
		// a flat series carries no downside signal either
		if downside > epsilon {
			sortino = excess / downside * annualizer
		}
	}

	equity := equityCurve(returns)
	maxDD := maxDrawdown(equity)
	cagr := compoundGrowth(equity, periodsPerYear)

	var calmar float64
	if maxDD > epsilon {
		calmar = cagr / maxDD
	} else {
		calmar = cagr / epsilon
	}

	var kelly float64
	if variance > epsilon {
		kelly = excess / variance
	}
	kelly = clamp(finiteOrZero(kelly), 0, 1)

	result := model.MetricsResult{
		NPeriods:          n,
		MeanReturn:        finiteOrZero(mean),
		Volatility:        finiteOrZero(volatility),
		DownsideDeviation: finiteOrZero(downside),
		CAGR:              finiteOrZero(cagr),
		MaxDrawdown:       finiteOrZero(maxDD),
		Sharpe:            finiteOrZero(sharpe),
		Sortino:           finiteOrZero(sortino),
		Calmar:            finiteOrZero(calmar),
		KellyFraction:     kelly,
	}
	result.CompositeScore = Composite(result, w)
	return result
}

// MetricsForPrices is ComputeReturns followed by ComputeMetrics.
func MetricsForPrices(prices []float64, rfAnnual, targetAnnual float64, periodsPerYear int, w model.CompositeWeights) model.MetricsResult {
	return ComputeMetrics(ComputeReturns(prices), rfAnnual, targetAnnual, periodsPerYear, w)
}

// Composite blends Sharpe, Sortino and Calmar. A non-finite blend is reported as zero.
func Composite(m model.MetricsResult, w model.CompositeWeights) float64 {
	return finiteOrZero(w.Sharpe*m.Sharpe + w.Sortino*m.Sortino + w.Calmar*m.Calmar)
}

// downsideDeviation is the root mean square of shortfalls below target over all n periods.
func downsideDeviation(returns []float64, target float64) float64 {
	var sum float64
	for _, r := range returns {
		if d := r - target; d < 0 {
			sum += d * d
		}
	}
	return math.Sqrt(sum / float64(len(returns)))
}

// equityCurve compounds returns starting from 1.0.
func equityCurve(returns []float64) []float64 {
	curve := make([]float64, 0, len(returns)+1)
	value := 1.0
	curve = append(curve, value)
	for _, r := range returns {
		value *= 1 + r
		curve = append(curve, value)
	}
	return curve
}

func maxDrawdown(equity []float64) float64 {
	peak := math.Inf(-1)
	var worst float64
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

func compoundGrowth(equity []float64, periodsPerYear int) float64 {
	if len(equity) < 2 {
		return 0
	}
	start, end := equity[0], equity[len(equity)-1]
	if start <= 0 || end <= 0 {
		return 0
	}
	periods := float64(len(equity) - 1)
	return math.Pow(end/start, float64(periodsPerYear)/periods) - 1
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
