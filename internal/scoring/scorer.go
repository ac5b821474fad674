// Package scoring rates option contracts by how cheap, liquid and tradable they look relative to
// the strength of their underlying.
package scoring

import (
	"math"
	"time"

	"github.com/jongan69/trading-api/internal/model"
	"github.com/jongan69/trading-api/internal/pricing"
)

const (
	// referenceDays is the horizon every contract's time decay is evaluated at
	referenceDays = 30.0

	// timeDecay is 1 + dte/30 with dte fixed at the reference horizon, whatever the expiry
	timeDecay = 1 + referenceDays/30

	liquidOpenInterest = 500
	tightSpread        = 0.10
	momentumThreshold  = 0.5
)

// OptionScore is a ranking heuristic, not a valuation: composite * sensitivity * spot/premium,
// divided by a time decay evaluated at a fixed 30-day horizon. Implied volatility stands in for
// the sensitivity and counts as zero when unreported. Premium is the last traded price; contracts
// that never traded score zero.
func OptionScore(c model.OptionContract, spot, underlyingScore float64) float64 {
	premium := c.Premium()
	if premium <= 0 {
		return 0
	}

	sensitivity := 0.0
	if c.ImpliedVol != nil {
		sensitivity = *c.ImpliedVol
	}

	score := underlyingScore * sensitivity * (spot / premium) / timeDecay
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0
	}
	return score
}

// Indicators derives liquidity, spread and momentum signals for a contract.
func Indicators(c model.OptionContract, underlyingScore float64) model.UndervaluedIndicators {
	openInterest := c.OI()
	liquidity := liquidityScore(openInterest)

	mid, spread := c.Premium(), 0.0
	if c.Bid != nil && c.Ask != nil && *c.Bid > 0 && *c.Ask > 0 {
		mid = (*c.Bid + *c.Ask) / 2
		spread = *c.Ask - *c.Bid
	}
	spreadPct := math.Inf(1)
	if mid > 0 {
		spreadPct = spread / mid
	}
	spreadS := spreadScore(spreadPct)

	overall := math.Min(0.3*liquidity+0.3*spreadS+0.4*underlyingScore, 1)
	if math.IsNaN(overall) {
		overall = 0
	}

	return model.UndervaluedIndicators{
		LiquidityScore:     liquidity,
		SpreadScore:        spreadS,
		UnderlyingMomentum: underlyingScore,
		OverallScore:       overall,
		SpreadPercentage:   spreadPct,
		OpenInterest:       openInterest,
		IsLiquid:           openInterest > liquidOpenInterest,
		IsTightSpread:      spreadPct < tightSpread,
		HasMomentum:        underlyingScore > momentumThreshold,
	}
}

func liquidityScore(openInterest int64) float64 {
	switch {
	case openInterest > 1000:
		return 1.0
	case openInterest > 500:
		return 0.7
	case openInterest > 100:
		return 0.4
	default:
		return 0.1
	}
}

func spreadScore(pct float64) float64 {
	switch {
	case pct < 0.05:
		return 1.0
	case pct < 0.10:
		return 0.7
	case pct < 0.20:
		return 0.4
	default:
		return 0.1
	}
}

// Scorer builds complete score records, adding an informational model delta.
type Scorer struct {
	// RiskFreeRate is the annual rate used for the model delta
	RiskFreeRate float64

	Now func() time.Time
}

// NewScorer creates a Scorer on the wall clock.
func NewScorer(riskFreeRate float64) *Scorer {
	return &Scorer{RiskFreeRate: riskFreeRate, Now: time.Now}
}

// Score rates one contract. The model delta uses the real time to expiry, or the 30-day
// reference when the expiration cannot be parsed.
func (s *Scorer) Score(kind string, c model.OptionContract, spot, underlyingScore float64) model.OptionScoreRecord {
	dte, ok := c.DaysToExpiry(s.now())
	if !ok {
		dte = referenceDays
	}

	ind := Indicators(c, underlyingScore)
	if c.ImpliedVol != nil {
		if d, ok := pricing.BlackScholesDelta(spot, c.Strike, s.RiskFreeRate, *c.ImpliedVol, pricing.YearsUntil(dte), c.Type != model.SidePut); ok {
			ind.ModelDelta = &d
		}
	}

	return model.OptionScoreRecord{
		ContractType: kind,
		Contract:     c,
		OptionScore:  OptionScore(c, spot, underlyingScore),
		Indicators:   ind,
	}
}

func (s *Scorer) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
