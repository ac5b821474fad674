// Package model defines the core data structures shared by the risk, options and pipeline packages.
package model

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// DateLayout is the calendar date format used by option expirations and upstream date fields.
const DateLayout = "2006-01-02"

// MetricsResult holds the risk and performance statistics computed from a price series.
// Every field is a finite number.
type MetricsResult struct {
	// NPeriods is the number of returns used
	NPeriods          int     `json:"n_periods"`
	MeanReturn        float64 `json:"mean_return"`
	Volatility        float64 `json:"volatility"`
	DownsideDeviation float64 `json:"downside_deviation"`
	CAGR              float64 `json:"cagr"`
	MaxDrawdown       float64 `json:"max_drawdown"`
	Sharpe            float64 `json:"sharpe"`
	Sortino           float64 `json:"sortino"`
	Calmar            float64 `json:"calmar"`
	KellyFraction     float64 `json:"kelly_fraction"`
	CompositeScore    float64 `json:"composite_score"`
}

// CompositeWeights are the blend weights applied to Sharpe, Sortino and Calmar.
type CompositeWeights struct {
	Sharpe  float64 `json:"sharpe"`
	Sortino float64 `json:"sortino"`
	Calmar  float64 `json:"calmar"`
}

// DefaultCompositeWeights returns the 0.4/0.4/0.2 blend.
func DefaultCompositeWeights() CompositeWeights {
	return CompositeWeights{Sharpe: 0.4, Sortino: 0.4, Calmar: 0.2}
}

// OptionSide selects calls or puts.
type OptionSide string

const (
	SideCall OptionSide = "call"
	SidePut  OptionSide = "put"
)

// IsCall reports whether the side is a call.
func (s OptionSide) IsCall() bool {
	return s == SideCall
}

// OptionContract is a single listed option contract. Pricing fields are optional and are
// populated by enrichment.
type OptionContract struct {
	Symbol           string     `json:"symbol"`
	Underlying       string     `json:"underlying_symbol"`
	Type             OptionSide `json:"type"`
	Strike           float64    `json:"strike_price"`
	ExpirationDate   string     `json:"expiration_date"`
	OpenInterest     *int64     `json:"open_interest,omitempty"`
	OpenInterestDate string     `json:"open_interest_date,omitempty"`
	ClosePrice       *float64   `json:"close_price,omitempty"`
	ClosePriceDate   string     `json:"close_price_date,omitempty"`
	Ask              *float64   `json:"ask,omitempty"`
	Bid              *float64   `json:"bid,omitempty"`
	LastPrice        *float64   `json:"last_price,omitempty"`
	ImpliedVol       *float64   `json:"implied_volatility,omitempty"`
}

// OI returns the open interest, treating an unknown value as zero.
func (c OptionContract) OI() int64 {
	if c.OpenInterest == nil {
		return 0
	}
	return *c.OpenInterest
}

// Expiration parses the expiration date.
func (c OptionContract) Expiration() (time.Time, error) {
	return time.Parse(DateLayout, c.ExpirationDate)
}

// DaysToExpiry returns the whole days between now and expiration, floored at zero.
func (c OptionContract) DaysToExpiry(now time.Time) (float64, bool) {
	exp, err := c.Expiration()
	if err != nil {
		return 0, false
	}
	days := math.Floor(exp.Sub(now.UTC().Truncate(24*time.Hour)).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return days, true
}

// Premium is the last traded price, or zero when no trade was reported.
func (c OptionContract) Premium() float64 {
	if c.LastPrice == nil || *c.LastPrice <= 0 {
		return 0
	}
	return *c.LastPrice
}

// OptionPrices is the pricing snapshot returned by a quote provider. Nil fields were not reported.
type OptionPrices struct {
	Ask        *float64
	Bid        *float64
	Last       *float64
	ImpliedVol *float64

	OpenInterest     *int64
	OpenInterestDate string
}

// Apply copies every reported field onto the contract. Open interest and its as-of date move together.
func (p OptionPrices) Apply(c *OptionContract) {
	if p.Ask != nil {
		c.Ask = p.Ask
	}
	if p.Bid != nil {
		c.Bid = p.Bid
	}
	if p.Last != nil {
		c.LastPrice = p.Last
	}
	if p.ImpliedVol != nil {
		c.ImpliedVol = p.ImpliedVol
	}
	if p.OpenInterest != nil {
		c.OpenInterest = p.OpenInterest
		c.OpenInterestDate = p.OpenInterestDate
	}
}

// HighOpenInterestResult holds the highest open interest contract in each expiry window.
type HighOpenInterestResult struct {
	ShortTerm *OptionContract `json:"short_term"`
	Leap      *OptionContract `json:"leap"`
	Error     string          `json:"error,omitempty"`
}

// TickerContracts pairs a ticker with its selection result in batch responses.
type TickerContracts struct {
	Ticker string                 `json:"ticker"`
	Result HighOpenInterestResult `json:"result"`
}

// Contract kinds reported on scored records.
const (
	ContractShortTerm = "short_term"
	ContractLeap      = "leap"
)

// UndervaluedIndicators describes how cheap and tradable a contract looks.
type UndervaluedIndicators struct {
	LiquidityScore     float64  `json:"liquidity_score"`
	SpreadScore        float64  `json:"spread_score"`
	UnderlyingMomentum float64  `json:"underlying_momentum"`
	OverallScore       float64  `json:"overall_undervalued_score"`
	SpreadPercentage   float64  `json:"spread_percentage"`
	OpenInterest       int64    `json:"open_interest"`
	IsLiquid           bool     `json:"is_liquid"`
	IsTightSpread      bool     `json:"is_tight_spread"`
	HasMomentum        bool     `json:"has_momentum"`
	ModelDelta         *float64 `json:"model_delta,omitempty"`
}

// MarshalJSON writes a non-finite spread percentage as null.
func (u UndervaluedIndicators) MarshalJSON() ([]byte, error) {
	type alias UndervaluedIndicators
	out := struct {
		alias
		SpreadPercentage *float64 `json:"spread_percentage"`
	}{alias: alias(u)}
	if !math.IsInf(u.SpreadPercentage, 0) && !math.IsNaN(u.SpreadPercentage) {
		v := u.SpreadPercentage
		out.SpreadPercentage = &v
	}
	return json.Marshal(out)
}

// OptionScoreRecord is a scored contract attached to a ticker.
type OptionScoreRecord struct {
	ContractType string                `json:"contract_type"`
	Contract     OptionContract        `json:"contract"`
	OptionScore  float64               `json:"option_score"`
	Indicators   UndervaluedIndicators `json:"undervalued_indicators"`
}

// TickerRecord is the per-ticker output of the trending pipeline.
type TickerRecord struct {
	Symbol    string              `json:"symbol"`
	SpotPrice float64             `json:"current_price"`
	Metrics   MetricsResult       `json:"metrics"`
	Options   []OptionScoreRecord `json:"options"`
}

// MaxUndervaluedScore returns the best overall undervalued score across the ticker's contracts,
// or zero when none were scored.
func (r TickerRecord) MaxUndervaluedScore() float64 {
	best := 0.0
	for i, o := range r.Options {
		if i == 0 || o.Indicators.OverallScore > best {
			best = o.Indicators.OverallScore
		}
	}
	return best
}

// Summary aggregates a filtered result set.
type Summary struct {
	TotalAnalyzed           int      `json:"total_analyzed"`
	TotalWithOptions        int      `json:"total_with_options"`
	AverageUnderlyingScore  float64  `json:"average_underlying_score"`
	MedianUnderlyingScore   float64  `json:"median_underlying_score"`
	AverageUndervaluedScore float64  `json:"average_undervalued_score"`
	TopUnderlyingTickers    []string `json:"top_underlying_tickers"`
	TopUndervaluedTickers   []string `json:"top_undervalued_tickers"`
}

// TrendingResponse is the full pipeline output.
type TrendingResponse struct {
	RunID   string         `json:"run_id"`
	Results []TickerRecord `json:"results"`
	Summary Summary        `json:"summary"`
}

// SymbolMetrics is a ranking row: either metrics or an error for one symbol.
type SymbolMetrics struct {
	Symbol  string         `json:"symbol"`
	Metrics *MetricsResult `json:"metrics,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// NormalizeSymbol trims and upper-cases a ticker.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
