package pipeline

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jongan69/trading-api/internal/model"
	"github.com/jongan69/trading-api/internal/risk"
	"github.com/jongan69/trading-api/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC)

type fakeSource struct {
	name    string
	symbols []string
	err     error
}

func (f fakeSource) Name() string { return f.name }

func (f fakeSource) Discover(ctx context.Context, limit int) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && len(f.symbols) > limit {
		return f.symbols[:limit], nil
	}
	return f.symbols, nil
}

type fakeHistory struct {
	prices     map[string][]float64
	spot       map[string]float64
	historyErr map[string]error
	spotErr    map[string]error
	delays     map[string]time.Duration

	mu     sync.Mutex
	ranges []string
}

func (f *fakeHistory) FetchPrices(ctx context.Context, symbol, rangeLabel string) ([]float64, error) {
	f.mu.Lock()
	f.ranges = append(f.ranges, rangeLabel)
	f.mu.Unlock()

	if d := f.delays[symbol]; d > 0 {
		time.Sleep(d)
	}
	if err := f.historyErr[symbol]; err != nil {
		return nil, err
	}
	p, ok := f.prices[symbol]
	if !ok {
		return nil, errors.New("unknown symbol")
	}
	return p, nil
}

func (f *fakeHistory) LatestClose(ctx context.Context, symbol string) (float64, error) {
	if err := f.spotErr[symbol]; err != nil {
		return 0, err
	}
	if v, ok := f.spot[symbol]; ok {
		return v, nil
	}
	return 100, nil
}

type fakeSelector struct {
	mu      sync.Mutex
	sides   []model.OptionSide
	results map[string]model.HighOpenInterestResult
}

func (f *fakeSelector) Select(ctx context.Context, ticker string, side model.OptionSide) model.HighOpenInterestResult {
	f.mu.Lock()
	f.sides = append(f.sides, side)
	f.mu.Unlock()
	return f.results[ticker]
}

func series(n int, drift float64) []float64 {
	p := make([]float64, n)
	for i := range p {
		p[i] = 100 * math.Pow(1+drift, float64(i)) * (1 + 0.02*math.Sin(float64(i)))
	}
	return p
}

func fp(v float64) *float64 { return &v }
func ip(v int64) *int64     { return &v }

func contract(symbol string, oi int64, last float64, expiry string) *model.OptionContract {
	return &model.OptionContract{
		Symbol:         symbol,
		Type:           model.SideCall,
		Strike:         100,
		ExpirationDate: expiry,
		OpenInterest:   ip(oi),
		LastPrice:      fp(last),
		Bid:            fp(last - 0.05),
		Ask:            fp(last + 0.05),
		ImpliedVol:     fp(0.4),
	}
}

func expectedComposite(prices []float64, req Request) float64 {
	return risk.MetricsForPrices(validation.FilterPrices(prices), req.RiskFreeRate, req.RiskFreeRate, req.PeriodsPerYear, req.Weights).CompositeScore
}

func symbolsOf(records []model.TickerRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Symbol)
	}
	return out
}

func newTestEngine(sources []fakeSource, h *fakeHistory, sel *fakeSelector) *Engine {
	opts := Options{
		History: h,
		Now:     func() time.Time { return testNow },
	}
	for _, s := range sources {
		opts.Sources = append(opts.Sources, s)
	}
	if sel != nil {
		opts.Selector = sel
	}
	return New(opts)
}

func TestAnalyzeTrending_RanksAndScores(t *testing.T) {
	h := &fakeHistory{
		prices: map[string][]float64{
			"AAPL": series(60, 0.004),
			"MSFT": series(60, 0.001),
			"NVDA": series(60, 0.008),
		},
		spot: map[string]float64{"AAPL": 190, "MSFT": 420, "NVDA": 120},
	}
	sel := &fakeSelector{results: map[string]model.HighOpenInterestResult{
		"AAPL": {
			ShortTerm: contract("AAPL240621C00190000", 5000, 4.2, "2024-06-21"),
			Leap:      contract("AAPL250620C00190000", 800, 22.5, "2025-06-20"),
		},
		"NVDA": {ShortTerm: contract("NVDA240621C00120000", 300, 3.1, "2024-06-21")},
		"MSFT": {Error: "Invalid ticker symbol: MSFT"},
	}}
	sources := []fakeSource{
		{name: "yahoo", symbols: []string{"aapl", "MSFT", "BTC-USD"}},
		{name: "finviz", symbols: []string{"MSFT", "NVDA"}},
		{name: "reddit", err: errors.New("boom")},
	}
	e := newTestEngine(sources, h, sel)

	req := DefaultRequest()
	resp, err := e.AnalyzeTrending(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.RunID)

	require.Len(t, resp.Results, 3)
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].Metrics.CompositeScore, resp.Results[i].Metrics.CompositeScore)
	}

	bySymbol := map[string]model.TickerRecord{}
	for _, r := range resp.Results {
		bySymbol[r.Symbol] = r
	}

	aapl := bySymbol["AAPL"]
	assert.Equal(t, 190.0, aapl.SpotPrice)
	assert.InDelta(t, expectedComposite(h.prices["AAPL"], req), aapl.Metrics.CompositeScore, 1e-12)
	require.Len(t, aapl.Options, 2)
	assert.Equal(t, model.ContractShortTerm, aapl.Options[0].ContractType)
	assert.Equal(t, model.ContractLeap, aapl.Options[1].ContractType)
	assert.True(t, aapl.Options[0].Indicators.IsLiquid)
	assert.NotNil(t, aapl.Options[0].Indicators.ModelDelta)

	require.Len(t, bySymbol["NVDA"].Options, 1)
	assert.Empty(t, bySymbol["MSFT"].Options, "a selector error leaves the ticker without contracts")

	assert.Equal(t, 3, resp.Summary.TotalAnalyzed)
	assert.Equal(t, 2, resp.Summary.TotalWithOptions)
	assert.Len(t, resp.Summary.TopUnderlyingTickers, 3)
	assert.ElementsMatch(t, []string{"AAPL", "NVDA"}, resp.Summary.TopUndervaluedTickers)

	assert.Equal(t, []string{DefaultRange, DefaultRange, DefaultRange}, h.ranges)
	for _, side := range sel.sides {
		assert.Equal(t, model.SideCall, side)
	}
}

func TestAnalyzeTrending_DropsFailedTickers(t *testing.T) {
	h := &fakeHistory{
		prices: map[string][]float64{
			"GOOD": series(30, 0.002),
			"THIN": series(9, 0.002),
			"GAPS": {100, math.NaN(), 101, math.Inf(1), 102, 103, 104, 105, 106, 107, 108},
			"NOPX": series(30, 0.002),
		},
		historyErr: map[string]error{"DOWN": errors.New("status 503")},
		spotErr:    map[string]error{"NOPX": errors.New("no quote")},
	}
	sources := []fakeSource{{name: "yahoo", symbols: []string{"GOOD", "THIN", "GAPS", "NOPX", "DOWN"}}}

	var stats RunStats
	e := newTestEngine(sources, h, nil)
	e.opts.OnRun = func(s RunStats) { stats = s }

	resp, err := e.AnalyzeTrending(context.Background(), DefaultRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"GOOD"}, symbolsOf(resp.Results), "GAPS keeps only 9 finite prices")
	assert.Empty(t, resp.Results[0].Options)

	assert.Equal(t, 5, stats.Discovered)
	assert.Equal(t, 1, stats.Analyzed)
	assert.Equal(t, 4, stats.Dropped)
	assert.Equal(t, 1, stats.Returned)
	assert.Equal(t, resp.RunID, stats.RunID)
}

func TestAnalyzeTrending_NoTickers(t *testing.T) {
	tests := []struct {
		name    string
		sources []fakeSource
	}{
		{"no sources", nil},
		{"all empty", []fakeSource{{name: "a"}, {name: "b", symbols: []string{}}}},
		{"all failing", []fakeSource{{name: "a", err: errors.New("x")}}},
		{"nothing tradable", []fakeSource{{name: "a", symbols: []string{"BTC-USD", "", "TOOLONGNAME"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(tt.sources, &fakeHistory{}, nil)
			_, err := e.AnalyzeTrending(context.Background(), DefaultRequest())
			assert.ErrorIs(t, err, ErrNoTickers)
		})
	}
}

func TestAnalyzeTrending_DeterministicUnderShuffledLatency(t *testing.T) {
	symbols := []string{"AAA", "BBB", "CCC", "DDD", "EEE", "FFF", "GGG", "HHH"}
	prices := map[string][]float64{}
	for i, s := range symbols {
		prices[s] = series(40, 0.001*float64(i%4))
	}
	sel := &fakeSelector{results: map[string]model.HighOpenInterestResult{
		"AAA": {ShortTerm: contract("AAA240621C00100000", 1200, 2.0, "2024-06-21")},
		"DDD": {Leap: contract("DDD250620C00100000", 90, 9.0, "2025-06-20")},
	}}

	req := DefaultRequest()
	want := append([]string(nil), symbols...)
	sort.SliceStable(want, func(i, j int) bool {
		a, b := expectedComposite(prices[want[i]], req), expectedComposite(prices[want[j]], req)
		if a != b {
			return a > b
		}
		return want[i] < want[j]
	})

	var first []model.TickerRecord
	for run := 0; run < 5; run++ {
		rng := rand.New(rand.NewSource(int64(run)))
		delays := map[string]time.Duration{}
		for _, s := range symbols {
			delays[s] = time.Duration(rng.Intn(15)) * time.Millisecond
		}
		h := &fakeHistory{prices: prices, delays: delays}
		e := newTestEngine([]fakeSource{{name: "src", symbols: symbols}}, h, sel)

		resp, err := e.AnalyzeTrending(context.Background(), Request{
			RiskFreeRate:   req.RiskFreeRate,
			PeriodsPerYear: req.PeriodsPerYear,
			Weights:        req.Weights,
			Limit:          len(symbols),
		})
		require.NoError(t, err)
		assert.Equal(t, want, symbolsOf(resp.Results), "run %d", run)

		if first == nil {
			first = resp.Results
			continue
		}
		assert.Equal(t, first, resp.Results, "run %d", run)
	}
}

func TestAnalyzeTrending_FiltersThenLimits(t *testing.T) {
	h := &fakeHistory{prices: map[string][]float64{
		"UPA": series(40, 0.006),
		"UPB": series(40, 0.004),
		"UPC": series(40, 0.002),
		"DWN": series(40, -0.004),
	}}
	sel := &fakeSelector{results: map[string]model.HighOpenInterestResult{
		"UPA": {ShortTerm: contract("UPA240621C00100000", 50, 2.0, "2024-06-21")},
		"UPB": {ShortTerm: contract("UPB240621C00100000", 5000, 2.0, "2024-06-21")},
		"UPC": {ShortTerm: contract("UPC240621C00100000", 5000, 2.0, "2024-06-21")},
	}}
	sources := []fakeSource{{name: "src", symbols: []string{"DWN", "UPC", "UPB", "UPA"}}}
	req := DefaultRequest()

	t.Run("underlying minimum", func(t *testing.T) {
		r := req
		r.MinUnderlyingScore = fp(0)
		resp, err := newTestEngine(sources, h, sel).AnalyzeTrending(context.Background(), r)
		require.NoError(t, err)
		assert.NotContains(t, symbolsOf(resp.Results), "DWN")
		for _, rec := range resp.Results {
			assert.GreaterOrEqual(t, rec.Metrics.CompositeScore, 0.0)
		}
	})

	t.Run("undervalued minimum", func(t *testing.T) {
		r := req
		r.MinUndervaluedScore = fp(0.6)
		resp, err := newTestEngine(sources, h, sel).AnalyzeTrending(context.Background(), r)
		require.NoError(t, err)
		for _, rec := range resp.Results {
			assert.GreaterOrEqual(t, rec.MaxUndervaluedScore(), 0.6)
			assert.NotEmpty(t, rec.Options)
		}
		assert.NotContains(t, symbolsOf(resp.Results), "DWN", "no contracts means a zero undervalued score")
	})

	t.Run("limit after filter", func(t *testing.T) {
		r := req
		r.Limit = 2
		r.MinUnderlyingScore = fp(0)
		resp, err := newTestEngine(sources, h, sel).AnalyzeTrending(context.Background(), r)
		require.NoError(t, err)
		assert.Len(t, resp.Results, 2)
		assert.Equal(t, 2, resp.Summary.TotalAnalyzed, "summary covers the returned set")
	})

	t.Run("nil minimums keep everything", func(t *testing.T) {
		resp, err := newTestEngine(sources, h, sel).AnalyzeTrending(context.Background(), req)
		require.NoError(t, err)
		assert.Len(t, resp.Results, 4)
	})
}

func TestDiscover_MergesInSourceOrder(t *testing.T) {
	sources := []fakeSource{
		{name: "first", symbols: []string{"tsla", "AMD", "BRK.B"}},
		{name: "broken", err: errors.New("timeout")},
		{name: "second", symbols: []string{"AMD", " pltr ", "TSLA", "DOGE-USD"}},
	}
	e := newTestEngine(sources, &fakeHistory{}, nil)

	got, err := e.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"TSLA", "AMD", "BRK.B", "PLTR"}, got)
}

func TestRank_TieBreaksOnSymbol(t *testing.T) {
	records := []model.TickerRecord{
		{Symbol: "ZZZ", Metrics: model.MetricsResult{CompositeScore: 1}},
		{Symbol: "BBB", Metrics: model.MetricsResult{CompositeScore: 2}},
		{Symbol: "AAA", Metrics: model.MetricsResult{CompositeScore: 1}},
		{Symbol: "CCC", Metrics: model.MetricsResult{CompositeScore: -1}},
	}
	Rank(records)
	assert.Equal(t, []string{"BBB", "AAA", "ZZZ", "CCC"}, symbolsOf(records))
}

func withOverall(scores ...float64) []model.OptionScoreRecord {
	out := make([]model.OptionScoreRecord, 0, len(scores))
	for _, s := range scores {
		out = append(out, model.OptionScoreRecord{Indicators: model.UndervaluedIndicators{OverallScore: s}})
	}
	return out
}

func TestSummarize(t *testing.T) {
	records := []model.TickerRecord{
		{Symbol: "A", Metrics: model.MetricsResult{CompositeScore: 3}, Options: withOverall(0.2, 0.9)},
		{Symbol: "B", Metrics: model.MetricsResult{CompositeScore: 2}},
		{Symbol: "C", Metrics: model.MetricsResult{CompositeScore: 1}, Options: withOverall(0.5)},
		{Symbol: "D", Metrics: model.MetricsResult{CompositeScore: 0}, Options: withOverall(0.95)},
		{Symbol: "E", Metrics: model.MetricsResult{CompositeScore: -1}},
		{Symbol: "F", Metrics: model.MetricsResult{CompositeScore: -2}},
	}

	s := Summarize(records)
	assert.Equal(t, 6, s.TotalAnalyzed)
	assert.Equal(t, 3, s.TotalWithOptions)
	assert.InDelta(t, 0.5, s.AverageUnderlyingScore, 1e-12)
	assert.InDelta(t, 0.5, s.MedianUnderlyingScore, 1e-12)
	assert.InDelta(t, (0.9+0.5+0.95)/3, s.AverageUndervaluedScore, 1e-12)
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, s.TopUnderlyingTickers)
	assert.Equal(t, []string{"D", "A", "C"}, s.TopUndervaluedTickers)
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	assert.Zero(t, s.TotalAnalyzed)
	assert.Zero(t, s.AverageUnderlyingScore)
	assert.Zero(t, s.AverageUndervaluedScore)
	assert.NotNil(t, s.TopUnderlyingTickers)
	assert.NotNil(t, s.TopUndervaluedTickers)
}

func TestSymbolMetrics(t *testing.T) {
	h := &fakeHistory{prices: map[string][]float64{
		"SPY":  series(50, 0.002),
		"ONE":  {100},
		"FLAT": {100, 100, 100, 100},
	}}
	e := newTestEngine(nil, h, nil)
	req := DefaultMetricsRequest()

	m, err := e.SymbolMetrics(context.Background(), "spy", req)
	require.NoError(t, err)
	assert.Equal(t, 49, m.NPeriods)
	assert.InDelta(t, risk.MetricsForPrices(h.prices["SPY"], 0.03, 0.03, 252, req.Weights).Sortino, m.Sortino, 1e-12)

	req.TargetReturn = fp(0.5)
	withTarget, err := e.SymbolMetrics(context.Background(), "SPY", req)
	require.NoError(t, err)
	assert.Equal(t, m.Sharpe, withTarget.Sharpe)
	assert.Less(t, withTarget.Sortino, m.Sortino, "a higher target lowers Sortino")

	one, err := e.SymbolMetrics(context.Background(), "ONE", req)
	require.NoError(t, err, "a short history is not a failure")
	assert.Equal(t, model.MetricsResult{}, one)

	flat, err := e.SymbolMetrics(context.Background(), "FLAT", req)
	require.NoError(t, err)
	assert.Zero(t, flat.Sharpe)
	assert.Zero(t, flat.Sortino)

	_, err = e.SymbolMetrics(context.Background(), "MISSING", req)
	assert.Error(t, err)
}

func TestRankSymbols(t *testing.T) {
	h := &fakeHistory{
		prices: map[string][]float64{
			"LOW":  series(50, -0.002),
			"HIGH": series(50, 0.006),
			"MID":  series(50, 0.002),
		},
		historyErr: map[string]error{"DEAD": errors.New("status 404")},
	}
	e := newTestEngine(nil, h, nil)

	rows, err := e.RankSymbols(context.Background(), []string{"dead", "LOW", "HIGH", "MID"}, DefaultMetricsRequest())
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, "DEAD", rows[3].Symbol)
	assert.Nil(t, rows[3].Metrics)
	assert.Contains(t, rows[3].Error, "status 404")

	for i := 1; i < 3; i++ {
		require.NotNil(t, rows[i].Metrics)
		assert.GreaterOrEqual(t, rows[i-1].Metrics.CompositeScore, rows[i].Metrics.CompositeScore)
	}

	_, err = e.RankSymbols(context.Background(), nil, DefaultMetricsRequest())
	assert.ErrorIs(t, err, validation.ErrNoSymbols)
}
