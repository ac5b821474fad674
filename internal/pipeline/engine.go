// Package pipeline runs the trending options analysis: it discovers popular tickers, scores each
// underlying and its most actively held contracts concurrently, then ranks, filters and
// summarizes the survivors.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jongan69/trading-api/internal/aggregate"
	"github.com/jongan69/trading-api/internal/fetch"
	"github.com/jongan69/trading-api/internal/model"
	tracing "github.com/jongan69/trading-api/internal/otel"
	"github.com/jongan69/trading-api/internal/risk"
	"github.com/jongan69/trading-api/internal/scoring"
	"github.com/jongan69/trading-api/internal/validation"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoTickers is returned when discovery yields nothing to analyze.
	ErrNoTickers = errors.New("no trending tickers available")

	// ErrInsufficientData marks a trending ticker with fewer than MinTrendPoints prices.
	ErrInsufficientData = errors.New("insufficient price data")
)

const (
	// MinTrendPoints is the fewest prices a ticker needs to be analyzed.
	MinTrendPoints = 10

	// DefaultRange is the lookback used for underlying analysis.
	DefaultRange = "3mo"

	// DefaultLimit is the result count used when a request does not set one.
	DefaultLimit = 10

	topTickers = 5
)

// ContractSelector picks the high open interest contracts for a ticker.
type ContractSelector interface {
	Select(ctx context.Context, ticker string, side model.OptionSide) model.HighOpenInterestResult
}

// RunStats describes one completed trending run.
type RunStats struct {
	RunID      string
	Discovered int
	Analyzed   int
	Dropped    int
	Returned   int
	Duration   time.Duration
}

// Options wires an Engine to its collaborators.
type Options struct {
	Sources  []fetch.TrendingSource
	History  fetch.PriceHistory
	Selector ContractSelector

	// DiscoveryLimit caps how many symbols each source is asked for
	DiscoveryLimit int

	// Concurrency bounds tickers analyzed at once; zero means unbounded
	Concurrency int

	// OnRun, if set, is called after every trending run
	OnRun func(RunStats)

	Now func() time.Time
}

// Engine orchestrates trending analysis and symbol ranking.
type Engine struct {
	opts Options
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DiscoveryLimit <= 0 {
		opts.DiscoveryLimit = 20
	}
	return &Engine{opts: opts}
}

// Request holds the caller's trending analysis parameters. Nil minimums disable the matching
// filter.
type Request struct {
	RiskFreeRate        float64
	PeriodsPerYear      int
	Weights             model.CompositeWeights
	Side                model.OptionSide
	Range               string
	Limit               int
	MinUnderlyingScore  *float64
	MinUndervaluedScore *float64
}

// DefaultRequest returns daily bars over three months, a 3% risk-free rate, calls and ten results.
func DefaultRequest() Request {
	return Request{
		RiskFreeRate:   0.03,
		PeriodsPerYear: risk.DefaultPeriodsPerYear,
		Weights:        model.DefaultCompositeWeights(),
		Side:           model.SideCall,
		Range:          DefaultRange,
		Limit:          DefaultLimit,
	}
}

func (r Request) withDefaults() Request {
	if r.Side == "" {
		r.Side = model.SideCall
	}
	if r.Range == "" {
		r.Range = DefaultRange
	}
	if r.PeriodsPerYear <= 0 {
		r.PeriodsPerYear = risk.DefaultPeriodsPerYear
	}
	return r
}

// AnalyzeTrending discovers trending tickers and returns the ranked, filtered records with a
// summary. Tickers whose history or spot price cannot be fetched, or that have fewer than
// MinTrendPoints prices, are dropped. The only error is ErrNoTickers.
func (e *Engine) AnalyzeTrending(ctx context.Context, req Request) (model.TrendingResponse, error) {
	req = req.withDefaults()
	runID := uuid.NewString()
	start := e.opts.Now()

	ctx, span := tracing.Tracer().Start(ctx, "pipeline.AnalyzeTrending", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("side", string(req.Side)),
		attribute.Int("limit", req.Limit),
	))
	defer span.End()

	log := logrus.WithField("run_id", runID)

	tickers, err := e.Discover(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return model.TrendingResponse{}, err
	}
	log.WithField("tickers", len(tickers)).Info("Discovered trending tickers")

	outcomes := aggregate.Gather(ctx, tickers, e.opts.Concurrency, func(ctx context.Context, symbol string) (model.TickerRecord, error) {
		return e.analyzeTicker(ctx, symbol, req)
	})

	records := make([]model.TickerRecord, 0, len(outcomes))
	for i, o := range outcomes {
		if o.Err != nil {
			log.WithFields(logrus.Fields{
				"symbol": tickers[i],
				"error":  o.Err,
			}).Debug("Dropping ticker")
			continue
		}
		records = append(records, o.Value)
	}
	analyzed := len(records)

	Rank(records)
	records = Filter(records, req.MinUnderlyingScore, req.MinUndervaluedScore)
	if req.Limit > 0 && len(records) > req.Limit {
		records = records[:req.Limit]
	}

	stats := RunStats{
		RunID:      runID,
		Discovered: len(tickers),
		Analyzed:   analyzed,
		Dropped:    len(tickers) - analyzed,
		Returned:   len(records),
		Duration:   e.opts.Now().Sub(start),
	}
	span.SetAttributes(
		attribute.Int("discovered", stats.Discovered),
		attribute.Int("analyzed", stats.Analyzed),
		attribute.Int("returned", stats.Returned),
	)
	log.WithFields(logrus.Fields{
		"discovered": stats.Discovered,
		"analyzed":   stats.Analyzed,
		"returned":   stats.Returned,
		"duration":   stats.Duration,
	}).Info("Trending analysis complete")
	if e.opts.OnRun != nil {
		e.opts.OnRun(stats)
	}

	return model.TrendingResponse{
		RunID:   runID,
		Results: records,
		Summary: Summarize(records),
	}, nil
}

// analyzeTicker fetches history, spot and contracts for one ticker concurrently. A history or
// spot failure cancels the remaining work and drops the ticker; the selector never fails.
func (e *Engine) analyzeTicker(ctx context.Context, symbol string, req Request) (model.TickerRecord, error) {
	ctx, span := tracing.Tracer().Start(ctx, "pipeline.analyzeTicker", trace.WithAttributes(
		attribute.String("symbol", symbol),
	))
	defer span.End()

	var (
		prices []float64
		spot   float64
		hoi    model.HighOpenInterestResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := e.opts.History.FetchPrices(gctx, symbol, req.Range)
		if err != nil {
			return fmt.Errorf("price history for %s: %w", symbol, err)
		}
		prices = validation.FilterPrices(p)
		if len(prices) < MinTrendPoints {
			return fmt.Errorf("%w: %s has %d prices, need %d", ErrInsufficientData, symbol, len(prices), MinTrendPoints)
		}
		return nil
	})
	g.Go(func() error {
		v, err := e.opts.History.LatestClose(gctx, symbol)
		if err != nil {
			return fmt.Errorf("spot price for %s: %w", symbol, err)
		}
		spot = v
		return nil
	})
	if e.opts.Selector != nil {
		g.Go(func() error {
			hoi = e.opts.Selector.Select(gctx, symbol, req.Side)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		tracing.RecordError(ctx, err)
		return model.TickerRecord{}, err
	}

	metrics := risk.MetricsForPrices(prices, req.RiskFreeRate, req.RiskFreeRate, req.PeriodsPerYear, req.Weights)
	scorer := &scoring.Scorer{RiskFreeRate: req.RiskFreeRate, Now: e.opts.Now}

	record := model.TickerRecord{
		Symbol:    symbol,
		SpotPrice: spot,
		Metrics:   metrics,
		Options:   make([]model.OptionScoreRecord, 0, 2),
	}
	if hoi.ShortTerm != nil {
		record.Options = append(record.Options, scorer.Score(model.ContractShortTerm, *hoi.ShortTerm, spot, metrics.CompositeScore))
	}
	if hoi.Leap != nil {
		record.Options = append(record.Options, scorer.Score(model.ContractLeap, *hoi.Leap, spot, metrics.CompositeScore))
	}
	if hoi.Error != "" {
		logrus.WithFields(logrus.Fields{
			"symbol": symbol,
			"error":  hoi.Error,
		}).Debug("Contract selection incomplete")
	}
	return record, nil
}

// Rank sorts records by underlying composite score, highest first. Ties fall back to symbol so
// the order never depends on how records were collected.
func Rank(records []model.TickerRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].Metrics.CompositeScore, records[j].Metrics.CompositeScore
		if a != b {
			return a > b
		}
		return records[i].Symbol < records[j].Symbol
	})
}

// Filter keeps records meeting both minimums. A nil minimum accepts everything.
func Filter(records []model.TickerRecord, minUnderlying, minUndervalued *float64) []model.TickerRecord {
	if minUnderlying == nil && minUndervalued == nil {
		return records
	}
	kept := records[:0:0]
	for _, r := range records {
		if minUnderlying != nil && r.Metrics.CompositeScore < *minUnderlying {
			continue
		}
		if minUndervalued != nil && r.MaxUndervaluedScore() < *minUndervalued {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}
