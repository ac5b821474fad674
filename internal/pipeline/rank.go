package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/jongan69/trading-api/internal/aggregate"
	"github.com/jongan69/trading-api/internal/model"
	tracing "github.com/jongan69/trading-api/internal/otel"
	"github.com/jongan69/trading-api/internal/risk"
	"github.com/jongan69/trading-api/internal/validation"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MetricsRequest parameterizes single-symbol metrics and ranking. A nil TargetReturn uses the
// risk-free rate.
type MetricsRequest struct {
	Range          string
	RiskFreeRate   float64
	TargetReturn   *float64
	PeriodsPerYear int
	Weights        model.CompositeWeights
}

// DefaultMetricsRequest returns daily bars over three months at a 3% risk-free rate.
func DefaultMetricsRequest() MetricsRequest {
	return MetricsRequest{
		Range:          DefaultRange,
		RiskFreeRate:   0.03,
		PeriodsPerYear: risk.DefaultPeriodsPerYear,
		Weights:        model.DefaultCompositeWeights(),
	}
}

// SymbolMetrics computes risk metrics for one symbol from its price history.
func (e *Engine) SymbolMetrics(ctx context.Context, symbol string, req MetricsRequest) (model.MetricsResult, error) {
	symbol = model.NormalizeSymbol(symbol)
	if req.Range == "" {
		req.Range = DefaultRange
	}

	prices, err := e.opts.History.FetchPrices(ctx, symbol, req.Range)
	if err != nil {
		return model.MetricsResult{}, fmt.Errorf("price history for %s: %w", symbol, err)
	}
	// fewer than two prices yields zero metrics, not an error
	prices = validation.FilterPrices(prices)

	target := req.RiskFreeRate
	if req.TargetReturn != nil {
		target = *req.TargetReturn
	}
	return risk.MetricsForPrices(prices, req.RiskFreeRate, target, req.PeriodsPerYear, req.Weights), nil
}

// RankSymbols computes metrics for every symbol concurrently and orders them by composite score,
// highest first. Symbols that fail carry their error and sort last in input order.
func (e *Engine) RankSymbols(ctx context.Context, symbols []string, req MetricsRequest) ([]model.SymbolMetrics, error) {
	if len(symbols) == 0 {
		return nil, validation.ErrNoSymbols
	}

	ctx, span := tracing.Tracer().Start(ctx, "pipeline.RankSymbols", trace.WithAttributes(
		attribute.Int("symbols", len(symbols)),
	))
	defer span.End()

	outcomes := aggregate.Gather(ctx, symbols, e.opts.Concurrency, func(ctx context.Context, sym string) (model.MetricsResult, error) {
		return e.SymbolMetrics(ctx, sym, req)
	})

	rows := make([]model.SymbolMetrics, len(symbols))
	for i, o := range outcomes {
		rows[i].Symbol = model.NormalizeSymbol(symbols[i])
		if o.Err != nil {
			logrus.WithFields(logrus.Fields{
				"symbol": rows[i].Symbol,
				"error":  o.Err,
			}).Warn("Failed to compute symbol metrics")
			rows[i].Error = o.Err.Error()
			continue
		}
		m := o.Value
		rows[i].Metrics = &m
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].Metrics, rows[j].Metrics
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.CompositeScore > b.CompositeScore
		}
	})
	return rows, nil
}
