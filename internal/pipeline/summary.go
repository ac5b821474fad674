package pipeline

import (
	"github.com/jongan69/trading-api/internal/aggregate"
	"github.com/jongan69/trading-api/internal/model"
)

// Summarize computes counts, score averages and top-5 lists over records. Undervalued statistics
// only consider records with at least one scored contract.
func Summarize(records []model.TickerRecord) model.Summary {
	underlying := make([]float64, 0, len(records))
	var withOptions []model.TickerRecord
	var undervalued []float64
	for _, r := range records {
		underlying = append(underlying, r.Metrics.CompositeScore)
		if len(r.Options) > 0 {
			withOptions = append(withOptions, r)
			undervalued = append(undervalued, r.MaxUndervaluedScore())
		}
	}

	symbol := func(r model.TickerRecord) string { return r.Symbol }

	return model.Summary{
		TotalAnalyzed:           len(records),
		TotalWithOptions:        len(withOptions),
		AverageUnderlyingScore:  aggregate.Mean(underlying),
		MedianUnderlyingScore:   aggregate.Median(underlying),
		AverageUndervaluedScore: aggregate.Mean(undervalued),
		TopUnderlyingTickers: aggregate.TopN(records, topTickers,
			func(r model.TickerRecord) float64 { return r.Metrics.CompositeScore }, symbol),
		TopUndervaluedTickers: aggregate.TopN(withOptions, topTickers,
			model.TickerRecord.MaxUndervaluedScore, symbol),
	}
}
