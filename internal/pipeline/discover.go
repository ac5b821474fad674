package pipeline

import (
	"context"

	"github.com/jongan69/trading-api/internal/aggregate"
	"github.com/jongan69/trading-api/internal/fetch"
	"github.com/jongan69/trading-api/internal/model"
	"github.com/jongan69/trading-api/internal/validation"
	"github.com/sirupsen/logrus"
)

// Discover asks every source for trending symbols concurrently and merges the answers in source
// order, keeping the first occurrence of each symbol. Failing sources are skipped. Names that are
// not plain equity tickers are dropped.
func (e *Engine) Discover(ctx context.Context) ([]string, error) {
	lists := aggregate.Gather(ctx, e.opts.Sources, 0, func(ctx context.Context, src fetch.TrendingSource) ([]string, error) {
		return src.Discover(ctx, e.opts.DiscoveryLimit)
	})

	seen := make(map[string]struct{})
	var merged []string
	for i, l := range lists {
		name := e.opts.Sources[i].Name()
		if l.Err != nil {
			logrus.WithFields(logrus.Fields{
				"provider": name,
				"error":    l.Err,
			}).Warn("Trending source failed")
			continue
		}
		added := 0
		for _, raw := range l.Value {
			sym := model.NormalizeSymbol(raw)
			if !validation.IsEquitySymbol(sym) {
				continue
			}
			if _, dup := seen[sym]; dup {
				continue
			}
			seen[sym] = struct{}{}
			merged = append(merged, sym)
			added++
		}
		logrus.WithFields(logrus.Fields{
			"provider": name,
			"returned": len(l.Value),
			"added":    added,
		}).Debug("Trending source merged")
	}

	if len(merged) == 0 {
		return nil, ErrNoTickers
	}
	return merged, nil
}
