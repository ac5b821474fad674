package fetch

import (
	"context"
	"slices"

	"github.com/jongan69/trading-api/internal/cache"
	"github.com/jongan69/trading-api/internal/model"
)

// Cache TTLs for values without a lookback label.
const (
	spotTTL      = cache.ShortTTL
	contractsTTL = cache.ShortTTL
)

// CachedPriceHistory reads through a cache.Store in front of another PriceHistory.
type CachedPriceHistory struct {
	next  PriceHistory
	store *cache.Store
}

// NewCachedPriceHistory wraps next.
func NewCachedPriceHistory(next PriceHistory, store *cache.Store) *CachedPriceHistory {
	return &CachedPriceHistory{next: next, store: store}
}

// FetchPrices implements PriceHistory.
func (c *CachedPriceHistory) FetchPrices(ctx context.Context, symbol, rangeLabel string) ([]float64, error) {
	key := cache.Key("yahoo_prices", cache.P("symbol", symbol), cache.P("range", rangeLabel))
	return cache.Remember(ctx, c.store, key, cache.TTLForRange(rangeLabel), slices.Clone[[]float64],
		func(ctx context.Context) ([]float64, error) {
			return c.next.FetchPrices(ctx, symbol, rangeLabel)
		})
}

// LatestClose implements PriceHistory.
func (c *CachedPriceHistory) LatestClose(ctx context.Context, symbol string) (float64, error) {
	key := cache.Key("yahoo_spot", cache.P("symbol", symbol))
	return cache.Remember(ctx, c.store, key, spotTTL, nil,
		func(ctx context.Context) (float64, error) {
			return c.next.LatestClose(ctx, symbol)
		})
}

// CachedContracts reads through a cache.Store in front of another Contracts.
type CachedContracts struct {
	next  Contracts
	store *cache.Store
}

// NewCachedContracts wraps next.
func NewCachedContracts(next Contracts, store *cache.Store) *CachedContracts {
	return &CachedContracts{next: next, store: store}
}

// ListContracts implements Contracts.
func (c *CachedContracts) ListContracts(ctx context.Context, q ContractQuery) ([]model.OptionContract, error) {
	key := cache.Key("alpaca_contracts",
		cache.P("underlying", q.Underlying),
		cache.P("type", string(q.Side)),
		cache.P("from", q.ExpirationFrom.Format(model.DateLayout)),
		cache.P("to", q.ExpirationTo.Format(model.DateLayout)),
	)
	return cache.Remember(ctx, c.store, key, contractsTTL, cloneContracts,
		func(ctx context.Context) ([]model.OptionContract, error) {
			return c.next.ListContracts(ctx, q)
		})
}

// cloneContracts deep-copies contracts including their optional fields.
func cloneContracts(in []model.OptionContract) []model.OptionContract {
	if in == nil {
		return nil
	}
	out := make([]model.OptionContract, len(in))
	for i, c := range in {
		out[i] = c
		out[i].OpenInterest = clonePtr(c.OpenInterest)
		out[i].ClosePrice = clonePtr(c.ClosePrice)
		out[i].Ask = clonePtr(c.Ask)
		out[i].Bid = clonePtr(c.Bid)
		out[i].LastPrice = clonePtr(c.LastPrice)
		out[i].ImpliedVol = clonePtr(c.ImpliedVol)
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

var (
	_ PriceHistory = (*CachedPriceHistory)(nil)
	_ Contracts    = (*CachedContracts)(nil)
	_ PriceHistory = (*YahooClient)(nil)
	_ Contracts    = (*AlpacaClient)(nil)
	_ Quotes       = (*AlpacaClient)(nil)

	_ TrendingSource = (*YahooClient)(nil)
	_ TrendingSource = (*FinvizScreener)(nil)
	_ TrendingSource = (*RedditClient)(nil)
)
