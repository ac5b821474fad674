package main

import (
	"github.com/jongan69/trading-api/internal/cache"
	"github.com/jongan69/trading-api/internal/circuitbreaker"
	"github.com/jongan69/trading-api/internal/config"
	"github.com/jongan69/trading-api/internal/fetch"
	"github.com/jongan69/trading-api/internal/pipeline"
	"github.com/jongan69/trading-api/internal/selector"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// app is the fully wired object graph shared by the server and the one-shot commands.
type app struct {
	store    *cache.Store
	sweeper  *cache.Sweeper
	engine   *pipeline.Engine
	selector contractSelector
	breakers []*circuitbreaker.CircuitBreaker
	registry *prometheus.Registry
	metrics  *serverMetrics
}

// buildApp creates upstream clients, the shared cache and the analysis engine from cfg.
func buildApp(cfg config.Config) (*app, error) {
	a := &app{
		store:    cache.New(cache.Options{Coalesce: cfg.CacheCoalesce}),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	a.metrics = registerMetrics(a.registry, a.store)

	clientOpts := fetch.ClientOptionsFromConfig(cfg)
	upstream := func(name string) *fetch.Upstream {
		b := circuitbreaker.New(name, circuitbreaker.Thresholds{
			MaxConsecutiveFailures: cfg.CircuitFailureThreshold,
		}).
			WithResetDelay(cfg.CircuitResetDelay).
			WithTripCallback(a.metrics.onTrip)
		a.breakers = append(a.breakers, b)

		return fetch.NewUpstream(name, clientOpts, b).
			WithRateLimit(cfg.UpstreamRPS, cfg.UpstreamConcurrency).
			WithConcurrency(cfg.UpstreamConcurrency).
			WithErrorHook(a.metrics.onProviderError)
	}

	yahoo := fetch.NewYahooClient(cfg.YahooURL, upstream("yahoo"))
	alpaca := fetch.NewAlpacaClient(fetch.AlpacaOptions{
		TradingURL: cfg.AlpacaTradingURL,
		DataURL:    cfg.AlpacaDataURL,
		Feed:       cfg.AlpacaFeed,
		KeyID:      cfg.AlpacaKeyID,
		SecretKey:  cfg.AlpacaSecretKey,
	}, upstream("alpaca"))

	finviz := fetch.NewFinvizScreener(cfg.FinvizURL, upstream("finviz"))
	var reddit fetch.TrendingSource
	if cfg.RedditEnabled() {
		reddit = fetch.NewRedditClient(fetch.RedditOptions{
			ClientID:     cfg.RedditClientID,
			ClientSecret: cfg.RedditClientSecret,
			Subreddits:   cfg.RedditSubreddits,
		}, upstream("reddit"))
	} else {
		logrus.Info("Reddit credentials not set, skipping Reddit discovery")
	}
	sources := discoverySources(yahoo, finviz, reddit)
	a.metrics.watchBreakers(a.registry, a.breakers)

	history := fetch.NewCachedPriceHistory(yahoo, a.store)
	contracts := fetch.NewCachedContracts(alpaca, a.store)

	selOpts := selector.DefaultOptions()
	selOpts.BatchDelay = cfg.BatchDelay
	sel := selector.New(contracts, alpaca, selOpts)
	a.selector = sel

	a.engine = pipeline.New(pipeline.Options{
		Sources:        sources,
		History:        history,
		Selector:       sel,
		DiscoveryLimit: cfg.DiscoveryLimit,
		OnRun:          a.metrics.observeRun,
	})

	sweeper, err := cache.NewSweeper(a.store, cfg.CacheSweepInterval)
	if err != nil {
		return nil, err
	}
	a.sweeper = sweeper

	return a, nil
}

// discoverySources lists the trending sources in priority order: Finviz, Yahoo, then Reddit when
// configured. The first source to report a ticker decides its position in the run.
func discoverySources(yahoo, finviz, reddit fetch.TrendingSource) []fetch.TrendingSource {
	sources := []fetch.TrendingSource{finviz, yahoo}
	if reddit != nil {
		sources = append(sources, reddit)
	}
	return sources
}
