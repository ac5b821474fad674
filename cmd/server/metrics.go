package main

import (
	"errors"
	"strconv"

	"github.com/jongan69/trading-api/internal/cache"
	"github.com/jongan69/trading-api/internal/circuitbreaker"
	"github.com/jongan69/trading-api/internal/fetch"
	"github.com/jongan69/trading-api/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
)

// serverMetrics holds Prometheus metrics for the server
type serverMetrics struct {
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	providerErrors  *prometheus.CounterVec
	circuitTrips    *prometheus.CounterVec
	tickerCount     *prometheus.GaugeVec
	runDuration     prometheus.Histogram
}

// registerMetrics sets up Prometheus metrics collection, including read-only views over the
// cache counters.
func registerMetrics(reg prometheus.Registerer, store *cache.Store) *serverMetrics {
	m := &serverMetrics{
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trading_requests_total",
				Help: "Total number of requests processed",
			},
			[]string{"route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trading_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trading_provider_errors_total",
				Help: "Total number of upstream provider errors",
			},
			[]string{"provider", "reason"},
		),
		circuitTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trading_circuit_breaker_trips_total",
				Help: "Number of times a provider circuit breaker opened",
			},
			[]string{"provider"},
		),
		tickerCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trading_trending_tickers",
				Help: "Tickers seen by the last trending run, by stage",
			},
			[]string{"stage"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trading_trending_run_duration_seconds",
				Help:    "Trending analysis duration in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
			},
		),
	}

	reg.MustRegister(
		m.requestCounter,
		m.requestDuration,
		m.providerErrors,
		m.circuitTrips,
		m.tickerCount,
		m.runDuration,
	)

	if store != nil {
		reg.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "trading_cache_hits_total",
				Help: "Cache lookups answered from a live entry",
			}, func() float64 { return float64(store.Stats().Hits) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "trading_cache_misses_total",
				Help: "Cache lookups that found no live entry",
			}, func() float64 { return float64(store.Stats().Misses) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "trading_cache_evictions_total",
				Help: "Expired cache entries removed",
			}, func() float64 { return float64(store.Stats().Evicted) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "trading_cache_entries",
				Help: "Entries currently held, including expired ones not yet swept",
			}, func() float64 { return float64(store.Len()) }),
		)
	}

	return m
}

// watchBreakers exports each breaker's state (0=closed, 1=open, 2=half-open).
func (m *serverMetrics) watchBreakers(reg prometheus.Registerer, breakers []*circuitbreaker.CircuitBreaker) {
	for _, b := range breakers {
		b := b
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "trading_circuit_breaker_state",
			Help:        "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			ConstLabels: prometheus.Labels{"provider": b.Name()},
		}, func() float64 { return float64(b.GetState()) }))
	}
}

// onTrip is installed as every breaker's trip callback.
func (m *serverMetrics) onTrip(provider, _ string) {
	m.circuitTrips.WithLabelValues(provider).Inc()
}

// onProviderError is installed as every upstream's error hook.
func (m *serverMetrics) onProviderError(provider string, err error) {
	m.providerErrors.WithLabelValues(provider, errorReason(err)).Inc()
}

// observeRun records the outcome of a trending run.
func (m *serverMetrics) observeRun(stats pipeline.RunStats) {
	m.tickerCount.WithLabelValues("discovered").Set(float64(stats.Discovered))
	m.tickerCount.WithLabelValues("analyzed").Set(float64(stats.Analyzed))
	m.tickerCount.WithLabelValues("returned").Set(float64(stats.Returned))
	m.runDuration.Observe(stats.Duration.Seconds())
}

func errorReason(err error) string {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return "circuit_open"
	}
	if code := fetch.StatusCode(err); code != 0 {
		return "status_" + strconv.Itoa(code)
	}
	return "transport"
}
