package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jongan69/trading-api/internal/cache"
	"github.com/jongan69/trading-api/internal/circuitbreaker"
	"github.com/jongan69/trading-api/internal/config"
	"github.com/jongan69/trading-api/internal/fetch"
	"github.com/jongan69/trading-api/internal/model"
	"github.com/jongan69/trading-api/internal/pipeline"
	"github.com/jongan69/trading-api/internal/selector"
	"github.com/jongan69/trading-api/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const version = "1.0.0"

// contractSelector is the high open interest surface the server exposes.
type contractSelector interface {
	Select(ctx context.Context, ticker string, side model.OptionSide) model.HighOpenInterestResult
	SelectBatch(ctx context.Context, tickers []string, side model.OptionSide) ([]model.TickerContracts, error)
}

// Server represents the HTTP API instance
type Server struct {
	cfg      config.Config
	engine   *pipeline.Engine
	selector contractSelector
	store    *cache.Store
	breakers []*circuitbreaker.CircuitBreaker

	registry  *prometheus.Registry
	metrics   *serverMetrics
	rateLimit *rate.Limiter

	router  chi.Router
	server  *http.Server
	started time.Time
}

// NewServer creates a server around a wired application
func NewServer(cfg config.Config, a *app) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   a.engine,
		selector: a.selector,
		store:    a.store,
		breakers: a.breakers,
		registry: a.registry,
		metrics:  a.metrics,
		started:  time.Now(),
	}

	if cfg.RateLimitEnabled {
		s.rateLimit = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
		logrus.Infof("Rate limiting initialized: %v req/s, burst: %d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	s.router = s.routes()

	logrus.WithFields(logrus.Fields{
		"port":         cfg.Port,
		"rate_limit":   cfg.RateLimitEnabled,
		"breakers":     len(s.breakers),
		"cache_sweep":  cfg.CacheSweepInterval,
		"batch_delay":  cfg.BatchDelay,
		"discover_max": cfg.DiscoveryLimit,
	}).Info("Server initialized")

	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.limit)

		r.Get("/metrics/yahoo", s.handleSymbolMetrics)
		r.Get("/rank/yahoo", s.handleRank)
		r.Get("/trending-options", s.handleTrendingOptions)
		r.Get("/high-open-interest/batch", s.handleHighOpenInterestBatch)
		r.Get("/high-open-interest/{ticker}", s.handleHighOpenInterest)
	})

	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 150 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Server starting on port %s", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logrus.Info("Server stopped")
	return nil
}

// observe logs and measures every request by its route pattern
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		if s.metrics != nil {
			s.metrics.requestCounter.WithLabelValues(route, strconv.Itoa(status)).Inc()
			s.metrics.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		}
		logrus.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     status,
			"duration":   elapsed,
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("Request handled")
	})
}

// limit rejects requests beyond the configured inbound rate
func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimit != nil && !s.rateLimit.Allow() {
			s.errorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	breakers := make(map[string]circuitbreaker.State, len(s.breakers))
	for _, b := range s.breakers {
		breakers[b.Name()] = b.GetState()
	}

	status := map[string]interface{}{
		"status":   "operational",
		"uptime":   time.Since(s.started).String(),
		"version":  version,
		"breakers": breakers,
		"configuration": map[string]interface{}{
			"rate_limit":         s.cfg.RateLimitEnabled,
			"cache_coalesce":     s.cfg.CacheCoalesce,
			"cache_sweep":        s.cfg.CacheSweepInterval.String(),
			"discovery_limit":    s.cfg.DiscoveryLimit,
			"reddit_discovery":   s.cfg.RedditEnabled(),
			"alpaca_credentials": s.cfg.Validate() == nil,
		},
	}
	if s.store != nil {
		status["cache"] = s.store.Stats()
	}
	writeJSON(w, http.StatusOK, status)
}

// metricsRequestFromQuery reads the shared range/interval/rate parameters
func metricsRequestFromQuery(r *http.Request) (pipeline.MetricsRequest, error) {
	q := r.URL.Query()
	req := pipeline.DefaultMetricsRequest()
	req.Range = queryString(q, "range", pipeline.DefaultRange)

	var err error
	if req.RiskFreeRate, err = queryFloat(q, "rf_annual", req.RiskFreeRate); err != nil {
		return req, err
	}
	if err := validation.ValidateRate("rf_annual", req.RiskFreeRate); err != nil {
		return req, badRequest("%v", err)
	}
	if req.TargetReturn, err = queryOptionalFloat(q, "target_return_annual"); err != nil {
		return req, err
	}
	if req.TargetReturn != nil {
		if err := validation.ValidateRate("target_return_annual", *req.TargetReturn); err != nil {
			return req, badRequest("%v", err)
		}
	}
	interval := queryString(q, "interval", "1d")
	if req.PeriodsPerYear, err = queryPositiveInt(q, "periods_per_year", validation.PeriodsPerYear(interval)); err != nil {
		return req, err
	}
	if req.Weights, err = weightsFromQuery(q); err != nil {
		return req, err
	}
	return req, nil
}

func weightsFromQuery(q url.Values) (model.CompositeWeights, error) {
	w := model.DefaultCompositeWeights()
	var err error
	if w.Sharpe, err = queryFloat(q, "sharpe_w", w.Sharpe); err != nil {
		return w, err
	}
	if w.Sortino, err = queryFloat(q, "sortino_w", w.Sortino); err != nil {
		return w, err
	}
	if w.Calmar, err = queryFloat(q, "calmar_w", w.Calmar); err != nil {
		return w, err
	}
	if err := validation.ValidateWeights(w); err != nil {
		return w, badRequest("%v", err)
	}
	return w, nil
}

// handleSymbolMetrics serves risk metrics for exactly one symbol
func (s *Server) handleSymbolMetrics(w http.ResponseWriter, r *http.Request) {
	symbols := validation.ParseSymbolsCSV(r.URL.Query().Get("symbols"))
	if len(symbols) != 1 {
		s.errorResponse(w, http.StatusBadRequest, "provide exactly one symbol via ?symbols=")
		return
	}
	req, err := metricsRequestFromQuery(r)
	if err != nil {
		s.apiError(w, err)
		return
	}

	m, err := s.engine.SymbolMetrics(r.Context(), symbols[0], req)
	if err != nil {
		s.apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.SymbolMetrics{Symbol: symbols[0], Metrics: &m})
}

// handleRank ranks several symbols by composite score
func (s *Server) handleRank(w http.ResponseWriter, r *http.Request) {
	symbols := validation.ParseSymbolsCSV(r.URL.Query().Get("symbols"))
	req, err := metricsRequestFromQuery(r)
	if err != nil {
		s.apiError(w, err)
		return
	}

	rows, err := s.engine.RankSymbols(r.Context(), symbols, req)
	if err != nil {
		s.apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": rows})
}

// handleTrendingOptions runs the full trending analysis
func (s *Server) handleTrendingOptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := pipeline.DefaultRequest()

	side, err := validation.ParseSide(q.Get("option_type"))
	if err != nil {
		s.apiError(w, badRequest("%v", err))
		return
	}
	req.Side = side
	req.Range = queryString(q, "range", pipeline.DefaultRange)
	req.PeriodsPerYear = validation.PeriodsPerYear(queryString(q, "interval", "1d"))

	if req.RiskFreeRate, err = queryFloat(q, "rf_annual", req.RiskFreeRate); err != nil {
		s.apiError(w, err)
		return
	}
	if err := validation.ValidateRate("rf_annual", req.RiskFreeRate); err != nil {
		s.apiError(w, badRequest("%v", err))
		return
	}
	if req.Weights, err = weightsFromQuery(q); err != nil {
		s.apiError(w, err)
		return
	}
	if req.Limit, err = queryPositiveInt(q, "limit", pipeline.DefaultLimit); err != nil {
		s.apiError(w, err)
		return
	}
	if req.MinUnderlyingScore, err = queryOptionalFloat(q, "min_underlying_score"); err != nil {
		s.apiError(w, err)
		return
	}
	if req.MinUndervaluedScore, err = queryOptionalFloat(q, "min_undervalued_score"); err != nil {
		s.apiError(w, err)
		return
	}

	resp, err := s.engine.AnalyzeTrending(r.Context(), req)
	if err != nil {
		s.apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHighOpenInterest selects contracts for one ticker; upstream problems are reported in
// the result rather than as an HTTP error
func (s *Server) handleHighOpenInterest(w http.ResponseWriter, r *http.Request) {
	ticker := model.NormalizeSymbol(chi.URLParam(r, "ticker"))
	if ticker == "" {
		s.errorResponse(w, http.StatusBadRequest, "ticker is required")
		return
	}
	side, err := validation.ParseSide(r.URL.Query().Get("option_type"))
	if err != nil {
		s.apiError(w, badRequest("%v", err))
		return
	}

	writeJSON(w, http.StatusOK, model.TickerContracts{
		Ticker: ticker,
		Result: s.selector.Select(r.Context(), ticker, side),
	})
}

// handleHighOpenInterestBatch selects contracts for a comma-separated ticker list
func (s *Server) handleHighOpenInterestBatch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	side, err := validation.ParseSide(q.Get("option_type"))
	if err != nil {
		s.apiError(w, badRequest("%v", err))
		return
	}

	results, err := s.selector.SelectBatch(r.Context(), validation.ParseSymbolsCSV(q.Get("tickers")), side)
	if err != nil {
		s.apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// apiError maps an error onto a status code and writes it
func (s *Server) apiError(w http.ResponseWriter, err error) {
	var bad *badRequestError
	switch {
	case errors.As(err, &bad),
		errors.Is(err, validation.ErrNoSymbols),
		errors.Is(err, validation.ErrInvalidSide),
		errors.Is(err, selector.ErrEmptyBatch):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrNoTickers),
		errors.Is(err, pipeline.ErrInsufficientData),
		errors.Is(err, fetch.ErrNoData):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case fetch.StatusCode(err) == http.StatusTooManyRequests:
		s.errorResponse(w, http.StatusTooManyRequests, err.Error())
	case fetch.StatusCode(err) != 0, errors.Is(err, circuitbreaker.ErrOpen):
		s.errorResponse(w, http.StatusBadGateway, err.Error())
	default:
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

// errorResponse returns a formatted JSON error
func (s *Server) errorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	if statusCode >= http.StatusInternalServerError {
		logrus.Error(errorMsg)
	} else {
		logrus.Warn(errorMsg)
	}
	writeJSON(w, statusCode, map[string]string{"error": errorMsg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to encode response")
	}
}
