package main

import (
	"context"
	"encoding/json"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jongan69/trading-api/internal/config"
	tracing "github.com/jongan69/trading-api/internal/otel"
	"github.com/jongan69/trading-api/internal/pipeline"
	"github.com/jongan69/trading-api/internal/validation"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagRange          string
	flagInterval       string
	flagRiskFree       float64
	flagTarget         float64
	flagOptionType     string
	flagLimit          int
	flagMinUnderlying  float64
	flagMinUndervalued float64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var metricsCmd = &cobra.Command{
	Use:   "metrics SYMBOL",
	Short: "Print risk metrics for one symbol",
	Args:  cobra.ExactArgs(1),
	RunE:  runMetrics,
}

var rankCmd = &cobra.Command{
	Use:   "rank SYMBOL...",
	Short: "Rank symbols by composite score",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRank,
}

var hoiCmd = &cobra.Command{
	Use:   "hoi TICKER...",
	Short: "Print the highest open interest short-term and LEAP contracts",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runHighOpenInterest,
}

var trendingCmd = &cobra.Command{
	Use:   "trending",
	Short: "Analyze trending tickers and their options",
	Args:  cobra.NoArgs,
	RunE:  runTrending,
}

func init() {
	for _, c := range []*cobra.Command{metricsCmd, rankCmd, trendingCmd} {
		c.Flags().StringVar(&flagRange, "range", pipeline.DefaultRange, "price history range (1mo, 3mo, 6mo, 1y, 2y, 5y)")
		c.Flags().StringVar(&flagInterval, "interval", "1d", "bar interval used to annualize (1d, 1wk, 1mo)")
		c.Flags().Float64Var(&flagRiskFree, "rf", 0.03, "annual risk-free rate")
	}
	for _, c := range []*cobra.Command{metricsCmd, rankCmd} {
		c.Flags().Float64Var(&flagTarget, "target", 0, "annual target return for Sortino (defaults to --rf)")
	}
	for _, c := range []*cobra.Command{hoiCmd, trendingCmd} {
		c.Flags().StringVar(&flagOptionType, "option-type", "call", "call or put")
	}
	trendingCmd.Flags().IntVar(&flagLimit, "limit", pipeline.DefaultLimit, "maximum results")
	trendingCmd.Flags().Float64Var(&flagMinUnderlying, "min-underlying", 0, "minimum underlying composite score")
	trendingCmd.Flags().Float64Var(&flagMinUndervalued, "min-undervalued", 0, "minimum undervalued score")
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Warn("Option contract routes will fail until credentials are set")
	}

	shutdown := tracing.InitTracer(cfg.OtelEndpoint)
	defer shutdown()

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	a.sweeper.Start()
	defer a.sweeper.Stop()

	ctx, stop := signalContext()
	defer stop()
	return NewServer(cfg, a).Start(ctx)
}

func metricsRequestFromFlags(cmd *cobra.Command) (pipeline.MetricsRequest, error) {
	req := pipeline.DefaultMetricsRequest()
	req.Range = flagRange
	req.RiskFreeRate = flagRiskFree
	req.PeriodsPerYear = validation.PeriodsPerYear(flagInterval)
	if cmd.Flags().Changed("target") {
		target := flagTarget
		req.TargetReturn = &target
	}
	if err := validation.ValidateRate("rf", req.RiskFreeRate); err != nil {
		return req, err
	}
	return req, nil
}

func runMetrics(cmd *cobra.Command, args []string) error {
	req, err := metricsRequestFromFlags(cmd)
	if err != nil {
		return err
	}
	a, err := buildApp(config.Load())
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	m, err := a.engine.SymbolMetrics(ctx, args[0], req)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]interface{}{"symbol": args[0], "metrics": m})
}

func runRank(cmd *cobra.Command, args []string) error {
	req, err := metricsRequestFromFlags(cmd)
	if err != nil {
		return err
	}
	symbols := validation.ParseSymbolsCSV(strings.Join(args, ","))
	a, err := buildApp(config.Load())
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	rows, err := a.engine.RankSymbols(ctx, symbols, req)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]interface{}{"results": rows})
}

func runHighOpenInterest(cmd *cobra.Command, args []string) error {
	side, err := validation.ParseSide(flagOptionType)
	if err != nil {
		return err
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	results, err := a.selector.SelectBatch(ctx, validation.ParseSymbolsCSV(strings.Join(args, ",")), side)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), results)
}

func runTrending(cmd *cobra.Command, args []string) error {
	side, err := validation.ParseSide(flagOptionType)
	if err != nil {
		return err
	}
	if err := validation.ValidateRate("rf", flagRiskFree); err != nil {
		return err
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	req := pipeline.DefaultRequest()
	req.Side = side
	req.Range = flagRange
	req.RiskFreeRate = flagRiskFree
	req.PeriodsPerYear = validation.PeriodsPerYear(flagInterval)
	req.Limit = flagLimit
	if cmd.Flags().Changed("min-underlying") {
		v := flagMinUnderlying
		req.MinUnderlyingScore = &v
	}
	if cmd.Flags().Changed("min-undervalued") {
		v := flagMinUndervalued
		req.MinUndervaluedScore = &v
	}

	resp, err := a.engine.AnalyzeTrending(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
