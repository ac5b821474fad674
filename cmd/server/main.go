// Package main is the entry point for the trading API: an HTTP service and CLI that rank
// trending equities by risk-adjusted performance and surface their most actively held options.
package main

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "trading-api",
	Short: "Risk metrics and options scoring for trending equities",
	Long: `trading-api computes risk-adjusted performance metrics from price history, finds the
highest open interest option contracts per ticker and ranks trending tickers by both.
Run "serve" for the HTTP API or use the one-shot commands to print JSON.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, metricsCmd, rankCmd, hoiCmd, trendingCmd)
}

// main is the entry point for the application
func main() {
	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("Failed to load .env file")
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	// CLI output goes to stdout, keep logs off it
	logrus.SetOutput(os.Stderr)
	logrus.Debug("Logging configured")
}
