package fetch

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jongan69/trading-api/internal/model"
)

var tickerPattern = regexp.MustCompile(`^[A-Z]{1,5}$`)

// FinvizScreener scrapes tickers from a Finviz screener page.
type FinvizScreener struct {
	pageURL string
	up      *Upstream
}

// NewFinvizScreener creates a scraper for pageURL, typically the top-gainers screener.
func NewFinvizScreener(pageURL string, up *Upstream) *FinvizScreener {
	return &FinvizScreener{pageURL: pageURL, up: up}
}

// Name implements TrendingSource.
func (f *FinvizScreener) Name() string {
	return "finviz"
}

// Discover implements TrendingSource. Tickers are returned in page order.
func (f *FinvizScreener) Discover(ctx context.Context, limit int) ([]string, error) {
	var symbols []string
	err := f.up.get(ctx, f.pageURL, nil, func(r io.Reader) error {
		doc, err := goquery.NewDocumentFromReader(r)
		if err != nil {
			return fmt.Errorf("finviz: parse page: %w", err)
		}
		symbols = extractScreenerTickers(doc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finviz screener: %w", err)
	}
	return truncate(symbols, limit), nil
}

// extractScreenerTickers reads quote links, keeping the first occurrence of each ticker.
func extractScreenerTickers(doc *goquery.Document) []string {
	seen := make(map[string]struct{})
	var symbols []string
	doc.Find("a[href*='quote.ashx']").Each(func(_ int, s *goquery.Selection) {
		sym := model.NormalizeSymbol(s.Text())
		if !tickerPattern.MatchString(sym) {
			return
		}
		if _, dup := seen[sym]; dup {
			return
		}
		seen[sym] = struct{}{}
		symbols = append(symbols, sym)
	})
	return symbols
}

// isTicker reports whether s looks like a plain equity ticker.
func isTicker(s string) bool {
	return tickerPattern.MatchString(strings.TrimSpace(s))
}
