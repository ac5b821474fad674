package fetch

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/jongan69/trading-api/internal/model"
	"github.com/sirupsen/logrus"
)

// rangeDays maps lookback labels to calendar days.
var rangeDays = map[string]int{
	"1mo": 30,
	"3mo": 90,
	"6mo": 180,
	"1y":  365,
	"2y":  730,
	"5y":  1825,
}

// RangeDays returns the calendar days covered by a lookback label. Unknown labels fall back to
// the shortest window.
func RangeDays(label string) int {
	if d, ok := rangeDays[strings.ToLower(strings.TrimSpace(label))]; ok {
		return d
	}
	return 30
}

// latestCloseWindow covers weekends and holidays when looking up the last close.
const latestCloseWindow = 10 * 24 * time.Hour

// YahooClient reads daily closes and the trending list from Yahoo Finance.
type YahooClient struct {
	baseURL string
	region  string
	up      *Upstream
	now     func() time.Time
}

// NewYahooClient creates a client against baseURL, e.g. https://query1.finance.yahoo.com.
func NewYahooClient(baseURL string, up *Upstream) *YahooClient {
	return &YahooClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		region:  "US",
		up:      up,
		now:     time.Now,
	}
}

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string   `json:"symbol"`
				RegularMarketPrice *float64 `json:"regularMarketPrice"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

type yahooTrendingResponse struct {
	Finance struct {
		Result []struct {
			Quotes []struct {
				Symbol string `json:"symbol"`
			} `json:"quotes"`
		} `json:"result"`
	} `json:"finance"`
}

// FetchPrices implements PriceHistory.
func (c *YahooClient) FetchPrices(ctx context.Context, symbol, rangeLabel string) ([]float64, error) {
	end := c.now().UTC()
	start := end.AddDate(0, 0, -RangeDays(rangeLabel))
	closes, err := c.closes(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"symbol": symbol,
		"range":  rangeLabel,
		"points": len(closes),
	}).Debug("Fetched price history")
	return closes, nil
}

// LatestClose implements PriceHistory.
func (c *YahooClient) LatestClose(ctx context.Context, symbol string) (float64, error) {
	end := c.now().UTC()
	closes, err := c.closes(ctx, symbol, end.Add(-latestCloseWindow), end)
	if err != nil {
		return 0, err
	}
	return closes[len(closes)-1], nil
}

func (c *YahooClient) closes(ctx context.Context, symbol string, start, end time.Time) ([]float64, error) {
	q := url.Values{}
	q.Set("period1", fmt.Sprint(start.Unix()))
	q.Set("period2", fmt.Sprint(end.Unix()))
	q.Set("interval", "1d")
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?%s", c.baseURL, url.PathEscape(symbol), q.Encode())

	var resp yahooChartResponse
	if err := c.up.getJSON(ctx, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("yahoo chart %s: %w", symbol, err)
	}
	if resp.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo chart %s: %s: %s", symbol, resp.Chart.Error.Code, resp.Chart.Error.Description)
	}
	if len(resp.Chart.Result) == 0 || len(resp.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("yahoo chart %s: %w", symbol, ErrNoData)
	}

	raw := resp.Chart.Result[0].Indicators.Quote[0].Close
	closes := make([]float64, 0, len(raw))
	for _, p := range raw {
		if p == nil || math.IsNaN(*p) || math.IsInf(*p, 0) {
			continue
		}
		closes = append(closes, *p)
	}
	if len(closes) == 0 {
		return nil, fmt.Errorf("yahoo chart %s: %w", symbol, ErrNoData)
	}
	return closes, nil
}

// Name implements TrendingSource.
func (c *YahooClient) Name() string {
	return "yahoo"
}

// Discover implements TrendingSource using the regional trending list.
func (c *YahooClient) Discover(ctx context.Context, limit int) ([]string, error) {
	endpoint := fmt.Sprintf("%s/v1/finance/trending/%s?count=%d", c.baseURL, c.region, limit)

	var resp yahooTrendingResponse
	if err := c.up.getJSON(ctx, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("yahoo trending: %w", err)
	}

	var symbols []string
	for _, r := range resp.Finance.Result {
		for _, q := range r.Quotes {
			if s := model.NormalizeSymbol(q.Symbol); s != "" {
				symbols = append(symbols, s)
			}
		}
	}
	return truncate(symbols, limit), nil
}

func truncate(symbols []string, limit int) []string {
	if limit > 0 && len(symbols) > limit {
		return symbols[:limit]
	}
	return symbols
}
