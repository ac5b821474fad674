package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/jongan69/trading-api/internal/model"
	"github.com/sirupsen/logrus"
)

// maxContractPages bounds pagination through a single listing.
const maxContractPages = 10

// AlpacaClient lists option contracts from the trading API and prices them from the market data
// API.
type AlpacaClient struct {
	tradingURL string
	dataURL    string
	feed       string
	header     http.Header
	up         *Upstream
}

// AlpacaOptions configures an AlpacaClient.
type AlpacaOptions struct {
	TradingURL string
	DataURL    string
	Feed       string
	KeyID      string
	SecretKey  string
}

// NewAlpacaClient creates a client sharing up for both APIs.
func NewAlpacaClient(opts AlpacaOptions, up *Upstream) *AlpacaClient {
	header := http.Header{}
	header.Set("APCA-API-KEY-ID", opts.KeyID)
	header.Set("APCA-API-SECRET-KEY", opts.SecretKey)
	header.Set("Accept", "application/json")
	return &AlpacaClient{
		tradingURL: strings.TrimRight(opts.TradingURL, "/"),
		dataURL:    strings.TrimRight(opts.DataURL, "/"),
		feed:       opts.Feed,
		header:     header,
		up:         up,
	}
}

// decimalString accepts a JSON number, a numeric string or null.
type decimalString struct {
	value float64
	set   bool
}

func (d *decimalString) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// unparseable values are treated as unreported
		return nil
	}
	d.value, d.set = v, true
	return nil
}

func (d decimalString) ptr() *float64 {
	if !d.set {
		return nil
	}
	v := d.value
	return &v
}

type alpacaContract struct {
	Symbol           string        `json:"symbol"`
	UnderlyingSymbol string        `json:"underlying_symbol"`
	Type             string        `json:"type"`
	StrikePrice      decimalString `json:"strike_price"`
	ExpirationDate   string        `json:"expiration_date"`
	OpenInterest     decimalString `json:"open_interest"`
	OpenInterestDate string        `json:"open_interest_date"`
	ClosePrice       decimalString `json:"close_price"`
	ClosePriceDate   string        `json:"close_price_date"`
}

type alpacaContractsResponse struct {
	OptionContracts []alpacaContract `json:"option_contracts"`
	NextPageToken   *string          `json:"next_page_token"`
}

type alpacaSnapshotsResponse struct {
	Snapshots map[string]struct {
		LatestQuote *struct {
			Ask float64 `json:"ap"`
			Bid float64 `json:"bp"`
		} `json:"latestQuote"`
		LatestTrade *struct {
			Price float64 `json:"p"`
		} `json:"latestTrade"`
		ImpliedVolatility *float64 `json:"impliedVolatility"`
	} `json:"snapshots"`
}

func (c alpacaContract) toModel() model.OptionContract {
	out := model.OptionContract{
		Symbol:           c.Symbol,
		Underlying:       c.UnderlyingSymbol,
		Type:             model.OptionSide(strings.ToLower(c.Type)),
		Strike:           c.StrikePrice.value,
		ExpirationDate:   c.ExpirationDate,
		OpenInterestDate: c.OpenInterestDate,
		ClosePrice:       c.ClosePrice.ptr(),
		ClosePriceDate:   c.ClosePriceDate,
	}
	if c.OpenInterest.set {
		oi := int64(c.OpenInterest.value)
		out.OpenInterest = &oi
	}
	return out
}

// ListContracts implements Contracts, following pagination.
func (c *AlpacaClient) ListContracts(ctx context.Context, q ContractQuery) ([]model.OptionContract, error) {
	params := url.Values{}
	params.Set("underlying_symbols", q.Underlying)
	params.Set("status", "active")
	params.Set("expiration_date_gte", q.ExpirationFrom.Format(model.DateLayout))
	params.Set("expiration_date_lte", q.ExpirationTo.Format(model.DateLayout))
	params.Set("type", string(q.Side))
	params.Set("limit", "100")

	var contracts []model.OptionContract
	for page := 0; page < maxContractPages; page++ {
		endpoint := fmt.Sprintf("%s/v2/options/contracts?%s", c.tradingURL, params.Encode())

		var resp alpacaContractsResponse
		if err := c.up.getJSON(ctx, endpoint, c.header, &resp); err != nil {
			return nil, fmt.Errorf("alpaca contracts %s: %w", q.Underlying, err)
		}
		for _, ac := range resp.OptionContracts {
			contracts = append(contracts, ac.toModel())
		}

		if resp.NextPageToken == nil || *resp.NextPageToken == "" {
			break
		}
		params.Set("page_token", *resp.NextPageToken)
	}

	logrus.WithFields(logrus.Fields{
		"underlying": q.Underlying,
		"side":       q.Side,
		"from":       q.ExpirationFrom.Format(model.DateLayout),
		"to":         q.ExpirationTo.Format(model.DateLayout),
		"contracts":  len(contracts),
	}).Debug("Listed option contracts")
	return contracts, nil
}

// Quote implements Quotes using the latest option snapshot, refreshing open interest from the
// contract record when the trading API is configured.
func (c *AlpacaClient) Quote(ctx context.Context, contract model.OptionContract) (model.OptionPrices, error) {
	params := url.Values{}
	params.Set("symbols", contract.Symbol)
	if c.feed != "" {
		params.Set("feed", c.feed)
	}
	endpoint := fmt.Sprintf("%s/v1beta1/options/snapshots?%s", c.dataURL, params.Encode())

	var resp alpacaSnapshotsResponse
	if err := c.up.getJSON(ctx, endpoint, c.header, &resp); err != nil {
		return model.OptionPrices{}, fmt.Errorf("alpaca snapshot %s: %w", contract.Symbol, err)
	}

	snap, ok := resp.Snapshots[contract.Symbol]
	if !ok {
		return model.OptionPrices{}, fmt.Errorf("alpaca snapshot %s: %w", contract.Symbol, ErrNoData)
	}

	var prices model.OptionPrices
	if snap.LatestQuote != nil {
		prices.Ask = positive(snap.LatestQuote.Ask)
		prices.Bid = positive(snap.LatestQuote.Bid)
	}
	if snap.LatestTrade != nil {
		prices.Last = positive(snap.LatestTrade.Price)
	}
	if snap.ImpliedVolatility != nil {
		prices.ImpliedVol = positive(*snap.ImpliedVolatility)
	}

	if c.tradingURL != "" {
		if oi, date, err := c.openInterest(ctx, contract.Symbol); err != nil {
			logrus.WithFields(logrus.Fields{
				"contract": contract.Symbol,
				"error":    err,
			}).Debug("Open interest refresh failed, keeping listing value")
		} else {
			prices.OpenInterest, prices.OpenInterestDate = oi, date
		}
	}
	return prices, nil
}

// openInterest reads the latest open interest and its as-of date for a single contract.
func (c *AlpacaClient) openInterest(ctx context.Context, symbol string) (*int64, string, error) {
	endpoint := fmt.Sprintf("%s/v2/options/contracts/%s", c.tradingURL, url.PathEscape(symbol))

	var ac alpacaContract
	if err := c.up.getJSON(ctx, endpoint, c.header, &ac); err != nil {
		return nil, "", fmt.Errorf("alpaca contract %s: %w", symbol, err)
	}
	m := ac.toModel()
	if m.OpenInterest == nil {
		return nil, "", fmt.Errorf("alpaca contract %s: %w", symbol, ErrNoData)
	}
	return m.OpenInterest, m.OpenInterestDate, nil
}

func positive(v float64) *float64 {
	if v <= 0 {
		return nil
	}
	return &v
}
