// Package selector finds the most actively held option contracts for an underlying in a
// near-term window and a long-dated (LEAP) window.
package selector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jongan69/trading-api/internal/aggregate"
	"github.com/jongan69/trading-api/internal/circuitbreaker"
	"github.com/jongan69/trading-api/internal/fetch"
	"github.com/jongan69/trading-api/internal/model"
	"github.com/jongan69/trading-api/internal/validation"
	"github.com/sirupsen/logrus"
)

// ErrEmptyBatch is returned by SelectBatch when no tickers are given.
var ErrEmptyBatch = errors.New("no tickers provided")

// Window is an expiry range in days from today, inclusive at both ends.
type Window struct {
	Name    string
	MinDays int
	MaxDays int
}

// Default expiry windows.
var (
	ShortTermWindow = Window{Name: model.ContractShortTerm, MinDays: 1, MaxDays: 60}
	LeapWindow      = Window{Name: model.ContractLeap, MinDays: 365, MaxDays: 730}
)

// rename records a ticker change.
type rename struct {
	to   string
	note string
}

var renamedTickers = map[string]rename{
	"FB": {to: "META", note: "Meta Platforms changed its ticker from FB to META in June 2022"},
}

// NormalizeTicker upper-cases a ticker and maps retired symbols to their replacement.
func NormalizeTicker(ticker string) string {
	sym := model.NormalizeSymbol(ticker)
	if r, ok := renamedTickers[sym]; ok {
		return r.to
	}
	return sym
}

// Options configures a Selector.
type Options struct {
	ShortTerm Window
	Leap      Window

	// BatchDelay spaces out successive tickers in SelectBatch
	BatchDelay time.Duration

	Now func() time.Time
}

// DefaultOptions returns the standard windows with a 100ms batch delay.
func DefaultOptions() Options {
	return Options{
		ShortTerm:  ShortTermWindow,
		Leap:       LeapWindow,
		BatchDelay: 100 * time.Millisecond,
		Now:        time.Now,
	}
}

// Selector picks the highest open interest contract per window and enriches it with a quote.
type Selector struct {
	contracts fetch.Contracts
	quotes    fetch.Quotes
	opts      Options
}

// New creates a Selector. quotes may be nil, in which case contracts are returned unpriced.
func New(contracts fetch.Contracts, quotes fetch.Quotes, opts Options) *Selector {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ShortTerm.Name == "" {
		opts.ShortTerm = ShortTermWindow
	}
	if opts.Leap.Name == "" {
		opts.Leap = LeapWindow
	}
	return &Selector{contracts: contracts, quotes: quotes, opts: opts}
}

// Select returns the top contract in each window. It never fails: a window that cannot be
// resolved is left empty and described in the result's Error.
func (s *Selector) Select(ctx context.Context, ticker string, side model.OptionSide) model.HighOpenInterestResult {
	requested := model.NormalizeSymbol(ticker)
	underlying := NormalizeTicker(requested)
	today := s.opts.Now().UTC().Truncate(24 * time.Hour)

	windows := []Window{s.opts.ShortTerm, s.opts.Leap}
	picks := aggregate.Gather(ctx, windows, 0, func(ctx context.Context, w Window) (*model.OptionContract, error) {
		return s.selectWindow(ctx, underlying, side, w, today)
	})

	var result model.HighOpenInterestResult
	var problems []string
	for i, w := range windows {
		if err := picks[i].Err; err != nil {
			logrus.WithFields(logrus.Fields{
				"ticker": requested,
				"window": w.Name,
				"error":  err,
			}).Warn("Failed to select high open interest contract")
			problems = appendUnique(problems, describe(requested, w, err))
			continue
		}
		if i == 0 {
			result.ShortTerm = picks[i].Value
		} else {
			result.Leap = picks[i].Value
		}
	}
	result.Error = strings.Join(problems, "; ")
	return result
}

// SelectBatch runs Select for each ticker in order, pausing BatchDelay between tickers. Output
// order matches input order.
func (s *Selector) SelectBatch(ctx context.Context, tickers []string, side model.OptionSide) ([]model.TickerContracts, error) {
	var symbols []string
	for _, t := range tickers {
		if sym := model.NormalizeSymbol(t); sym != "" {
			symbols = append(symbols, sym)
		}
	}
	if len(symbols) == 0 {
		return nil, ErrEmptyBatch
	}

	out := make([]model.TickerContracts, 0, len(symbols))
	for i, sym := range symbols {
		if i > 0 && s.opts.BatchDelay > 0 {
			if err := sleep(ctx, s.opts.BatchDelay); err != nil {
				return out, err
			}
		}
		out = append(out, model.TickerContracts{Ticker: sym, Result: s.Select(ctx, sym, side)})
	}
	return out, nil
}

func (s *Selector) selectWindow(ctx context.Context, underlying string, side model.OptionSide, w Window, today time.Time) (*model.OptionContract, error) {
	contracts, err := s.contracts.ListContracts(ctx, fetch.ContractQuery{
		Underlying:     underlying,
		Side:           side,
		ExpirationFrom: today.AddDate(0, 0, w.MinDays),
		ExpirationTo:   today.AddDate(0, 0, w.MaxDays),
	})
	if err != nil {
		return nil, err
	}

	filter := validation.DefaultContractFilterOptions()
	filter.Side = side
	top, ok := TopByOpenInterest(validation.FilterContracts(contracts, filter))
	if !ok {
		logrus.WithFields(logrus.Fields{
			"ticker": underlying,
			"window": w.Name,
		}).Debug("No contracts in window")
		return nil, nil
	}

	s.enrich(ctx, &top)
	return &top, nil
}

// enrich attaches live prices. Failures leave the contract as listed.
func (s *Selector) enrich(ctx context.Context, c *model.OptionContract) {
	if s.quotes == nil {
		return
	}
	prices, err := s.quotes.Quote(ctx, *c)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"contract": c.Symbol,
			"error":    err,
		}).Warn("Failed to enrich contract, using listing data")
		return
	}
	prices.Apply(c)
}

// TopByOpenInterest returns the contract with the largest open interest, unknown counting as
// zero. Ties go to the lexically smallest symbol so the pick does not depend on input order.
func TopByOpenInterest(contracts []model.OptionContract) (model.OptionContract, bool) {
	if len(contracts) == 0 {
		return model.OptionContract{}, false
	}
	sorted := append([]model.OptionContract(nil), contracts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].OI() != sorted[j].OI() {
			return sorted[i].OI() > sorted[j].OI()
		}
		return sorted[i].Symbol < sorted[j].Symbol
	})
	return sorted[0], true
}

// describe turns a window failure into a caller-facing message.
func describe(ticker string, w Window, err error) string {
	switch code := fetch.StatusCode(err); {
	case code == http.StatusUnprocessableEntity || code == http.StatusNotFound:
		msg := fmt.Sprintf("Invalid ticker symbol: %s", ticker)
		if r, ok := renamedTickers[ticker]; ok {
			msg += fmt.Sprintf(" (%s)", r.note)
		}
		return msg
	case code == http.StatusTooManyRequests:
		return fmt.Sprintf("Rate limit exceeded fetching options for %s, please retry later", ticker)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "Options data provider rejected the API credentials"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "Options data provider is temporarily unavailable"
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("%s lookup cancelled for %s", w.Name, ticker)
	default:
		return fmt.Sprintf("Failed to fetch %s contracts for %s: %v", w.Name, ticker, err)
	}
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
