// Package validation parses and checks caller input and filters malformed upstream records
// before they reach the analysis core.
package validation

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/jongan69/trading-api/internal/model"
)

var (
	// ErrInvalidSide is returned for option types other than call or put.
	ErrInvalidSide = errors.New("option_type must be 'call' or 'put'")

	// ErrNoSymbols is returned when a symbol list is empty after parsing.
	ErrNoSymbols = errors.New("no symbols provided")
)

var equitySymbol = regexp.MustCompile(`^[A-Z]{1,5}([.-][A-Z]{1,2})?$`)

// ParseSide maps a caller-supplied option type to a side. Empty input means calls.
func ParseSide(s string) (model.OptionSide, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "call", "calls":
		return model.SideCall, nil
	case "put", "puts":
		return model.SidePut, nil
	default:
		return "", fmt.Errorf("%w: got %q", ErrInvalidSide, s)
	}
}

// ParseSymbolsCSV splits a comma-separated list into upper-cased symbols, dropping blanks and
// repeats while keeping first-seen order.
func ParseSymbolsCSV(s string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(s, ",") {
		sym := model.NormalizeSymbol(part)
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

// IsEquitySymbol reports whether s looks like a listed equity ticker rather than an index,
// currency pair or crypto symbol.
func IsEquitySymbol(s string) bool {
	return equitySymbol.MatchString(s)
}

// PeriodsPerYear maps a bar interval to its annualisation factor.
func PeriodsPerYear(interval string) int {
	switch strings.ToLower(strings.TrimSpace(interval)) {
	case "1wk":
		return 52
	case "1mo":
		return 12
	default:
		return 252
	}
}

// ValidateWeights rejects non-finite or negative composite weights.
func ValidateWeights(w model.CompositeWeights) error {
	for name, v := range map[string]float64{"sharpe_w": w.Sharpe, "sortino_w": w.Sortino, "calmar_w": w.Calmar} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%s must be a non-negative number, got %v", name, v)
		}
	}
	return nil
}

// ValidateRate rejects non-finite annual rates and rates at or below -100%.
func ValidateRate(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s must be a finite number", name)
	}
	if v <= -1 {
		return fmt.Errorf("%s must be greater than -1, got %v", name, v)
	}
	return nil
}
