package validation

import (
	"math"

	"github.com/jongan69/trading-api/internal/model"
	"github.com/sirupsen/logrus"
)

// ContractFilterOptions holds configuration for contract sanitation
type ContractFilterOptions struct {
	// Side, when set, drops contracts of the other type
	Side model.OptionSide

	// MinStrike is the smallest acceptable strike
	MinStrike float64

	// RejectNegativeOI drops contracts reporting negative open interest
	RejectNegativeOI bool
}

// DefaultContractFilterOptions returns sensible defaults for contract sanitation
func DefaultContractFilterOptions() ContractFilterOptions {
	return ContractFilterOptions{
		MinStrike:        0,
		RejectNegativeOI: true,
	}
}

// FilterContracts removes contracts that cannot be ranked or priced: missing symbols,
// non-positive strikes, unparseable expirations and, if configured, the wrong side.
func FilterContracts(contracts []model.OptionContract, opts ContractFilterOptions) []model.OptionContract {
	valid := make([]model.OptionContract, 0, len(contracts))
	for _, c := range contracts {
		if reason := invalidContractReason(c, opts); reason != "" {
			logrus.WithFields(logrus.Fields{
				"symbol": c.Symbol,
				"reason": reason,
			}).Debug("Filtered invalid contract")
			continue
		}
		valid = append(valid, c)
	}
	return valid
}

func invalidContractReason(c model.OptionContract, opts ContractFilterOptions) string {
	switch {
	case c.Symbol == "":
		return "missing symbol"
	case !(c.Strike > opts.MinStrike) || math.IsInf(c.Strike, 0):
		return "invalid strike"
	case opts.Side != "" && c.Type != "" && c.Type != opts.Side:
		return "wrong side"
	case opts.RejectNegativeOI && c.OpenInterest != nil && *c.OpenInterest < 0:
		return "negative open interest"
	}
	if _, err := c.Expiration(); err != nil {
		return "invalid expiration"
	}
	return ""
}

// FilterPrices drops non-finite and negative closes. Zero closes are kept; the return
// calculation maps them to flat periods.
func FilterPrices(prices []float64) []float64 {
	out := make([]float64, 0, len(prices))
	for _, p := range prices {
		if p >= 0 && !math.IsInf(p, 0) {
			out = append(out, p)
		}
	}
	if dropped := len(prices) - len(out); dropped > 0 {
		logrus.WithFields(logrus.Fields{
			"total":   len(prices),
			"dropped": dropped,
		}).Debug("Filtered invalid prices")
	}
	return out
}
