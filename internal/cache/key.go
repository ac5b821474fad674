package cache

import (
	"strings"
	"time"
)

// Param is a single key component.
type Param struct {
	Name  string
	Value string
}

// P is shorthand for building a Param.
func P(name, value string) Param {
	return Param{Name: name, Value: value}
}

// Key builds "prefix:k1=v1:k2=v2" with params in caller order.
func Key(prefix string, params ...Param) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, p := range params {
		b.WriteByte(':')
		b.WriteString(p.Name)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}

// Lookback TTL tiers.
const (
	ShortTTL  = 5 * time.Minute
	MediumTTL = 15 * time.Minute
	LongTTL   = 30 * time.Minute
)

// TTLForRange maps a lookback label to an expiry: windows up to three months live five minutes,
// six months to a year fifteen, anything longer thirty. Unknown labels get the short tier.
func TTLForRange(label string) time.Duration {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "1d", "5d", "1mo", "3mo":
		return ShortTTL
	case "6mo", "1y", "ytd":
		return MediumTTL
	case "2y", "5y", "10y", "max":
		return LongTTL
	default:
		return ShortTTL
	}
}
