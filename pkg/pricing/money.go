// Package pricing converts token usage into money using a static,
// process-scoped pricing table, and defines the integer money type the
// rest of the system accounts in.
//
// All amounts are integer micro-USD (exactly six decimal places).
// Arithmetic is exact; the only rounding happens once, inside Cost,
// and it is round-half-up at the final micro-dollar.
package pricing

import (
	"fmt"
	"strings"
)

// MicroPerUSD is the scale factor: 1 USD = 1,000,000 micro-USD.
const MicroPerUSD = 1_000_000

// Money is an amount of US dollars in integer micro-units.
type Money struct {
	Micro int64 `json:"micro_usd"`
}

// FromMicro wraps a raw micro-USD amount.
func FromMicro(micro int64) Money {
	return Money{Micro: micro}
}

// Add returns m + o. Integer addition, never loses precision.
func (m Money) Add(o Money) Money {
	return Money{Micro: m.Micro + o.Micro}
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool {
	return m.Micro == 0
}

// String renders the amount as a fixed six-decimal dollar string,
// e.g. "$0.000350" or "-$1.250000".
func (m Money) String() string {
	micro := m.Micro
	sign := ""
	if micro < 0 {
		sign = "-"
		micro = -micro
	}
	return fmt.Sprintf("%s$%d.%06d", sign, micro/MicroPerUSD, micro%MicroPerUSD)
}

// ParseUSD parses a decimal dollar string ("3.50", "0.000125") into
// micro-USD. At most six fractional digits are accepted; the pricing
// scale is exact, so anything finer is a configuration error rather
// than something to round silently.
func ParseUSD(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, fmt.Errorf("empty amount")
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" && fracPart == "" {
		return Money{}, fmt.Errorf("invalid amount %q", s)
	}
	if len(fracPart) > 6 {
		return Money{}, fmt.Errorf("amount %q has more than 6 decimal places", s)
	}

	var micro int64
	for _, c := range intPart {
		if c < '0' || c > '9' {
			return Money{}, fmt.Errorf("invalid amount %q", s)
		}
		micro = micro*10 + int64(c-'0')
		if micro > (1<<62)/MicroPerUSD {
			return Money{}, fmt.Errorf("amount %q overflows", s)
		}
	}
	micro *= MicroPerUSD

	scale := int64(MicroPerUSD / 10)
	for _, c := range fracPart {
		if c < '0' || c > '9' {
			return Money{}, fmt.Errorf("invalid amount %q", s)
		}
		micro += int64(c-'0') * scale
		scale /= 10
	}

	if neg {
		micro = -micro
	}
	return Money{Micro: micro}, nil
}
