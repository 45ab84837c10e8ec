package fx

import (
	"math/big"
	"strings"
)

// minor-unit exponents per ISO 4217
var exponents = map[string]int{
	"XOF": 0,
	"XAF": 0,
	"GNF": 0,
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"GHS": 2,
	"NGN": 2,
	"KES": 2,
}

// Exponent returns the number of minor-unit digits for a currency.
func Exponent(currency string) (int, bool) {
	e, ok := exponents[strings.ToUpper(currency)]
	return e, ok
}

type band struct {
	min, max *big.Rat
}

// Plausibility bands, keyed "FROM/TO", in to-currency units per from-currency unit.
var bands = map[string]band{
	"USD/XOF": {big.NewRat(300, 1), big.NewRat(1000, 1)},
	"USD/XAF": {big.NewRat(300, 1), big.NewRat(1000, 1)},
	"EUR/XOF": {big.NewRat(600, 1), big.NewRat(700, 1)},
	"EUR/XAF": {big.NewRat(600, 1), big.NewRat(700, 1)},
}

func pairKey(from, to string) string {
	return strings.ToUpper(from) + "/" + strings.ToUpper(to)
}

// Plausible reports whether rate sits inside the hard-coded band for the pair.
// Pairs without a band are never plausible.
func Plausible(from, to string, rate *big.Rat) bool {
	b, ok := bands[pairKey(from, to)]
	if !ok || rate == nil {
		return false
	}
	return rate.Cmp(b.min) >= 0 && rate.Cmp(b.max) <= 0
}

func pow10(n int) *big.Rat {
	if n >= 0 {
		return new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil))
	}
	return new(big.Rat).SetFrac(big.NewInt(1), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-n)), nil))
}

// ceil rounds a non-negative rational up to the next integer.
func ceil(r *big.Rat) *big.Int {
	q, m := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	if m.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// ParseRate converts a decimal string into an exact rational.
func ParseRate(s string) (*big.Rat, bool) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok || r.Sign() <= 0 {
		return nil, false
	}
	return r, true
}
