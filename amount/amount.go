// Package amount implements signed, currency-tagged quantities used for
// channel balances and payments. All arithmetic is checked: overflow,
// negative results where disallowed, and mixed-currency operands are
// rejected with errors rather than silently wrapping.
package amount

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Currency identifies the unit an Amount is denominated in. It is a closed
// set; operations on two Amounts require the currencies to be equal.
type Currency string

const (
	// XTZ is denominated in mutez, 1e-6 of a tez.
	XTZ = Currency("XTZ")
)

// decimals returns the number of decimal places of the currency's minor
// unit.
func (c Currency) decimals() int {
	switch c {
	case XTZ:
		return 6
	}
	return 0
}

// UnitName returns the name of the currency's atomic unit.
func (c Currency) UnitName() string {
	switch c {
	case XTZ:
		return "mutez"
	}
	return "unit"
}

var (
	ErrCurrencyMismatch = errors.New("amounts have different currencies")
	ErrOverflow         = errors.New("amount arithmetic overflow")
	ErrNegative         = errors.New("amount must not be negative")
)

// Amount is a signed quantity of a currency, stored in the currency's
// atomic units.
type Amount struct {
	Units    int64    `json:"units"`
	Currency Currency `json:"currency"`
}

// New returns an amount of the given number of atomic units.
func New(units int64, currency Currency) Amount {
	return Amount{Units: units, Currency: currency}
}

// MustParse parses a decimal string or panics. For use in tests and
// constants only.
func MustParse(s string, currency Currency) Amount {
	a, err := Parse(s, currency)
	if err != nil {
		panic(err)
	}
	return a
}

// Parse parses a decimal string, e.g. "5.00" or "-0.005", into an amount of
// the given currency. More fractional digits than the currency carries is
// an error.
func Parse(s string, currency Currency) (Amount, error) {
	neg := false
	body := s
	if strings.HasPrefix(body, "-") {
		neg = true
		body = body[1:]
	}
	intPart, fracPart, _ := strings.Cut(body, ".")
	if intPart == "" && fracPart == "" {
		return Amount{}, fmt.Errorf("parsing amount %q: empty", s)
	}
	if intPart == "" {
		intPart = "0"
	}
	dec := currency.decimals()
	if len(fracPart) > dec {
		return Amount{}, fmt.Errorf("parsing amount %q: more than %d decimal places", s, dec)
	}
	fracPart += strings.Repeat("0", dec-len(fracPart))
	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return Amount{}, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	var frac int64
	if fracPart != "" {
		frac, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return Amount{}, fmt.Errorf("parsing amount %q: %w", s, err)
		}
	}
	scale := int64(math.Pow10(dec))
	if whole > (math.MaxInt64-frac)/scale {
		return Amount{}, fmt.Errorf("parsing amount %q: %w", s, ErrOverflow)
	}
	units := whole*scale + frac
	if neg {
		units = -units
	}
	return Amount{Units: units, Currency: currency}, nil
}

// String formats the amount as a decimal string without the currency
// symbol, e.g. "4.995000" for XTZ.
func (a Amount) String() string {
	dec := a.Currency.decimals()
	scale := int64(math.Pow10(dec))
	units := a.Units
	sign := ""
	if units < 0 {
		sign = "-"
		units = -units
	}
	if dec == 0 {
		return sign + strconv.FormatInt(units, 10)
	}
	return fmt.Sprintf("%s%d.%0*d", sign, units/scale, dec, units%scale)
}

// IsNegative reports whether the amount is below zero.
func (a Amount) IsNegative() bool { return a.Units < 0 }

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.Units == 0 }

// Neg returns the amount with its sign flipped. The int64 minimum has no
// positive counterpart, so negating it wraps; such a value cannot come
// from Parse or from the checked arithmetic here, and Add and Sub report
// ErrOverflow rather than propagate the wrapped result.
func (a Amount) Neg() Amount { return Amount{Units: -a.Units, Currency: a.Currency} }

// Add returns a+b, rejecting mixed currencies and int64 overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, fmt.Errorf("adding %s and %s: %w", a.Currency, b.Currency, ErrCurrencyMismatch)
	}
	sum := a.Units + b.Units
	if (b.Units > 0 && sum < a.Units) || (b.Units < 0 && sum > a.Units) {
		return Amount{}, ErrOverflow
	}
	return Amount{Units: sum, Currency: a.Currency}, nil
}

// Sub returns a-b, rejecting mixed currencies and overflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	return a.Add(b.Neg())
}

// Cmp returns -1, 0 or 1 comparing a to b. Comparing amounts of different
// currencies is a programming error and panics.
func (a Amount) Cmp(b Amount) int {
	if a.Currency != b.Currency {
		panic("comparing amounts of different currencies")
	}
	switch {
	case a.Units < b.Units:
		return -1
	case a.Units > b.Units:
		return 1
	}
	return 0
}
