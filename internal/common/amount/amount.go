// Package amount provides arbitrary precision token amounts in smallest units (wei, lamports).
package amount

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when a string cannot be parsed as an amount.
var ErrInvalidAmount = errors.New("invalid amount")

// Amount is an immutable non-fractional quantity of a token in its smallest unit.
// The zero value is a valid zero amount.
type Amount struct {
	v *big.Int
}

// New creates an amount from an int64
func New(v int64) Amount {
	return Amount{v: big.NewInt(v)}
}

// FromBig creates an amount from a big.Int. The value is copied.
func FromBig(v *big.Int) Amount {
	if v == nil {
		return Amount{}
	}
	return Amount{v: new(big.Int).Set(v)}
}

// Zero returns a zero amount
func Zero() Amount {
	return Amount{}
}

// Parse parses a base-10 integer string in smallest units.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount{v: v}, nil
}

// MustParse parses an amount, panics on error
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal converts a human readable decimal string ("1.5") to smallest units
// using the token decimals. Precision beyond the token decimals is rejected.
func FromDecimal(s string, decimals uint8) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return Amount{}, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, s, decimals)
	}
	return Amount{v: scaled.BigInt()}, nil
}

// Big returns a copy of the underlying value
func (a Amount) Big() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.v)
}

func (a Amount) int() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

// ToDecimal converts to a decimal in whole token units
func (a Amount) ToDecimal(decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(a.int(), -int32(decimals))
}

// Format renders the amount in whole token units, trimming trailing zeros.
func (a Amount) Format(decimals uint8) string {
	return a.ToDecimal(decimals).String()
}

// ValueUSD returns the USD value given the token decimals and unit price.
func (a Amount) ValueUSD(decimals uint8, priceUSD decimal.Decimal) decimal.Decimal {
	return a.ToDecimal(decimals).Mul(priceUSD).Round(2)
}

// IsZero returns true if the amount is zero
func (a Amount) IsZero() bool {
	return a.int().Sign() == 0
}

// Sign returns -1, 0 or 1
func (a Amount) Sign() int {
	return a.int().Sign()
}

// Add returns a + b
func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.int(), b.int())}
}

// Sub returns a - b
func (a Amount) Sub(b Amount) Amount {
	return Amount{v: new(big.Int).Sub(a.int(), b.int())}
}

// Cmp returns -1, 0, or 1
func (a Amount) Cmp(b Amount) int {
	return a.int().Cmp(b.int())
}

// Equal checks equality
func (a Amount) Equal(b Amount) bool {
	return a.Cmp(b) == 0
}

// LessThan checks if a < b
func (a Amount) LessThan(b Amount) bool {
	return a.Cmp(b) < 0
}

// String returns the base-10 representation
func (a Amount) String() string {
	return a.int().String()
}

// MarshalJSON encodes the amount as a JSON string so no precision is lost in clients.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both JSON strings and bare JSON numbers.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*a = Amount{}
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Scan implements sql.Scanner
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Amount{}
		return nil
	case int64:
		*a = New(v)
		return nil
	case string:
		return a.UnmarshalJSON([]byte(v))
	case []byte:
		return a.UnmarshalJSON(v)
	default:
		return errors.New("cannot scan into Amount")
	}
}

// Value implements driver.Valuer
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Sum adds up multiple amounts
func Sum(amounts ...Amount) Amount {
	total := new(big.Int)
	for _, a := range amounts {
		total.Add(total, a.int())
	}
	return Amount{v: total}
}
