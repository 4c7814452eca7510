/*
Package generic provides the primitives shared by the obligation engine.

PURPOSE:
  This package contains domain-agnostic value types used by every other
  package: money amounts, account identifiers, calendar months, times of
  day, and the error taxonomy. Nothing here knows about schedules, ledgers
  or budgets.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A quantity of money in a currency (e.g., 120.00 EUR)
  - AccountID: Identifier of a ledger account (funding source or target)

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Type Safety: Strong typing for IDs prevents mixing account/obligation IDs
  3. Immutability: Amount arithmetic returns new values

USAGE:
  due := generic.NewAmountFromString("120.00", "EUR")
  left := due.Sub(drawn)
  if left.IsPositive() { ... }

SEE ALSO:
  - time.go: Month and TimeOfDay calendar helpers
  - errors.go: Error taxonomy (validation, transient ledger, insufficient funds)
*/
package generic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity of money with a currency
// =============================================================================

type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

type Currency string

const DefaultCurrency Currency = "EUR"

func NewAmount(value float64, currency Currency) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewAmountFromInt(value int64, currency Currency) Amount {
	return Amount{Value: decimal.NewFromInt(value), Currency: currency}
}

// NewAmountFromString parses a decimal string. Malformed input yields zero.
func NewAmountFromString(value string, currency Currency) Amount {
	return Amount{Value: MustParseDecimal(value), Currency: currency}
}

// ParseAmount is the strict variant of NewAmountFromString.
func ParseAmount(value string, currency Currency) (Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", value, err)
	}
	return Amount{Value: d, Currency: currency}, nil
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a Amount) Zero() Amount                 { return Amount{Value: decimal.Zero, Currency: a.Currency} }
func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Currency: a.Currency} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Currency: a.Currency} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg(), Currency: a.Currency} }
func (a Amount) Round(places int32) Amount    { return Amount{Value: a.Value.Round(places), Currency: a.Currency} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) GreaterOrEqual(b Amount) bool { return a.Value.GreaterThanOrEqual(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

func (a Amount) Max(b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// String renders the amount with two decimal places, e.g. "120.00 EUR".
func (a Amount) String() string {
	return a.Value.StringFixed(2) + " " + string(a.Currency)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string

type LedgerRecordID string
