/*
Package factory converts JSON obligation definitions to Go structs and back.

PURPOSE:
  Definitions arrive as JSON from the API and are stored as JSON by the
  SQLite store. The factory owns that schema so both sides agree on it,
  and turns it into the sealed obligation.Terms / obligation.AmountSpec
  variants the engine works with.

JSON SCHEMA (debit):
  {
    "id": "visa-card",
    "name": "Visa statement",
    "kind": "DEBIT",
    "day_of_month": 31,
    "execute_time": "09:00",
    "reminder_lead_days": 2,
    "amount": {"fixed": "120.00", "currency": "EUR"},
    "target": {"kind": "REVOLVING", "account_id": "visa"},
    "sources": [
      {"account_id": "checking", "priority": 1},
      {"account_id": "savings", "priority": 2}
    ],
    "shortfall_policy": "TRY_NEXT_SOURCE"
  }

JSON SCHEMA (credit):
  {
    "id": "salary",
    "kind": "CREDIT",
    "day_of_month": 25,
    "execute_time": "06:00",
    "amount": {"fixed": "3200.00"},
    "target_account_id": "checking",
    "category": "SALARY"
  }

  Loans use {"amount": {"loan_id": "mortgage-1"}} and usually carry
  {"installment": {"total_periods": 240, "start_date": "2025-01-01"}}.

DEFAULTS:
  - enabled: true
  - execute_time: 00:00
  - currency: EUR
  - shortfall_policy: NOTIFY

The factory parses; it does not validate business rules. Callers run
obligation.Validate on the result.

SEE ALSO:
  - obligation/types.go: Target types
  - obligation/validate.go: Definition rules
  - store/sqlite/sqlite.go: Stores definitions in this format
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/warp/obligation-engine/generic"
	"github.com/warp/obligation-engine/obligation"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ObligationJSON is the JSON representation of a definition.
type ObligationJSON struct {
	ID               string `json:"id,omitempty"`
	OwnerID          string `json:"owner_id,omitempty"`
	Name             string `json:"name"`
	Kind             string `json:"kind"` // DEBIT, CREDIT (case-insensitive)
	DayOfMonth       int    `json:"day_of_month"`
	ExecuteTime      string `json:"execute_time,omitempty"`
	ReminderLeadDays int    `json:"reminder_lead_days,omitempty"`
	Enabled          *bool  `json:"enabled,omitempty"`

	Amount AmountJSON `json:"amount"`

	// Debit
	Target          *TargetJSON      `json:"target,omitempty"`
	Sources         []SourceJSON     `json:"sources,omitempty"`
	ShortfallPolicy string           `json:"shortfall_policy,omitempty"`
	Installment     *InstallmentJSON `json:"installment,omitempty"`

	// Credit
	TargetAccountID string `json:"target_account_id,omitempty"`
	Category        string `json:"category,omitempty"`
}

// AmountJSON is either a fixed amount or a loan reference.
type AmountJSON struct {
	Fixed    string `json:"fixed,omitempty"`
	Currency string `json:"currency,omitempty"`
	LoanID   string `json:"loan_id,omitempty"`
}

type TargetJSON struct {
	Kind      string `json:"kind"` // REVOLVING, TERM
	AccountID string `json:"account_id"`
}

type SourceJSON struct {
	AccountID string `json:"account_id"`
	Priority  int    `json:"priority"`
}

type InstallmentJSON struct {
	TotalPeriods     int    `json:"total_periods"`
	CompletedPeriods int    `json:"completed_periods,omitempty"`
	StartDate        string `json:"start_date,omitempty"` // YYYY-MM-DD
}

// =============================================================================
// OBLIGATION FACTORY
// =============================================================================

type ObligationFactory struct {
	currency generic.Currency
}

func NewObligationFactory() *ObligationFactory {
	return &ObligationFactory{currency: generic.DefaultCurrency}
}

// WithCurrency sets the currency used when a fixed amount names none.
func (f *ObligationFactory) WithCurrency(c generic.Currency) *ObligationFactory {
	f.currency = c
	return f
}

// Parse parses a JSON string into an obligation.
func (f *ObligationFactory) Parse(jsonStr string) (*obligation.Obligation, error) {
	var oj ObligationJSON
	if err := json.Unmarshal([]byte(jsonStr), &oj); err != nil {
		return nil, fmt.Errorf("failed to parse obligation JSON: %w", err)
	}
	return f.FromJSON(oj)
}

// FromJSON converts the schema type into an obligation with empty progress.
func (f *ObligationFactory) FromJSON(oj ObligationJSON) (*obligation.Obligation, error) {
	o := &obligation.Obligation{
		ID:               obligation.ID(oj.ID),
		OwnerID:          oj.OwnerID,
		Name:             oj.Name,
		DayOfMonth:       oj.DayOfMonth,
		ReminderLeadDays: oj.ReminderLeadDays,
		Enabled:          oj.Enabled == nil || *oj.Enabled,
	}

	if oj.ExecuteTime != "" {
		tod, err := generic.ParseTimeOfDay(oj.ExecuteTime)
		if err != nil {
			return nil, generic.Invalid("executeTime", "%v", err)
		}
		o.ExecuteAt = tod
	}

	amount, err := f.parseAmount(oj.Amount)
	if err != nil {
		return nil, err
	}
	o.Amount = amount

	switch strings.ToUpper(oj.Kind) {
	case string(obligation.KindDebit):
		terms, err := parseDebit(oj)
		if err != nil {
			return nil, err
		}
		o.Terms = terms
	case string(obligation.KindCredit):
		o.Terms = &obligation.CreditTerms{
			TargetAccountID: generic.AccountID(oj.TargetAccountID),
			Category:        oj.Category,
		}
	default:
		return nil, generic.Invalid("kind", "must be DEBIT or CREDIT, got %q", oj.Kind)
	}
	return o, nil
}

func (f *ObligationFactory) parseAmount(aj AmountJSON) (obligation.AmountSpec, error) {
	switch {
	case aj.LoanID != "" && aj.Fixed != "":
		return nil, generic.Invalid("amount", "fixed and loan_id are mutually exclusive")
	case aj.LoanID != "":
		return obligation.LoanPayment{LoanID: aj.LoanID}, nil
	case aj.Fixed != "":
		currency := f.currency
		if aj.Currency != "" {
			currency = generic.Currency(aj.Currency)
		}
		amt, err := generic.ParseAmount(aj.Fixed, currency)
		if err != nil {
			return nil, generic.Invalid("amount", "%v", err)
		}
		return obligation.FixedAmount{Amount: amt}, nil
	default:
		return nil, generic.Invalid("amount", "fixed or loan_id required")
	}
}

func parseDebit(oj ObligationJSON) (*obligation.DebitTerms, error) {
	d := &obligation.DebitTerms{
		Policy: obligation.ShortfallPolicy(strings.ToUpper(oj.ShortfallPolicy)),
	}
	if d.Policy == "" {
		d.Policy = obligation.PolicyNotify
	}
	if oj.Target != nil {
		d.Target = obligation.Target{
			Kind:      obligation.TargetKind(strings.ToUpper(oj.Target.Kind)),
			AccountID: generic.AccountID(oj.Target.AccountID),
		}
	}
	for _, s := range oj.Sources {
		d.Sources = append(d.Sources, obligation.Source{
			AccountID: generic.AccountID(s.AccountID),
			Priority:  s.Priority,
		})
	}
	if ij := oj.Installment; ij != nil {
		inst := &obligation.Installment{
			TotalPeriods:     ij.TotalPeriods,
			CompletedPeriods: ij.CompletedPeriods,
		}
		if ij.StartDate != "" {
			start, err := time.Parse("2006-01-02", ij.StartDate)
			if err != nil {
				return nil, generic.Invalid("installment.startDate", "expected YYYY-MM-DD, got %q", ij.StartDate)
			}
			inst.StartDate = start
		}
		d.Installment = inst
	}
	return d, nil
}

// =============================================================================
// BACK TO JSON
// =============================================================================

// ToJSON renders the definition part of an obligation. Progress is not
// part of the schema.
func ToJSON(o *obligation.Obligation) ObligationJSON {
	enabled := o.Enabled
	oj := ObligationJSON{
		ID:               string(o.ID),
		OwnerID:          o.OwnerID,
		Name:             o.Name,
		Kind:             string(o.Kind()),
		DayOfMonth:       o.DayOfMonth,
		ExecuteTime:      o.ExecuteAt.String(),
		ReminderLeadDays: o.ReminderLeadDays,
		Enabled:          &enabled,
	}

	switch a := o.Amount.(type) {
	case obligation.FixedAmount:
		oj.Amount = AmountJSON{Fixed: a.Amount.Value.StringFixed(2), Currency: string(a.Amount.Currency)}
	case obligation.LoanPayment:
		oj.Amount = AmountJSON{LoanID: a.LoanID}
	}

	switch t := o.Terms.(type) {
	case *obligation.DebitTerms:
		oj.Target = &TargetJSON{Kind: string(t.Target.Kind), AccountID: string(t.Target.AccountID)}
		oj.ShortfallPolicy = string(t.Policy)
		for _, s := range t.Sources {
			oj.Sources = append(oj.Sources, SourceJSON{AccountID: string(s.AccountID), Priority: s.Priority})
		}
		if t.Installment != nil {
			ij := &InstallmentJSON{
				TotalPeriods:     t.Installment.TotalPeriods,
				CompletedPeriods: t.Installment.CompletedPeriods,
			}
			if !t.Installment.StartDate.IsZero() {
				ij.StartDate = t.Installment.StartDate.Format("2006-01-02")
			}
			oj.Installment = ij
		}
	case *obligation.CreditTerms:
		oj.TargetAccountID = string(t.TargetAccountID)
		oj.Category = t.Category
	}
	return oj
}

// Marshal renders the definition as a JSON string.
func Marshal(o *obligation.Obligation) (string, error) {
	b, err := json.Marshal(ToJSON(o))
	if err != nil {
		return "", fmt.Errorf("failed to marshal obligation %s: %w", o.ID, err)
	}
	return string(b), nil
}
