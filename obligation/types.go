/*
Package obligation models recurring money movements and the pure rules
that govern them.

PURPOSE:
  An Obligation is a recurring scheduled money movement: a DEBIT (loan,
  credit card, subscription payment) drawn from one or more funding
  accounts, or a CREDIT (salary, pension, rental income) paid into a single
  account. This package owns the model and every rule that can be decided
  without I/O side effects on the schedule itself:

  - types.go:        The schedule model (tagged Debit/Credit variants)
  - validate.go:     Write-time validation (ValidationError)
  - nextrun.go:      Next-run calculator (pure, month-length clamping)
  - installment.go:  Finite-term progress tracking (loans, mortgages)
  - amount.go:       Fixed vs derived amounts, resolved at execution time
  - waterfall.go:    Priority-ordered source resolution with shortfall policy
  - reminder.go:     Reminder window helper for external notifiers
  - store.go:        Persistence contracts

TAGGED VARIANTS:
  Debit and credit obligations share the schedule fields but nothing else.
  Rather than one struct with a grab-bag of nullable fields, the
  kind-specific data lives behind the sealed Terms interface:

    switch t := o.Terms.(type) {
    case *DebitTerms:  // sources, shortfall policy, installment
    case *CreditTerms: // target account, category
    }

OWNERSHIP:
  Only the engine's orchestrator mutates Progress. The waterfall resolver
  returns an Outcome and never touches the schedule.

SEE ALSO:
  - engine/orchestrator.go: Applies outcomes to schedules
  - factory/obligation.go: JSON definitions
*/
package obligation

import (
	"time"

	"github.com/warp/obligation-engine/generic"
)

// =============================================================================
// IDENTIFIERS AND ENUMS
// =============================================================================

type ID string

type Kind string

const (
	KindDebit  Kind = "DEBIT"
	KindCredit Kind = "CREDIT"
)

// ShortfallPolicy governs a debit when no single source covers the amount due.
type ShortfallPolicy string

const (
	PolicyNotify        ShortfallPolicy = "NOTIFY"
	PolicyRetryNextDay  ShortfallPolicy = "RETRY_NEXT_DAY"
	PolicyPartialPay    ShortfallPolicy = "PARTIAL_PAY"
	PolicyTryNextSource ShortfallPolicy = "TRY_NEXT_SOURCE"
	PolicySkip          ShortfallPolicy = "SKIP"
)

func (p ShortfallPolicy) Valid() bool {
	switch p {
	case PolicyNotify, PolicyRetryNextDay, PolicyPartialPay, PolicyTryNextSource, PolicySkip:
		return true
	}
	return false
}

// TargetKind distinguishes what a debit pays off.
type TargetKind string

const (
	TargetRevolving TargetKind = "REVOLVING" // credit card
	TargetTerm      TargetKind = "TERM"      // loan, mortgage
)

// =============================================================================
// OBLIGATION - The recurring schedule
// =============================================================================

type Obligation struct {
	ID      ID
	OwnerID string
	Name    string

	// Schedule. DayOfMonth is clamped to the month length at computation time;
	// the stored value is never rewritten.
	DayOfMonth       int
	ExecuteAt        generic.TimeOfDay
	ReminderLeadDays int
	Enabled          bool

	// Amount is resolved immediately before money moves.
	Amount AmountSpec

	// Terms is *DebitTerms or *CreditTerms.
	Terms Terms

	Progress Progress

	// Version increments on every save (optimistic concurrency).
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Kind is derived from the Terms variant.
func (o *Obligation) Kind() Kind {
	if o.Terms == nil {
		return ""
	}
	return o.Terms.Kind()
}

// Debit returns the debit terms, or nil for credit obligations.
func (o *Obligation) Debit() *DebitTerms {
	d, _ := o.Terms.(*DebitTerms)
	return d
}

// Credit returns the credit terms, or nil for debit obligations.
func (o *Obligation) Credit() *CreditTerms {
	c, _ := o.Terms.(*CreditTerms)
	return c
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (o *Obligation) Clone() *Obligation {
	c := *o
	c.Progress = o.Progress.clone()
	switch t := o.Terms.(type) {
	case *DebitTerms:
		d := *t
		d.Sources = append([]Source(nil), t.Sources...)
		if t.Installment != nil {
			inst := *t.Installment
			d.Installment = &inst
		}
		c.Terms = &d
	case *CreditTerms:
		cr := *t
		c.Terms = &cr
	}
	return &c
}

// =============================================================================
// TERMS - Sealed variant for kind-specific data
// =============================================================================

type Terms interface {
	Kind() Kind
	sealed()
}

// DebitTerms: money leaves one or more funding accounts.
type DebitTerms struct {
	Target      Target
	Sources     []Source
	Policy      ShortfallPolicy
	Installment *Installment // nil for open-ended obligations (credit cards, subscriptions)
}

func (*DebitTerms) Kind() Kind { return KindDebit }
func (*DebitTerms) sealed()    {}

// CreditTerms: money arrives in a single account. No waterfall.
type CreditTerms struct {
	TargetAccountID generic.AccountID
	Category        string
}

func (*CreditTerms) Kind() Kind { return KindCredit }
func (*CreditTerms) sealed()    {}

// Target is what a debit pays into.
type Target struct {
	Kind      TargetKind
	AccountID generic.AccountID
}

// Source is a funding account. Lower priority is tried first.
type Source struct {
	AccountID generic.AccountID
	Priority  int
}

// =============================================================================
// PROGRESS - Mutable state owned by the orchestrator
// =============================================================================

type Progress struct {
	// LastExecutedAt is the last time money moved (SUCCESS or PARTIAL).
	LastExecutedAt *time.Time

	// NextExecuteAt is the next attempt. Equal to DueAt unless a
	// RETRY_NEXT_DAY retry pushed it forward.
	NextExecuteAt *time.Time

	// DueAt is the due instant of the open period.
	DueAt *time.Time

	// SettledPeriod is the key of the last period that reached a terminal
	// outcome. Used to suppress a second execution in the same period.
	SettledPeriod string

	// Attempts counts attempts in the open period.
	Attempts int
}

func (p Progress) clone() Progress {
	c := p
	c.LastExecutedAt = copyTime(p.LastExecutedAt)
	c.NextExecuteAt = copyTime(p.NextExecuteAt)
	c.DueAt = copyTime(p.DueAt)
	return c
}

// Period returns the key of the open period ("YYYY-MM"), or "" before
// the schedule was initialized.
func (p Progress) Period() string {
	if p.DueAt == nil {
		return ""
	}
	return PeriodKey(*p.DueAt)
}

// PeriodKey maps a due instant to its period.
func PeriodKey(due time.Time) string {
	return generic.MonthOf(due).String()
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timePtr(t time.Time) *time.Time { return &t }
