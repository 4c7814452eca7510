package obligation

import (
	"github.com/warp/obligation-engine/generic"
)

// =============================================================================
// VALIDATION - Rejected at write time, never reaches the orchestrator
// =============================================================================

// Validate checks a definition. The first problem found is returned as a
// *generic.ValidationError.
func Validate(o *Obligation) error {
	if o == nil {
		return generic.Invalid("obligation", "missing")
	}
	if o.ID == "" {
		return generic.Invalid("id", "required")
	}
	if o.DayOfMonth < 1 || o.DayOfMonth > 31 {
		return generic.Invalid("dayOfMonth", "must be between 1 and 31, got %d", o.DayOfMonth)
	}
	if !o.ExecuteAt.Valid() {
		return generic.Invalid("executeTime", "invalid time of day %s", o.ExecuteAt)
	}
	if o.ReminderLeadDays < 0 {
		return generic.Invalid("reminderLeadDays", "must not be negative")
	}
	if err := validateAmount(o.Amount); err != nil {
		return err
	}

	switch t := o.Terms.(type) {
	case *DebitTerms:
		return validateDebit(t)
	case *CreditTerms:
		if t.TargetAccountID == "" {
			return generic.Invalid("targetAccountId", "required for credit obligations")
		}
		return nil
	default:
		return generic.Invalid("kind", "must be DEBIT or CREDIT")
	}
}

func validateAmount(spec AmountSpec) error {
	switch a := spec.(type) {
	case FixedAmount:
		if !a.Amount.IsPositive() {
			return generic.Invalid("amount", "must be positive, got %s", a.Amount)
		}
	case LoanPayment:
		if a.LoanID == "" {
			return generic.Invalid("amount.loanId", "required for derived amounts")
		}
	default:
		return generic.Invalid("amount", "required")
	}
	return nil
}

func validateDebit(d *DebitTerms) error {
	if d.Target.AccountID == "" {
		return generic.Invalid("target.accountId", "required for debit obligations")
	}
	switch d.Target.Kind {
	case TargetRevolving, TargetTerm:
	default:
		return generic.Invalid("target.kind", "unknown target kind %q", d.Target.Kind)
	}
	if !d.Policy.Valid() {
		return generic.Invalid("shortfallPolicy", "unknown policy %q", d.Policy)
	}

	priorities := make(map[int]bool, len(d.Sources))
	accounts := make(map[generic.AccountID]bool, len(d.Sources))
	for _, s := range d.Sources {
		if s.AccountID == "" {
			return generic.Invalid("sources", "account id required")
		}
		if priorities[s.Priority] {
			return generic.Invalid("sources", "priority %d used more than once", s.Priority)
		}
		if accounts[s.AccountID] {
			return generic.Invalid("sources", "account %s listed more than once", s.AccountID)
		}
		priorities[s.Priority] = true
		accounts[s.AccountID] = true
	}

	if inst := d.Installment; inst != nil {
		if inst.TotalPeriods < 1 {
			return generic.Invalid("installment.totalPeriods", "must be at least 1")
		}
		if inst.CompletedPeriods < 0 || inst.CompletedPeriods > inst.TotalPeriods {
			return generic.Invalid("installment.completedPeriods", "must be between 0 and %d", inst.TotalPeriods)
		}
	}
	return nil
}
