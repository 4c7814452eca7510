package obligation

import "time"

// =============================================================================
// INSTALLMENT - Finite-term progress (loans, mortgages)
// =============================================================================

// Installment counts paid periods of a finite-term obligation.
// Remaining is always derived, never stored.
type Installment struct {
	TotalPeriods     int
	CompletedPeriods int
	StartDate        time.Time
}

func (i Installment) Remaining() int {
	if r := i.TotalPeriods - i.CompletedPeriods; r > 0 {
		return r
	}
	return 0
}

func (i Installment) Complete() bool {
	return i.CompletedPeriods >= i.TotalPeriods
}

// InstallmentEvent is what RecordInstallment observed.
type InstallmentEvent int

const (
	InstallmentNone      InstallmentEvent = iota // not an installment obligation, or status doesn't count
	InstallmentAdvanced                          // one more period paid
	InstallmentCompleted                         // last period paid, schedule disabled
)

// RecordInstallment advances the counter by exactly one period for a
// SUCCESS or PARTIAL outcome and disables the schedule on completion.
// A PARTIAL payment counts as a full period.
func RecordInstallment(o *Obligation, status Status) InstallmentEvent {
	d := o.Debit()
	if d == nil || d.Installment == nil {
		return InstallmentNone
	}
	if status != StatusSuccess && status != StatusPartial {
		return InstallmentNone
	}
	if d.Installment.Complete() {
		o.Enabled = false
		return InstallmentNone
	}

	d.Installment.CompletedPeriods++
	if d.Installment.Complete() {
		o.Enabled = false
		return InstallmentCompleted
	}
	return InstallmentAdvanced
}
