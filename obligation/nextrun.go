package obligation

import (
	"time"

	"github.com/warp/obligation-engine/generic"
)

// =============================================================================
// NEXT-RUN CALCULATOR
// =============================================================================

// ComputeNextRun returns the next due instant strictly after ref.
//
// The candidate is DayOfMonth at ExecuteAt in ref's month, clamped to the
// month length (31 -> 28/29/30). If the candidate is not after ref, or its
// period was already settled, the following month is used instead.
//
// Pure: same inputs always give the same output. The location of ref is the
// location of the result.
func ComputeNextRun(o *Obligation, ref time.Time) time.Time {
	loc := ref.Location()
	month := generic.MonthOf(ref)

	candidate := DueIn(o, month, loc)
	if !candidate.After(ref) || settled(o, candidate) {
		candidate = DueIn(o, month.Next(), loc)
	}
	return candidate
}

// DueIn returns the due instant of the obligation within the given month.
func DueIn(o *Obligation, m generic.Month, loc *time.Location) time.Time {
	day := generic.ClampDay(m.Year, m.Month, o.DayOfMonth)
	return o.ExecuteAt.On(m.Year, m.Month, day, loc)
}

func settled(o *Obligation, candidate time.Time) bool {
	last := o.Progress.SettledPeriod
	return last != "" && PeriodKey(candidate) <= last
}

// Initialize sets the first open period relative to now. Any retry state
// from a previous period is discarded.
func Initialize(o *Obligation, now time.Time) {
	next := ComputeNextRun(o, now)
	o.Progress.DueAt = timePtr(next)
	o.Progress.NextExecuteAt = timePtr(next)
	o.Progress.Attempts = 0
}

// Advance closes the open period and opens the following one. The next due
// instant is computed from the closed period's due instant, not from now, so
// a late execution never shifts the schedule.
func Advance(o *Obligation) {
	if o.Progress.DueAt == nil {
		return
	}
	closed := *o.Progress.DueAt
	o.Progress.SettledPeriod = PeriodKey(closed)
	next := ComputeNextRun(o, closed)
	o.Progress.DueAt = timePtr(next)
	o.Progress.NextExecuteAt = timePtr(next)
	o.Progress.Attempts = 0
}

// FollowingDue returns the due instant of the period after the open one.
func FollowingDue(o *Obligation) (time.Time, bool) {
	if o.Progress.DueAt == nil {
		return time.Time{}, false
	}
	due := *o.Progress.DueAt
	return DueIn(o, generic.MonthOf(due).Next(), due.Location()), true
}

// IsPending reports whether the obligation should be picked up at now:
// enabled, initialized, next attempt reached, and installment not complete.
func IsPending(o *Obligation, now time.Time) bool {
	if !o.Enabled || o.Progress.NextExecuteAt == nil {
		return false
	}
	if o.Progress.NextExecuteAt.After(now) {
		return false
	}
	if d := o.Debit(); d != nil && d.Installment != nil && d.Installment.Complete() {
		return false
	}
	return o.Progress.Period() != o.Progress.SettledPeriod
}
