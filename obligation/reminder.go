package obligation

import "time"

// ReminderWindow reports whether now falls within ReminderLeadDays before
// the next attempt. The engine never sends reminders; an external notifier
// polls this.
func ReminderWindow(o *Obligation, now time.Time) bool {
	if !o.Enabled || o.ReminderLeadDays <= 0 || o.Progress.NextExecuteAt == nil {
		return false
	}
	next := *o.Progress.NextExecuteAt
	if !now.Before(next) {
		return false
	}
	start := next.AddDate(0, 0, -o.ReminderLeadDays)
	return !now.Before(start)
}
