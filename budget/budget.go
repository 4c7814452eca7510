/*
Package budget implements recurring monthly budgets.

PURPOSE:
  A budget caps spending for a month, either in aggregate (empty category)
  or for one category (FOOD, TRANSPORT, ...). A budget flagged recurring is
  cloned forward into the next month at rollover. Cloning always inserts a
  new row; the source month stays untouched for historical reporting.

UNIQUENESS:
  At most one row per (month, category). The store enforces it and the
  applier relies on it: re-running a rollover finds the slot taken and
  moves on, so the job is idempotent.

TWO WAYS TO DELETE:
  DeleteThisMonth  hides the row from listings but keeps it as the source
                   of the next rollover. Future months are unaffected.
  CancelRecurring  clears IsRecurring on this row and every later row of
                   the same category. Generation stops.

SEE ALSO:
  - applier.go: Rollover and the delete operations
  - api/scheduler.go: Monthly cron job that calls Rollover
*/
package budget

import (
	"context"
	"time"

	"github.com/warp/obligation-engine/generic"
)

type ID string

// AggregateCategory is the category of the month-wide budget.
const AggregateCategory = ""

type Budget struct {
	ID          ID
	Month       generic.Month
	Category    string
	Amount      generic.Amount
	IsRecurring bool
	DeletedAt   *time.Time
	CreatedAt   time.Time
}

func (b Budget) Deleted() bool { return b.DeletedAt != nil }

// Store persists budgets. CreateBudget returns generic.ErrDuplicate when
// (month, category) is taken, tombstoned rows included.
type Store interface {
	CreateBudget(ctx context.Context, b Budget) error
	GetBudget(ctx context.Context, id ID) (Budget, error)

	// ListBudgets returns the month's rows; tombstoned rows only when
	// includeDeleted is set.
	ListBudgets(ctx context.Context, month generic.Month, includeDeleted bool) ([]Budget, error)

	MarkBudgetDeleted(ctx context.Context, id ID, at time.Time) error

	// StopRecurring clears IsRecurring on every row of category with
	// month >= from and returns how many rows changed.
	StopRecurring(ctx context.Context, category string, from generic.Month) (int, error)
}
