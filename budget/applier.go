package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/warp/obligation-engine/generic"
	"go.uber.org/zap"
)

var rolledOver = promauto.NewCounter(prometheus.CounterOpts{
	Name: "budgets_rolled_over_total",
	Help: "Recurring budget rows created by rollover.",
})

// =============================================================================
// APPLIER
// =============================================================================

type Applier struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewApplier(store Store, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{store: store, logger: logger, now: time.Now}
}

// RolloverResult summarizes one run.
type RolloverResult struct {
	Month    generic.Month
	Created  []Budget
	Existing int // slots already taken in the target month
}

// Create validates and inserts a budget.
func (a *Applier) Create(ctx context.Context, b Budget) (Budget, error) {
	if b.Month.IsZero() {
		return Budget{}, generic.Invalid("month", "required")
	}
	if !b.Amount.IsPositive() {
		return Budget{}, generic.Invalid("amount", "must be positive, got %s", b.Amount)
	}
	if b.ID == "" {
		b.ID = ID(uuid.NewString())
	}
	b.DeletedAt = nil
	b.CreatedAt = a.now().UTC()

	if err := a.store.CreateBudget(ctx, b); err != nil {
		return Budget{}, fmt.Errorf("create budget %s/%q: %w", b.Month, b.Category, err)
	}
	return b, nil
}

// Rollover clones every recurring row of month.Prev() into month.
// Running it again for the same month creates nothing.
func (a *Applier) Rollover(ctx context.Context, month generic.Month) (RolloverResult, error) {
	result := RolloverResult{Month: month}
	prev := month.Prev()

	// Tombstoned rows still feed the next month.
	sources, err := a.store.ListBudgets(ctx, prev, true)
	if err != nil {
		return result, fmt.Errorf("list budgets for %s: %w", prev, err)
	}

	for _, src := range sources {
		if !src.IsRecurring {
			continue
		}
		next := Budget{
			ID:          ID(uuid.NewString()),
			Month:       month,
			Category:    src.Category,
			Amount:      src.Amount,
			IsRecurring: true,
			CreatedAt:   a.now().UTC(),
		}
		err := a.store.CreateBudget(ctx, next)
		switch {
		case err == nil:
			result.Created = append(result.Created, next)
			rolledOver.Inc()
		case errors.Is(err, generic.ErrDuplicate):
			result.Existing++
		default:
			return result, fmt.Errorf("roll over %q into %s: %w", src.Category, month, err)
		}
	}

	a.logger.Info("budget rollover",
		zap.Stringer("month", month),
		zap.Int("created", len(result.Created)),
		zap.Int("existing", result.Existing))
	return result, nil
}

// DeleteThisMonth hides the row. The next rollover still clones it.
func (a *Applier) DeleteThisMonth(ctx context.Context, id ID) error {
	b, err := a.store.GetBudget(ctx, id)
	if err != nil {
		return err
	}
	if b.Deleted() {
		return nil
	}
	return a.store.MarkBudgetDeleted(ctx, id, a.now().UTC())
}

// CancelRecurring stops generation from this row onward.
func (a *Applier) CancelRecurring(ctx context.Context, id ID) (int, error) {
	b, err := a.store.GetBudget(ctx, id)
	if err != nil {
		return 0, err
	}
	n, err := a.store.StopRecurring(ctx, b.Category, b.Month)
	if err != nil {
		return 0, fmt.Errorf("cancel recurring %s: %w", id, err)
	}
	a.logger.Info("budget recurrence cancelled",
		zap.String("budget_id", string(id)),
		zap.String("category", b.Category),
		zap.Stringer("from", b.Month),
		zap.Int("rows", n))
	return n, nil
}

// List returns the visible budgets of a month.
func (a *Applier) List(ctx context.Context, month generic.Month) ([]Budget, error) {
	return a.store.ListBudgets(ctx, month, false)
}
