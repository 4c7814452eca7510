package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/obligation-engine/budget"
	"github.com/warp/obligation-engine/engine"
	"github.com/warp/obligation-engine/generic"
	"github.com/warp/obligation-engine/ledger"
	"github.com/warp/obligation-engine/lock"
	"github.com/warp/obligation-engine/obligation"
	"github.com/warp/obligation-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func eur(v int64) generic.Amount {
	return generic.NewAmountFromInt(v, generic.DefaultCurrency)
}

func loan(id string) *obligation.Obligation {
	return &obligation.Obligation{
		ID:         obligation.ID(id),
		Name:       "Car loan",
		DayOfMonth: 31,
		ExecuteAt:  generic.TimeOfDay{Hour: 9},
		Enabled:    true,
		Amount:     obligation.FixedAmount{Amount: eur(250)},
		Terms: &obligation.DebitTerms{
			Target:      obligation.Target{Kind: obligation.TargetTerm, AccountID: "car-loan"},
			Sources:     []obligation.Source{{AccountID: "checking", Priority: 1}},
			Policy:      obligation.PolicyPartialPay,
			Installment: &obligation.Installment{TotalPeriods: 36},
		},
	}
}

// =============================================================================
// SCHEDULES
// =============================================================================

func TestStore_CreateGetKeepsZoneAndProgress(t *testing.T) {
	// GIVEN: A schedule whose instants are in Europe/Paris
	// THEN: They come back in Europe/Paris, not UTC

	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)
	s := newStore(t)
	ctx := context.Background()

	o := loan("car")
	obligation.Initialize(o, time.Date(2025, time.March, 1, 0, 0, 0, 0, paris))
	require.NoError(t, s.Create(ctx, o))
	assert.Equal(t, 1, o.Version)

	got, err := s.Get(ctx, "car")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Paris", got.Progress.NextExecuteAt.Location().String())
	assert.True(t, got.Progress.NextExecuteAt.Equal(time.Date(2025, time.March, 31, 9, 0, 0, 0, paris)))
	assert.Equal(t, obligation.PolicyPartialPay, got.Debit().Policy)
	assert.Equal(t, 36, got.Debit().Installment.TotalPeriods)

	assert.ErrorIs(t, s.Create(ctx, loan("car")), generic.ErrDuplicate)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestStore_UpdateKeepsProgress(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	o := loan("car")
	obligation.Initialize(o, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, s.Create(ctx, o))

	completed := 5
	o.Progress.Attempts = 2
	o.Progress.SettledPeriod = "2025-01"
	require.NoError(t, s.UpdateProgress(ctx, "car", obligation.ProgressUpdate{Progress: o.Progress, CompletedPeriods: &completed}))

	// A user edit built from a stale read
	edit := loan("car")
	edit.Version = 1
	edit.Name = "Car loan (refinanced)"
	require.NoError(t, s.Update(ctx, edit))
	assert.Equal(t, 2, edit.Version)

	got, err := s.Get(ctx, "car")
	require.NoError(t, err)
	assert.Equal(t, "Car loan (refinanced)", got.Name)
	assert.Equal(t, 5, got.Debit().Installment.CompletedPeriods, "counter is orchestrator-owned")
	assert.Equal(t, 2, got.Progress.Attempts)
	assert.Equal(t, "2025-01", got.Progress.SettledPeriod)

	edit.Version = 1
	assert.ErrorIs(t, s.Update(ctx, edit), generic.ErrConcurrentModification)

	ghost := loan("ghost")
	ghost.Version = 1
	assert.ErrorIs(t, s.Update(ctx, ghost), generic.ErrNotFound)
}

func TestStore_UpdateProgressDisable(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	o := loan("car")
	require.NoError(t, s.Create(ctx, o))

	require.NoError(t, s.UpdateProgress(ctx, "car", obligation.ProgressUpdate{Disable: true}))
	got, err := s.Get(ctx, "car")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	assert.ErrorIs(t, s.UpdateProgress(ctx, "missing", obligation.ProgressUpdate{}), generic.ErrNotFound)
}

func TestStore_ListDue(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	jan := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

	due := loan("due")
	obligation.Initialize(due, jan)
	require.NoError(t, s.Create(ctx, due))

	off := loan("off")
	off.Enabled = false
	obligation.Initialize(off, jan)
	require.NoError(t, s.Create(ctx, off))

	later := loan("later")
	later.DayOfMonth = 1
	obligation.Initialize(later, jan.Add(time.Hour*10))
	require.NoError(t, s.Create(ctx, later))

	list, err := s.ListDue(ctx, time.Date(2025, time.January, 31, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, obligation.ID("due"), list[0].ID)

	require.NoError(t, s.Delete(ctx, "due"))
	assert.ErrorIs(t, s.Delete(ctx, "due"), generic.ErrNotFound)
}

// =============================================================================
// LOG, DRAWS, TRANSACTIONS
// =============================================================================

func TestStore_OneTerminalEntryPerPeriod(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	at := time.Date(2025, time.January, 31, 9, 0, 0, 0, time.UTC)

	entry := func(id string, terminal bool) obligation.Entry {
		return obligation.Entry{
			ID: id, ObligationID: "car", Period: "2025-01", AttemptedAt: at,
			Status: obligation.StatusInsufficientFunds, Terminal: terminal, Amount: eur(250),
		}
	}

	require.NoError(t, s.Append(ctx, entry("a", false)))
	require.NoError(t, s.Append(ctx, entry("b", false)), "non-terminal attempts are unlimited")
	require.NoError(t, s.Append(ctx, entry("c", true)))
	assert.ErrorIs(t, s.Append(ctx, entry("d", true)), generic.ErrDuplicate)

	settled, err := s.HasTerminal(ctx, "car", "2025-01")
	require.NoError(t, err)
	assert.True(t, settled)

	entries, err := s.Entries(ctx, "car")
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.True(t, entries[0].Amount.Equal(eur(250)))
}

func TestStore_DrawUpsert(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	d := obligation.Draw{
		ObligationID: "car", Period: "2025-01", Seq: 0, AccountID: "checking",
		Amount: eur(100), State: obligation.DrawPending, At: time.Now(),
	}
	require.NoError(t, s.SaveDraw(ctx, d))

	d.State = obligation.DrawSettled
	d.LedgerRecordID = "rec-1"
	require.NoError(t, s.SaveDraw(ctx, d))

	draws, err := s.Draws(ctx, "car", "2025-01")
	require.NoError(t, err)
	require.Len(t, draws, 1)
	assert.Equal(t, obligation.DrawSettled, draws[0].State)
	assert.Equal(t, generic.LedgerRecordID("rec-1"), draws[0].LedgerRecordID)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, loan("car")))

	err := s.WithTx(ctx, func(tx obligation.Store) error {
		require.NoError(t, tx.Append(ctx, obligation.Entry{
			ID: "x", ObligationID: "car", Period: "2025-01", Status: obligation.StatusSuccess,
			Terminal: true, Amount: eur(1),
		}))
		return errors.New("boom")
	})
	require.Error(t, err)

	settled, err := s.HasTerminal(ctx, "car", "2025-01")
	require.NoError(t, err)
	assert.False(t, settled)
}

func TestStore_DrivesTheOrchestrator(t *testing.T) {
	// GIVEN: The engine running on SQLite
	// WHEN: Sweeping the same instant twice
	// THEN: One SUCCESS, schedule advanced

	s := newStore(t)
	l := ledger.NewMemory(generic.DefaultCurrency)
	l.SetBalance("checking", eur(1000))
	e := engine.New(engine.Deps{Store: s, Ledger: l, Locker: lock.NewMemory()}, engine.Config{})
	ctx := context.Background()

	_, err := e.Register(ctx, loan("car"), time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	now := time.Date(2025, time.January, 31, 9, 1, 0, 0, time.UTC)
	_, err = e.Sweep(ctx, now)
	require.NoError(t, err)
	_, err = e.Sweep(ctx, now)
	require.NoError(t, err)

	entries, err := s.Entries(ctx, "car")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, obligation.StatusSuccess, entries[0].Status)

	got, err := s.Get(ctx, "car")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Debit().Installment.CompletedPeriods)
	assert.Equal(t, time.Date(2025, time.February, 28, 9, 0, 0, 0, time.UTC), *got.Progress.NextExecuteAt)
}

// =============================================================================
// BUDGETS
// =============================================================================

func TestStore_BudgetRollover(t *testing.T) {
	s := newStore(t)
	a := budget.NewApplier(s, nil)
	ctx := context.Background()
	jan := generic.NewMonth(2025, time.January)
	feb := jan.Next()

	food, err := a.Create(ctx, budget.Budget{Month: jan, Category: "FOOD", Amount: eur(400), IsRecurring: true})
	require.NoError(t, err)
	require.NoError(t, a.DeleteThisMonth(ctx, food.ID))

	for i := 0; i < 2; i++ {
		_, err := a.Rollover(ctx, feb)
		require.NoError(t, err)
	}
	rows, err := a.List(ctx, feb)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	n, err := a.CancelRecurring(ctx, rows[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := a.Rollover(ctx, feb.Next())
	require.NoError(t, err)
	assert.Empty(t, res.Created)

	all, err := s.ListBudgets(ctx, jan, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Deleted())
	assert.True(t, all[0].IsRecurring)
}

// =============================================================================
// ERROR MAPPING (sqlmock)
// =============================================================================

func TestStore_ErrorMapping(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := sqlite.NewWithDB(db)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO obligations").
		WillReturnError(errors.New("UNIQUE constraint failed: obligations.id"))
	assert.ErrorIs(t, s.Create(ctx, loan("car")), generic.ErrDuplicate)

	mock.ExpectExec("UPDATE obligations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("car").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	stale := loan("car")
	stale.Version = 3
	assert.ErrorIs(t, s.Update(ctx, stale), generic.ErrConcurrentModification)

	mock.ExpectExec("INSERT INTO execution_log").
		WillReturnError(errors.New("UNIQUE constraint failed: execution_log.obligation_id, execution_log.period"))
	assert.ErrorIs(t, s.Append(ctx, obligation.Entry{ID: "x", ObligationID: "car", Terminal: true, Amount: eur(1)}), generic.ErrDuplicate)

	mock.ExpectQuery("SELECT EXISTS").WillReturnError(errors.New("disk I/O error"))
	_, err = s.HasTerminal(ctx, "car", "2025-01")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, generic.ErrDuplicate)

	assert.NoError(t, mock.ExpectationsWereMet())
}
