package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/obligation-engine/generic"
	"github.com/warp/obligation-engine/obligation"
	"github.com/warp/obligation-engine/store/memory"
)

func rent() *obligation.Obligation {
	return &obligation.Obligation{
		ID:         "rent",
		Name:       "Rent",
		DayOfMonth: 1,
		Enabled:    true,
		Amount:     obligation.FixedAmount{Amount: generic.NewAmountFromInt(900, generic.DefaultCurrency)},
		Terms: &obligation.DebitTerms{
			Target:      obligation.Target{Kind: obligation.TargetTerm, AccountID: "landlord"},
			Sources:     []obligation.Source{{AccountID: "checking", Priority: 1}},
			Policy:      obligation.PolicyNotify,
			Installment: &obligation.Installment{TotalPeriods: 12},
		},
	}
}

func TestMemory_DefinitionAndProgressAreSeparate(t *testing.T) {
	// GIVEN: A stored schedule that has progressed two periods
	// WHEN: Its definition is edited
	// THEN: Progress and the installment counter survive, the version moves

	ctx := context.Background()
	m := memory.New()
	o := rent()
	obligation.Initialize(o, time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, m.Create(ctx, o))
	assert.ErrorIs(t, m.Create(ctx, rent()), generic.ErrDuplicate)

	two := 2
	stored, err := m.Get(ctx, "rent")
	require.NoError(t, err)
	obligation.Advance(stored)
	require.NoError(t, m.UpdateProgress(ctx, "rent", obligation.ProgressUpdate{
		Progress:         stored.Progress,
		CompletedPeriods: &two,
	}))

	edit := rent()
	edit.Name = "Flat rent"
	edit.Version = 1
	require.NoError(t, m.Update(ctx, edit))
	assert.Equal(t, 2, edit.Version)

	got, err := m.Get(ctx, "rent")
	require.NoError(t, err)
	assert.Equal(t, "Flat rent", got.Name)
	assert.Equal(t, "2025-03", got.Progress.Period())
	assert.Equal(t, 2, got.Debit().Installment.CompletedPeriods)

	edit.Version = 1
	assert.ErrorIs(t, m.Update(ctx, edit), generic.ErrConcurrentModification)

	// Callers get copies
	got.Debit().Sources[0].AccountID = "savings"
	again, _ := m.Get(ctx, "rent")
	assert.Equal(t, generic.AccountID("checking"), again.Debit().Sources[0].AccountID)
}

func TestMemory_ListDue(t *testing.T) {
	ctx := context.Background()
	m := memory.New()
	o := rent()
	obligation.Initialize(o, time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, m.Create(ctx, o))

	due, err := m.ListDue(ctx, time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, due)

	feb1 := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	due, err = m.ListDue(ctx, feb1)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	require.NoError(t, m.UpdateProgress(ctx, "rent", obligation.ProgressUpdate{Progress: o.Progress, Disable: true}))
	due, err = m.ListDue(ctx, feb1)
	require.NoError(t, err)
	assert.Empty(t, due, "disabled is never due")
}

func TestMemory_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	m := memory.New()
	require.NoError(t, m.Create(ctx, rent()))

	entry := obligation.Entry{ID: "e1", ObligationID: "rent", Period: "2025-02", Status: obligation.StatusSuccess, Terminal: true}
	err := m.WithTx(ctx, func(tx obligation.Store) error {
		require.NoError(t, tx.Append(ctx, entry))
		require.NoError(t, tx.SaveDraw(ctx, obligation.Draw{ObligationID: "rent", Period: "2025-02", Seq: 1, State: obligation.DrawSettled}))
		return errors.New("abort")
	})
	require.Error(t, err)

	has, err := m.HasTerminal(ctx, "rent", "2025-02")
	require.NoError(t, err)
	assert.False(t, has)
	draws, _ := m.Draws(ctx, "rent", "2025-02")
	assert.Empty(t, draws)

	require.NoError(t, m.WithTx(ctx, func(tx obligation.Store) error {
		return tx.Append(ctx, entry)
	}))
	assert.ErrorIs(t, m.Append(ctx, entry), generic.ErrDuplicate, "one terminal entry per period")

	// The log outlives the schedule
	require.NoError(t, m.Delete(ctx, "rent"))
	entries, err := m.Entries(ctx, "rent")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
