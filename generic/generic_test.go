package generic_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/obligation-engine/generic"
)

// =============================================================================
// CALENDAR
// =============================================================================

func TestClampDay(t *testing.T) {
	tests := []struct {
		name  string
		year  int
		month time.Month
		day   int
		want  int
	}{
		{"31st in February", 2025, time.February, 31, 28},
		{"31st in leap February", 2024, time.February, 31, 29},
		{"31st in April", 2025, time.April, 31, 30},
		{"31st in January", 2025, time.January, 31, 31},
		{"15th anywhere", 2025, time.June, 15, 15},
		{"below range", 2025, time.June, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, generic.ClampDay(tt.year, tt.month, tt.day))
		})
	}
}

func TestMonth_Navigation(t *testing.T) {
	dec := generic.NewMonth(2024, time.December)
	assert.Equal(t, "2025-01", dec.Next().String())
	assert.Equal(t, "2024-11", dec.Prev().String())
	assert.Equal(t, "2025-02", dec.AddMonths(2).String())
	assert.Equal(t, "2023-12", generic.NewMonth(2024, time.January).Prev().String())

	assert.True(t, dec.Before(dec.Next()))
	assert.True(t, dec.After(dec.Prev()))
	assert.True(t, dec.Equal(generic.MonthOf(time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC))))
	assert.Equal(t, 29, generic.NewMonth(2024, time.February).Days())

	m, err := generic.ParseMonth("2025-03")
	require.NoError(t, err)
	assert.Equal(t, generic.NewMonth(2025, time.March), m)

	_, err = generic.ParseMonth("03/2025")
	assert.Error(t, err)
}

func TestTimeOfDay(t *testing.T) {
	tod, err := generic.ParseTimeOfDay("07:05")
	require.NoError(t, err)
	assert.Equal(t, generic.TimeOfDay{Hour: 7, Minute: 5}, tod)
	assert.Equal(t, "07:05", tod.String())
	assert.True(t, tod.Valid())

	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)
	at := tod.On(2025, time.March, 30, paris)
	assert.Equal(t, 7, at.Hour(), "wall clock kept across the DST switch")
	assert.Equal(t, paris, at.Location())

	for _, bad := range []string{"24:00", "7", "07:60", ""} {
		_, err := generic.ParseTimeOfDay(bad)
		assert.Error(t, err, bad)
	}
	assert.False(t, generic.TimeOfDay{Hour: 25}.Valid())
}

// =============================================================================
// AMOUNTS
// =============================================================================

func TestAmount_Arithmetic(t *testing.T) {
	due := generic.NewAmountFromString("120.10", generic.DefaultCurrency)
	drawn := generic.NewAmountFromString("0.10", generic.DefaultCurrency)

	assert.Equal(t, "120.00 EUR", due.Sub(drawn).String())
	assert.True(t, due.Sub(drawn).Add(drawn).Equal(due), "no float drift")
	assert.Equal(t, drawn, due.Min(drawn))
	assert.Equal(t, due, due.Max(drawn))
	assert.True(t, due.Sub(due).IsZero())
	assert.True(t, drawn.Sub(due).IsNegative())

	_, err := generic.ParseAmount("12,50", generic.DefaultCurrency)
	assert.Error(t, err)
	assert.True(t, generic.NewAmountFromString("junk", "USD").IsZero())
}

// =============================================================================
// ERRORS
// =============================================================================

func TestAsTransient(t *testing.T) {
	// GIVEN: A timeout from the ledger
	// THEN: It is transient and never mistaken for an empty account

	err := generic.AsTransient("debit", "checking", context.DeadlineExceeded)
	assert.ErrorIs(t, err, generic.ErrTransientLedger)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, generic.ErrInsufficientFunds)
	assert.True(t, generic.IsRetryable(err))

	var tle *generic.TransientLedgerError
	require.ErrorAs(t, err, &tle)
	assert.Equal(t, generic.AccountID("checking"), tle.AccountID)

	// Insufficient funds passes through untouched
	short := &generic.InsufficientFundsError{AccountID: "checking"}
	assert.Same(t, short, generic.AsTransient("debit", "checking", short))
	assert.False(t, generic.IsRetryable(short))

	// Already transient is not wrapped twice
	assert.Equal(t, err, generic.AsTransient("debit", "checking", err))
	assert.NoError(t, generic.AsTransient("debit", "checking", nil))
}

func TestErrorClassification(t *testing.T) {
	invalid := generic.Invalid("dayOfMonth", "must be between 1 and 31, got %d", 0)
	assert.ErrorIs(t, invalid, generic.ErrValidation)
	assert.Contains(t, invalid.Error(), "dayOfMonth")
	assert.True(t, generic.IsClientError(invalid))

	wrapped := fmt.Errorf("load x: %w", generic.ErrNotFound)
	assert.True(t, generic.IsNotFound(wrapped))
	assert.False(t, generic.IsClientError(wrapped))

	assert.True(t, generic.IsRetryable(fmt.Errorf("update: %w", generic.ErrConcurrentModification)))
	assert.True(t, generic.IsRetryable(generic.ErrLockHeld))
	assert.False(t, generic.IsRetryable(errors.New("boom")))

	pv := &generic.PolicyViolationError{ObligationID: "visa", Reason: "no sources"}
	assert.ErrorIs(t, pv, generic.ErrPolicyViolation)
}
