package obligation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/obligation-engine/generic"
	"github.com/warp/obligation-engine/obligation"
)

func TestValidate_AcceptsWellFormedDefinitions(t *testing.T) {
	debit := schedule(31, 9, 0)
	assert.NoError(t, obligation.Validate(debit))

	credit := &obligation.Obligation{
		ID:         "salary",
		DayOfMonth: 25,
		ExecuteAt:  generic.TimeOfDay{Hour: 6},
		Amount:     obligation.FixedAmount{Amount: eur(3200)},
		Terms:      &obligation.CreditTerms{TargetAccountID: "checking", Category: "SALARY"},
	}
	assert.NoError(t, obligation.Validate(credit))

	// Empty sources are accepted; the resolver reports a policy violation.
	noSources := schedule(1, 9, 0)
	noSources.Debit().Sources = nil
	assert.NoError(t, obligation.Validate(noSources))
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		field  string
		mutate func(o *obligation.Obligation)
	}{
		{"missing id", "id", func(o *obligation.Obligation) { o.ID = "" }},
		{"day zero", "dayOfMonth", func(o *obligation.Obligation) { o.DayOfMonth = 0 }},
		{"day 32", "dayOfMonth", func(o *obligation.Obligation) { o.DayOfMonth = 32 }},
		{"bad time", "executeTime", func(o *obligation.Obligation) { o.ExecuteAt = generic.TimeOfDay{Hour: 24} }},
		{"negative lead", "reminderLeadDays", func(o *obligation.Obligation) { o.ReminderLeadDays = -1 }},
		{"zero amount", "amount", func(o *obligation.Obligation) { o.Amount = obligation.FixedAmount{Amount: eur(0)} }},
		{"loan without id", "amount.loanId", func(o *obligation.Obligation) { o.Amount = obligation.LoanPayment{} }},
		{"no terms", "kind", func(o *obligation.Obligation) { o.Terms = nil }},
		{"no target", "target.accountId", func(o *obligation.Obligation) { o.Debit().Target.AccountID = "" }},
		{"unknown policy", "shortfallPolicy", func(o *obligation.Obligation) { o.Debit().Policy = "PRAY" }},
		{"priority collision", "sources", func(o *obligation.Obligation) {
			o.Debit().Sources = []obligation.Source{{AccountID: "a", Priority: 1}, {AccountID: "b", Priority: 1}}
		}},
		{"account listed twice", "sources", func(o *obligation.Obligation) {
			o.Debit().Sources = []obligation.Source{{AccountID: "a", Priority: 1}, {AccountID: "a", Priority: 2}}
		}},
		{"completed over total", "installment.completedPeriods", func(o *obligation.Obligation) {
			o.Debit().Installment = &obligation.Installment{TotalPeriods: 3, CompletedPeriods: 4}
		}},
		{"zero total", "installment.totalPeriods", func(o *obligation.Obligation) {
			o.Debit().Installment = &obligation.Installment{TotalPeriods: 0}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := schedule(15, 9, 0)
			tt.mutate(o)

			err := obligation.Validate(o)
			require.Error(t, err)
			assert.ErrorIs(t, err, generic.ErrValidation)

			var verr *generic.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidate_CreditWithoutTarget(t *testing.T) {
	o := schedule(1, 9, 0)
	o.Terms = &obligation.CreditTerms{}

	err := obligation.Validate(o)
	assert.ErrorIs(t, err, generic.ErrValidation)
	assert.True(t, generic.IsClientError(err))
}
