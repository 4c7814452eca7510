package obligation

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/obligation-engine/generic"
)

// =============================================================================
// AMOUNT SPEC - Fixed or derived, resolved right before money moves
// =============================================================================

// AmountSpec is FixedAmount or LoanPayment.
type AmountSpec interface {
	sealedAmount()
}

// FixedAmount is a constant amount per period (subscriptions, salary).
type FixedAmount struct {
	Amount generic.Amount
}

func (FixedAmount) sealedAmount() {}

// LoanPayment derives the amount from the loan's current terms.
// The payment can change between periods (rate change, prepayment).
type LoanPayment struct {
	LoanID string
}

func (LoanPayment) sealedAmount() {}

// PaymentQuoter returns the current monthly payment for a loan.
type PaymentQuoter interface {
	MonthlyPayment(ctx context.Context, loanID string) (generic.Amount, error)
}

// ResolveAmount returns the amount due for one period. Never cached: the
// caller must invoke it for every attempt.
func ResolveAmount(ctx context.Context, spec AmountSpec, quoter PaymentQuoter) (generic.Amount, error) {
	switch a := spec.(type) {
	case FixedAmount:
		return a.Amount, nil
	case LoanPayment:
		if quoter == nil {
			return generic.Amount{}, fmt.Errorf("no payment quoter for loan %s", a.LoanID)
		}
		amt, err := quoter.MonthlyPayment(ctx, a.LoanID)
		if err != nil {
			return generic.Amount{}, fmt.Errorf("quote loan %s: %w", a.LoanID, err)
		}
		return amt, nil
	default:
		return generic.Amount{}, fmt.Errorf("unknown amount spec %T", spec)
	}
}

// =============================================================================
// AMORTIZED QUOTER - Annuity payment from loan terms
// =============================================================================

// LoanTerms describes the outstanding part of a loan.
type LoanTerms struct {
	Principal      generic.Amount  // outstanding principal
	AnnualRate     decimal.Decimal // 0.05 = 5%
	RemainingTerms int             // months left
}

// AmortizedQuoter computes payments from registered loan terms. Terms can
// be replaced at any time; the next quote reflects them.
type AmortizedQuoter struct {
	mu    sync.RWMutex
	loans map[string]LoanTerms
}

func NewAmortizedQuoter() *AmortizedQuoter {
	return &AmortizedQuoter{loans: make(map[string]LoanTerms)}
}

func (q *AmortizedQuoter) SetLoan(loanID string, terms LoanTerms) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loans[loanID] = terms
}

func (q *AmortizedQuoter) MonthlyPayment(_ context.Context, loanID string) (generic.Amount, error) {
	q.mu.RLock()
	terms, ok := q.loans[loanID]
	q.mu.RUnlock()
	if !ok {
		return generic.Amount{}, fmt.Errorf("loan %s: %w", loanID, generic.ErrNotFound)
	}
	return AnnuityPayment(terms), nil
}

var twelve = decimal.NewFromInt(12)

// AnnuityPayment returns P*r*(1+r)^n / ((1+r)^n - 1) with r the monthly
// rate, rounded to cents. A zero rate splits the principal evenly.
func AnnuityPayment(t LoanTerms) generic.Amount {
	if t.RemainingTerms <= 0 {
		return t.Principal.Round(2)
	}
	n := decimal.NewFromInt(int64(t.RemainingTerms))
	if t.AnnualRate.IsZero() {
		return generic.Amount{Value: t.Principal.Value.DivRound(n, 2), Currency: t.Principal.Currency}
	}

	r := t.AnnualRate.Div(twelve)
	growth := decimal.NewFromInt(1).Add(r).Pow(n)
	numerator := t.Principal.Value.Mul(r).Mul(growth)
	denominator := growth.Sub(decimal.NewFromInt(1))
	return generic.Amount{Value: numerator.DivRound(denominator, 2), Currency: t.Principal.Currency}
}
