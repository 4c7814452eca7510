package obligation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/obligation-engine/generic"
	"github.com/warp/obligation-engine/ledger"
	"github.com/warp/obligation-engine/obligation"
	"github.com/warp/obligation-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type waterfallFixture struct {
	ledger   *ledger.Memory
	store    *memory.Memory
	resolver *obligation.Resolver
}

func newWaterfall(balances map[generic.AccountID]int64) *waterfallFixture {
	l := ledger.NewMemory(generic.DefaultCurrency)
	for acc, v := range balances {
		l.SetBalance(acc, eur(v))
	}
	s := memory.New()
	return &waterfallFixture{ledger: l, store: s, resolver: obligation.NewResolver(l, s)}
}

// threeSources is the [50, 0, 200] setup with priorities [1, 2, 3].
func threeSources(policy obligation.ShortfallPolicy) (*waterfallFixture, *obligation.Obligation) {
	f := newWaterfall(map[generic.AccountID]int64{"src-1": 50, "src-2": 0, "src-3": 200})
	o := schedule(15, 9, 0)
	o.Debit().Policy = policy
	o.Debit().Sources = []obligation.Source{
		{AccountID: "src-3", Priority: 3},
		{AccountID: "src-1", Priority: 1},
		{AccountID: "src-2", Priority: 2},
	}
	return f, o
}

func request(o *obligation.Obligation, due int64) obligation.Request {
	return obligation.Request{
		Obligation: o,
		Period:     "2025-01",
		AmountDue:  eur(due),
		At:         at(2025, time.January, 15, 9, 0),
	}
}

func (f *waterfallFixture) balance(t *testing.T, acc generic.AccountID) generic.Amount {
	b, err := f.ledger.Balance(context.Background(), acc)
	require.NoError(t, err)
	return b
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestWaterfall_TryNextSource_AccumulatesAcrossSources(t *testing.T) {
	// GIVEN: Balances [50, 0, 200], priorities [1, 2, 3], 120 due
	// WHEN: Resolving with TRY_NEXT_SOURCE
	// THEN: 50 from src-1, nothing from src-2, 70 from src-3, SUCCESS

	f, o := threeSources(obligation.PolicyTryNextSource)
	out := f.resolver.Resolve(context.Background(), request(o, 120))

	require.Equal(t, obligation.StatusSuccess, out.Status, out.Message)
	assert.True(t, out.Drawn.Equal(eur(120)))
	require.Len(t, out.Draws, 2)
	assert.Equal(t, generic.AccountID("src-1"), out.Draws[0].AccountID)
	assert.True(t, out.Draws[0].Amount.Equal(eur(50)))
	assert.Equal(t, generic.AccountID("src-3"), out.Draws[1].AccountID)
	assert.True(t, out.Draws[1].Amount.Equal(eur(70)))

	assert.True(t, f.balance(t, "src-1").IsZero())
	assert.True(t, f.balance(t, "src-3").Equal(eur(130)))
	assert.True(t, f.balance(t, "card").Equal(out.Drawn), "target receives what was drawn")
}

func TestWaterfall_PartialPay_DrawsFirstFundedSourceOnly(t *testing.T) {
	// GIVEN: Same sources, PARTIAL_PAY
	// THEN: 50 from src-1 only, PARTIAL

	f, o := threeSources(obligation.PolicyPartialPay)
	out := f.resolver.Resolve(context.Background(), request(o, 120))

	require.Equal(t, obligation.StatusPartial, out.Status)
	assert.True(t, out.Drawn.Equal(eur(50)))
	require.Len(t, out.Draws, 1)
	assert.Equal(t, generic.AccountID("src-1"), out.Draws[0].AccountID)
	assert.True(t, f.balance(t, "src-3").Equal(eur(200)), "lower priority source untouched")
}

func TestWaterfall_FirstFundedSourceCoversInFull(t *testing.T) {
	// GIVEN: src-1 is empty, src-2 has enough
	// THEN: src-2 pays in full regardless of policy

	for _, policy := range []obligation.ShortfallPolicy{
		obligation.PolicyNotify, obligation.PolicyPartialPay, obligation.PolicySkip,
	} {
		f := newWaterfall(map[generic.AccountID]int64{"src-1": 0, "src-2": 500})
		o := schedule(15, 9, 0)
		o.Debit().Policy = policy
		o.Debit().Sources = []obligation.Source{{AccountID: "src-1", Priority: 1}, {AccountID: "src-2", Priority: 2}}

		out := f.resolver.Resolve(context.Background(), request(o, 120))
		assert.Equal(t, obligation.StatusSuccess, out.Status, string(policy))
		src, rec := out.FirstSource()
		assert.Equal(t, generic.AccountID("src-2"), src)
		assert.NotEmpty(t, rec)
	}
}

func TestWaterfall_ShortFirstSourceStopsTheWalk(t *testing.T) {
	// GIVEN: Balances [10, 200], 100 due. src-2 alone could pay.
	// WHEN: Resolving with every policy except TRY_NEXT_SOURCE
	// THEN: src-2 is never reached; only PARTIAL_PAY draws, and only from src-1

	tests := []struct {
		policy obligation.ShortfallPolicy
		status obligation.Status
		drawn  int64
	}{
		{obligation.PolicyNotify, obligation.StatusInsufficientFunds, 0},
		{obligation.PolicyRetryNextDay, obligation.StatusInsufficientFunds, 0},
		{obligation.PolicySkip, obligation.StatusSkipped, 0},
		{obligation.PolicyPartialPay, obligation.StatusPartial, 10},
		{obligation.PolicyTryNextSource, obligation.StatusSuccess, 100},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			f := newWaterfall(map[generic.AccountID]int64{"src-1": 10, "src-2": 200})
			o := schedule(15, 9, 0)
			o.Debit().Policy = tt.policy
			o.Debit().Sources = []obligation.Source{{AccountID: "src-1", Priority: 1}, {AccountID: "src-2", Priority: 2}}

			out := f.resolver.Resolve(context.Background(), request(o, 100))
			assert.Equal(t, tt.status, out.Status, out.Message)
			assert.True(t, out.Drawn.Equal(eur(tt.drawn)), out.Drawn.String())
			if tt.policy != obligation.PolicyTryNextSource {
				assert.True(t, f.balance(t, "src-2").Equal(eur(200)))
			}
		})
	}
}

func TestWaterfall_PaymentLandsOnTarget(t *testing.T) {
	// GIVEN: A loan paid from checking
	// WHEN: Resolving, then resolving again for the same period
	// THEN: The loan account moves by exactly the drawn amount, once

	f := newWaterfall(map[generic.AccountID]int64{"checking": 500, "loan-1": -5000})
	o := schedule(15, 9, 0)
	o.Debit().Target = obligation.Target{Kind: obligation.TargetTerm, AccountID: "loan-1"}

	out := f.resolver.Resolve(context.Background(), request(o, 120))
	require.Equal(t, obligation.StatusSuccess, out.Status)
	assert.True(t, f.balance(t, "loan-1").Equal(eur(-5000).Add(out.Drawn)))
	assert.True(t, f.balance(t, "checking").Equal(eur(380)))

	f.resolver.Resolve(context.Background(), request(o, 120))
	assert.True(t, f.balance(t, "loan-1").Equal(eur(-4880)))
	for _, rec := range f.ledger.Records() {
		assert.Equal(t, generic.AccountID("loan-1"), rec.Posting.Counterparty)
	}
}

func TestWaterfall_Notify_DrawsNothing(t *testing.T) {
	f, o := threeSources(obligation.PolicyNotify)
	out := f.resolver.Resolve(context.Background(), request(o, 120))

	assert.Equal(t, obligation.StatusInsufficientFunds, out.Status)
	assert.True(t, out.Drawn.IsZero())
	assert.Nil(t, out.RetryAt)
	assert.Empty(t, f.ledger.Records())
}

func TestWaterfall_RetryNextDay_SchedulesRetry(t *testing.T) {
	f, o := threeSources(obligation.PolicyRetryNextDay)
	req := request(o, 120)
	out := f.resolver.Resolve(context.Background(), req)

	assert.Equal(t, obligation.StatusInsufficientFunds, out.Status)
	require.NotNil(t, out.RetryAt)
	assert.Equal(t, req.At.AddDate(0, 0, 1), *out.RetryAt)
	assert.Empty(t, f.ledger.Records())
}

func TestWaterfall_Skip(t *testing.T) {
	f, o := threeSources(obligation.PolicySkip)
	out := f.resolver.Resolve(context.Background(), request(o, 120))

	assert.Equal(t, obligation.StatusSkipped, out.Status)
	assert.Empty(t, f.ledger.Records())
}

func TestWaterfall_TryNextSource_SingleSourceBehavesAsNotify(t *testing.T) {
	f := newWaterfall(map[generic.AccountID]int64{"only": 50})
	o := schedule(15, 9, 0)
	o.Debit().Policy = obligation.PolicyTryNextSource
	o.Debit().Sources = []obligation.Source{{AccountID: "only", Priority: 1}}

	out := f.resolver.Resolve(context.Background(), request(o, 120))
	assert.Equal(t, obligation.StatusInsufficientFunds, out.Status)
	assert.True(t, f.balance(t, "only").Equal(eur(50)), "nothing drawn")
}

func TestWaterfall_NoSources_IsPolicyViolation(t *testing.T) {
	f := newWaterfall(nil)
	o := schedule(15, 9, 0)
	o.Debit().Policy = obligation.PolicyTryNextSource
	o.Debit().Sources = nil

	out := f.resolver.Resolve(context.Background(), request(o, 120))
	assert.Equal(t, obligation.StatusInsufficientFunds, out.Status)
	assert.True(t, out.PolicyViolation())
	assert.ErrorIs(t, out.Err, generic.ErrPolicyViolation)
}

func TestWaterfall_TryNextSource_ExhaustedWithNothing(t *testing.T) {
	f := newWaterfall(map[generic.AccountID]int64{"a": 0, "b": 0})
	o := schedule(15, 9, 0)
	o.Debit().Policy = obligation.PolicyTryNextSource
	o.Debit().Sources = []obligation.Source{{AccountID: "a", Priority: 1}, {AccountID: "b", Priority: 2}}

	out := f.resolver.Resolve(context.Background(), request(o, 120))
	assert.Equal(t, obligation.StatusInsufficientFunds, out.Status)
}

func TestWaterfall_TryNextSource_ExhaustedDowngradesToPartial(t *testing.T) {
	f := newWaterfall(map[generic.AccountID]int64{"a": 30, "b": 40})
	o := schedule(15, 9, 0)
	o.Debit().Policy = obligation.PolicyTryNextSource
	o.Debit().Sources = []obligation.Source{{AccountID: "a", Priority: 1}, {AccountID: "b", Priority: 2}}

	out := f.resolver.Resolve(context.Background(), request(o, 120))
	assert.Equal(t, obligation.StatusPartial, out.Status)
	assert.True(t, out.Drawn.Equal(eur(70)))
}

// =============================================================================
// LEDGER FAILURES AND RESUMPTION
// =============================================================================

func TestWaterfall_LedgerTimeoutIsFailedNotInsufficient(t *testing.T) {
	// GIVEN: The ledger times out on balance queries
	// THEN: FAILED with a transient error, regardless of policy

	f, o := threeSources(obligation.PolicySkip)
	f.ledger.Fault = func(string, generic.AccountID) error { return context.DeadlineExceeded }

	out := f.resolver.Resolve(context.Background(), request(o, 120))
	assert.Equal(t, obligation.StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, generic.ErrTransientLedger)
	assert.False(t, errors.Is(out.Err, generic.ErrInsufficientFunds))
}

func TestWaterfall_FailureMidWaterfall_ResumesWithoutDoubleDraw(t *testing.T) {
	// GIVEN: TRY_NEXT_SOURCE, src-1 is debited, then the ledger fails on src-3
	// WHEN: Resolving twice (second time the ledger is healthy)
	// THEN: First attempt FAILED with 50 recorded, second finishes with 70 more

	f, o := threeSources(obligation.PolicyTryNextSource)
	f.ledger.Fault = func(op string, acc generic.AccountID) error {
		if op == "debit" && acc == "src-3" {
			return errors.New("connection reset")
		}
		return nil
	}

	first := f.resolver.Resolve(context.Background(), request(o, 120))
	require.Equal(t, obligation.StatusFailed, first.Status)
	assert.True(t, first.Drawn.Equal(eur(50)), "reports exactly what moved")

	draws, err := f.store.Draws(context.Background(), o.ID, "2025-01")
	require.NoError(t, err)
	require.Len(t, draws, 2)
	assert.Equal(t, obligation.DrawSettled, draws[0].State)
	assert.Equal(t, obligation.DrawPending, draws[1].State)

	f.ledger.Fault = nil
	second := f.resolver.Resolve(context.Background(), request(o, 120))
	require.Equal(t, obligation.StatusSuccess, second.Status, second.Message)
	assert.True(t, second.Drawn.Equal(eur(120)))
	assert.True(t, f.balance(t, "src-1").IsZero())
	assert.True(t, f.balance(t, "src-3").Equal(eur(130)), "70 drawn once")
}

func TestWaterfall_PendingDrawReplayedWithSameKey(t *testing.T) {
	// GIVEN: A draw reached the ledger but the journal never saw the receipt
	// WHEN: Resolving again
	// THEN: The pending draw is replayed, the ledger answers with the
	//       original receipt, nothing moves twice

	f := newWaterfall(map[generic.AccountID]int64{"checking": 500})
	o := schedule(15, 9, 0)
	ctx := context.Background()

	key := ledger.IdempotencyKey(string(o.ID), "2025-01", "checking", 0)
	receipt, err := f.ledger.Debit(ctx, ledger.Posting{AccountID: "checking", Amount: eur(120), IdempotencyKey: key})
	require.NoError(t, err)
	require.NoError(t, f.store.SaveDraw(ctx, obligation.Draw{
		ObligationID: o.ID, Period: "2025-01", Seq: 0,
		AccountID: "checking", Amount: eur(120), State: obligation.DrawPending,
	}))

	out := f.resolver.Resolve(ctx, request(o, 120))
	require.Equal(t, obligation.StatusSuccess, out.Status)
	assert.True(t, f.balance(t, "checking").Equal(eur(380)))
	require.Len(t, out.Draws, 1)
	assert.Equal(t, receipt.RecordID, out.Draws[0].LedgerRecordID)
	assert.Len(t, f.ledger.Records(), 1)
}

func TestWaterfall_PartialPayResumedIsPartial(t *testing.T) {
	// GIVEN: A PARTIAL_PAY draw settled but the attempt died before logging
	// THEN: The next attempt reports PARTIAL for the same amount, no new draw

	f := newWaterfall(map[generic.AccountID]int64{"a": 0})
	o := schedule(15, 9, 0)
	o.Debit().Policy = obligation.PolicyPartialPay
	o.Debit().Sources = []obligation.Source{{AccountID: "a", Priority: 1}}
	ctx := context.Background()

	require.NoError(t, f.store.SaveDraw(ctx, obligation.Draw{
		ObligationID: o.ID, Period: "2025-01", Seq: 0,
		AccountID: "a", Amount: eur(40), State: obligation.DrawSettled, LedgerRecordID: "rec-1",
	}))

	out := f.resolver.Resolve(ctx, request(o, 120))
	assert.Equal(t, obligation.StatusPartial, out.Status)
	assert.True(t, out.Drawn.Equal(eur(40)))
	assert.Empty(t, f.ledger.Records())
}

func TestWaterfall_ReplaySettlesPendingOnly(t *testing.T) {
	// GIVEN: 50 settled from src-1 and a PENDING 70 on src-3
	// WHEN: Replaying the period
	// THEN: The 70 is posted with its key, nothing new is drawn, SUCCESS

	f, o := threeSources(obligation.PolicyTryNextSource)
	f.ledger.Fault = func(op string, acc generic.AccountID) error {
		if op == "debit" && acc == "src-3" {
			return context.DeadlineExceeded
		}
		return nil
	}
	first := f.resolver.Resolve(context.Background(), request(o, 120))
	require.Equal(t, obligation.StatusFailed, first.Status)

	// Still failing: the replay reports it and moves nothing more
	again := f.resolver.Replay(context.Background(), request(o, 120))
	assert.Equal(t, obligation.StatusFailed, again.Status)
	assert.ErrorIs(t, again.Err, generic.ErrTransientLedger)

	f.ledger.Fault = nil
	out := f.resolver.Replay(context.Background(), request(o, 120))
	require.Equal(t, obligation.StatusSuccess, out.Status, out.Message)
	assert.True(t, out.Drawn.Equal(eur(120)))
	assert.Len(t, f.ledger.Records(), 2)
	assert.True(t, f.balance(t, "card").Equal(eur(120)))
}

func TestWaterfall_ReplayWithoutPendingIsReadOnly(t *testing.T) {
	f, o := threeSources(obligation.PolicyTryNextSource)
	ctx := context.Background()
	require.NoError(t, f.store.SaveDraw(ctx, obligation.Draw{
		ObligationID: o.ID, Period: "2025-01", Seq: 0,
		AccountID: "src-1", Amount: eur(50), State: obligation.DrawSettled, LedgerRecordID: "rec-1",
	}))

	out := f.resolver.Replay(ctx, request(o, 120))
	assert.Equal(t, obligation.StatusPartial, out.Status)
	assert.True(t, out.Drawn.Equal(eur(50)))
	assert.Empty(t, f.ledger.Records())

	empty := f.resolver.Replay(ctx, obligation.Request{Obligation: o, Period: "2025-02", AmountDue: eur(120)})
	assert.Equal(t, obligation.StatusInsufficientFunds, empty.Status)
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestWaterfall_TryNextSource_NeverOverdraws(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("sum drawn never exceeds amount due and reaches the target", prop.ForAll(
		func(balances []int64, due int64) bool {
			accounts := map[generic.AccountID]int64{}
			var sources []obligation.Source
			for i, b := range balances {
				acc := generic.AccountID("src-" + string(rune('a'+i)))
				accounts[acc] = b
				sources = append(sources, obligation.Source{AccountID: acc, Priority: i + 1})
			}
			f := newWaterfall(accounts)
			o := schedule(15, 9, 0)
			o.Debit().Policy = obligation.PolicyTryNextSource
			o.Debit().Sources = sources

			out := f.resolver.Resolve(context.Background(), request(o, due))
			if out.Drawn.GreaterThan(eur(due)) {
				return false
			}

			sum := eur(0)
			for _, d := range out.Draws {
				sum = sum.Add(d.Amount)
			}
			card, err := f.ledger.Balance(context.Background(), "card")
			return err == nil && sum.Equal(out.Drawn) && card.Equal(out.Drawn)
		},
		gen.SliceOfN(5, gen.Int64Range(0, 300)),
		gen.Int64Range(1, 1000),
	))

	properties.TestingRun(t)
}
