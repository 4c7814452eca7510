package obligation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/warp/obligation-engine/generic"
	"github.com/warp/obligation-engine/ledger"
)

// =============================================================================
// WATERFALL RESOLVER - Priority-ordered funding with shortfall policy
// =============================================================================
//
// Sources are walked in ascending priority. Zero-balance sources are passed
// over. When the first funded source covers what is left, it pays in full.
// A funded source that falls short ends the walk: lower priorities are only
// reached by TRY_NEXT_SOURCE. Otherwise the shortfall policy decides:
//
//   NOTIFY           INSUFFICIENT_FUNDS, nothing drawn, period stays due
//   RETRY_NEXT_DAY   INSUFFICIENT_FUNDS, next attempt 24h later
//   PARTIAL_PAY      draw what the first funded source has, PARTIAL
//   TRY_NEXT_SOURCE  accumulate across sources until covered or exhausted
//   SKIP             SKIPPED, nothing drawn, period closes
//
// TRY_NEXT_SOURCE with a single source is NOTIFY. No sources at all is a
// policy violation, also handled as NOTIFY.
//
// Draws are sequential. Each one is journaled as PENDING before the ledger
// call and SETTLED (or VOID) after, so a crash mid-waterfall is resumed on
// the next attempt with the same idempotency keys and never double-moves.

// Request is one attempt to satisfy a debit for a period.
type Request struct {
	Obligation *Obligation
	Period     string
	AmountDue  generic.Amount
	At         time.Time
}

// Outcome is what the resolver decided. The resolver never touches the
// schedule; the orchestrator applies the outcome.
type Outcome struct {
	Status Status

	// Drawn is everything moved in the period, including earlier attempts.
	Drawn generic.Amount
	Draws []Draw

	// RetryAt is set for RETRY_NEXT_DAY.
	RetryAt *time.Time

	// Err is the ledger failure behind FAILED, or the policy violation.
	Err error

	Message string
}

// PolicyViolation reports whether the outcome was forced by a
// misconfigured policy.
func (o Outcome) PolicyViolation() bool {
	return errors.Is(o.Err, generic.ErrPolicyViolation)
}

// FirstSource returns the first account money was drawn from.
func (o Outcome) FirstSource() (generic.AccountID, generic.LedgerRecordID) {
	for _, d := range o.Draws {
		if d.State == DrawSettled {
			return d.AccountID, d.LedgerRecordID
		}
	}
	return "", ""
}

type Resolver struct {
	Ledger ledger.Service
	Draws  DrawStore
}

func NewResolver(l ledger.Service, draws DrawStore) *Resolver {
	return &Resolver{Ledger: l, Draws: draws}
}

// run carries the state of one resolution.
type run struct {
	req       Request
	draws     []Draw
	drawn     generic.Amount
	remaining generic.Amount
	nextSeq   int
}

// Resolve satisfies req.AmountDue from the obligation's sources.
func (r *Resolver) Resolve(ctx context.Context, req Request) Outcome {
	d := req.Obligation.Debit()
	if d == nil {
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("obligation %s is not a debit", req.Obligation.ID)}
	}

	st, err := r.resume(ctx, req)
	if err != nil {
		return st.finish(StatusFailed, err, "resuming earlier draws: %v", err)
	}
	if !st.remaining.IsPositive() {
		return st.finish(StatusSuccess, nil, "settled by earlier draws")
	}

	sources := SortedSources(d.Sources)
	policy := d.Policy
	if len(sources) == 0 {
		violation := &generic.PolicyViolationError{
			ObligationID: string(req.Obligation.ID),
			Reason:       fmt.Sprintf("%s with no funding sources", policy),
		}
		return st.finish(StatusInsufficientFunds, violation, "no funding sources configured")
	}
	if policy == PolicyTryNextSource && len(sources) == 1 {
		policy = PolicyNotify
	}

	// An earlier attempt already moved part of the amount. Only
	// TRY_NEXT_SOURCE keeps drawing; every other policy settles for it.
	if st.drawn.IsPositive() && policy != PolicyTryNextSource {
		return st.finish(StatusPartial, nil, "partial payment from earlier attempt")
	}

	balances := make([]generic.Amount, len(sources))
	known := make([]bool, len(sources))
	first := -1
	for i, s := range sources {
		bal, err := r.Ledger.Balance(ctx, s.AccountID)
		if err != nil {
			return st.finish(StatusFailed, err, "balance of %s: %v", s.AccountID, err)
		}
		balances[i], known[i] = bal, true
		if bal.IsPositive() {
			first = i
			break
		}
	}

	if first >= 0 && balances[first].GreaterOrEqual(st.remaining) {
		switch err := r.draw(ctx, st, sources[first].AccountID, st.remaining); {
		case err == nil:
			return st.finish(StatusSuccess, nil, "paid from %s", sources[first].AccountID)
		case !errors.Is(err, generic.ErrInsufficientFunds):
			return st.finish(StatusFailed, err, "debit %s: %v", sources[first].AccountID, err)
		}
		// Balance moved under us; fall through to the policy.
	}

	switch policy {
	case PolicyNotify:
		return st.finish(StatusInsufficientFunds, nil, "no single source covers %s", st.remaining)

	case PolicyRetryNextDay:
		retry := req.At.AddDate(0, 0, 1)
		out := st.finish(StatusInsufficientFunds, nil, "no single source covers %s, retrying %s",
			st.remaining, retry.Format(time.RFC3339))
		out.RetryAt = &retry
		return out

	case PolicySkip:
		return st.finish(StatusSkipped, nil, "no single source covers %s, period skipped", st.remaining)

	case PolicyPartialPay:
		if first < 0 {
			return st.finish(StatusInsufficientFunds, nil, "no source has any balance")
		}
		take := balances[first].Min(st.remaining)
		if err := r.draw(ctx, st, sources[first].AccountID, take); err != nil {
			if errors.Is(err, generic.ErrInsufficientFunds) {
				return st.finish(StatusInsufficientFunds, nil, "balance of %s changed during draw", sources[first].AccountID)
			}
			return st.finish(StatusFailed, err, "debit %s: %v", sources[first].AccountID, err)
		}
		return st.finish(StatusPartial, nil, "partial payment from %s", sources[first].AccountID)

	case PolicyTryNextSource:
		return r.accumulate(ctx, st, sources, balances, known)

	default:
		return st.finish(StatusFailed, fmt.Errorf("unknown shortfall policy %q", policy), "unknown shortfall policy")
	}
}

// Replay settles the period's PENDING draws with their original keys and
// reports what the period moved. It never starts a new draw. Used to close
// a period the schedule is leaving.
func (r *Resolver) Replay(ctx context.Context, req Request) Outcome {
	if req.Obligation.Debit() == nil {
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("obligation %s is not a debit", req.Obligation.ID)}
	}
	st, err := r.resume(ctx, req)
	switch {
	case err != nil:
		return st.finish(StatusFailed, err, "resuming earlier draws: %v", err)
	case !st.remaining.IsPositive():
		return st.finish(StatusSuccess, nil, "settled by earlier draws")
	case st.drawn.IsPositive():
		return st.finish(StatusPartial, nil, "period left %s short", st.remaining)
	default:
		return st.finish(StatusInsufficientFunds, nil, "nothing drawn in period")
	}
}

// accumulate draws min(balance, remaining) from each source in order.
// Balances not yet known are queried as the walk reaches them.
func (r *Resolver) accumulate(ctx context.Context, st *run, sources []Source, balances []generic.Amount, known []bool) Outcome {
	for i, s := range sources {
		if !st.remaining.IsPositive() {
			break
		}
		bal := balances[i]
		if !known[i] {
			var err error
			if bal, err = r.Ledger.Balance(ctx, s.AccountID); err != nil {
				return st.finish(StatusFailed, err, "balance of %s: %v", s.AccountID, err)
			}
		}
		if !bal.IsPositive() {
			continue
		}

		err := r.draw(ctx, st, s.AccountID, bal.Min(st.remaining))
		switch {
		case err == nil:
		case errors.Is(err, generic.ErrInsufficientFunds):
			continue
		default:
			return st.finish(StatusFailed, err, "debit %s: %v", s.AccountID, err)
		}
	}

	switch {
	case !st.remaining.IsPositive():
		return st.finish(StatusSuccess, nil, "paid across %d source(s)", len(st.draws))
	case st.drawn.IsPositive():
		return st.finish(StatusPartial, nil, "sources exhausted, %s short", st.remaining)
	default:
		return st.finish(StatusInsufficientFunds, nil, "no source has any balance")
	}
}

// resume loads the period's journal, replays PENDING draws with their
// original keys, and computes what is left to pay.
func (r *Resolver) resume(ctx context.Context, req Request) (*run, error) {
	st := &run{
		req:       req,
		drawn:     req.AmountDue.Zero(),
		remaining: req.AmountDue,
	}

	prior, err := r.Draws.Draws(ctx, req.Obligation.ID, req.Period)
	if err != nil {
		return st, fmt.Errorf("load draws: %w", err)
	}
	sort.Slice(prior, func(i, j int) bool { return prior[i].Seq < prior[j].Seq })

	for _, d := range prior {
		if d.Seq >= st.nextSeq {
			st.nextSeq = d.Seq + 1
		}
		if d.State == DrawPending {
			if err := r.settle(ctx, st, d); err != nil && !errors.Is(err, generic.ErrInsufficientFunds) {
				return st, err
			}
			continue
		}
		if d.State == DrawSettled {
			st.add(d)
		}
	}
	return st, nil
}

// draw journals and executes one debit.
func (r *Resolver) draw(ctx context.Context, st *run, account generic.AccountID, amount generic.Amount) error {
	d := Draw{
		ObligationID: st.req.Obligation.ID,
		Period:       st.req.Period,
		Seq:          st.nextSeq,
		AccountID:    account,
		Amount:       amount,
		State:        DrawPending,
		At:           st.req.At,
	}
	st.nextSeq++
	if err := r.Draws.SaveDraw(ctx, d); err != nil {
		return fmt.Errorf("journal draw: %w", err)
	}
	return r.settle(ctx, st, d)
}

// settle posts a PENDING draw and records the result. A transient failure
// leaves it PENDING for the next attempt.
func (r *Resolver) settle(ctx context.Context, st *run, d Draw) error {
	receipt, err := r.Ledger.Debit(ctx, ledger.Posting{
		AccountID:      d.AccountID,
		Amount:         d.Amount,
		Counterparty:   st.req.Obligation.Debit().Target.AccountID,
		Memo:           fmt.Sprintf("%s %s", st.req.Obligation.Name, d.Period),
		IdempotencyKey: ledger.IdempotencyKey(string(d.ObligationID), d.Period, d.AccountID, d.Seq),
	})
	if err != nil {
		if errors.Is(err, generic.ErrInsufficientFunds) {
			d.State = DrawVoid
			if serr := r.Draws.SaveDraw(ctx, d); serr != nil {
				return fmt.Errorf("journal draw: %w", serr)
			}
		}
		return err
	}

	d.State = DrawSettled
	d.LedgerRecordID = receipt.RecordID
	if receipt.Amount.IsPositive() {
		d.Amount = receipt.Amount
	}
	if err := r.Draws.SaveDraw(ctx, d); err != nil {
		// Money moved; the next attempt replays the key and gets the receipt.
		return generic.AsTransient("journal", d.AccountID, err)
	}
	st.add(d)
	return nil
}

func (st *run) add(d Draw) {
	st.draws = append(st.draws, d)
	st.drawn = st.drawn.Add(d.Amount)
	st.remaining = st.remaining.Sub(d.Amount)
}

func (st *run) finish(status Status, err error, format string, args ...any) Outcome {
	msg := fmt.Sprintf(format, args...)
	if len(st.draws) > 0 {
		parts := make([]string, len(st.draws))
		for i, d := range st.draws {
			parts[i] = fmt.Sprintf("%s=%s", d.AccountID, d.Amount.Value.StringFixed(2))
		}
		msg += " [" + strings.Join(parts, ", ") + "]"
	}
	return Outcome{
		Status:  status,
		Drawn:   st.drawn,
		Draws:   st.draws,
		Err:     err,
		Message: msg,
	}
}

// SortedSources returns sources ordered by ascending priority.
func SortedSources(sources []Source) []Source {
	sorted := append([]Source(nil), sources...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return sorted
}
