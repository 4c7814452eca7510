/*
Package engine runs due obligations.

PURPOSE:
  The Orchestrator is the only component that moves money and the only
  one that mutates schedule progress. A periodic sweep lists the due
  obligations and executes each one under an exclusive lock.

STATE MACHINE (per obligation and period):

  PENDING ──lock──> IN_PROGRESS ──> SUCCEEDED        (SUCCESS, PARTIAL, SKIPPED)
     ^                    │
     │                    ├──> PENDING_RETRY   (INSUFFICIENT_FUNDS, FAILED)
     └────────────────────┘
                          └──> FAILED_TERMINAL (next period due, closed unpaid)

  PENDING means: enabled, NextExecuteAt <= now, installment not complete,
  and no terminal log entry for the period.

ONE EXECUTION:
  1. TryLock("obligation:<id>"). Held lock: skip, never wait.
  2. Reload the obligation. The sweep's copy may be stale.
  3. Check the PENDING guard and HasTerminal(id, period).
  4. Resolve the amount (fixed, or quoted for loans) right now.
  5. Debit: waterfall. Credit: one ledger credit.
  6. Append the log entry and save progress in ONE store transaction.
  7. Release the lock.

  A crash between 1 and 6 writes nothing to the log or the schedule; the
  obligation is still PENDING. Money already moved is in the draw journal
  and the ledger's idempotency keys, so the next attempt resumes instead
  of paying twice.

DECISIONS:
  - A day-late RETRY_NEXT_DAY success belongs to the original period.
  - PARTIAL counts as a full installment period.
  - NOTIFY notifications go out once per period (first failed attempt).
  - Ledger failures are FAILED and retried on every sweep until the
    following period is due, at which point the period is closed.

SEE ALSO:
  - obligation/waterfall.go: Source resolution
  - obligation/nextrun.go: Period arithmetic
  - api/scheduler.go: Cron job that calls Sweep
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/obligation-engine/generic"
	"github.com/warp/obligation-engine/ledger"
	"github.com/warp/obligation-engine/lock"
	"github.com/warp/obligation-engine/obligation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// CONFIGURATION AND CONSTRUCTION
// =============================================================================

type Config struct {
	Workers int           // concurrent executions per sweep
	LockTTL time.Duration // at least the caller's job timeout
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 15 * time.Minute
	}
	return c
}

// Deps are the collaborators. Store, Ledger and Locker are required.
type Deps struct {
	Store    obligation.TxStore
	Ledger   ledger.Service
	Locker   lock.Locker
	Quoter   obligation.PaymentQuoter
	Notifier Notifier
	Logger   *zap.Logger
}

type Orchestrator struct {
	store    obligation.TxStore
	ledger   ledger.Service
	locker   lock.Locker
	quoter   obligation.PaymentQuoter
	notifier Notifier
	resolver *obligation.Resolver
	logger   *zap.Logger
	cfg      Config
}

func New(deps Deps, cfg Config) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Orchestrator{
		store:    deps.Store,
		ledger:   deps.Ledger,
		locker:   deps.Locker,
		quoter:   deps.Quoter,
		notifier: notifier,
		resolver: obligation.NewResolver(deps.Ledger, deps.Store),
		logger:   logger.Named("engine"),
		cfg:      cfg.withDefaults(),
	}
}

// =============================================================================
// RESULTS
// =============================================================================

type SkipReason string

const (
	SkipNone    SkipReason = ""
	SkipLocked  SkipReason = "LOCKED"
	SkipNotDue  SkipReason = "NOT_DUE"
	SkipSettled SkipReason = "ALREADY_SETTLED"
)

// Result describes what happened to one obligation.
type Result struct {
	ObligationID obligation.ID
	Period       string
	Skip         SkipReason
	Entry        *obligation.Entry // nil when nothing was attempted
	Closed       bool              // the period was closed unpaid
}

// SweepReport summarizes a sweep.
type SweepReport struct {
	At                time.Time
	Due               int
	Executed          int
	LockedSkipped     int
	NotDue            int
	Succeeded         int
	Partial           int
	Skipped           int
	InsufficientFunds int
	Failed            int
	Closed            int
	Errors            int
}

func (r *SweepReport) add(res Result, err error) {
	if err != nil {
		r.Errors++
		return
	}
	switch res.Skip {
	case SkipLocked:
		r.LockedSkipped++
		return
	case SkipNotDue, SkipSettled:
		r.NotDue++
		return
	}
	if res.Entry == nil {
		return
	}
	if res.Closed {
		r.Closed++
		return
	}
	r.Executed++
	switch res.Entry.Status {
	case obligation.StatusSuccess:
		r.Succeeded++
	case obligation.StatusPartial:
		r.Partial++
	case obligation.StatusSkipped:
		r.Skipped++
	case obligation.StatusInsufficientFunds:
		r.InsufficientFunds++
	case obligation.StatusFailed:
		r.Failed++
	}
}

// =============================================================================
// SWEEP
// =============================================================================

// Sweep executes every obligation due at now. Obligations run
// concurrently up to Workers; there is no ordering between them.
func (o *Orchestrator) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	report := SweepReport{At: now}
	due, err := o.store.ListDue(ctx, now)
	if err != nil {
		return report, fmt.Errorf("list due obligations: %w", err)
	}
	report.Due = len(due)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for _, ob := range due {
		id := ob.ID
		g.Go(func() error {
			res, err := o.execute(gctx, id, now, false)
			if err != nil {
				o.logger.Error("execution failed",
					zap.String("obligation_id", string(id)), zap.Error(err))
			}
			mu.Lock()
			report.add(res, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	o.logger.Info("sweep complete",
		zap.Time("at", now),
		zap.Int("due", report.Due),
		zap.Int("executed", report.Executed),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("partial", report.Partial),
		zap.Int("skipped", report.Skipped),
		zap.Int("insufficient_funds", report.InsufficientFunds),
		zap.Int("failed", report.Failed),
		zap.Int("closed", report.Closed),
		zap.Int("lock_skipped", report.LockedSkipped),
		zap.Int("errors", report.Errors))
	return report, nil
}

// ExecuteNow runs one obligation immediately. A period due later in the
// current month is paid early; same lock and guards as a sweep otherwise.
func (o *Orchestrator) ExecuteNow(ctx context.Context, id obligation.ID, now time.Time) (Result, error) {
	return o.execute(ctx, id, now, true)
}

// =============================================================================
// ONE EXECUTION
// =============================================================================

func (o *Orchestrator) execute(ctx context.Context, id obligation.ID, now time.Time, early bool) (Result, error) {
	res := Result{ObligationID: id}

	lease, err := o.locker.TryLock(ctx, lockKey(id), o.cfg.LockTTL)
	if errors.Is(err, generic.ErrLockHeld) {
		lockSkipsTotal.Inc()
		o.logger.Debug("lock held, skipping", zap.String("obligation_id", string(id)))
		res.Skip = SkipLocked
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("lock %s: %w", id, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("lock release failed", zap.String("obligation_id", string(id)), zap.Error(err))
		}
	}()

	ob, err := o.store.Get(ctx, id)
	if err != nil {
		return res, fmt.Errorf("load %s: %w", id, err)
	}
	res.Period = ob.Progress.Period()

	// Early execution only pays the current month's period, never a future one.
	guardAt := now
	if early && ob.Progress.NextExecuteAt != nil && ob.Progress.NextExecuteAt.After(now) &&
		res.Period <= obligation.PeriodKey(now) {
		guardAt = *ob.Progress.NextExecuteAt
	}
	if !obligation.IsPending(ob, guardAt) {
		res.Skip = SkipNotDue
		return res, nil
	}

	settled, err := o.store.HasTerminal(ctx, id, res.Period)
	if err != nil {
		return res, fmt.Errorf("check log for %s/%s: %w", id, res.Period, err)
	}
	if settled {
		return o.repair(ctx, ob, res)
	}

	if following, ok := obligation.FollowingDue(ob); ok && !following.After(now) {
		closed, err := o.closePeriod(ctx, ob, now, "next period due")
		if err != nil || closed != nil {
			res.Entry, res.Closed = closed, closed != nil
			return res, err
		}
	}

	outcome, amountDue := o.attempt(ctx, ob, res.Period, now)
	entry, err := o.apply(ctx, ob, outcome, amountDue, res.Period, now)
	if err != nil {
		return res, err
	}
	res.Entry = entry
	return res, nil
}

// attempt resolves the amount and moves the money.
func (o *Orchestrator) attempt(ctx context.Context, ob *obligation.Obligation, period string, now time.Time) (obligation.Outcome, generic.Amount) {
	amountDue, err := obligation.ResolveAmount(ctx, ob.Amount, o.quoter)
	if err != nil {
		return obligation.Outcome{
			Status:  obligation.StatusFailed,
			Err:     err,
			Message: fmt.Sprintf("resolve amount: %v", err),
		}, amountDue
	}

	switch ob.Terms.(type) {
	case *obligation.DebitTerms:
		return o.resolver.Resolve(ctx, obligation.Request{
			Obligation: ob,
			Period:     period,
			AmountDue:  amountDue,
			At:         now,
		}), amountDue
	case *obligation.CreditTerms:
		return o.credit(ctx, ob, period, amountDue), amountDue
	default:
		return obligation.Outcome{
			Status:  obligation.StatusFailed,
			Err:     fmt.Errorf("unknown terms %T", ob.Terms),
			Message: "unknown obligation kind",
		}, amountDue
	}
}

// credit posts income to the single target account. No waterfall.
func (o *Orchestrator) credit(ctx context.Context, ob *obligation.Obligation, period string, amount generic.Amount) obligation.Outcome {
	c := ob.Credit()
	receipt, err := o.ledger.Credit(ctx, ledger.Posting{
		AccountID:      c.TargetAccountID,
		Amount:         amount,
		Memo:           fmt.Sprintf("%s %s", ob.Name, period),
		Category:       c.Category,
		IdempotencyKey: ledger.IdempotencyKey(string(ob.ID), period, c.TargetAccountID, 0),
	})
	if err != nil {
		err = generic.AsTransient("credit", c.TargetAccountID, err)
		return obligation.Outcome{
			Status:  obligation.StatusFailed,
			Drawn:   amount.Zero(),
			Err:     err,
			Message: fmt.Sprintf("credit %s: %v", c.TargetAccountID, err),
		}
	}
	draw := obligation.Draw{
		ObligationID:   ob.ID,
		Period:         period,
		AccountID:      c.TargetAccountID,
		Amount:         receipt.Amount,
		State:          obligation.DrawSettled,
		LedgerRecordID: receipt.RecordID,
	}
	return obligation.Outcome{
		Status:  obligation.StatusSuccess,
		Drawn:   receipt.Amount,
		Draws:   []obligation.Draw{draw},
		Message: fmt.Sprintf("credited %s", c.TargetAccountID),
	}
}

// apply turns an outcome into a log entry and a progress update, written
// in one transaction.
func (o *Orchestrator) apply(ctx context.Context, ob *obligation.Obligation, out obligation.Outcome,
	amountDue generic.Amount, period string, now time.Time) (*obligation.Entry, error) {

	entry := newEntry(ob.ID, period, now, out.Status, out.Message)
	entry.Amount = amountDue
	if out.Drawn.IsPositive() {
		entry.Amount = out.Drawn
	}
	entry.SourceAccountID, entry.LedgerRecordID = out.FirstSource()
	if ob.Kind() == obligation.KindCredit {
		entry.SourceAccountID = ""
	}

	ob.Progress.Attempts++
	event := obligation.InstallmentNone
	var notify []string

	switch out.Status {
	case obligation.StatusSuccess, obligation.StatusPartial:
		entry.Terminal = true
		ob.Progress.LastExecutedAt = &now
		event = obligation.RecordInstallment(ob, out.Status)
		obligation.Advance(ob)

	case obligation.StatusSkipped:
		entry.Terminal = true
		obligation.Advance(ob)

	case obligation.StatusInsufficientFunds:
		if out.RetryAt != nil {
			next := *out.RetryAt
			if following, ok := obligation.FollowingDue(ob); ok && following.Before(next) {
				next = following
			}
			ob.Progress.NextExecuteAt = &next
		} else if ob.Progress.Attempts == 1 {
			notify = append(notify, ReasonInsufficientFunds)
		}
		if out.PolicyViolation() {
			o.logger.Warn("policy violation, treated as NOTIFY",
				zap.String("obligation_id", string(ob.ID)), zap.Error(out.Err))
			if ob.Progress.Attempts == 1 {
				notify = append(notify, ReasonPolicyViolation)
			}
		}

	case obligation.StatusFailed:
		o.logger.Warn("execution failed, retrying next sweep",
			zap.String("obligation_id", string(ob.ID)),
			zap.String("period", period),
			zap.Stringer("moved", out.Drawn),
			zap.Error(out.Err))
	}

	if event == obligation.InstallmentCompleted {
		notify = append(notify, ReasonInstallmentDone)
	}

	if err := o.save(ctx, ob, entry, event == obligation.InstallmentCompleted); err != nil {
		return nil, err
	}

	executionsTotal.WithLabelValues(string(ob.Kind()), string(out.Status)).Inc()
	if f, _ := out.Drawn.Value.Float64(); f > 0 && out.Status != obligation.StatusFailed {
		drawnAmountTotal.WithLabelValues(string(ob.Kind())).Add(f)
	}
	for _, reason := range notify {
		o.notifier.Notify(ctx, ob.ID, reason)
	}

	o.logger.Info("executed",
		zap.String("obligation_id", string(ob.ID)),
		zap.String("kind", string(ob.Kind())),
		zap.String("period", period),
		zap.String("status", string(out.Status)),
		zap.Stringer("amount", entry.Amount),
		zap.Int("attempt", ob.Progress.Attempts))
	return &entry, nil
}

// closePeriod ends a period that never settled, once the following period
// is due or the schedule moves away from it. Returns nil when the period
// cannot be closed yet because a draw is still unconfirmed; the normal
// attempt then resumes it.
func (o *Orchestrator) closePeriod(ctx context.Context, ob *obligation.Obligation, now time.Time, why string) (*obligation.Entry, error) {
	period := ob.Progress.Period()
	draws, err := o.store.Draws(ctx, ob.ID, period)
	if err != nil {
		return nil, fmt.Errorf("load draws for %s/%s: %w", ob.ID, period, err)
	}

	moved := generic.Amount{Currency: generic.DefaultCurrency}
	var last *time.Time
	var source generic.AccountID
	var record generic.LedgerRecordID
	for i, d := range draws {
		switch d.State {
		case obligation.DrawPending:
			return nil, nil
		case obligation.DrawSettled:
			if moved.Value.IsZero() {
				moved.Currency = d.Amount.Currency
				source, record = d.AccountID, d.LedgerRecordID
			}
			moved = moved.Add(d.Amount)
			last = &draws[i].At
		}
	}

	status := obligation.StatusInsufficientFunds
	if moved.IsPositive() {
		status = obligation.StatusPartial
	}
	entry := newEntry(ob.ID, period, now, status,
		fmt.Sprintf("FAILED_TERMINAL: period closed after %d attempt(s), %s", ob.Progress.Attempts, why))
	entry.Terminal = true
	entry.Amount = moved
	entry.SourceAccountID, entry.LedgerRecordID = source, record

	event := obligation.InstallmentNone
	if status == obligation.StatusPartial {
		ob.Progress.LastExecutedAt = last
		event = obligation.RecordInstallment(ob, status)
	}
	obligation.Advance(ob)

	if err := o.save(ctx, ob, entry, event == obligation.InstallmentCompleted); err != nil {
		return nil, err
	}

	executionsTotal.WithLabelValues(string(ob.Kind()), string(status)).Inc()
	o.notifier.Notify(ctx, ob.ID, ReasonPeriodClosed)
	if event == obligation.InstallmentCompleted {
		o.notifier.Notify(ctx, ob.ID, ReasonInstallmentDone)
	}
	o.logger.Warn("period closed unpaid",
		zap.String("obligation_id", string(ob.ID)),
		zap.String("period", period),
		zap.String("reason", why),
		zap.Stringer("moved", moved))
	return &entry, nil
}

// repair advances a schedule whose period already has a terminal entry.
// Only reachable when progress was written by something other than this
// orchestrator.
func (o *Orchestrator) repair(ctx context.Context, ob *obligation.Obligation, res Result) (Result, error) {
	o.logger.Warn("period already settled, advancing schedule",
		zap.String("obligation_id", string(ob.ID)), zap.String("period", res.Period))
	obligation.Advance(ob)
	if err := o.store.UpdateProgress(ctx, ob.ID, progressUpdate(ob, false)); err != nil {
		return res, fmt.Errorf("advance %s: %w", ob.ID, err)
	}
	res.Skip = SkipSettled
	return res, nil
}

func (o *Orchestrator) save(ctx context.Context, ob *obligation.Obligation, entry obligation.Entry, disable bool) error {
	err := o.store.WithTx(ctx, func(tx obligation.Store) error {
		if err := tx.Append(ctx, entry); err != nil {
			return fmt.Errorf("append log entry: %w", err)
		}
		if err := tx.UpdateProgress(ctx, ob.ID, progressUpdate(ob, disable)); err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save execution of %s/%s: %w", ob.ID, entry.Period, err)
	}
	return nil
}

func progressUpdate(ob *obligation.Obligation, disable bool) obligation.ProgressUpdate {
	u := obligation.ProgressUpdate{Progress: ob.Progress, Disable: disable}
	if d := ob.Debit(); d != nil && d.Installment != nil {
		completed := d.Installment.CompletedPeriods
		u.CompletedPeriods = &completed
	}
	return u
}

func newEntry(id obligation.ID, period string, now time.Time, status obligation.Status, msg string) obligation.Entry {
	return obligation.Entry{
		ID:           uuid.NewString(),
		ObligationID: id,
		Period:       period,
		AttemptedAt:  now,
		Status:       status,
		Message:      msg,
	}
}

func lockKey(id obligation.ID) string { return "obligation:" + string(id) }
