package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/obligation-engine/generic"
	"github.com/warp/obligation-engine/obligation"
	"go.uber.org/zap"
)

// =============================================================================
// SCHEDULE ADMINISTRATION
// =============================================================================
//
// Definitions are written by users; progress is written only here and in
// execute. Operations that reset progress take the obligation's lock, so
// they never interleave with an execution.

// Register validates, initializes the first period and stores a new
// obligation. An empty ID is generated.
func (o *Orchestrator) Register(ctx context.Context, ob *obligation.Obligation, now time.Time) (*obligation.Obligation, error) {
	if ob.ID == "" {
		ob.ID = obligation.ID(uuid.NewString())
	}
	if err := obligation.Validate(ob); err != nil {
		return nil, err
	}
	ob.Progress = obligation.Progress{}
	obligation.Initialize(ob, now)

	if err := o.store.Create(ctx, ob); err != nil {
		return nil, fmt.Errorf("create %s: %w", ob.ID, err)
	}
	o.logger.Info("obligation registered",
		zap.String("obligation_id", string(ob.ID)),
		zap.String("kind", string(ob.Kind())),
		zap.Timep("next_execute_at", ob.Progress.NextExecuteAt))
	return o.store.Get(ctx, ob.ID)
}

// Replace swaps the definition. Progress is kept unless the day or time
// changed, in which case the open period is recomputed from now. A period
// left behind with money drawn is closed first, see reopen.
func (o *Orchestrator) Replace(ctx context.Context, ob *obligation.Obligation, now time.Time) (*obligation.Obligation, error) {
	if err := obligation.Validate(ob); err != nil {
		return nil, err
	}

	err := o.withLock(ctx, ob.ID, func() error {
		cur, err := o.store.Get(ctx, ob.ID)
		if err != nil {
			return err
		}
		if ob.Version == 0 {
			ob.Version = cur.Version
		}
		if err := o.store.Update(ctx, ob); err != nil {
			return fmt.Errorf("update %s: %w", ob.ID, err)
		}
		if cur.DayOfMonth == ob.DayOfMonth && cur.ExecuteAt == ob.ExecuteAt {
			return nil
		}

		fresh, err := o.store.Get(ctx, ob.ID)
		if err != nil {
			return err
		}
		return o.reopen(ctx, fresh, now)
	})
	if err != nil {
		return nil, err
	}
	return o.store.Get(ctx, ob.ID)
}

// SetEnabled turns a schedule on or off. Disabling only flips the flag:
// an execution in flight finishes and the next sweep skips the schedule.
// Enabling opens a fresh period relative to now, so months spent disabled
// are not paid retroactively. Re-enabling a completed installment is
// accepted but the schedule stays inert. An unconfirmed draw in the period
// being left fails the call and the schedule stays disabled.
func (o *Orchestrator) SetEnabled(ctx context.Context, id obligation.ID, enabled bool, now time.Time) (*obligation.Obligation, error) {
	if !enabled {
		if err := o.setEnabledFlag(ctx, id, false); err != nil {
			return nil, err
		}
		return o.store.Get(ctx, id)
	}

	err := o.withLock(ctx, id, func() error {
		cur, err := o.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Enabled {
			return nil
		}
		if err := o.reopen(ctx, cur, now); err != nil {
			return err
		}
		return o.setEnabledFlag(ctx, id, true)
	})
	if err != nil {
		return nil, err
	}
	return o.store.Get(ctx, id)
}

// reopen moves ob to the period open at now. When that is a different
// period and the one being left already moved money, the old period is
// closed first: PENDING draws are replayed and a terminal entry written,
// so no draw is left outside the log.
func (o *Orchestrator) reopen(ctx context.Context, ob *obligation.Obligation, now time.Time) error {
	open := ob.Progress.Period()
	next := ob.Clone()
	obligation.Initialize(next, now)

	switch {
	case open == "":
	case next.Progress.Period() == open:
		// Same period: draws resume on the next attempt.
		next.Progress.Attempts = ob.Progress.Attempts
	default:
		closed, err := o.leave(ctx, ob, now)
		if err != nil {
			return err
		}
		if closed {
			next = ob.Clone()
			obligation.Initialize(next, now)
		}
	}
	return o.store.UpdateProgress(ctx, ob.ID, progressUpdate(next, false))
}

// leave closes ob's open period if it has draws and no terminal entry.
// On success ob carries the progress that was saved.
func (o *Orchestrator) leave(ctx context.Context, ob *obligation.Obligation, now time.Time) (bool, error) {
	period := ob.Progress.Period()
	settled, err := o.store.HasTerminal(ctx, ob.ID, period)
	if err != nil || settled {
		return false, err
	}
	draws, err := o.store.Draws(ctx, ob.ID, period)
	if err != nil {
		return false, fmt.Errorf("load draws for %s/%s: %w", ob.ID, period, err)
	}
	if len(draws) == 0 || ob.Debit() == nil {
		return false, nil
	}

	amountDue, err := obligation.ResolveAmount(ctx, ob.Amount, o.quoter)
	if err != nil {
		return false, fmt.Errorf("resolve amount of %s/%s: %w", ob.ID, period, err)
	}
	out := o.resolver.Replay(ctx, obligation.Request{
		Obligation: ob,
		Period:     period,
		AmountDue:  amountDue,
		At:         now,
	})
	switch out.Status {
	case obligation.StatusFailed:
		return false, fmt.Errorf("confirm draws of %s/%s: %w", ob.ID, period, out.Err)
	case obligation.StatusSuccess:
		_, err := o.apply(ctx, ob, out, amountDue, period, now)
		return err == nil, err
	}

	entry, err := o.closePeriod(ctx, ob, now, "schedule changed")
	return entry != nil, err
}

func (o *Orchestrator) setEnabledFlag(ctx context.Context, id obligation.ID, enabled bool) error {
	// Retry once on a concurrent definition edit.
	for attempt := 0; attempt < 2; attempt++ {
		cur, err := o.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Enabled == enabled {
			return nil
		}
		cur.Enabled = enabled
		err = o.store.Update(ctx, cur)
		if !errors.Is(err, generic.ErrConcurrentModification) {
			return err
		}
	}
	return generic.ErrConcurrentModification
}

// Delete removes the definition. The execution log is kept.
func (o *Orchestrator) Delete(ctx context.Context, id obligation.ID) error {
	return o.withLock(ctx, id, func() error {
		return o.store.Delete(ctx, id)
	})
}

// Reminders lists obligations whose reminder window is open at now.
func (o *Orchestrator) Reminders(ctx context.Context, now time.Time) ([]*obligation.Obligation, error) {
	all, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var due []*obligation.Obligation
	for _, ob := range all {
		if obligation.ReminderWindow(ob, now) {
			due = append(due, ob)
		}
	}
	return due, nil
}

func (o *Orchestrator) withLock(ctx context.Context, id obligation.ID, fn func() error) error {
	lease, err := o.locker.TryLock(ctx, lockKey(id), o.cfg.LockTTL)
	if errors.Is(err, generic.ErrLockHeld) {
		return fmt.Errorf("obligation %s is executing: %w", id, err)
	}
	if err != nil {
		return fmt.Errorf("lock %s: %w", id, err)
	}
	defer lease.Release(context.WithoutCancel(ctx))
	return fn()
}
