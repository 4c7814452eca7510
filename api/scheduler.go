/*
scheduler.go - Cron jobs driving the engine

PURPOSE:
  Runs the three periodic jobs of the service on cron specs evaluated in
  the configured time zone:
  - sweep:     execute every obligation that is due
  - rollover:  clone recurring budgets into the current month
  - reminders: notify owners of obligations inside their reminder window

DESIGN:
  - Jobs never overlap with themselves; a slow sweep makes the next tick
    a no-op instead of stacking up.
  - Each job is also callable on demand (RunSweep, RunRollover,
    RunReminders) for admin endpoints and tests.
  - Several instances may run the scheduler at once. Sweeps are safe
    because each execution takes the obligation's lock; rollovers are safe
    because budget slots are unique.

CONFIGURATION:
  SweepSpec     default "@every 5m"
  BudgetSpec    default "5 0 1 * *" (00:05 on the 1st)
  ReminderSpec  default "0 8 * * *" (08:00 daily)
  An empty spec disables that job.

USAGE:
  s, err := NewScheduler(opts, eng, budgets, notifier, logger)
  s.Start()
  // ... later
  <-s.Stop().Done()

SEE ALSO:
  - engine/orchestrator.go: Sweep
  - budget/applier.go: Rollover
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/obligation-engine/budget"
	"github.com/warp/obligation-engine/engine"
	"github.com/warp/obligation-engine/generic"
	"go.uber.org/zap"
)

type SchedulerOptions struct {
	SweepSpec    string
	BudgetSpec   string
	ReminderSpec string
	Location     *time.Location
	JobTimeout   time.Duration // per run, default 10m
}

// Scheduler owns the cron instance.
type Scheduler struct {
	cron     *cron.Cron
	engine   *engine.Orchestrator
	budgets  *budget.Applier
	notifier engine.Notifier
	loc      *time.Location
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewScheduler registers the jobs. A malformed spec is an error here, not
// at the first tick.
func NewScheduler(opts SchedulerOptions, eng *engine.Orchestrator, budgets *budget.Applier,
	notifier engine.Notifier, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	if notifier == nil {
		notifier = engine.NewLogNotifier(logger)
	}

	s := &Scheduler{
		engine:   eng,
		budgets:  budgets,
		notifier: notifier,
		loc:      opts.Location,
		timeout:  opts.JobTimeout,
		logger:   logger.Named("scheduler"),
		now:      time.Now,
	}

	cl := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLocation(opts.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"sweep", opts.SweepSpec, func(ctx context.Context) error { _, err := s.RunSweep(ctx); return err }},
		{"budget_rollover", opts.BudgetSpec, func(ctx context.Context) error { _, err := s.RunRollover(ctx); return err }},
		{"reminders", opts.ReminderSpec, func(ctx context.Context) error { _, err := s.RunReminders(ctx); return err }},
	}
	for _, j := range jobs {
		if j.spec == "" {
			s.logger.Info("job disabled", zap.String("job", j.name))
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, s.wrap(j.name, j.run)); err != nil {
			return nil, fmt.Errorf("schedule %s job %q: %w", j.name, j.spec, err)
		}
	}
	return s, nil
}

// WithClock replaces the time source used by the jobs.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// clock is now in the scheduler's zone. Due instants take their zone from
// the reference time.
func (s *Scheduler) clock() time.Time {
	return s.now().In(s.loc)
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("location", s.loc.String()))
}

// Stop prevents new runs. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.logger.Info("scheduler stopping")
	return ctx
}

func (s *Scheduler) wrap(name string, run func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := run(ctx); err != nil {
			s.logger.Error("job failed", zap.String("job", name), zap.Error(err))
		}
	}
}

// =============================================================================
// JOBS
// =============================================================================

// RunSweep executes everything due now.
func (s *Scheduler) RunSweep(ctx context.Context) (engine.SweepReport, error) {
	return s.engine.Sweep(ctx, s.clock())
}

// RunRollover fills the current month (in the scheduler's zone) from the
// previous one.
func (s *Scheduler) RunRollover(ctx context.Context) (budget.RolloverResult, error) {
	month := generic.MonthOf(s.clock())
	return s.budgets.Rollover(ctx, month)
}

// RunReminders notifies every obligation whose reminder window is open and
// returns how many were sent. A daily spec sends each reminder once per day
// of the window.
func (s *Scheduler) RunReminders(ctx context.Context) (int, error) {
	due, err := s.engine.Reminders(ctx, s.clock())
	if err != nil {
		return 0, fmt.Errorf("list reminders: %w", err)
	}
	for _, ob := range due {
		s.notifier.Notify(ctx, ob.ID, engine.ReasonReminder)
	}
	if len(due) > 0 {
		s.logger.Info("reminders sent", zap.Int("count", len(due)))
	}
	return len(due), nil
}

// =============================================================================
// CRON LOGGING
// =============================================================================

// cronLogger routes cron's own messages (skips, recovered panics) to zap.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
