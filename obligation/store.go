package obligation

import (
	"context"
	"time"

	"github.com/warp/obligation-engine/generic"
)

// =============================================================================
// EXECUTION LOG - Append-only, one entry per attempt
// =============================================================================

type Status string

const (
	StatusSuccess           Status = "SUCCESS"
	StatusFailed            Status = "FAILED"
	StatusInsufficientFunds Status = "INSUFFICIENT_FUNDS"
	StatusPartial           Status = "PARTIAL"
	StatusSkipped           Status = "SKIPPED"
)

// Settles reports whether the status closes the period by itself.
// FAILED and INSUFFICIENT_FUNDS only close a period at rollover.
func (s Status) Settles() bool {
	return s == StatusSuccess || s == StatusPartial || s == StatusSkipped
}

// Entry is one attempt. At most one Terminal entry exists per
// (obligation, period); the log store rejects a second one with
// generic.ErrDuplicate.
type Entry struct {
	ID              string
	ObligationID    ID
	Period          string
	AttemptedAt     time.Time
	Status          Status
	Terminal        bool
	Amount          generic.Amount
	SourceAccountID generic.AccountID // debit only: first account drawn
	LedgerRecordID  generic.LedgerRecordID
	Message         string
}

// =============================================================================
// DRAW JOURNAL - Every ledger movement, written as it happens
// =============================================================================

type DrawState string

const (
	DrawPending DrawState = "PENDING" // intent written, ledger call not confirmed
	DrawSettled DrawState = "SETTLED" // ledger confirmed the movement
	DrawVoid    DrawState = "VOID"    // ledger refused, nothing moved
)

// Draw is a single movement within a period. (ObligationID, Period, Seq)
// is unique; saving the same key again overwrites the state.
type Draw struct {
	ObligationID   ID
	Period         string
	Seq            int
	AccountID      generic.AccountID
	Amount         generic.Amount
	State          DrawState
	LedgerRecordID generic.LedgerRecordID
	At             time.Time
}

// =============================================================================
// STORE CONTRACTS
// =============================================================================

// ProgressUpdate is the orchestrator-owned part of a schedule.
type ProgressUpdate struct {
	Progress         Progress
	CompletedPeriods *int // installment counter, nil when not an installment
	Disable          bool // installment completed
}

// ScheduleStore persists definitions and progress separately: Update
// writes the definition (version-checked, progress untouched) while
// UpdateProgress writes only what the orchestrator owns.
type ScheduleStore interface {
	Create(ctx context.Context, o *Obligation) error
	Update(ctx context.Context, o *Obligation) error
	UpdateProgress(ctx context.Context, id ID, u ProgressUpdate) error
	Get(ctx context.Context, id ID) (*Obligation, error)
	List(ctx context.Context) ([]*Obligation, error)

	// ListDue returns enabled obligations with NextExecuteAt <= now.
	ListDue(ctx context.Context, now time.Time) ([]*Obligation, error)

	Delete(ctx context.Context, id ID) error
}

type LogStore interface {
	Append(ctx context.Context, e Entry) error
	HasTerminal(ctx context.Context, id ID, period string) (bool, error)
	Entries(ctx context.Context, id ID) ([]Entry, error)
}

type DrawStore interface {
	SaveDraw(ctx context.Context, d Draw) error
	Draws(ctx context.Context, id ID, period string) ([]Draw, error)
}

type Store interface {
	ScheduleStore
	LogStore
	DrawStore
}

// TxStore runs fn atomically: fn's error rolls every write back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
