/*
Package ledger is the engine's view of the external account ledger.

PURPOSE:
  The engine moves money but does not own balances. Every movement is a
  call into a ledger service that keeps its own books. This package
  defines that collaborator and two implementations:

  - memory.go: In-process ledger for tests, demos and local runs
  - http.go:   REST client with per-call timeout and a circuit breaker

IDEMPOTENCY:
  Every posting carries a deterministic key derived from the obligation,
  the period, the account and the draw sequence:

    obligation:<id>:<period>:<account>:<seq>

  A retry after a crash reuses the key and the ledger answers with the
  original receipt instead of moving funds twice.

ERRORS:
  Implementations return two kinds of failure, and callers rely on the
  distinction:
  - *generic.InsufficientFundsError: the account cannot cover the posting
  - *generic.TransientLedgerError: timeout, transport, 5xx, breaker open

SEE ALSO:
  - obligation/waterfall.go: Draws from funding sources through Service
  - engine/orchestrator.go: Credits income through Service
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/warp/obligation-engine/generic"
)

// Service is the ledger collaborator.
type Service interface {
	Balance(ctx context.Context, account generic.AccountID) (generic.Amount, error)
	Debit(ctx context.Context, p Posting) (Receipt, error)
	Credit(ctx context.Context, p Posting) (Receipt, error)
}

// Posting is a single atomic movement. A debit with a Counterparty is a
// transfer: the ledger credits the counterparty in the same record.
type Posting struct {
	AccountID      generic.AccountID
	Amount         generic.Amount
	Counterparty   generic.AccountID // debits only: card or loan account being paid
	Memo           string
	Category       string // propagated from credit obligations
	IdempotencyKey string
}

// Receipt reports what the ledger actually recorded.
type Receipt struct {
	RecordID generic.LedgerRecordID
	Amount   generic.Amount
}

// IdempotencyKey derives the posting key for one draw of one period.
func IdempotencyKey(obligationID, period string, account generic.AccountID, seq int) string {
	return fmt.Sprintf("obligation:%s:%s:%s:%d", obligationID, period, account, seq)
}
