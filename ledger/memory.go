package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/warp/obligation-engine/generic"
)

// =============================================================================
// MEMORY LEDGER - In-process balances with idempotent postings
// =============================================================================

// Record is a posting the memory ledger accepted.
type Record struct {
	ID      generic.LedgerRecordID
	Posting Posting
	Debit   bool
}

type Memory struct {
	mu       sync.Mutex
	currency generic.Currency
	balances map[generic.AccountID]generic.Amount
	receipts map[string]Receipt
	records  []Record

	// Fault, when set, is consulted before every call. A non-nil error is
	// returned as a transient failure. Used to simulate outages.
	Fault func(op string, account generic.AccountID) error
}

func NewMemory(currency generic.Currency) *Memory {
	return &Memory{
		currency: currency,
		balances: make(map[generic.AccountID]generic.Amount),
		receipts: make(map[string]Receipt),
	}
}

// SetBalance opens or overwrites an account.
func (m *Memory) SetBalance(account generic.AccountID, amount generic.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] = amount
}

func (m *Memory) Balance(_ context.Context, account generic.AccountID) (generic.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("balance", account); err != nil {
		return generic.Amount{}, err
	}
	return m.balanceLocked(account), nil
}

func (m *Memory) Debit(_ context.Context, p Posting) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("debit", p.AccountID); err != nil {
		return Receipt{}, err
	}
	if r, ok := m.receipts[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		return r, nil
	}
	if !p.Amount.IsPositive() {
		return Receipt{}, fmt.Errorf("debit %s: amount must be positive", p.AccountID)
	}

	balance := m.balanceLocked(p.AccountID)
	if balance.LessThan(p.Amount) {
		return Receipt{}, &generic.InsufficientFundsError{
			AccountID: p.AccountID,
			Available: balance,
			Requested: p.Amount,
		}
	}
	m.balances[p.AccountID] = balance.Sub(p.Amount)
	if p.Counterparty != "" {
		m.balances[p.Counterparty] = m.balanceLocked(p.Counterparty).Add(p.Amount)
	}
	return m.recordLocked(p, true), nil
}

func (m *Memory) Credit(_ context.Context, p Posting) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("credit", p.AccountID); err != nil {
		return Receipt{}, err
	}
	if r, ok := m.receipts[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		return r, nil
	}
	if !p.Amount.IsPositive() {
		return Receipt{}, fmt.Errorf("credit %s: amount must be positive", p.AccountID)
	}

	m.balances[p.AccountID] = m.balanceLocked(p.AccountID).Add(p.Amount)
	return m.recordLocked(p, false), nil
}

// Records returns the accepted postings in order.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

func (m *Memory) balanceLocked(account generic.AccountID) generic.Amount {
	if b, ok := m.balances[account]; ok {
		return b
	}
	return generic.NewAmountFromInt(0, m.currency)
}

func (m *Memory) recordLocked(p Posting, debit bool) Receipt {
	id := generic.LedgerRecordID(uuid.NewString())
	r := Receipt{RecordID: id, Amount: p.Amount}
	if p.IdempotencyKey != "" {
		m.receipts[p.IdempotencyKey] = r
	}
	m.records = append(m.records, Record{ID: id, Posting: p, Debit: debit})
	return r
}

func (m *Memory) fault(op string, account generic.AccountID) error {
	if m.Fault == nil {
		return nil
	}
	return generic.AsTransient(op, account, m.Fault(op, account))
}
