// Package memory provides an in-memory Store (for tests and local runs).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/obligation-engine/budget"
	"github.com/warp/obligation-engine/generic"
	"github.com/warp/obligation-engine/obligation"
)

// =============================================================================
// MEMORY STORE - obligation.TxStore and budget.Store
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	obligations map[obligation.ID]*obligation.Obligation
	entries     map[obligation.ID][]obligation.Entry
	terminal    map[periodKey]bool
	draws       map[periodKey]map[int]obligation.Draw
	budgets     map[budget.ID]budget.Budget
	slots       map[slotKey]budget.ID

	now func() time.Time
}

type periodKey struct {
	ID     obligation.ID
	Period string
}

type slotKey struct {
	Month    generic.Month
	Category string
}

func New() *Memory {
	return &Memory{
		obligations: make(map[obligation.ID]*obligation.Obligation),
		entries:     make(map[obligation.ID][]obligation.Entry),
		terminal:    make(map[periodKey]bool),
		draws:       make(map[periodKey]map[int]obligation.Draw),
		budgets:     make(map[budget.ID]budget.Budget),
		slots:       make(map[slotKey]budget.ID),
		now:         time.Now,
	}
}

// =============================================================================
// SCHEDULES
// =============================================================================

func (m *Memory) Create(_ context.Context, o *obligation.Obligation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(o)
}

func (m *Memory) createLocked(o *obligation.Obligation) error {
	if _, ok := m.obligations[o.ID]; ok {
		return generic.ErrDuplicate
	}
	now := m.now().UTC()
	o.Version = 1
	o.CreatedAt, o.UpdatedAt = now, now
	m.obligations[o.ID] = o.Clone()
	return nil
}

func (m *Memory) Update(_ context.Context, o *obligation.Obligation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(o)
}

// updateLocked replaces the definition and keeps the stored progress and
// installment counter.
func (m *Memory) updateLocked(o *obligation.Obligation) error {
	cur, ok := m.obligations[o.ID]
	if !ok {
		return generic.ErrNotFound
	}
	if cur.Version != o.Version {
		return generic.ErrConcurrentModification
	}

	next := o.Clone()
	next.Progress = cur.Progress
	if d, cd := next.Debit(), cur.Debit(); d != nil && d.Installment != nil && cd != nil && cd.Installment != nil {
		d.Installment.CompletedPeriods = cd.Installment.CompletedPeriods
	}
	next.Version = cur.Version + 1
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = m.now().UTC()
	m.obligations[o.ID] = next

	o.Version = next.Version
	o.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *Memory) UpdateProgress(_ context.Context, id obligation.ID, u obligation.ProgressUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateProgressLocked(id, u)
}

func (m *Memory) updateProgressLocked(id obligation.ID, u obligation.ProgressUpdate) error {
	cur, ok := m.obligations[id]
	if !ok {
		return generic.ErrNotFound
	}
	next := cur.Clone()
	next.Progress = u.Progress
	if d := next.Debit(); d != nil && d.Installment != nil && u.CompletedPeriods != nil {
		d.Installment.CompletedPeriods = *u.CompletedPeriods
	}
	if u.Disable {
		next.Enabled = false
	}
	next.UpdatedAt = m.now().UTC()
	m.obligations[id] = next
	return nil
}

func (m *Memory) Get(_ context.Context, id obligation.ID) (*obligation.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) getLocked(id obligation.ID) (*obligation.Obligation, error) {
	o, ok := m.obligations[id]
	if !ok {
		return nil, generic.ErrNotFound
	}
	return o.Clone(), nil
}

func (m *Memory) List(_ context.Context) ([]*obligation.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(func(*obligation.Obligation) bool { return true }), nil
}

func (m *Memory) ListDue(_ context.Context, now time.Time) ([]*obligation.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(func(o *obligation.Obligation) bool {
		next := o.Progress.NextExecuteAt
		return o.Enabled && next != nil && !next.After(now)
	}), nil
}

func (m *Memory) listLocked(keep func(*obligation.Obligation) bool) []*obligation.Obligation {
	var result []*obligation.Obligation
	for _, o := range m.obligations {
		if keep(o) {
			result = append(result, o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *Memory) Delete(_ context.Context, id obligation.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.obligations[id]; !ok {
		return generic.ErrNotFound
	}
	delete(m.obligations, id)
	return nil
}

// =============================================================================
// EXECUTION LOG
// =============================================================================

func (m *Memory) Append(_ context.Context, e obligation.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e)
}

func (m *Memory) appendLocked(e obligation.Entry) error {
	k := periodKey{ID: e.ObligationID, Period: e.Period}
	if e.Terminal {
		if m.terminal[k] {
			return generic.ErrDuplicate
		}
		m.terminal[k] = true
	}
	m.entries[e.ObligationID] = append(m.entries[e.ObligationID], e)
	return nil
}

func (m *Memory) HasTerminal(_ context.Context, id obligation.ID, period string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.terminal[periodKey{ID: id, Period: period}], nil
}

func (m *Memory) Entries(_ context.Context, id obligation.ID) ([]obligation.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]obligation.Entry(nil), m.entries[id]...), nil
}

// =============================================================================
// DRAW JOURNAL
// =============================================================================

func (m *Memory) SaveDraw(_ context.Context, d obligation.Draw) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveDrawLocked(d)
	return nil
}

func (m *Memory) saveDrawLocked(d obligation.Draw) {
	k := periodKey{ID: d.ObligationID, Period: d.Period}
	if m.draws[k] == nil {
		m.draws[k] = make(map[int]obligation.Draw)
	}
	m.draws[k][d.Seq] = d
}

func (m *Memory) Draws(_ context.Context, id obligation.ID, period string) ([]obligation.Draw, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.drawsLocked(id, period), nil
}

func (m *Memory) drawsLocked(id obligation.ID, period string) []obligation.Draw {
	var result []obligation.Draw
	for _, d := range m.draws[periodKey{ID: id, Period: period}] {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result
}

// =============================================================================
// BUDGETS
// =============================================================================

func (m *Memory) CreateBudget(_ context.Context, b budget.Budget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := slotKey{Month: b.Month, Category: b.Category}
	if _, taken := m.slots[slot]; taken {
		return generic.ErrDuplicate
	}
	if _, taken := m.budgets[b.ID]; taken {
		return generic.ErrDuplicate
	}
	m.budgets[b.ID] = b
	m.slots[slot] = b.ID
	return nil
}

func (m *Memory) GetBudget(_ context.Context, id budget.ID) (budget.Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.budgets[id]
	if !ok {
		return budget.Budget{}, generic.ErrNotFound
	}
	return b, nil
}

func (m *Memory) ListBudgets(_ context.Context, month generic.Month, includeDeleted bool) ([]budget.Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []budget.Budget
	for _, b := range m.budgets {
		if b.Month.Equal(month) && (includeDeleted || !b.Deleted()) {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Category < result[j].Category })
	return result, nil
}

func (m *Memory) MarkBudgetDeleted(_ context.Context, id budget.ID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[id]
	if !ok {
		return generic.ErrNotFound
	}
	b.DeletedAt = &at
	m.budgets[id] = b
	return nil
}

func (m *Memory) StopRecurring(_ context.Context, category string, from generic.Month) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, b := range m.budgets {
		if b.Category != category || b.Month.Before(from) || !b.IsRecurring {
			continue
		}
		b.IsRecurring = false
		m.budgets[id] = b
		n++
	}
	return n, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn against a view of the store. On error every write made
// through the view is rolled back from a snapshot.
func (m *Memory) WithTx(_ context.Context, fn func(obligation.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	obligations map[obligation.ID]*obligation.Obligation
	entries     map[obligation.ID][]obligation.Entry
	terminal    map[periodKey]bool
	draws       map[periodKey]map[int]obligation.Draw
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		obligations: make(map[obligation.ID]*obligation.Obligation, len(m.obligations)),
		entries:     make(map[obligation.ID][]obligation.Entry, len(m.entries)),
		terminal:    make(map[periodKey]bool, len(m.terminal)),
		draws:       make(map[periodKey]map[int]obligation.Draw, len(m.draws)),
	}
	for k, v := range m.obligations {
		s.obligations[k] = v
	}
	for k, v := range m.entries {
		s.entries[k] = append([]obligation.Entry(nil), v...)
	}
	for k, v := range m.terminal {
		s.terminal[k] = v
	}
	for k, v := range m.draws {
		c := make(map[int]obligation.Draw, len(v))
		for seq, d := range v {
			c[seq] = d
		}
		s.draws[k] = c
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.obligations = s.obligations
	m.entries = s.entries
	m.terminal = s.terminal
	m.draws = s.draws
}

// txView runs against the locked parent.
type txView struct {
	m *Memory
}

func (v *txView) Create(_ context.Context, o *obligation.Obligation) error {
	return v.m.createLocked(o)
}

func (v *txView) Update(_ context.Context, o *obligation.Obligation) error {
	return v.m.updateLocked(o)
}

func (v *txView) UpdateProgress(_ context.Context, id obligation.ID, u obligation.ProgressUpdate) error {
	return v.m.updateProgressLocked(id, u)
}

func (v *txView) Get(_ context.Context, id obligation.ID) (*obligation.Obligation, error) {
	return v.m.getLocked(id)
}

func (v *txView) List(_ context.Context) ([]*obligation.Obligation, error) {
	return v.m.listLocked(func(*obligation.Obligation) bool { return true }), nil
}

func (v *txView) ListDue(_ context.Context, now time.Time) ([]*obligation.Obligation, error) {
	return v.m.listLocked(func(o *obligation.Obligation) bool {
		next := o.Progress.NextExecuteAt
		return o.Enabled && next != nil && !next.After(now)
	}), nil
}

func (v *txView) Delete(_ context.Context, id obligation.ID) error {
	if _, ok := v.m.obligations[id]; !ok {
		return generic.ErrNotFound
	}
	delete(v.m.obligations, id)
	return nil
}

func (v *txView) Append(_ context.Context, e obligation.Entry) error {
	return v.m.appendLocked(e)
}

func (v *txView) HasTerminal(_ context.Context, id obligation.ID, period string) (bool, error) {
	return v.m.terminal[periodKey{ID: id, Period: period}], nil
}

func (v *txView) Entries(_ context.Context, id obligation.ID) ([]obligation.Entry, error) {
	return append([]obligation.Entry(nil), v.m.entries[id]...), nil
}

func (v *txView) SaveDraw(_ context.Context, d obligation.Draw) error {
	v.m.saveDrawLocked(d)
	return nil
}

func (v *txView) Draws(_ context.Context, id obligation.ID, period string) ([]obligation.Draw, error) {
	return v.m.drawsLocked(id, period), nil
}
