/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements obligation.TxStore and budget.Store on SQLite. In production,
  the same patterns apply to PostgreSQL with minor dialect differences.

INTERFACES IMPLEMENTED:
  obligation.ScheduleStore: Definitions and progress
  obligation.LogStore:      Append-only execution log
  obligation.DrawStore:     Waterfall draw journal
  obligation.TxStore:       Log append + progress in one transaction
  budget.Store:             Recurring monthly budgets

KEY TABLES:
  obligations:       Definition JSON (factory schema) plus progress columns
  execution_log:     One row per attempt, never updated or deleted
  waterfall_draws:   One row per ledger movement, state updated in place
  recurring_budgets: One row per (month, category)

CONSTRAINTS DOING REAL WORK:
  - idx_log_terminal: at most one terminal entry per (obligation, period).
    A second one fails with generic.ErrDuplicate.
  - UNIQUE(month, category) on recurring_budgets, tombstones included.
    Rollover relies on it to be idempotent.

DEFINITION VS PROGRESS:
  Update writes definition_json and enabled, guarded by version.
  UpdateProgress writes the progress columns and installment_completed.
  Neither overwrites the other's columns.

TIME ZONES:
  Instants are stored in UTC with fixed-width nanoseconds so string
  comparison orders them. The obligation's zone is stored separately and
  reapplied on load, so month arithmetic keeps following local DST.

CONCURRENCY:
  One connection (MaxOpenConns(1)) in WAL mode, plus a sync.RWMutex so
  reads never interleave with a transaction. Several server instances
  may share the file; they serialize on SQLite's own write lock, and the
  per-obligation lease keeps them from executing the same schedule.

USAGE:
  store, err := sqlite.New("./data/obligations.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - obligation/store.go: Interface definitions
  - factory/obligation.go: Definition JSON schema
  - store/memory/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/obligation-engine/budget"
	"github.com/warp/obligation-engine/factory"
	"github.com/warp/obligation-engine/generic"
	"github.com/warp/obligation-engine/obligation"
)

// timeLayout sorts lexically when every value is UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db      *sql.DB
	mu      sync.RWMutex
	factory *factory.ObligationFactory
	now     func() time.Time
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens (or creates) the database and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	store := NewWithDB(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithDB wraps an open handle without migrating.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, factory: factory.NewObligationFactory(), now: time.Now}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS obligations (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		enabled INTEGER NOT NULL,
		definition_json TEXT NOT NULL,
		installment_completed INTEGER,
		tz TEXT NOT NULL DEFAULT 'UTC',
		last_executed_at TEXT,
		next_execute_at TEXT,
		due_at TEXT,
		settled_period TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Sweep hot path
	CREATE INDEX IF NOT EXISTS idx_obligations_due
		ON obligations(enabled, next_execute_at);

	CREATE TABLE IF NOT EXISTS execution_log (
		id TEXT PRIMARY KEY,
		obligation_id TEXT NOT NULL,
		period TEXT NOT NULL,
		attempted_at TEXT NOT NULL,
		status TEXT NOT NULL,
		terminal INTEGER NOT NULL DEFAULT 0,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		source_account_id TEXT,
		ledger_record_id TEXT,
		message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_log_obligation
		ON execution_log(obligation_id, attempted_at);

	-- CRITICAL: at most one terminal outcome per obligation and period
	CREATE UNIQUE INDEX IF NOT EXISTS idx_log_terminal
		ON execution_log(obligation_id, period) WHERE terminal = 1;

	CREATE TABLE IF NOT EXISTS waterfall_draws (
		obligation_id TEXT NOT NULL,
		period TEXT NOT NULL,
		seq INTEGER NOT NULL,
		account_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		state TEXT NOT NULL,
		ledger_record_id TEXT,
		drawn_at TEXT NOT NULL,
		PRIMARY KEY (obligation_id, period, seq)
	);

	CREATE TABLE IF NOT EXISTS recurring_budgets (
		id TEXT PRIMARY KEY,
		month TEXT NOT NULL,
		category TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		is_recurring INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (month, category)
	);

	CREATE INDEX IF NOT EXISTS idx_budgets_category
		ON recurring_budgets(category, month);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SCHEDULES (obligation.ScheduleStore)
// =============================================================================

const obligationColumns = `id, enabled, definition_json, installment_completed, tz,
	last_executed_at, next_execute_at, due_at, settled_period, attempts,
	version, created_at, updated_at`

func (s *Store) Create(ctx context.Context, o *obligation.Obligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(ctx, s.db, o)
}

func (s *Store) create(ctx context.Context, q querier, o *obligation.Obligation) error {
	def, err := factory.Marshal(o)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	p := o.Progress

	_, err = q.ExecContext(ctx, `
		INSERT INTO obligations
		(id, owner_id, kind, enabled, definition_json, installment_completed, tz,
		 last_executed_at, next_execute_at, due_at, settled_period, attempts,
		 version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		string(o.ID), o.OwnerID, string(o.Kind()), o.Enabled, def,
		installmentCompleted(o), zoneOf(p),
		formatTimePtr(p.LastExecutedAt), formatTimePtr(p.NextExecuteAt), formatTimePtr(p.DueAt),
		p.SettledPeriod, p.Attempts,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicate
		}
		return fmt.Errorf("failed to insert obligation: %w", err)
	}
	o.Version = 1
	o.CreatedAt, o.UpdatedAt = now, now
	return nil
}

// Update replaces the definition. Progress columns and the installment
// counter are left alone.
func (s *Store) Update(ctx context.Context, o *obligation.Obligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(ctx, s.db, o)
}

func (s *Store) update(ctx context.Context, q querier, o *obligation.Obligation) error {
	def, err := factory.Marshal(o)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	completed := installmentCompleted(o)

	res, err := q.ExecContext(ctx, `
		UPDATE obligations
		SET owner_id = ?, kind = ?, enabled = ?, definition_json = ?,
		    installment_completed = CASE WHEN ? IS NULL THEN NULL ELSE COALESCE(installment_completed, ?) END,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		o.OwnerID, string(o.Kind()), o.Enabled, def,
		completed, completed,
		formatTime(now), string(o.ID), o.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update obligation: %w", err)
	}
	if err := s.checkUpdated(ctx, q, res, o.ID); err != nil {
		return err
	}
	o.Version++
	o.UpdatedAt = now
	return nil
}

// checkUpdated tells a missing row from a stale version.
func (s *Store) checkUpdated(ctx context.Context, q querier, res sql.Result, id obligation.ID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM obligations WHERE id = ?)", string(id)).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return generic.ErrConcurrentModification
	}
	return generic.ErrNotFound
}

func (s *Store) UpdateProgress(ctx context.Context, id obligation.ID, u obligation.ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateProgress(ctx, s.db, id, u)
}

func (s *Store) updateProgress(ctx context.Context, q querier, id obligation.ID, u obligation.ProgressUpdate) error {
	var completed sql.NullInt64
	if u.CompletedPeriods != nil {
		completed = sql.NullInt64{Int64: int64(*u.CompletedPeriods), Valid: true}
	}
	p := u.Progress

	res, err := q.ExecContext(ctx, `
		UPDATE obligations
		SET last_executed_at = ?, next_execute_at = ?, due_at = ?, tz = ?,
		    settled_period = ?, attempts = ?,
		    installment_completed = COALESCE(?, installment_completed),
		    enabled = CASE WHEN ? THEN 0 ELSE enabled END,
		    updated_at = ?
		WHERE id = ?`,
		formatTimePtr(p.LastExecutedAt), formatTimePtr(p.NextExecuteAt), formatTimePtr(p.DueAt), zoneOf(p),
		p.SettledPeriod, p.Attempts,
		completed, u.Disable,
		formatTime(s.now().UTC()), string(id),
	)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return generic.ErrNotFound
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id obligation.ID) (*obligation.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ctx, s.db, id)
}

func (s *Store) get(ctx context.Context, q querier, id obligation.ID) (*obligation.Obligation, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+obligationColumns+" FROM obligations WHERE id = ?", string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query obligation: %w", err)
	}
	list, err := s.scanObligations(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, generic.ErrNotFound
	}
	return list[0], nil
}

func (s *Store) List(ctx context.Context) ([]*obligation.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(ctx, s.db)
}

func (s *Store) list(ctx context.Context, q querier) ([]*obligation.Obligation, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+obligationColumns+" FROM obligations ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query obligations: %w", err)
	}
	return s.scanObligations(rows)
}

func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*obligation.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listDue(ctx, s.db, now)
}

func (s *Store) listDue(ctx context.Context, q querier, now time.Time) ([]*obligation.Obligation, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+obligationColumns+` FROM obligations
		 WHERE enabled = 1 AND next_execute_at IS NOT NULL AND next_execute_at <= ?
		 ORDER BY next_execute_at, id`,
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due obligations: %w", err)
	}
	return s.scanObligations(rows)
}

func (s *Store) Delete(ctx context.Context, id obligation.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(ctx, s.db, id)
}

func (s *Store) delete(ctx context.Context, q querier, id obligation.ID) error {
	res, err := q.ExecContext(ctx, "DELETE FROM obligations WHERE id = ?", string(id))
	if err != nil {
		return fmt.Errorf("failed to delete obligation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return generic.ErrNotFound
	}
	return nil
}

func (s *Store) scanObligations(rows *sql.Rows) ([]*obligation.Obligation, error) {
	defer rows.Close()

	var result []*obligation.Obligation
	for rows.Next() {
		var (
			id, def, tz, settled      string
			createdAt, updatedAt      string
			enabled                   bool
			completed                 sql.NullInt64
			lastExec, nextExec, dueAt sql.NullString
			attempts, version         int
		)
		err := rows.Scan(&id, &enabled, &def, &completed, &tz,
			&lastExec, &nextExec, &dueAt, &settled, &attempts,
			&version, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan obligation: %w", err)
		}

		o, err := s.factory.Parse(def)
		if err != nil {
			return nil, fmt.Errorf("obligation %s: %w", id, err)
		}
		loc, err := time.LoadLocation(tz)
		if err != nil {
			loc = time.UTC
		}

		o.ID = obligation.ID(id)
		o.Enabled = enabled
		if d := o.Debit(); d != nil && d.Installment != nil && completed.Valid {
			d.Installment.CompletedPeriods = int(completed.Int64)
		}
		o.Progress = obligation.Progress{
			LastExecutedAt: parseTimePtr(lastExec, loc),
			NextExecuteAt:  parseTimePtr(nextExec, loc),
			DueAt:          parseTimePtr(dueAt, loc),
			SettledPeriod:  settled,
			Attempts:       attempts,
		}
		o.Version = version
		o.CreatedAt = parseTime(createdAt, time.UTC)
		o.UpdatedAt = parseTime(updatedAt, time.UTC)
		result = append(result, o)
	}
	return result, rows.Err()
}

// =============================================================================
// EXECUTION LOG (obligation.LogStore)
// =============================================================================

func (s *Store) Append(ctx context.Context, e obligation.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEntry(ctx, s.db, e)
}

func (s *Store) appendEntry(ctx context.Context, q querier, e obligation.Entry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO execution_log
		(id, obligation_id, period, attempted_at, status, terminal, amount, currency,
		 source_account_id, ledger_record_id, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.ObligationID), e.Period, formatTime(e.AttemptedAt),
		string(e.Status), e.Terminal, e.Amount.Value.String(), string(e.Amount.Currency),
		nullString(string(e.SourceAccountID)), nullString(string(e.LedgerRecordID)), nullString(e.Message),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicate
		}
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

func (s *Store) HasTerminal(ctx context.Context, id obligation.ID, period string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasTerminal(ctx, s.db, id, period)
}

func (s *Store) hasTerminal(ctx context.Context, q querier, id obligation.ID, period string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM execution_log WHERE obligation_id = ? AND period = ? AND terminal = 1)",
		string(id), period,
	).Scan(&exists)
	return exists, err
}

func (s *Store) Entries(ctx context.Context, id obligation.ID) ([]obligation.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries(ctx, s.db, id)
}

func (s *Store) entries(ctx context.Context, q querier, id obligation.ID) ([]obligation.Entry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, obligation_id, period, attempted_at, status, terminal, amount, currency,
		       source_account_id, ledger_record_id, message
		FROM execution_log WHERE obligation_id = ?
		ORDER BY attempted_at, rowid`,
		string(id),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query log: %w", err)
	}
	defer rows.Close()

	var result []obligation.Entry
	for rows.Next() {
		var (
			e                         obligation.Entry
			obligationID, attemptedAt string
			status, amount, currency  string
			source, record, message   sql.NullString
		)
		err := rows.Scan(&e.ID, &obligationID, &e.Period, &attemptedAt, &status, &e.Terminal,
			&amount, &currency, &source, &record, &message)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.ObligationID = obligation.ID(obligationID)
		e.AttemptedAt = parseTime(attemptedAt, time.UTC)
		e.Status = obligation.Status(status)
		e.Amount = generic.NewAmountFromString(amount, generic.Currency(currency))
		e.SourceAccountID = generic.AccountID(source.String)
		e.LedgerRecordID = generic.LedgerRecordID(record.String)
		e.Message = message.String
		result = append(result, e)
	}
	return result, rows.Err()
}

// =============================================================================
// DRAW JOURNAL (obligation.DrawStore)
// =============================================================================

func (s *Store) SaveDraw(ctx context.Context, d obligation.Draw) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveDraw(ctx, s.db, d)
}

func (s *Store) saveDraw(ctx context.Context, q querier, d obligation.Draw) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO waterfall_draws
		(obligation_id, period, seq, account_id, amount, currency, state, ledger_record_id, drawn_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(obligation_id, period, seq) DO UPDATE SET
			account_id = excluded.account_id,
			amount = excluded.amount,
			currency = excluded.currency,
			state = excluded.state,
			ledger_record_id = excluded.ledger_record_id`,
		string(d.ObligationID), d.Period, d.Seq, string(d.AccountID),
		d.Amount.Value.String(), string(d.Amount.Currency), string(d.State),
		nullString(string(d.LedgerRecordID)), formatTime(d.At),
	)
	if err != nil {
		return fmt.Errorf("failed to save draw: %w", err)
	}
	return nil
}

func (s *Store) Draws(ctx context.Context, id obligation.ID, period string) ([]obligation.Draw, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draws(ctx, s.db, id, period)
}

func (s *Store) draws(ctx context.Context, q querier, id obligation.ID, period string) ([]obligation.Draw, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, account_id, amount, currency, state, ledger_record_id, drawn_at
		FROM waterfall_draws WHERE obligation_id = ? AND period = ?
		ORDER BY seq`,
		string(id), period,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query draws: %w", err)
	}
	defer rows.Close()

	var result []obligation.Draw
	for rows.Next() {
		var (
			d                                obligation.Draw
			account, amount, currency, state string
			drawnAt                          string
			record                           sql.NullString
		)
		if err := rows.Scan(&d.Seq, &account, &amount, &currency, &state, &record, &drawnAt); err != nil {
			return nil, fmt.Errorf("failed to scan draw: %w", err)
		}
		d.ObligationID = id
		d.Period = period
		d.AccountID = generic.AccountID(account)
		d.Amount = generic.NewAmountFromString(amount, generic.Currency(currency))
		d.State = obligation.DrawState(state)
		d.LedgerRecordID = generic.LedgerRecordID(record.String)
		d.At = parseTime(drawnAt, time.UTC)
		result = append(result, d)
	}
	return result, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (obligation.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(obligation.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore runs every call on the open transaction. The parent's mutex is
// already held, so nothing here locks.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) Create(ctx context.Context, o *obligation.Obligation) error {
	return ts.parent.create(ctx, ts.tx, o)
}

func (ts *txStore) Update(ctx context.Context, o *obligation.Obligation) error {
	return ts.parent.update(ctx, ts.tx, o)
}

func (ts *txStore) UpdateProgress(ctx context.Context, id obligation.ID, u obligation.ProgressUpdate) error {
	return ts.parent.updateProgress(ctx, ts.tx, id, u)
}

func (ts *txStore) Get(ctx context.Context, id obligation.ID) (*obligation.Obligation, error) {
	return ts.parent.get(ctx, ts.tx, id)
}

func (ts *txStore) List(ctx context.Context) ([]*obligation.Obligation, error) {
	return ts.parent.list(ctx, ts.tx)
}

func (ts *txStore) ListDue(ctx context.Context, now time.Time) ([]*obligation.Obligation, error) {
	return ts.parent.listDue(ctx, ts.tx, now)
}

func (ts *txStore) Delete(ctx context.Context, id obligation.ID) error {
	return ts.parent.delete(ctx, ts.tx, id)
}

func (ts *txStore) Append(ctx context.Context, e obligation.Entry) error {
	return ts.parent.appendEntry(ctx, ts.tx, e)
}

func (ts *txStore) HasTerminal(ctx context.Context, id obligation.ID, period string) (bool, error) {
	return ts.parent.hasTerminal(ctx, ts.tx, id, period)
}

func (ts *txStore) Entries(ctx context.Context, id obligation.ID) ([]obligation.Entry, error) {
	return ts.parent.entries(ctx, ts.tx, id)
}

func (ts *txStore) SaveDraw(ctx context.Context, d obligation.Draw) error {
	return ts.parent.saveDraw(ctx, ts.tx, d)
}

func (ts *txStore) Draws(ctx context.Context, id obligation.ID, period string) ([]obligation.Draw, error) {
	return ts.parent.draws(ctx, ts.tx, id, period)
}

// =============================================================================
// BUDGETS (budget.Store)
// =============================================================================

const budgetColumns = "id, month, category, amount, currency, is_recurring, deleted_at, created_at"

func (s *Store) CreateBudget(ctx context.Context, b budget.Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO recurring_budgets ("+budgetColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		string(b.ID), b.Month.String(), b.Category,
		b.Amount.Value.String(), string(b.Amount.Currency), b.IsRecurring,
		formatTimePtr(b.DeletedAt), formatTime(b.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicate
		}
		return fmt.Errorf("failed to insert budget: %w", err)
	}
	return nil
}

func (s *Store) GetBudget(ctx context.Context, id budget.ID) (budget.Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list, err := s.queryBudgets(ctx, "SELECT "+budgetColumns+" FROM recurring_budgets WHERE id = ?", string(id))
	if err != nil {
		return budget.Budget{}, err
	}
	if len(list) == 0 {
		return budget.Budget{}, generic.ErrNotFound
	}
	return list[0], nil
}

func (s *Store) ListBudgets(ctx context.Context, month generic.Month, includeDeleted bool) ([]budget.Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + budgetColumns + " FROM recurring_budgets WHERE month = ?"
	if !includeDeleted {
		query += " AND deleted_at IS NULL"
	}
	return s.queryBudgets(ctx, query+" ORDER BY category", month.String())
}

func (s *Store) MarkBudgetDeleted(ctx context.Context, id budget.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE recurring_budgets SET deleted_at = COALESCE(deleted_at, ?) WHERE id = ?",
		formatTime(at), string(id),
	)
	if err != nil {
		return fmt.Errorf("failed to delete budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return generic.ErrNotFound
	}
	return nil
}

func (s *Store) StopRecurring(ctx context.Context, category string, from generic.Month) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE recurring_budgets SET is_recurring = 0 WHERE category = ? AND month >= ? AND is_recurring = 1",
		category, from.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to stop recurrence: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) queryBudgets(ctx context.Context, query string, args ...any) ([]budget.Budget, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query budgets: %w", err)
	}
	defer rows.Close()

	var result []budget.Budget
	for rows.Next() {
		var (
			b                       budget.Budget
			id, month, amount, curr string
			createdAt               string
			deletedAt               sql.NullString
		)
		if err := rows.Scan(&id, &month, &b.Category, &amount, &curr, &b.IsRecurring, &deletedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan budget: %w", err)
		}
		m, err := generic.ParseMonth(month)
		if err != nil {
			return nil, fmt.Errorf("budget %s: %w", id, err)
		}
		b.ID = budget.ID(id)
		b.Month = m
		b.Amount = generic.NewAmountFromString(amount, generic.Currency(curr))
		b.DeletedAt = parseTimePtr(deletedAt, time.UTC)
		b.CreatedAt = parseTime(createdAt, time.UTC)
		result = append(result, b)
	}
	return result, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string, loc *time.Location) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t.In(loc)
}

func parseTimePtr(s sql.NullString, loc *time.Location) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String, loc)
	return &t
}

// zoneOf returns the zone the schedule's instants are expressed in. The
// due instant decides; it carries the wall clock the schedule follows.
func zoneOf(p obligation.Progress) string {
	for _, t := range []*time.Time{p.DueAt, p.NextExecuteAt, p.LastExecutedAt} {
		if t != nil {
			if name := t.Location().String(); name != "" {
				return name
			}
		}
	}
	return "UTC"
}

func installmentCompleted(o *obligation.Obligation) *int {
	if d := o.Debit(); d != nil && d.Installment != nil {
		n := d.Installment.CompletedPeriods
		return &n
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
