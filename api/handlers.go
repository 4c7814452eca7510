/*
handlers.go - HTTP API handlers for the obligation engine

PURPOSE:
  Exposes the scheduler and the budget applier via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Obligations:
    GET    /api/obligations              List all obligations
    POST   /api/obligations              Create from a JSON definition
    GET    /api/obligations/{id}         Get definition and progress
    PUT    /api/obligations/{id}         Replace definition (progress kept)
    DELETE /api/obligations/{id}         Delete (log kept)
    POST   /api/obligations/{id}/enable  Enable, next period from now
    POST   /api/obligations/{id}/disable Disable
    GET    /api/obligations/{id}/logs    Execution log
    POST   /api/obligations/{id}/execute Execute now

  Operations:
    GET    /api/reminders                Obligations inside their reminder window
    POST   /api/sweeps                   Run a sweep now

  Budgets:
    GET    /api/budgets?month=YYYY-MM    List visible budgets of a month
    POST   /api/budgets                  Create budget
    POST   /api/budgets/rollover         Roll recurring budgets into a month
    DELETE /api/budgets/{id}             Delete this month only
    POST   /api/budgets/{id}/cancel      Cancel the recurrence

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Obligation or budget not found
  - 409: Duplicate, stale version, or an execution holds the lock
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Run behind a gateway that does both.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: The same operations on a timer
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/obligation-engine/budget"
	"github.com/warp/obligation-engine/engine"
	"github.com/warp/obligation-engine/factory"
	"github.com/warp/obligation-engine/generic"
	"github.com/warp/obligation-engine/obligation"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *engine.Orchestrator
	Budgets *budget.Applier
	Store   obligation.Store
	Factory *factory.ObligationFactory

	logger   *zap.Logger
	location *time.Location
	now      func() time.Time
}

// NewHandler creates a handler. loc decides which month "current" means
// for budget rollover.
func NewHandler(eng *engine.Orchestrator, budgets *budget.Applier, store obligation.Store,
	f *factory.ObligationFactory, loc *time.Location, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{
		Engine:   eng,
		Budgets:  budgets,
		Store:    store,
		Factory:  f,
		logger:   logger.Named("api"),
		location: loc,
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// clock is now in the configured zone, so execute times are local wall
// clock there and not on the host.
func (h *Handler) clock() time.Time {
	return h.now().In(h.location)
}

// =============================================================================
// OBLIGATION HANDLERS
// =============================================================================

// ListObligations returns every obligation, ordered by id.
func (h *Handler) ListObligations(w http.ResponseWriter, r *http.Request) {
	obs, err := h.Store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list obligations", err)
		return
	}
	sort.Slice(obs, func(i, j int) bool { return obs[i].ID < obs[j].ID })

	dtos := make([]ObligationDTO, len(obs))
	for i, o := range obs {
		dtos[i] = toObligationDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateObligation validates, initializes and stores a definition.
// POST /api/obligations
func (h *Handler) CreateObligation(w http.ResponseWriter, r *http.Request) {
	var req ObligationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ob, err := h.Factory.FromJSON(req.ObligationJSON)
	if err != nil {
		writeDomainError(w, "Invalid obligation", err)
		return
	}

	created, err := h.Engine.Register(r.Context(), ob, h.clock())
	if err != nil {
		writeDomainError(w, "Failed to create obligation", err)
		return
	}
	writeJSON(w, http.StatusCreated, toObligationDTO(created))
}

// GetObligation returns definition and progress.
func (h *Handler) GetObligation(w http.ResponseWriter, r *http.Request) {
	ob, err := h.Store.Get(r.Context(), obligationID(r))
	if err != nil {
		writeDomainError(w, "Failed to get obligation", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(ob))
}

// ReplaceObligation swaps the definition. The URL id wins over the body.
// An omitted "enabled" keeps the current state; use enable/disable to
// change it.
// PUT /api/obligations/{id}
func (h *Handler) ReplaceObligation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := obligationID(r)

	var req ObligationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cur, err := h.Store.Get(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get obligation", err)
		return
	}
	req.ID = string(id)
	req.Enabled = &cur.Enabled

	ob, err := h.Factory.FromJSON(req.ObligationJSON)
	if err != nil {
		writeDomainError(w, "Invalid obligation", err)
		return
	}
	ob.Version = req.Version

	updated, err := h.Engine.Replace(ctx, ob, h.clock())
	if err != nil {
		writeDomainError(w, "Failed to replace obligation", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(updated))
}

// DeleteObligation removes the definition; its log stays.
func (h *Handler) DeleteObligation(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Delete(r.Context(), obligationID(r)); err != nil {
		writeDomainError(w, "Failed to delete obligation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) EnableObligation(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *Handler) DisableObligation(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	ob, err := h.Engine.SetEnabled(r.Context(), obligationID(r), enabled, h.clock())
	if err != nil {
		writeDomainError(w, "Failed to change obligation state", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(ob))
}

// GetLogs returns the execution log, oldest first.
// GET /api/obligations/{id}/logs
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.Entries(r.Context(), obligationID(r))
	if err != nil {
		writeDomainError(w, "Failed to load execution log", err)
		return
	}
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ExecuteObligation runs one obligation now. A held lock is reported as
// 409 with the (empty) result so the caller can retry.
// POST /api/obligations/{id}/execute
func (h *Handler) ExecuteObligation(w http.ResponseWriter, r *http.Request) {
	id := obligationID(r)
	res, err := h.Engine.ExecuteNow(r.Context(), id, h.clock())
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.Error("execute now failed", zap.String("obligation_id", string(id)), zap.Error(err))
		}
		writeDomainError(w, "Execution failed", err)
		return
	}
	status := http.StatusOK
	if res.Skip == engine.SkipLocked {
		status = http.StatusConflict
	}
	writeJSON(w, status, toResultDTO(res))
}

// =============================================================================
// OPERATIONS
// =============================================================================

// ListReminders returns obligations whose reminder window is open now.
func (h *Handler) ListReminders(w http.ResponseWriter, r *http.Request) {
	obs, err := h.Engine.Reminders(r.Context(), h.clock())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list reminders", err)
		return
	}
	dtos := make([]ReminderDTO, len(obs))
	for i, o := range obs {
		dtos[i] = toReminderDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerSweep executes everything due now, the same way the cron job does.
// POST /api/sweeps
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.Sweep(r.Context(), h.clock())
	if err != nil {
		h.logger.Error("manual sweep failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepReportDTO(report))
}

// =============================================================================
// BUDGET HANDLERS
// =============================================================================

// ListBudgets returns the visible budgets of ?month, default current month.
func (h *Handler) ListBudgets(w http.ResponseWriter, r *http.Request) {
	month, err := h.monthParam(r.URL.Query().Get("month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}
	budgets, err := h.Budgets.List(r.Context(), month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list budgets", err)
		return
	}
	writeJSON(w, http.StatusOK, toBudgetDTOs(budgets))
}

// CreateBudget inserts a budget. A taken (month, category) slot is 409.
// POST /api/budgets
func (h *Handler) CreateBudget(w http.ResponseWriter, r *http.Request) {
	var req CreateBudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	month, err := generic.ParseMonth(req.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}
	currency := generic.Currency(req.Currency)
	if currency == "" {
		currency = generic.DefaultCurrency
	}
	amount, err := generic.ParseAmount(req.Amount, currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	b, err := h.Budgets.Create(r.Context(), budget.Budget{
		Month:       month,
		Category:    req.Category,
		Amount:      amount,
		IsRecurring: req.IsRecurring,
	})
	if err != nil {
		writeDomainError(w, "Failed to create budget", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBudgetDTO(b))
}

// RolloverBudgets clones last month's recurring budgets into the requested
// month. Safe to repeat.
// POST /api/budgets/rollover
func (h *Handler) RolloverBudgets(w http.ResponseWriter, r *http.Request) {
	var req RolloverRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	month, err := h.monthParam(req.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	result, err := h.Budgets.Rollover(r.Context(), month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Rollover failed", err)
		return
	}
	writeJSON(w, http.StatusOK, RolloverResponse{
		Month:    result.Month.String(),
		Created:  toBudgetDTOs(result.Created),
		Existing: result.Existing,
	})
}

// DeleteBudget hides the row for its month only.
func (h *Handler) DeleteBudget(w http.ResponseWriter, r *http.Request) {
	if err := h.Budgets.DeleteThisMonth(r.Context(), budgetID(r)); err != nil {
		writeDomainError(w, "Failed to delete budget", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelBudget stops the recurrence from this row's month onward.
// POST /api/budgets/{id}/cancel
func (h *Handler) CancelBudget(w http.ResponseWriter, r *http.Request) {
	n, err := h.Budgets.CancelRecurring(r.Context(), budgetID(r))
	if err != nil {
		writeDomainError(w, "Failed to cancel budget", err)
		return
	}
	writeJSON(w, http.StatusOK, CancelRecurringResponse{Rows: n})
}

// =============================================================================
// HELPERS
// =============================================================================

func obligationID(r *http.Request) obligation.ID {
	return obligation.ID(chi.URLParam(r, "id"))
}

func budgetID(r *http.Request) budget.ID {
	return budget.ID(chi.URLParam(r, "id"))
}

func (h *Handler) monthParam(s string) (generic.Month, error) {
	if s == "" {
		return generic.MonthOf(h.clock()), nil
	}
	return generic.ParseMonth(s)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, generic.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, generic.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrDuplicate),
		errors.Is(err, generic.ErrConcurrentModification),
		errors.Is(err, generic.ErrLockHeld):
		return http.StatusConflict
	case errors.Is(err, generic.ErrTransientLedger):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
