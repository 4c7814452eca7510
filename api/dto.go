/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Definitions reuse the
  factory schema so a GET response can be PUT back unchanged; everything
  the engine owns (progress, version) is added around it read-only.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Obligations:
    ObligationDTO (wraps factory.ObligationJSON), ObligationRequest, ProgressDTO

  Executions:
    EntryDTO, ResultDTO, SweepReportDTO

  Budgets:
    BudgetDTO, CreateBudgetRequest, RolloverRequest, RolloverResponse

VALIDATION:
  Validation is done in handlers and below, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/obligation.go: ObligationJSON type
*/
package api

import (
	"time"

	"github.com/warp/obligation-engine/budget"
	"github.com/warp/obligation-engine/engine"
	"github.com/warp/obligation-engine/factory"
	"github.com/warp/obligation-engine/obligation"
)

// =============================================================================
// OBLIGATIONS
// =============================================================================

// ObligationDTO is the definition plus engine-owned state.
type ObligationDTO struct {
	factory.ObligationJSON
	Progress  ProgressDTO `json:"progress"`
	Version   int         `json:"version"`
	CreatedAt string      `json:"created_at,omitempty"`
	UpdatedAt string      `json:"updated_at,omitempty"`
}

// ObligationRequest is the body of create and replace. Version is only
// read on replace: when set, a stale version is rejected.
type ObligationRequest struct {
	factory.ObligationJSON
	Version int `json:"version,omitempty"`
}

type ProgressDTO struct {
	Period         string  `json:"period,omitempty"`
	DueAt          *string `json:"due_at,omitempty"`
	NextExecuteAt  *string `json:"next_execute_at,omitempty"`
	LastExecutedAt *string `json:"last_executed_at,omitempty"`
	SettledPeriod  string  `json:"settled_period,omitempty"`
	Attempts       int     `json:"attempts"`
}

// =============================================================================
// EXECUTIONS
// =============================================================================

type EntryDTO struct {
	ID              string `json:"id"`
	ObligationID    string `json:"obligation_id"`
	Period          string `json:"period"`
	AttemptedAt     string `json:"attempted_at"`
	Status          string `json:"status"`
	Terminal        bool   `json:"terminal"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	SourceAccountID string `json:"source_account_id,omitempty"`
	LedgerRecordID  string `json:"ledger_record_id,omitempty"`
	Message         string `json:"message,omitempty"`
}

// ResultDTO is the answer to an execute-now call.
type ResultDTO struct {
	ObligationID string    `json:"obligation_id"`
	Period       string    `json:"period,omitempty"`
	Skipped      string    `json:"skipped,omitempty"`
	Closed       bool      `json:"closed"`
	Entry        *EntryDTO `json:"entry,omitempty"`
}

type SweepReportDTO struct {
	At                string `json:"at"`
	Due               int    `json:"due"`
	Executed          int    `json:"executed"`
	Succeeded         int    `json:"succeeded"`
	Partial           int    `json:"partial"`
	Skipped           int    `json:"skipped"`
	InsufficientFunds int    `json:"insufficient_funds"`
	Failed            int    `json:"failed"`
	Closed            int    `json:"closed"`
	LockedSkipped     int    `json:"locked_skipped"`
	NotDue            int    `json:"not_due"`
	Errors            int    `json:"errors"`
}

// ReminderDTO is an obligation whose reminder window is open.
type ReminderDTO struct {
	ObligationID string `json:"obligation_id"`
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	DueAt        string `json:"due_at"`
}

// =============================================================================
// BUDGETS
// =============================================================================

type BudgetDTO struct {
	ID          string  `json:"id"`
	Month       string  `json:"month"`
	Category    string  `json:"category"`
	Amount      string  `json:"amount"`
	Currency    string  `json:"currency"`
	IsRecurring bool    `json:"is_recurring"`
	DeletedAt   *string `json:"deleted_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

type CreateBudgetRequest struct {
	Month       string `json:"month"` // YYYY-MM
	Category    string `json:"category"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency,omitempty"`
	IsRecurring bool   `json:"is_recurring"`
}

// RolloverRequest names the month to fill. Empty means the current month.
type RolloverRequest struct {
	Month string `json:"month,omitempty"`
}

type RolloverResponse struct {
	Month    string      `json:"month"`
	Created  []BudgetDTO `json:"created"`
	Existing int         `json:"existing"`
}

type CancelRecurringResponse struct {
	Rows int `json:"rows"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toObligationDTO(o *obligation.Obligation) ObligationDTO {
	p := o.Progress
	return ObligationDTO{
		ObligationJSON: factory.ToJSON(o),
		Progress: ProgressDTO{
			Period:         p.Period(),
			DueAt:          formatTimePtr(p.DueAt),
			NextExecuteAt:  formatTimePtr(p.NextExecuteAt),
			LastExecutedAt: formatTimePtr(p.LastExecutedAt),
			SettledPeriod:  p.SettledPeriod,
			Attempts:       p.Attempts,
		},
		Version:   o.Version,
		CreatedAt: formatTime(o.CreatedAt),
		UpdatedAt: formatTime(o.UpdatedAt),
	}
}

func toEntryDTO(e obligation.Entry) EntryDTO {
	return EntryDTO{
		ID:              e.ID,
		ObligationID:    string(e.ObligationID),
		Period:          e.Period,
		AttemptedAt:     formatTime(e.AttemptedAt),
		Status:          string(e.Status),
		Terminal:        e.Terminal,
		Amount:          e.Amount.Value.StringFixed(2),
		Currency:        string(e.Amount.Currency),
		SourceAccountID: string(e.SourceAccountID),
		LedgerRecordID:  string(e.LedgerRecordID),
		Message:         e.Message,
	}
}

func toResultDTO(r engine.Result) ResultDTO {
	dto := ResultDTO{
		ObligationID: string(r.ObligationID),
		Period:       r.Period,
		Skipped:      string(r.Skip),
		Closed:       r.Closed,
	}
	if r.Entry != nil {
		e := toEntryDTO(*r.Entry)
		dto.Entry = &e
	}
	return dto
}

func toSweepReportDTO(r engine.SweepReport) SweepReportDTO {
	return SweepReportDTO{
		At:                formatTime(r.At),
		Due:               r.Due,
		Executed:          r.Executed,
		Succeeded:         r.Succeeded,
		Partial:           r.Partial,
		Skipped:           r.Skipped,
		InsufficientFunds: r.InsufficientFunds,
		Failed:            r.Failed,
		Closed:            r.Closed,
		LockedSkipped:     r.LockedSkipped,
		NotDue:            r.NotDue,
		Errors:            r.Errors,
	}
}

func toReminderDTO(o *obligation.Obligation) ReminderDTO {
	dto := ReminderDTO{
		ObligationID: string(o.ID),
		Name:         o.Name,
		Kind:         string(o.Kind()),
	}
	if o.Progress.DueAt != nil {
		dto.DueAt = formatTime(*o.Progress.DueAt)
	}
	return dto
}

func toBudgetDTO(b budget.Budget) BudgetDTO {
	return BudgetDTO{
		ID:          string(b.ID),
		Month:       b.Month.String(),
		Category:    b.Category,
		Amount:      b.Amount.Value.StringFixed(2),
		Currency:    string(b.Amount.Currency),
		IsRecurring: b.IsRecurring,
		DeletedAt:   formatTimePtr(b.DeletedAt),
		CreatedAt:   formatTime(b.CreatedAt),
	}
}

func toBudgetDTOs(bs []budget.Budget) []BudgetDTO {
	dtos := make([]BudgetDTO, len(bs))
	for i, b := range bs {
		dtos[i] = toBudgetDTO(b)
	}
	return dtos
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
