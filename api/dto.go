/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Payment:
    PaymentDTO, CreatePaymentRequest, UpdatePaymentRequest,
    GeneratePaymentsRequest

  Directory:
    HouseholdDTO, CreateHouseholdRequest, FeeCategoryDTO,
    CreateFeeCategoryRequest

  Admin:
    SweepRunDTO, ReconciliationDTO, BalanceDriftDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request shapes are checked with go-playground/validator struct tags.
  Ledger rules (positive amounts, legal transitions, payment methods)
  stay in the ledger package so every caller gets them.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/household-ledger/ledger"
)

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentDTO represents a payment in API responses. Status is the effective
// status as of the request.
type PaymentDTO struct {
	ID             string  `json:"id"`
	HouseholdID    string  `json:"householdId"`
	FeeCategoryID  string  `json:"feeCategoryId"`
	Amount         string  `json:"amount"`
	DueDate        string  `json:"dueDate"`
	Status         string  `json:"status"`
	PaymentDate    *string `json:"paymentDate"`
	PaymentMethod  *string `json:"paymentMethod"`
	Notes          string  `json:"notes,omitempty"`
	IdempotencyKey string  `json:"idempotencyKey,omitempty"`
	CreatedAt      string  `json:"createdAt"`
	UpdatedAt      string  `json:"updatedAt"`
}

// CreatePaymentRequest is the body of POST /api/payment.
// Amount defaults to the fee category's amount when omitted.
type CreatePaymentRequest struct {
	HouseholdID   string        `json:"householdId" validate:"required"`
	FeeCategoryID string        `json:"feeCategoryId" validate:"required"`
	Amount        *ledger.Money `json:"amount,omitempty"`
	DueDate       string        `json:"dueDate" validate:"required,datetime=2006-01-02"`
	Status        string        `json:"status,omitempty" validate:"omitempty,oneof=pending overdue collected"`
	PaymentMethod *string       `json:"paymentMethod,omitempty"`
	Notes         string        `json:"notes,omitempty" validate:"max=1000"`
}

// UpdatePaymentRequest is the body of PUT /api/payment/{id}.
// Omitted fields are left unchanged.
type UpdatePaymentRequest struct {
	Status        *string       `json:"status,omitempty" validate:"omitempty,oneof=pending overdue collected"`
	Amount        *ledger.Money `json:"amount,omitempty"`
	PaymentMethod *string       `json:"paymentMethod,omitempty"`
	Notes         *string       `json:"notes,omitempty" validate:"omitempty,max=1000"`
}

// GeneratePaymentsRequest is the body of PUT /api/payments.
type GeneratePaymentsRequest struct {
	FeeCategoryID string `json:"feeCategoryId" validate:"required"`
	Month         int    `json:"month" validate:"required,min=1,max=12"`
	Year          int    `json:"year" validate:"required,min=1,max=9999"`
}

type GeneratePaymentsResponse struct {
	Count int `json:"count"`
}

type DeletePaymentResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// =============================================================================
// DIRECTORY
// =============================================================================

type HouseholdDTO struct {
	ID        string `json:"id"`
	Unit      string `json:"unit"`
	OwnerName string `json:"ownerName"`
	Status    string `json:"status"`
	Balance   string `json:"balance"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// CreateHouseholdRequest seeds a household. A generated ID is used when
// none is given. Balance is never accepted from clients.
type CreateHouseholdRequest struct {
	ID        string `json:"id,omitempty"`
	Unit      string `json:"unit" validate:"required,max=64"`
	OwnerName string `json:"ownerName" validate:"required,max=200"`
	Status    string `json:"status,omitempty" validate:"omitempty,oneof=active inactive"`
}

type FeeCategoryDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Amount      string `json:"amount"`
	Frequency   string `json:"frequency"`
	Description string `json:"description,omitempty"`
}

type CreateFeeCategoryRequest struct {
	ID          string        `json:"id,omitempty"`
	Name        string        `json:"name" validate:"required,max=100"`
	Amount      *ledger.Money `json:"amount" validate:"required"`
	Frequency   string        `json:"frequency" validate:"required,oneof=monthly quarterly annual one-time"`
	Description string        `json:"description,omitempty" validate:"max=1000"`
}

// =============================================================================
// ADMIN
// =============================================================================

type SweepRunDTO struct {
	ID          string  `json:"id"`
	Today       string  `json:"today"`
	Status      string  `json:"status"`
	Swept       int     `json:"swept"`
	Error       string  `json:"error,omitempty"`
	StartedAt   string  `json:"startedAt"`
	CompletedAt *string `json:"completedAt,omitempty"`
}

type BalanceDriftDTO struct {
	HouseholdID string `json:"householdId"`
	Unit        string `json:"unit"`
	Stored      string `json:"stored"`
	Expected    string `json:"expected"`
	Difference  string `json:"difference"`
}

type ReconciliationDTO struct {
	CheckedAt  string            `json:"checkedAt"`
	Households int               `json:"households"`
	Consistent bool              `json:"consistent"`
	Drifts     []BalanceDriftDTO `json:"drifts"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId" validate:"required"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toPaymentDTO(p ledger.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:             string(p.ID),
		HouseholdID:    string(p.HouseholdID),
		FeeCategoryID:  string(p.FeeCategoryID),
		Amount:         p.Amount.StringFixed(2),
		DueDate:        p.DueDate.String(),
		Status:         string(p.Status),
		PaymentMethod:  p.PaymentMethod,
		Notes:          p.Notes,
		IdempotencyKey: p.IdempotencyKey,
		CreatedAt:      p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      p.UpdatedAt.Format(time.RFC3339),
	}
	if p.PaymentDate != nil {
		s := p.PaymentDate.Format(time.RFC3339)
		dto.PaymentDate = &s
	}
	return dto
}

func toHouseholdDTO(h ledger.Household) HouseholdDTO {
	dto := HouseholdDTO{
		ID:        string(h.ID),
		Unit:      h.Unit,
		OwnerName: h.OwnerName,
		Status:    string(h.Status),
		Balance:   h.Balance.StringFixed(2),
	}
	if !h.CreatedAt.IsZero() {
		dto.CreatedAt = h.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toFeeCategoryDTO(c ledger.FeeCategory) FeeCategoryDTO {
	return FeeCategoryDTO{
		ID:          string(c.ID),
		Name:        c.Name,
		Amount:      c.Amount.StringFixed(2),
		Frequency:   string(c.Frequency),
		Description: c.Description,
	}
}

func toSweepRunDTO(r ledger.SweepRun) SweepRunDTO {
	dto := SweepRunDTO{
		ID:        r.ID,
		Today:     r.Today.String(),
		Status:    r.Status,
		Swept:     r.Swept,
		Error:     r.Error,
		StartedAt: r.StartedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		s := r.CompletedAt.Format(time.RFC3339)
		dto.CompletedAt = &s
	}
	return dto
}

func toReconciliationDTO(r ledger.ReconciliationReport) ReconciliationDTO {
	dto := ReconciliationDTO{
		CheckedAt:  r.CheckedAt.Format(time.RFC3339),
		Households: r.Households,
		Consistent: r.Consistent(),
		Drifts:     make([]BalanceDriftDTO, 0, len(r.Drifts)),
	}
	for _, d := range r.Drifts {
		dto.Drifts = append(dto.Drifts, BalanceDriftDTO{
			HouseholdID: string(d.HouseholdID),
			Unit:        d.Unit,
			Stored:      d.Stored.StringFixed(2),
			Expected:    d.Expected.StringFixed(2),
			Difference:  d.Difference.StringFixed(2),
		})
	}
	return dto
}
