/*
handlers.go - HTTP API handlers for the household payment ledger

PURPOSE:
  Exposes LedgerService via REST API. Handles HTTP request/response, JSON
  serialization and request validation, and delegates to the ledger.

ENDPOINTS:
  Payments:
    POST   /api/payment                Create payment
    GET    /api/payment/{id}           Get payment (effective status)
    PUT    /api/payment/{id}           Update status / amount / method / notes
    DELETE /api/payment/{id}           Delete payment
    GET    /api/payments               List (householdId, status, feeCategoryId)
    PUT    /api/payments               Generate a month of fees for a category

  Directory:
    GET    /api/households             List households with balance
    GET    /api/households/{id}        Get household
    POST   /api/households             Seed household
    GET    /api/fee-categories         List fee categories
    POST   /api/fee-categories         Seed fee category

  Admin:
    POST   /api/admin/sweep            Run the overdue sweep now
    GET    /api/admin/sweep/runs       Sweep history
    GET    /api/admin/reconciliation   Balance drift report

ERROR HANDLING:
  Errors are returned as JSON with the HTTP status of their ledger kind:
  - 400: ErrInvalidArgument, malformed body
  - 404: ErrNotFound
  - 409: ErrDuplicateIdempotencyKey, unit/name already taken
  - 422: ErrIllegalTransition
  - 503: ErrConflictRetry (retries exhausted)
  - 500: everything else

SECURITY NOTE:
  No authentication or authorization. Deploy behind the back office gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/household-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *ledger.Service
	Directory ledger.Directory
	Sweeper   *ledger.OverdueSweeper // optional
	Logger    *zap.Logger

	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler. sweeper may be nil.
func NewHandler(service *ledger.Service, dir ledger.Directory, sweeper *ledger.OverdueSweeper, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Ledger:    service,
		Directory: dir,
		Sweeper:   sweeper,
		Logger:    logger.Named("api"),
		validate:  newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names in validation errors.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// CreatePayment creates a payment and charges its household.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	due, err := ledger.ParseDate(req.DueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid dueDate", err)
		return
	}

	p, err := h.Ledger.CreatePayment(r.Context(), ledger.CreatePaymentInput{
		HouseholdID:   ledger.HouseholdID(req.HouseholdID),
		FeeCategoryID: ledger.FeeCategoryID(req.FeeCategoryID),
		Amount:        req.Amount,
		DueDate:       due,
		Status:        ledger.Status(req.Status),
		PaymentMethod: req.PaymentMethod,
		Notes:         req.Notes,
	})
	if err != nil {
		h.fail(w, r, "Failed to create payment", err)
		return
	}

	writeJSON(w, http.StatusCreated, toPaymentDTO(*p))
}

// GetPayment returns one payment with its effective status.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := h.Ledger.GetPayment(r.Context(), ledger.PaymentID(id))
	if err != nil {
		h.fail(w, r, "Failed to get payment", err)
		return
	}

	writeJSON(w, http.StatusOK, toPaymentDTO(*p))
}

// UpdatePayment patches a payment and moves the household balance.
func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpdatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	patch := ledger.PaymentPatch{
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
		Notes:         req.Notes,
	}
	if req.Status != nil {
		status := ledger.Status(*req.Status)
		patch.Status = &status
	}

	p, err := h.Ledger.UpdatePayment(r.Context(), ledger.PaymentID(id), patch)
	if err != nil {
		h.fail(w, r, "Failed to update payment", err)
		return
	}

	writeJSON(w, http.StatusOK, toPaymentDTO(*p))
}

// DeletePayment removes a payment.
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.Ledger.DeletePayment(r.Context(), ledger.PaymentID(id)); err != nil {
		h.fail(w, r, "Failed to delete payment", err)
		return
	}

	writeJSON(w, http.StatusOK, DeletePaymentResponse{ID: id, Deleted: true})
}

// ListPayments lists payments filtered by household, status and category.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.PaymentFilter{
		HouseholdID:   ledger.HouseholdID(q.Get("householdId")),
		FeeCategoryID: ledger.FeeCategoryID(q.Get("feeCategoryId")),
		Status:        ledger.Status(q.Get("status")),
	}

	payments, err := h.Ledger.ListPayments(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "Failed to list payments", err)
		return
	}

	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GeneratePayments creates one pending payment per active household for a
// fee category and month. All or nothing.
func (h *Handler) GeneratePayments(w http.ResponseWriter, r *http.Request) {
	var req GeneratePaymentsRequest
	if !h.decode(w, r, &req) {
		return
	}

	count, err := h.Ledger.GenerateMonthly(r.Context(), ledger.FeeCategoryID(req.FeeCategoryID), req.Month, req.Year)
	if err != nil {
		h.fail(w, r, "Failed to generate payments", err)
		return
	}

	writeJSON(w, http.StatusOK, GeneratePaymentsResponse{Count: count})
}

// =============================================================================
// DIRECTORY HANDLERS
// =============================================================================

func (h *Handler) ListHouseholds(w http.ResponseWriter, r *http.Request) {
	households, err := h.Ledger.ListHouseholds(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list households", err)
		return
	}

	dtos := make([]HouseholdDTO, len(households))
	for i, hh := range households {
		dtos[i] = toHouseholdDTO(hh)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetHousehold(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	hh, err := h.Ledger.GetHousehold(r.Context(), ledger.HouseholdID(id))
	if err != nil {
		h.fail(w, r, "Failed to get household", err)
		return
	}

	writeJSON(w, http.StatusOK, toHouseholdDTO(*hh))
}

// CreateHousehold seeds a household with a zero balance.
func (h *Handler) CreateHousehold(w http.ResponseWriter, r *http.Request) {
	var req CreateHouseholdRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	existing, err := h.Ledger.ListHouseholds(ctx)
	if err != nil {
		h.fail(w, r, "Failed to create household", err)
		return
	}
	for _, other := range existing {
		if other.Unit == req.Unit && string(other.ID) != req.ID {
			writeError(w, http.StatusConflict, "Unit already registered", errors.New(string(other.ID)))
			return
		}
	}

	hh := ledger.Household{
		ID:        ledger.HouseholdID(req.ID),
		Unit:      req.Unit,
		OwnerName: req.OwnerName,
		Status:    ledger.HouseholdStatus(req.Status),
	}
	if err := h.Directory.SaveHousehold(ctx, hh); err != nil {
		h.fail(w, r, "Failed to create household", err)
		return
	}

	saved, err := h.Ledger.GetHousehold(ctx, hh.ID)
	if err != nil {
		h.fail(w, r, "Failed to create household", err)
		return
	}
	writeJSON(w, http.StatusCreated, toHouseholdDTO(*saved))
}

func (h *Handler) ListFeeCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.Directory.ListFeeCategories(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list fee categories", err)
		return
	}

	dtos := make([]FeeCategoryDTO, len(categories))
	for i, c := range categories {
		dtos[i] = toFeeCategoryDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateFeeCategory(w http.ResponseWriter, r *http.Request) {
	var req CreateFeeCategoryRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := ledger.ValidateAmount("amount", *req.Amount); err != nil {
		h.fail(w, r, "Invalid argument", err)
		return
	}
	ctx := r.Context()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	existing, err := h.Directory.ListFeeCategories(ctx)
	if err != nil {
		h.fail(w, r, "Failed to create fee category", err)
		return
	}
	for _, other := range existing {
		if other.Name == req.Name && string(other.ID) != req.ID {
			writeError(w, http.StatusConflict, "Fee category name already used", errors.New(string(other.ID)))
			return
		}
	}

	c := ledger.FeeCategory{
		ID:          ledger.FeeCategoryID(req.ID),
		Name:        req.Name,
		Amount:      *req.Amount,
		Frequency:   ledger.Frequency(req.Frequency),
		Description: req.Description,
	}
	if err := h.Directory.SaveFeeCategory(ctx, c); err != nil {
		h.fail(w, r, "Failed to create fee category", err)
		return
	}
	writeJSON(w, http.StatusCreated, toFeeCategoryDTO(c))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs the overdue sweep for today and returns the run record.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.Sweeper != nil {
		run, err := h.Sweeper.RunNow(ctx)
		if err != nil {
			h.fail(w, r, "Sweep failed", err)
			return
		}
		writeJSON(w, http.StatusOK, toSweepRunDTO(run))
		return
	}

	result, err := h.Ledger.SweepOverdue(ctx, h.Ledger.Today())
	if err != nil {
		h.fail(w, r, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepRunDTO{
		Today:  result.Today.String(),
		Status: ledger.RunCompleted,
		Swept:  result.Swept,
	})
}

// ListSweepRuns returns the most recent sweep runs (?limit=, default 50).
func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil || h.Sweeper.Runs == nil {
		writeJSON(w, http.StatusOK, []SweepRunDTO{})
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), 50)
	runs, err := h.Sweeper.Runs.ListSweepRuns(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "Failed to list sweep runs", err)
		return
	}

	dtos := make([]SweepRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSweepRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Reconciliation reports households whose stored balance drifted from
// their outstanding payments.
func (h *Handler) Reconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.Ledger.Reconcile(r.Context())
	if err != nil {
		h.fail(w, r, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(report))
}

// Health reports liveness and, when the store supports it, database reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if p, ok := h.Directory.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. It writes the error reply and
// returns false when the request is unusable.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeError(w, http.StatusBadRequest, "Validation failed", fields)
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// fail writes err with the status of its ledger kind. Server-side failures
// are logged with the request ID.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message,
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, message, err)
}

// statusFor maps a ledger error kind to an HTTP status.
func statusFor(err error) int {
	switch ledger.Kind(err) {
	case ledger.ErrNotFound:
		return http.StatusNotFound
	case ledger.ErrInvalidArgument:
		return http.StatusBadRequest
	case ledger.ErrIllegalTransition:
		return http.StatusUnprocessableEntity
	case ledger.ErrDuplicateIdempotencyKey, ledger.ErrAlreadyExists:
		return http.StatusConflict
	case ledger.ErrConflictRetry:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an ErrorResponse. details may be an error, a field map
// or nil.
func writeError(w http.ResponseWriter, status int, message string, details any) {
	resp := ErrorResponse{Error: message}
	switch d := details.(type) {
	case nil:
	case error:
		resp.Details = d.Error()
	default:
		resp.Details = d
	}
	writeJSON(w, status, resp)
}

func parseLimit(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return min(n, 1000)
}
