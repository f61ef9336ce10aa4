/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Provides pre-built scenarios that populate the database with realistic
	data for demos. Every payment is created through LedgerService, so the
	balances shown afterwards are the ones the ledger computed.

AVAILABLE SCENARIOS:
	basic-building:  Three active units and one vacant unit, one month of
	                 maintenance fees, one fee collected
	arrears:         Two units with overdue maintenance from past months
	reversal:        A collected payment reversed back to outstanding

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Seed fee categories and households through the Directory
 3. Create / generate / collect payments through LedgerService

USAGE VIA API:
	POST /api/scenarios/load
	{"scenarioId": "arrears"}

NOTE:
	Scenarios reset the database. Only use in development/demo environments.
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/household-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "basic-building",
		Name:        "Basic Building",
		Description: "Three occupied units, one vacant; this month's maintenance generated, one unit paid",
	},
	{
		ID:          "arrears",
		Name:        "Arrears",
		Description: "Units with maintenance overdue from the last two months, one partly settled",
	},
	{
		ID:          "reversal",
		Name:        "Collection Reversal",
		Description: "A payment collected by mistake and reversed; the balance returns to its prior value",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	var loader func(context.Context) error
	switch req.ScenarioID {
	case "basic-building":
		loader = h.loadBasicBuildingScenario
	case "arrears":
		loader = h.loadArrearsScenario
	case "reversal":
		loader = h.loadReversalScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Directory.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := loader(ctx); err != nil {
		h.fail(w, r, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadBasicBuildingScenario(ctx context.Context) error {
	if err := h.seedCategories(ctx); err != nil {
		return err
	}
	if err := h.seedHouseholds(ctx,
		ledger.Household{ID: "hh-a101", Unit: "A-101", OwnerName: "Amira Haddad"},
		ledger.Household{ID: "hh-a102", Unit: "A-102", OwnerName: "Budi Santoso"},
		ledger.Household{ID: "hh-a103", Unit: "A-103", OwnerName: "Chen Wei"},
		ledger.Household{ID: "hh-a104", Unit: "A-104", OwnerName: "Vacant", Status: ledger.HouseholdInactive},
	); err != nil {
		return err
	}

	today := h.Ledger.Today()
	if _, err := h.Ledger.GenerateMonthly(ctx, "maintenance", int(today.Month()), today.Year()); err != nil {
		return fmt.Errorf("generate maintenance: %w", err)
	}

	// A-102 also rents a parking slot this month.
	if _, err := h.Ledger.CreatePayment(ctx, ledger.CreatePaymentInput{
		HouseholdID:   "hh-a102",
		FeeCategoryID: "parking",
		DueDate:       ledger.EndOfMonth(today.Year(), today.Month()),
		Notes:         "Slot P-12",
	}); err != nil {
		return fmt.Errorf("create parking fee: %w", err)
	}

	return h.collectFirst(ctx, "hh-a101", "maintenance", ledger.MethodBankTransfer)
}

func (h *Handler) loadArrearsScenario(ctx context.Context) error {
	if err := h.seedCategories(ctx); err != nil {
		return err
	}
	if err := h.seedHouseholds(ctx,
		ledger.Household{ID: "hh-b201", Unit: "B-201", OwnerName: "Dewi Lestari"},
		ledger.Household{ID: "hh-b202", Unit: "B-202", OwnerName: "Emeka Obi"},
	); err != nil {
		return err
	}

	today := h.Ledger.Today()
	for _, monthsAgo := range []int{2, 1} {
		due := endOfMonthsAgo(today, monthsAgo)
		for _, hh := range []ledger.HouseholdID{"hh-b201", "hh-b202"} {
			if _, err := h.Ledger.CreatePayment(ctx, ledger.CreatePaymentInput{
				HouseholdID:   hh,
				FeeCategoryID: "maintenance",
				DueDate:       due,
				Notes:         "Maintenance " + due.Time.Format("January 2006"),
			}); err != nil {
				return fmt.Errorf("create arrears for %s: %w", hh, err)
			}
		}
	}

	if _, err := h.Ledger.GenerateMonthly(ctx, "maintenance", int(today.Month()), today.Year()); err != nil {
		return fmt.Errorf("generate maintenance: %w", err)
	}

	// B-201 settles its oldest month in cash.
	return h.collectFirst(ctx, "hh-b201", "maintenance", ledger.MethodCash)
}

func (h *Handler) loadReversalScenario(ctx context.Context) error {
	if err := h.seedCategories(ctx); err != nil {
		return err
	}
	if err := h.seedHouseholds(ctx,
		ledger.Household{ID: "hh-c301", Unit: "C-301", OwnerName: "Farah Aziz"},
	); err != nil {
		return err
	}

	today := h.Ledger.Today()
	p, err := h.Ledger.CreatePayment(ctx, ledger.CreatePaymentInput{
		HouseholdID:   "hh-c301",
		FeeCategoryID: "maintenance",
		DueDate:       ledger.EndOfMonth(today.Year(), today.Month()),
	})
	if err != nil {
		return err
	}

	collected := ledger.StatusCollected
	card := ledger.MethodCard
	if _, err := h.Ledger.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: &collected, PaymentMethod: &card}); err != nil {
		return fmt.Errorf("collect: %w", err)
	}

	pending := ledger.StatusPending
	note := "Card charge was declined; collection reversed"
	if _, err := h.Ledger.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: &pending, Notes: &note}); err != nil {
		return fmt.Errorf("reverse: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) seedCategories(ctx context.Context) error {
	categories := []ledger.FeeCategory{
		{
			ID:          "maintenance",
			Name:        "Maintenance",
			Amount:      ledger.MustParseMoney("150.00"),
			Frequency:   ledger.FrequencyMonthly,
			Description: "Building upkeep, cleaning and security",
		},
		{
			ID:          "parking",
			Name:        "Parking",
			Amount:      ledger.MustParseMoney("25.00"),
			Frequency:   ledger.FrequencyMonthly,
			Description: "Covered parking slot",
		},
		{
			ID:        "renovation-levy",
			Name:      "Renovation Levy",
			Amount:    ledger.MustParseMoney("400.00"),
			Frequency: ledger.FrequencyOneTime,
		},
	}
	for _, c := range categories {
		if err := h.Directory.SaveFeeCategory(ctx, c); err != nil {
			return fmt.Errorf("seed fee category %s: %w", c.ID, err)
		}
	}
	return nil
}

func (h *Handler) seedHouseholds(ctx context.Context, households ...ledger.Household) error {
	for _, hh := range households {
		if err := h.Directory.SaveHousehold(ctx, hh); err != nil {
			return fmt.Errorf("seed household %s: %w", hh.Unit, err)
		}
	}
	return nil
}

// collectFirst marks the household's earliest outstanding payment of the
// category as collected.
func (h *Handler) collectFirst(ctx context.Context, hh ledger.HouseholdID, cat ledger.FeeCategoryID, method string) error {
	payments, err := h.Ledger.ListPayments(ctx, ledger.PaymentFilter{HouseholdID: hh, FeeCategoryID: cat})
	if err != nil {
		return err
	}
	for _, p := range payments {
		if !p.Outstanding() {
			continue
		}
		collected := ledger.StatusCollected
		_, err := h.Ledger.UpdatePayment(ctx, p.ID, ledger.PaymentPatch{Status: &collected, PaymentMethod: &method})
		return err
	}
	return fmt.Errorf("household %s has no outstanding %s payment", hh, cat)
}

func endOfMonthsAgo(today ledger.Date, months int) ledger.Date {
	first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -months, 0)
	return ledger.EndOfMonth(first.Year(), first.Month())
}
