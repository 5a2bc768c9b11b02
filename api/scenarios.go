/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos. Each scenario seeds pricing and prior-year actuals for
	the FP (flexible packaging) division, so documents can be produced,
	edited offline, and imported back.

AVAILABLE SCENARIOS:

	full-year:      Twelve months of 2025 actuals for two sales owners
	partial-year:   January to September 2025 only, for estimate mode
	merged-budget:  Full year plus an already imported 2026 budget for Narek,
	                so the next import archives it

HOW SCENARIOS WORK:
 1. Reset database (clear all data, drop archives, flush caches)
 2. Save pricing for the source year
 3. Save actuals
 4. Optionally produce and import a document through the service

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "full-year"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase handler
  - store/sqlite/sqlite.go: SaveActuals, SavePricing
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/budget-engine/budget"
	"github.com/warp/budget-engine/document"
	"github.com/warp/budget-engine/planner"
	"github.com/warp/budget-engine/pricing"
	"github.com/warp/budget-engine/store/sqlite"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const (
	demoDivision = "FP"
	demoYear     = 2025
)

var scenarios = []ScenarioDTO{
	{
		ID:          "full-year",
		Name:        "Full Year",
		Description: "Twelve months of actuals for two owners, ready to produce 2026 budgets",
	},
	{
		ID:          "partial-year",
		Name:        "Partial Year",
		Description: "Actuals through September; estimate October to December",
	},
	{
		ID:          "merged-budget",
		Name:        "Merged Budget",
		Description: "A 2026 budget already imported for Narek; re-imports archive it",
	},
}

// demoCustomers are the (owner, customer, country, product group, monthly base) lines.
var demoCustomers = []struct {
	owner, customer, country, productGroup string
	base                                   int64
}{
	{"Narek", "Acme Foods", "UAE", "Shrink Film", 120},
	{"Narek", "Acme Foods", "UAE", "Bags", 40},
	{"Narek", "Gulf Dairy", "Oman", "Stretch Film", 80},
	{"Alice", "Beta Retail", "KSA", "Shrink Film", 60},
	{"Alice", "Beta Retail", "KSA", "Laminates", 25},
}

// seasonality scales the monthly base; Q4 is the busy season.
var seasonality = [12]int64{90, 85, 95, 100, 100, 95, 90, 90, 105, 110, 120, 120}

var demoPricing = map[string]pricing.Entry{
	"Shrink Film":  {Price: decimal.RequireFromString("2.40"), SecondaryFactor: decimal.RequireFromString("0.65")},
	"Stretch Film": {Price: decimal.RequireFromString("1.90"), SecondaryFactor: decimal.RequireFromString("0.40")},
	"Bags":         {Price: decimal.RequireFromString("3.10"), SecondaryFactor: decimal.RequireFromString("1.05")},
	// Laminates are unpriced on purpose: volume only
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	current := h.scenario()
	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var loader func(context.Context) error
	switch req.ScenarioID {
	case "full-year":
		loader = func(ctx context.Context) error { return h.seed(ctx, 12) }
	case "partial-year":
		loader = func(ctx context.Context) error { return h.seed(ctx, 9) }
	case "merged-budget":
		loader = h.loadMergedBudgetScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	// Reset first
	if err := h.reset(r); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	if err := loader(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.setScenario(req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// seed saves demo pricing and the first months of demo actuals.
func (h *Handler) seed(ctx context.Context, months int) error {
	prices := make([]sqlite.PriceRecord, 0, len(demoPricing))
	for pg, e := range demoPricing {
		prices = append(prices, sqlite.PriceRecord{Division: demoDivision, Year: demoYear, ProductGroup: pg, Entry: e})
	}
	if err := h.Store.SavePricing(ctx, prices...); err != nil {
		return fmt.Errorf("save pricing: %w", err)
	}
	h.Service.InvalidatePricing(demoDivision, demoYear)

	if err := h.Store.SaveActuals(ctx, demoActuals(months)...); err != nil {
		return fmt.Errorf("save actuals: %w", err)
	}
	return nil
}

func (h *Handler) loadMergedBudgetScenario(ctx context.Context) error {
	if err := h.seed(ctx, 12); err != nil {
		return err
	}

	enc, err := h.Service.Produce(ctx, planner.ProduceRequest{
		Division:   demoDivision,
		Owner:      "Narek",
		SourceYear: demoYear,
		Final:      true,
	})
	if err != nil {
		return fmt.Errorf("produce: %w", err)
	}
	_, err = h.Service.Import(ctx, enc.Bytes, document.Expectation{
		Type:     budget.DocPerOwner,
		Division: demoDivision,
		Owner:    "Narek",
	})
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	return nil
}

func demoActuals(months int) []budget.Row {
	rows := make([]budget.Row, 0, len(demoCustomers)*months)
	for _, c := range demoCustomers {
		for m := 1; m <= months; m++ {
			rows = append(rows, budget.Row{
				Division: demoDivision,
				Owner:    c.owner,
				Year:     demoYear,
				Record: budget.Record{
					Combo: budget.Combo{Customer: c.customer, Country: c.country, ProductGroup: c.productGroup},
					Month: m,
					Value: decimal.NewFromInt(c.base * seasonality[m-1]).Div(decimal.NewFromInt(100)),
				},
				Kind: budget.KindVolume,
			})
		}
	}
	return rows
}
