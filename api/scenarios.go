/*
scenarios.go - Demo stash loaders for testing and demonstrations

PURPOSE:
  Populates the ledger with small, realistic stashes that show specific
  behaviors of the balance fold. Everything goes through the Service, so a
  loaded scenario is indistinguishable from user-entered data.

AVAILABLE SCENARIOS:
  starter-stash:      One flower jar: purchase, session, recount, session
  mixed-units:        Purchases entered in other units than the stock unit
  negative-history:   Consumption exceeding purchases; advisory balance
  untracked:          Purchases that record spending but not stock

HOW SCENARIOS WORK:
  1. Delete every existing item (cascades to entries)
  2. Create the scenario's items with catalog default units
  3. Record entries with fixed dates

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "starter-stash"}

ADDING NEW SCENARIOS:
  1. Add to 'scenarios' with ID, name, description
  2. Create loader function: loadXxxScenario(ctx)
  3. Add the loader to scenarioLoaders

NOTE:
  Loading a scenario deletes all data. Only use in development/demo setups.
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stash-ledger/catalog"
	"github.com/warp/stash-ledger/inventory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "starter-stash",
		Name:        "Starter Stash",
		Description: "Flower jar: buy 10 g, smoke 3 g, recount to 4 g, smoke 1 g (balance 3 g)",
	},
	{
		ID:          "mixed-units",
		Name:        "Mixed Units",
		Description: "Purchases entered in ounces and liters, folded into grams and milliliters",
	},
	{
		ID:          "negative-history",
		Name:        "Negative History",
		Description: "More consumed than bought: balance folds negative and shows as zero",
	},
	{
		ID:          "untracked",
		Name:        "Untracked Purchases",
		Description: "Purchases that record spending without touching stock",
	},
}

func (h *Handler) scenarioLoaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"starter-stash":    h.loadStarterStashScenario,
		"mixed-units":      h.loadMixedUnitsScenario,
		"negative-history": h.loadNegativeHistoryScenario,
		"untracked":        h.loadUntrackedScenario,
	}
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

// LoadScenario wipes the ledger and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	load, ok := h.scenarioLoaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.clearItems(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset ledger", err)
		return
	}
	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) clearItems(ctx context.Context) error {
	items, err := h.Service.ListItems(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := h.Service.DeleteItem(ctx, item.ID); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func day(month time.Month, d int) time.Time {
	return time.Date(2025, month, d, 20, 0, 0, 0, time.UTC)
}

func price(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func (h *Handler) loadStarterStashScenario(ctx context.Context) error {
	item, err := h.Service.CreateItem(ctx, inventory.NewItemInput{
		ID: "blue-dream", Name: "Blue Dream", Type: catalog.TypeFlower,
	})
	if err != nil {
		return err
	}

	g := func(v float64) inventory.Amount { return inventory.NewAmount(v, inventory.UnitGram) }
	if _, _, err := h.Service.RecordPurchase(ctx, item.ID, inventory.PurchaseInput{
		Amount:   inventory.AmountPtr(g(10)),
		Price:    price("45.00"),
		Currency: "EUR",
		Brand:    "Sunny Farms",
		Location: &inventory.Location{Name: "Corner Dispensary"},
		Date:     day(time.January, 1),
	}); err != nil {
		return err
	}
	if _, _, err := h.Service.RecordConsumption(ctx, item.ID, inventory.ConsumptionInput{
		Amount: g(3), SessionRef: "session-0105", Date: day(time.January, 5),
	}); err != nil {
		return err
	}
	if _, _, err := h.Service.SetBalance(ctx, item.ID, g(4), day(time.January, 10), "weighed the jar"); err != nil {
		return err
	}
	_, _, err = h.Service.RecordConsumption(ctx, item.ID, inventory.ConsumptionInput{
		Amount: g(1), SessionRef: "session-0115", Date: day(time.January, 15),
	})
	return err
}

func (h *Handler) loadMixedUnitsScenario(ctx context.Context) error {
	flower, err := h.Service.CreateItem(ctx, inventory.NewItemInput{
		ID: "og-kush", Name: "OG Kush", Type: catalog.TypeFlower,
	})
	if err != nil {
		return err
	}
	if _, _, err := h.Service.RecordPurchase(ctx, flower.ID, inventory.PurchaseInput{
		Amount: inventory.AmountPtr(inventory.NewAmount(0.5, inventory.UnitOunce)),
		Price:  price("120"), Currency: "USD",
		Date: day(time.February, 1),
	}); err != nil {
		return err
	}
	if _, _, err := h.Service.RecordConsumption(ctx, flower.ID, inventory.ConsumptionInput{
		Amount: inventory.NewAmount(500, inventory.UnitMilligram), Date: day(time.February, 2),
	}); err != nil {
		return err
	}

	tincture, err := h.Service.CreateItem(ctx, inventory.NewItemInput{
		ID: "cbd-tincture", Name: "CBD Tincture", Type: catalog.TypeTincture,
	})
	if err != nil {
		return err
	}
	if _, _, err := h.Service.RecordPurchase(ctx, tincture.ID, inventory.PurchaseInput{
		Amount: inventory.AmountPtr(inventory.NewAmount(0.03, inventory.UnitLiter)),
		Date:   day(time.February, 3),
	}); err != nil {
		return err
	}
	_, _, err = h.Service.RecordConsumption(ctx, tincture.ID, inventory.ConsumptionInput{
		Amount: inventory.NewAmount(1, inventory.UnitMilliliter), Date: day(time.February, 4),
	})
	return err
}

func (h *Handler) loadNegativeHistoryScenario(ctx context.Context) error {
	item, err := h.Service.CreateItem(ctx, inventory.NewItemInput{
		ID: "live-resin", Name: "Live Resin", Type: catalog.TypeConcentrate,
	})
	if err != nil {
		return err
	}
	if _, _, err := h.Service.RecordPurchase(ctx, item.ID, inventory.PurchaseInput{
		Amount: inventory.AmountPtr(inventory.NewAmount(1, inventory.UnitGram)),
		Date:   day(time.March, 1),
	}); err != nil {
		return err
	}
	_, _, err = h.Service.RecordConsumption(ctx, item.ID, inventory.ConsumptionInput{
		Amount: inventory.NewAmount(1500, inventory.UnitMilligram),
		Date:   day(time.March, 2),
		Note:   "forgot to log the second jar",
	})
	return err
}

func (h *Handler) loadUntrackedScenario(ctx context.Context) error {
	item, err := h.Service.CreateItem(ctx, inventory.NewItemInput{
		ID: "gummies", Name: "Gummies", Type: catalog.TypeEdible,
	})
	if err != nil {
		return err
	}
	if _, _, err := h.Service.RecordPurchase(ctx, item.ID, inventory.PurchaseInput{
		Amount: inventory.AmountPtr(inventory.NewAmount(20, inventory.UnitCount)),
		Price:  price("25"), Currency: "USD",
		Date: day(time.April, 1),
	}); err != nil {
		return err
	}
	if _, _, err := h.Service.RecordPurchase(ctx, item.ID, inventory.PurchaseInput{
		Amount:          inventory.AmountPtr(inventory.NewAmount(10, inventory.UnitCount)),
		Price:           price("15"),
		Currency:        "USD",
		Date:            day(time.April, 2),
		UpdateInventory: inventory.Bool(false),
		Note:            "gift for a friend",
	}); err != nil {
		return err
	}
	_, _, err = h.Service.RecordPurchase(ctx, item.ID, inventory.PurchaseInput{
		Price: price("5"), Currency: "USD",
		Date: day(time.April, 3),
		Note: "delivery fee",
	})
	return err
}
