/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built catalogs that populate the database with realistic
	data for demos and UI work. Each scenario creates the same store
	registry, store groups and August sales history, then a catalog that
	demonstrates one resolution behavior.

AVAILABLE SCENARIOS:

	moveable-holiday:    holiday moves from Friday 15th to Friday 14th
	no-event:            plain weekday alignment, no catalog entries
	precedence-conflict: two unscoped events on the same day
	wrong-mapping:       a bad base-year sibling, fixed with /api/corrections
	scoped-overrides:    channel and store-group scoped occurrences

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Register stores T001..T003, groups 10 (published) and 20 (draft)
 3. Load daily sales for July and August 2025
 4. Create events and occurrences through the Catalog

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "moveable-holiday"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: the endpoints the scenarios are meant to be explored with
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kpiportal/refdate-engine/refdate"
)

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	TryQuery    string `json:"try_query,omitempty"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "moveable-holiday",
		Name:        "Moveable Holiday",
		Description: "Asunción observed 2025-08-15 and 2026-08-14; the 2026 day maps onto its 2025 occurrence",
		TryQuery:    "/api/resolve?date=2026-08-14&store=T001&channel=Todos",
	},
	{
		ID:          "no-event",
		Name:        "Weekday Alignment",
		Description: "Empty catalog; every day maps to the same weekday near the same day of year",
		TryQuery:    "/api/resolve?date=2026-08-21&store=T001",
	},
	{
		ID:          "precedence-conflict",
		Name:        "Precedence Conflict",
		Description: "Two unscoped budget events on 2026-03-14; batches report the tuple instead of guessing",
		TryQuery:    "/api/conflicts?year=2026",
	},
	{
		ID:          "wrong-mapping",
		Name:        "Wrong Mapping",
		Description: "Asunción 2025 recorded on the 16th; fix it with one correction",
		TryQuery:    "/api/events",
	},
	{
		ID:          "scoped-overrides",
		Name:        "Scoped Overrides",
		Description: "A Salón promotion for group 10 overrides the chain-wide Día de la Madre mapping",
		TryQuery:    "/api/resolve?date=2026-05-10&store=T001&channel=Salon",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: h.currentScenario, Name: h.currentScenario})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "moveable-holiday":
		load = h.loadMoveableHolidayScenario
	case "no-event":
		load = func(context.Context) error { return nil }
	case "precedence-conflict":
		load = h.loadPrecedenceConflictScenario
	case "wrong-mapping":
		load = h.loadWrongMappingScenario
	case "scoped-overrides":
		load = h.loadScopedOverridesScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := h.seedStoresAndSales(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to seed stores", err)
		return
	}
	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) reset(ctx context.Context) error {
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	h.Groups.Invalidate()
	h.Offset.Invalidate()
	h.currentScenario = ""
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// seedStoresAndSales registers three stores, a published group 10 (T001,
// T002), a draft group 20 (T003) and two months of daily Todos sales where
// Fridays and Saturdays sell twice as much.
func (h *Handler) seedStoresAndSales(ctx context.Context) error {
	stores := map[string]string{"T001": "Zona 10", "T002": "Zona 1", "T003": "Antigua"}
	for code, name := range stores {
		if err := h.Store.SaveStore(ctx, code, name); err != nil {
			return err
		}
	}

	groups := []refdate.StoreGroup{
		{ID: 10, Description: "Metro", IsPublished: true},
		{ID: 20, Description: "Interior (draft)", IsPublished: false},
	}
	for _, g := range groups {
		if err := h.Store.SaveGroup(ctx, g); err != nil {
			return err
		}
	}
	members := []refdate.StoreGroupMember{{GroupID: 10, StoreCode: "T001"}, {GroupID: 10, StoreCode: "T002"}, {GroupID: 20, StoreCode: "T003"}}
	for _, m := range members {
		if err := h.Store.AddMember(ctx, m.GroupID, m.StoreCode); err != nil {
			return err
		}
	}

	var facts []refdate.SalesFact
	period := refdate.Period{Start: refdate.NewDate(2025, time.July, 1), End: refdate.NewDate(2025, time.August, 31)}
	for _, d := range period.Days() {
		amount := decimal.NewFromInt(1000)
		if wd := d.Weekday(); wd == time.Friday || wd == time.Saturday {
			amount = decimal.NewFromInt(2000)
		}
		for code := range stores {
			facts = append(facts, refdate.SalesFact{Date: d, StoreCode: code, Channel: refdate.ChannelTodos, NetSales: amount})
		}
	}
	if err := h.Store.UpsertSales(ctx, facts); err != nil {
		return err
	}

	h.Groups.Invalidate()
	return nil
}

// createEventWithDates creates a budget event with one unscoped occurrence
// per date.
func (h *Handler) createEventWithDates(ctx context.Context, name string, holiday bool, dates ...string) (refdate.Event, error) {
	e, err := h.Catalog.CreateEvent(ctx, refdate.Event{Name: name, IsHoliday: holiday, UseInBudget: true})
	if err != nil {
		return refdate.Event{}, err
	}
	for _, ds := range dates {
		if _, err := h.Catalog.AddOccurrence(ctx, refdate.NewOccurrence{
			EventID:       e.ID,
			EffectiveDate: refdate.MustParseDate(ds),
		}, "scenario"); err != nil {
			return refdate.Event{}, err
		}
	}
	return e, nil
}

func (h *Handler) loadMoveableHolidayScenario(ctx context.Context) error {
	e, err := h.createEventWithDates(ctx, "Asunción", true, "2025-08-15")
	if err != nil {
		return err
	}
	nominal := refdate.MustParseDate("2026-08-15")
	_, err = h.Catalog.AddOccurrence(ctx, refdate.NewOccurrence{
		EventID:       e.ID,
		EffectiveDate: refdate.MustParseDate("2026-08-14"),
		NominalDate:   &nominal,
	}, "scenario")
	return err
}

func (h *Handler) loadPrecedenceConflictScenario(ctx context.Context) error {
	if _, err := h.createEventWithDates(ctx, "Aniversario", false, "2025-03-15", "2026-03-14"); err != nil {
		return err
	}
	_, err := h.createEventWithDates(ctx, "Promo Marzo", false, "2025-03-14", "2026-03-14")
	return err
}

func (h *Handler) loadWrongMappingScenario(ctx context.Context) error {
	_, err := h.createEventWithDates(ctx, "Asunción", true, "2025-08-16", "2026-08-14")
	return err
}

func (h *Handler) loadScopedOverridesScenario(ctx context.Context) error {
	if _, err := h.createEventWithDates(ctx, "Día de la Madre", true, "2025-05-10", "2026-05-10"); err != nil {
		return err
	}
	promo, err := h.Catalog.CreateEvent(ctx, refdate.Event{Name: "Promo Salón", UseInBudget: true})
	if err != nil {
		return err
	}
	scope := refdate.Scope{Channel: refdate.ChannelSalon, Group: 10}
	for _, ds := range []string{"2025-05-09", "2026-05-10"} {
		if _, err := h.Catalog.AddOccurrence(ctx, refdate.NewOccurrence{
			EventID:       promo.ID,
			EffectiveDate: refdate.MustParseDate(ds),
			Scope:         scope,
		}, "scenario"); err != nil {
			return err
		}
	}
	return nil
}
