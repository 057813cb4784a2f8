/*
handlers.go - HTTP API handlers for the stash ledger

PURPOSE:
  Exposes the inventory Service via REST API. Handles HTTP request and
  response, JSON serialization and request validation, and delegates every
  ledger rule to the inventory package.

ENDPOINTS:
  Items:
    GET    /api/items                         List items with balances
    POST   /api/items                         Create item (type picks default units)
    GET    /api/items/{id}                    Item with balance
    DELETE /api/items/{id}                    Delete item and its entries
    PUT    /api/items/{id}/units              Relabel stock/dosage unit
    GET    /api/items/{id}/balance?at=        Current or point-in-time balance

  Entries:
    GET    /api/items/{id}/entries            Timeline with running balance
    GET    /api/items/{id}/entries.xlsx       Timeline as a spreadsheet
    POST   /api/items/{id}/purchases          Record purchase
    POST   /api/items/{id}/consumptions       Record consumption
    POST   /api/items/{id}/adjustments        Record signed adjustment
    POST   /api/items/{id}/set                Set balance to a counted value
    PATCH  /api/items/{id}/entries/{entryID}  Edit entry
    DELETE /api/items/{id}/entries/{entryID}  Delete entry
    DELETE /api/items/{id}/sessions/{ref}     Drop a session's entries

  Catalog:
    GET    /api/units                         Units and default table

  Audit:
    GET    /api/audit                         Last balance audit report
    POST   /api/audit/run                     Audit every item now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, validation errors
  - 404: Item or entry not found
  - 409: Item id already in use
  - 422: Unit of a different dimension than the item's stock unit
  - 500: Internal errors

  An inconsistent (negative) history is NOT an error: the response carries
  the balance with an advisory string and the clamped display value.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo stash loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/stash-ledger/catalog"
	"github.com/warp/stash-ledger/export"
	"github.com/warp/stash-ledger/inventory"
	"golang.org/x/text/language"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *inventory.Service
	Units   inventory.MapUnitTable
	Locale  language.Tag
	Log     logrus.FieldLogger
	Audit   *BalanceAuditor // nil disables /api/audit

	validate *validator.Validate
	now      func() time.Time

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. units should be the table the Service was
// built with; it is only used to answer /api/units.
func NewHandler(svc *inventory.Service, units inventory.MapUnitTable, locale language.Tag, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Service:  svc,
		Units:    units,
		Locale:   locale,
		Log:      log,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// ITEM HANDLERS
// =============================================================================

// ListItems returns all items with their current balance.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.Service.ListItems(r.Context())
	if err != nil {
		h.writeServiceError(w, "Failed to list items", err)
		return
	}

	dtos := make([]ItemDTO, len(items))
	for i, item := range items {
		dtos[i] = toItemDTO(item, h.Locale, true)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetItem returns a single item with its balance.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Service.GetItem(r.Context(), itemID(r))
	if err != nil {
		h.writeServiceError(w, "Failed to get item", err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item, h.Locale, true))
}

// CreateItem creates an item. Units default from the item type.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := inventory.NewItemInput{
		ID:   inventory.ItemID(req.ID),
		Name: req.Name,
		Type: inventory.ItemType(req.Type),
	}
	var err error
	if req.StockUnit != "" {
		if in.StockUnit, err = inventory.ParseUnit(req.StockUnit); err != nil {
			h.writeServiceError(w, "Invalid stock_unit", err)
			return
		}
	}
	if req.DosageUnit != "" {
		if in.DosageUnit, err = inventory.ParseUnit(req.DosageUnit); err != nil {
			h.writeServiceError(w, "Invalid dosage_unit", err)
			return
		}
	}

	item, err := h.Service.CreateItem(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, "Failed to create item", err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemDTO(item, h.Locale, true))
}

// DeleteItem removes an item and all of its entries.
func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteItem(r.Context(), itemID(r)); err != nil {
		h.writeServiceError(w, "Failed to delete item", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ChangeUnits relabels the item's units. Stored entries keep their values.
func (h *Handler) ChangeUnits(w http.ResponseWriter, r *http.Request) {
	var req ChangeUnitsRequest
	if !h.decode(w, r, &req) {
		return
	}

	var stock, dosage *inventory.Unit
	if req.StockUnit != nil {
		u, err := inventory.ParseUnit(*req.StockUnit)
		if err != nil {
			h.writeServiceError(w, "Invalid stock_unit", err)
			return
		}
		stock = &u
	}
	if req.DosageUnit != nil {
		u, err := inventory.ParseUnit(*req.DosageUnit)
		if err != nil {
			h.writeServiceError(w, "Invalid dosage_unit", err)
			return
		}
		dosage = &u
	}

	item, _, err := h.Service.ChangeUnits(r.Context(), itemID(r), stock, dosage)
	if err != nil {
		h.writeServiceError(w, "Failed to change units", err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item, h.Locale, true))
}

// GetBalance returns the current balance, or the balance as of ?at=.
// at accepts RFC 3339 or a plain date; a plain date includes the whole day.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	var at time.Time
	if raw := r.URL.Query().Get("at"); raw != "" {
		var err error
		if at, err = parseAsOf(raw); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid at (use RFC 3339 or YYYY-MM-DD)", err)
			return
		}
	}

	bal, err := h.Service.Balance(r.Context(), itemID(r), at)
	if err != nil {
		h.writeServiceError(w, "Failed to compute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal, h.Locale))
}

// =============================================================================
// ENTRY HANDLERS
// =============================================================================

// ListEntries returns the item's timeline with the running balance.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	item, err := h.Service.GetItem(r.Context(), itemID(r))
	if err != nil {
		h.writeServiceError(w, "Failed to get item", err)
		return
	}
	writeJSON(w, http.StatusOK, toTimelineDTOs(item.Timeline(), h.Locale))
}

// ExportEntries streams the timeline as XLSX.
func (h *Handler) ExportEntries(w http.ResponseWriter, r *http.Request) {
	item, err := h.Service.GetItem(r.Context(), itemID(r))
	if err != nil {
		h.writeServiceError(w, "Failed to get item", err)
		return
	}

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(item, h.now())))
	if err := export.WriteHistory(w, item); err != nil {
		h.Log.WithError(err).WithField("item_id", item.ID).Error("export failed")
	}
}

// RecordPurchase records a purchase. amount is optional.
func (h *Handler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	var req RecordPurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := inventory.PurchaseInput{
		Price:           req.Price,
		Currency:        req.Currency,
		Location:        req.Location.toLocation(),
		Brand:           req.Brand,
		Date:            h.dateOrNow(req.Date),
		UpdateInventory: req.UpdateInventory,
		Note:            req.Note,
	}
	if req.Amount != nil {
		a, err := req.Amount.toAmount()
		if err != nil {
			h.writeServiceError(w, "Invalid amount", err)
			return
		}
		in.Amount = &a
	}

	e, bal, err := h.Service.RecordPurchase(r.Context(), itemID(r), in)
	h.writeMutation(w, http.StatusCreated, "Failed to record purchase", e, bal, err)
}

// RecordConsumption records the positive amount consumed.
func (h *Handler) RecordConsumption(w http.ResponseWriter, r *http.Request) {
	var req RecordConsumptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := req.Amount.toAmount()
	if err != nil {
		h.writeServiceError(w, "Invalid amount", err)
		return
	}

	e, bal, err := h.Service.RecordConsumption(r.Context(), itemID(r), inventory.ConsumptionInput{
		Amount:          a,
		SessionRef:      req.SessionRef,
		Date:            h.dateOrNow(req.Date),
		UpdateInventory: req.UpdateInventory,
		Note:            req.Note,
	})
	h.writeMutation(w, http.StatusCreated, "Failed to record consumption", e, bal, err)
}

// RecordAdjustment records a signed correction.
func (h *Handler) RecordAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := req.Amount.toAmount()
	if err != nil {
		h.writeServiceError(w, "Invalid amount", err)
		return
	}

	e, bal, err := h.Service.RecordAdjustment(r.Context(), itemID(r), a, h.dateOrNow(req.Date), req.Note)
	h.writeMutation(w, http.StatusCreated, "Failed to record adjustment", e, bal, err)
}

// SetBalance records a counted stock level.
func (h *Handler) SetBalance(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := req.Amount.toAmount()
	if err != nil {
		h.writeServiceError(w, "Invalid amount", err)
		return
	}

	e, bal, err := h.Service.SetBalance(r.Context(), itemID(r), a, h.dateOrNow(req.Date), req.Note)
	h.writeMutation(w, http.StatusCreated, "Failed to set balance", e, bal, err)
}

// EditEntry patches date, amount, update_inventory or note.
func (h *Handler) EditEntry(w http.ResponseWriter, r *http.Request) {
	var req EditEntryRequest
	if !h.decode(w, r, &req) {
		return
	}

	patch := inventory.EntryPatch{
		Date:            req.Date,
		UpdateInventory: req.UpdateInventory,
		Note:            req.Note,
	}
	if req.Amount != nil {
		a, err := req.Amount.toAmount()
		if err != nil {
			h.writeServiceError(w, "Invalid amount", err)
			return
		}
		patch.Amount = &a
	}

	e, bal, err := h.Service.EditEntry(r.Context(), itemID(r), entryID(r), patch)
	h.writeMutation(w, http.StatusOK, "Failed to edit entry", e, bal, err)
}

// DeleteEntry removes an entry and returns the recomputed balance.
func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	bal, err := h.Service.DeleteEntry(r.Context(), itemID(r), entryID(r))
	if err != nil {
		h.writeServiceError(w, "Failed to delete entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal, h.Locale))
}

// RemoveSession removes the entries a session produced.
func (h *Handler) RemoveSession(w http.ResponseWriter, r *http.Request) {
	removed, bal, err := h.Service.RemoveSession(r.Context(), itemID(r), chi.URLParam(r, "ref"))
	if err != nil {
		h.writeServiceError(w, "Failed to remove session", err)
		return
	}

	ids := make([]string, len(removed))
	for i, id := range removed {
		ids[i] = string(id)
	}
	writeJSON(w, http.StatusOK, RemovedDTO{Removed: ids, Balance: toBalanceDTO(bal, h.Locale)})
}

// =============================================================================
// CATALOG
// =============================================================================

// ListUnits returns the unit set and the default unit table.
func (h *Handler) ListUnits(w http.ResponseWriter, r *http.Request) {
	resp := UnitsResponse{
		Defaults: make(map[string]UnitConfigDTO, len(h.Units.Types)),
		Fallback: UnitConfigDTO{
			StockUnit:  string(h.Units.Fallback.Stock),
			DosageUnit: string(h.Units.Fallback.Dosage),
		},
	}
	for _, u := range inventory.Units() {
		resp.Units = append(resp.Units, UnitDTO{
			Name:      string(u),
			Symbol:    u.Symbol(),
			Dimension: string(u.Dimension()),
		})
	}
	for _, t := range catalog.Types(h.Units) {
		cfg := h.Units.Types[t]
		resp.Defaults[string(t)] = UnitConfigDTO{StockUnit: string(cfg.Stock), DosageUnit: string(cfg.Dosage)}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func itemID(r *http.Request) inventory.ItemID {
	return inventory.ItemID(chi.URLParam(r, "id"))
}

func entryID(r *http.Request) inventory.EntryID {
	return inventory.EntryID(chi.URLParam(r, "entryID"))
}

func (h *Handler) dateOrNow(t *time.Time) time.Time {
	if t == nil {
		return h.now()
	}
	return *t
}

func parseAsOf(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	day, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	return day.Add(24*time.Hour - time.Nanosecond), nil
}

// decode reads and validates a JSON body. It writes the error response and
// returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid request",
				Field:   verrs[0].Field(),
				Details: verrs.Error(),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

func (h *Handler) writeMutation(w http.ResponseWriter, status int, message string, e inventory.Entry, bal inventory.Balance, err error) {
	if err != nil {
		h.writeServiceError(w, message, err)
		return
	}
	writeJSON(w, status, MutationDTO{
		Entry:   toEntryDTO(e, h.Locale),
		Balance: toBalanceDTO(bal, h.Locale),
	})
}

// writeServiceError maps inventory errors to HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, message string, err error) {
	var verr *inventory.ValidationError
	switch {
	case inventory.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, inventory.ErrItemExists):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, inventory.ErrIncompatibleDimension):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Field: verr.Field, Details: verr.Reason})
	default:
		h.Log.WithError(err).Error(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
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
