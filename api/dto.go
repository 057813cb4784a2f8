/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the inventory model from the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  {"value": "2.5", "unit": "g"}. value accepts a JSON number or string and
  is always written as a string so decimals survive the trip. unit takes a
  unit name or symbol.

DATES:
  RFC 3339. An omitted date on a record request means "now".

VALIDATION:
  Struct tags are checked with go-playground/validator before a request
  reaches the Service. Domain rules (sign of an amount, unit dimensions)
  are the inventory package's job and come back as ValidationError.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stash-ledger/inventory"
	"golang.org/x/text/language"
)

// =============================================================================
// AMOUNTS AND BALANCES
// =============================================================================

type AmountDTO struct {
	Value     decimal.Decimal `json:"value"`
	Unit      string          `json:"unit" validate:"required"`
	Formatted string          `json:"formatted,omitempty"`
}

type BalanceDTO struct {
	Value      AmountDTO `json:"value"`   // true folded balance, may be negative
	Display    AmountDTO `json:"display"` // clamped at zero
	AsOf       string    `json:"as_of,omitempty"`
	Applied    int       `json:"applied"`
	Incomplete []string  `json:"incomplete,omitempty"`
	Advisory   string    `json:"advisory,omitempty"`
}

// =============================================================================
// ITEMS
// =============================================================================

type ItemDTO struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Type       string      `json:"type"`
	StockUnit  string      `json:"stock_unit"`
	DosageUnit string      `json:"dosage_unit"`
	CreatedAt  string      `json:"created_at"`
	Entries    int         `json:"entries"`
	Balance    *BalanceDTO `json:"balance,omitempty"`
}

type CreateItemRequest struct {
	ID         string `json:"id,omitempty" validate:"omitempty,max=64"`
	Name       string `json:"name" validate:"required,max=200"`
	Type       string `json:"type" validate:"required,max=64"`
	StockUnit  string `json:"stock_unit,omitempty"`
	DosageUnit string `json:"dosage_unit,omitempty"`
}

// ChangeUnitsRequest relabels units. Existing entries are not converted.
type ChangeUnitsRequest struct {
	StockUnit  *string `json:"stock_unit,omitempty" validate:"required_without=DosageUnit"`
	DosageUnit *string `json:"dosage_unit,omitempty" validate:"required_without=StockUnit"`
}

// =============================================================================
// ENTRIES
// =============================================================================

type LocationDTO struct {
	Name    string  `json:"name,omitempty" validate:"max=200"`
	Address string  `json:"address,omitempty" validate:"max=500"`
	Lat     float64 `json:"lat,omitempty" validate:"omitempty,latitude"`
	Lng     float64 `json:"lng,omitempty" validate:"omitempty,longitude"`
}

type PurchaseDTO struct {
	Date     string           `json:"date"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Currency string           `json:"currency,omitempty"`
	Brand    string           `json:"brand,omitempty"`
	Location *LocationDTO     `json:"location,omitempty"`
}

// EntryDTO is one timeline row: the entry plus the running balance after it.
type EntryDTO struct {
	ID              string       `json:"id"`
	Seq             uint64       `json:"seq"`
	Date            string       `json:"date"`
	Kind            string       `json:"kind"`
	Amount          *AmountDTO   `json:"amount,omitempty"`
	UpdateInventory bool         `json:"update_inventory"`
	Incomplete      bool         `json:"incomplete,omitempty"`
	SessionRef      string       `json:"session_ref,omitempty"`
	Note            string       `json:"note,omitempty"`
	Purchase        *PurchaseDTO `json:"purchase,omitempty"`
	CreatedAt       string       `json:"created_at"`
	Balance         *AmountDTO   `json:"balance,omitempty"`
}

type RecordPurchaseRequest struct {
	Amount          *AmountDTO       `json:"amount,omitempty"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	Currency        string           `json:"currency,omitempty" validate:"omitempty,iso4217"`
	Brand           string           `json:"brand,omitempty" validate:"max=200"`
	Location        *LocationDTO     `json:"location,omitempty"`
	Date            *time.Time       `json:"date,omitempty"`
	UpdateInventory *bool            `json:"update_inventory,omitempty"`
	Note            string           `json:"note,omitempty" validate:"max=2000"`
}

type RecordConsumptionRequest struct {
	Amount          AmountDTO  `json:"amount"`
	SessionRef      string     `json:"session_ref,omitempty" validate:"max=128"`
	Date            *time.Time `json:"date,omitempty"`
	UpdateInventory *bool      `json:"update_inventory,omitempty"`
	Note            string     `json:"note,omitempty" validate:"max=2000"`
}

// AmountRequest serves both adjustments (signed delta) and set-to.
type AmountRequest struct {
	Amount AmountDTO  `json:"amount"`
	Date   *time.Time `json:"date,omitempty"`
	Note   string     `json:"note,omitempty" validate:"max=2000"`
}

type EditEntryRequest struct {
	Date            *time.Time `json:"date,omitempty"`
	Amount          *AmountDTO `json:"amount,omitempty"`
	UpdateInventory *bool      `json:"update_inventory,omitempty"`
	Note            *string    `json:"note,omitempty" validate:"omitempty,max=2000"`
}

// MutationDTO is returned by every endpoint that writes an entry.
type MutationDTO struct {
	Entry   EntryDTO   `json:"entry"`
	Balance BalanceDTO `json:"balance"`
}

type RemovedDTO struct {
	Removed []string   `json:"removed"`
	Balance BalanceDTO `json:"balance"`
}

// =============================================================================
// UNITS
// =============================================================================

type UnitDTO struct {
	Name      string `json:"name"`
	Symbol    string `json:"symbol"`
	Dimension string `json:"dimension"`
}

type UnitConfigDTO struct {
	StockUnit  string `json:"stock_unit"`
	DosageUnit string `json:"dosage_unit"`
}

type UnitsResponse struct {
	Units    []UnitDTO                `json:"units"`
	Defaults map[string]UnitConfigDTO `json:"defaults"`
	Fallback UnitConfigDTO            `json:"fallback"`
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
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditDTO struct {
	RanAt        string         `json:"ran_at"`
	NextRunAt    string         `json:"next_run_at,omitempty"`
	Items        int            `json:"items"`
	Inconsistent []string       `json:"inconsistent"`
	Incomplete   map[string]int `json:"incomplete"`
	Failed       int            `json:"failed"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAmountDTO(a inventory.Amount, tag language.Tag) AmountDTO {
	return AmountDTO{Value: a.Value, Unit: string(a.Unit), Formatted: a.Format(tag)}
}

func toBalanceDTO(b inventory.Balance, tag language.Tag) BalanceDTO {
	dto := BalanceDTO{
		Value:   toAmountDTO(b.Amount, tag),
		Display: toAmountDTO(b.Display(), tag),
		Applied: b.Applied,
	}
	if !b.AsOf.IsZero() {
		dto.AsOf = b.AsOf.UTC().Format(time.RFC3339)
	}
	for _, id := range b.Incomplete {
		dto.Incomplete = append(dto.Incomplete, string(id))
	}
	if adv := b.Advisory(); adv != nil {
		dto.Advisory = adv.Error()
	}
	return dto
}

func toItemDTO(item *inventory.Item, tag language.Tag, withBalance bool) ItemDTO {
	dto := ItemDTO{
		ID:         string(item.ID),
		Name:       item.Name,
		Type:       string(item.Type),
		StockUnit:  string(item.Units.Stock),
		DosageUnit: string(item.Units.Dosage),
		CreatedAt:  item.CreatedAt.UTC().Format(time.RFC3339),
		Entries:    len(item.Entries()),
	}
	if withBalance {
		b := toBalanceDTO(item.Balance(), tag)
		dto.Balance = &b
	}
	return dto
}

func toEntryDTO(e inventory.Entry, tag language.Tag) EntryDTO {
	dto := EntryDTO{
		ID:              string(e.ID),
		Seq:             e.Seq,
		Date:            e.Date.UTC().Format(time.RFC3339),
		Kind:            string(e.Kind),
		UpdateInventory: e.UpdateInventory,
		Incomplete:      e.Incomplete(),
		SessionRef:      e.SessionRef,
		Note:            e.Note,
		CreatedAt:       e.CreatedAt.UTC().Format(time.RFC3339),
	}
	if e.Amount != nil {
		a := toAmountDTO(*e.Amount, tag)
		dto.Amount = &a
	}
	if p := e.Purchase; p != nil {
		dto.Purchase = &PurchaseDTO{
			Date:     p.Date.UTC().Format(time.RFC3339),
			Price:    p.Price,
			Currency: p.Currency,
			Brand:    p.Brand,
		}
		if p.Location != nil {
			dto.Purchase.Location = &LocationDTO{
				Name:    p.Location.Name,
				Address: p.Location.Address,
				Lat:     p.Location.Lat,
				Lng:     p.Location.Lng,
			}
		}
	}
	return dto
}

func toTimelineDTOs(rows []inventory.TimelineRow, tag language.Tag) []EntryDTO {
	out := make([]EntryDTO, 0, len(rows))
	for _, row := range rows {
		dto := toEntryDTO(row.Entry, tag)
		bal := toAmountDTO(row.Balance, tag)
		dto.Balance = &bal
		out = append(out, dto)
	}
	return out
}

// toAmount parses the unit; the value is passed through unchecked.
func (a AmountDTO) toAmount() (inventory.Amount, error) {
	u, err := inventory.ParseUnit(a.Unit)
	if err != nil {
		return inventory.Amount{}, err
	}
	return inventory.NewAmountFromDecimal(a.Value, u), nil
}

func (l *LocationDTO) toLocation() *inventory.Location {
	if l == nil {
		return nil
	}
	return &inventory.Location{Name: l.Name, Address: l.Address, Lat: l.Lat, Lng: l.Lng}
}
