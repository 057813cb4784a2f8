/*
Package inventory provides the stash ledger engine.

PURPOSE:
  Tracks how much of a consumable item a user currently has. The balance
  is never stored; it is derived by folding a history of dated entries
  (purchases, consumption, adjustments and set-to snapshots). Entries may
  be backdated, edited and deleted after the fact.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A quantity with a unit (e.g., 2.5 g, 3 count)
  - Entry: One dated event affecting or recording an item's stock
  - PurchaseRecord: Metadata attached to a purchase entry
  - Item/Entry IDs: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Derived balance: current stock is always recomputed from entries
  2. Precision: Uses decimal.Decimal to avoid floating-point drift
  3. Explicit units: every stored amount carries its unit
  4. Evidence over silence: inconsistent histories are flagged, not hidden

USAGE:
  item, _ := inventory.NewItem(inventory.NewItemInput{Name: "Blue Dream", Type: "flower"}, table)
  _, bal, err := item.RecordPurchase(inventory.PurchaseInput{
      Amount: inventory.AmountPtr(inventory.NewAmount(3.5, inventory.UnitGram)),
      Date:   time.Now(),
  })

SEE ALSO:
  - units.go: Unit model and conversion
  - balance.go: The balance fold
  - item.go: Item aggregate and mutation contract
*/
package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit
// =============================================================================

// Amount is an immutable (value, unit) pair. Every operation returns a new Amount.
type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

// Epsilon is the tolerance used when comparing converted quantities.
var Epsilon = decimal.New(1, -9)

func NewAmount(value float64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

func NewAmountFromDecimal(value decimal.Decimal, unit Unit) Amount {
	return Amount{Value: value, Unit: unit}
}

// AmountPtr is a convenience for optional amounts in inputs.
func AmountPtr(a Amount) *Amount { return &a }

func (a Amount) Zero() Amount          { return Amount{Value: decimal.Zero, Unit: a.Unit} }
func (a Amount) Add(b Amount) Amount   { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Neg() Amount           { return Amount{Value: a.Value.Neg(), Unit: a.Unit} }
func (a Amount) IsNegative() bool      { return a.Value.IsNegative() }
func (a Amount) IsZero() bool          { return a.Value.IsZero() }
func (a Amount) IsPositive() bool      { return a.Value.IsPositive() }
func (a Amount) Float64() float64      { return a.Value.InexactFloat64() }
func (a Amount) WithUnit(u Unit) Amount { return Amount{Value: a.Value, Unit: u} }

// ApproxEqual reports whether a and b have the same unit and differ by at most Epsilon.
func (a Amount) ApproxEqual(b Amount) bool {
	return a.Unit == b.Unit && a.Value.Sub(b.Value).Abs().LessThanOrEqual(Epsilon)
}

func (a Amount) String() string {
	return a.Value.String() + " " + a.Unit.Symbol()
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ItemID string
type EntryID string
type ItemType string

// =============================================================================
// ENTRY - One dated event in an item's history
// =============================================================================

type Kind string

const (
	KindPurchase    Kind = "purchase"    // Stock bought (non-negative delta)
	KindConsumption Kind = "consumption" // Stock used in a session (stored negative)
	KindAdjustment  Kind = "adjustment"  // Manual correction, sign carries direction
	KindSet         Kind = "set"         // Resets the running balance to the amount
)

// Valid reports whether k is one of the closed set of kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPurchase, KindConsumption, KindAdjustment, KindSet:
		return true
	}
	return false
}

// Entry is one dated event in an item's ledger. Entries are owned by exactly
// one item and are mutable: the user can edit date, amount and the
// inventory flag after the fact.
type Entry struct {
	ID   EntryID
	Seq  uint64 // creation order within the item; tie-break for equal dates
	Date time.Time
	Kind Kind

	// Amount is nil when unknown (e.g., a session that did not record how much).
	// Consumption amounts are stored negated.
	Amount *Amount

	// UpdateInventory=false keeps the entry in history but out of the balance.
	UpdateInventory bool

	Purchase   *PurchaseRecord // purchase entries only
	SessionRef string          // consumption entries: the session that produced it
	Note       string

	CreatedAt time.Time
}

// Incomplete reports a consumption entry that carries no amount.
func (e Entry) Incomplete() bool {
	return e.Kind == KindConsumption && e.Amount == nil
}

// clone returns a deep copy so callers never alias aggregate state.
func (e Entry) clone() Entry {
	if e.Amount != nil {
		a := *e.Amount
		e.Amount = &a
	}
	if e.Purchase != nil {
		p := e.Purchase.clone()
		e.Purchase = &p
	}
	return e
}

// =============================================================================
// PURCHASE RECORD - Metadata only, never read by the balance fold
// =============================================================================

type PurchaseRecord struct {
	Date     time.Time
	Price    *decimal.Decimal
	Currency string
	Location *Location
	Brand    string
}

type Location struct {
	Name    string
	Address string
	Lat     float64
	Lng     float64
}

func (p PurchaseRecord) clone() PurchaseRecord {
	if p.Price != nil {
		v := *p.Price
		p.Price = &v
	}
	if p.Location != nil {
		l := *p.Location
		p.Location = &l
	}
	return p
}

// UnitConfig holds the units an item tracks. Stock and dosage are
// independent and never converted into each other.
type UnitConfig struct {
	Stock  Unit
	Dosage Unit
}
