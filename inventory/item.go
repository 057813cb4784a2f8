/*
item.go - Item aggregate and mutation contract

PURPOSE:
  An Item owns its unit configuration and its entries. Every change to an
  item's history goes through one of the mutation methods below, which
  validate input, normalize amounts into the stock unit and return the
  recomputed balance.

MUTATIONS:
  RecordPurchase     purchase entry + purchase record; amount optional, >= 0
  RecordConsumption  consumption entry storing the NEGATED user amount; > 0
  RecordAdjustment   signed delta; zero is rejected
  SetBalance         set-to snapshot; >= 0
  EditEntry          in-place edit of date / amount / flag / note
  DeleteEntry        removes an entry (deleting a set rewrites history)
  RemoveSessionEntries  drops the consumption entries of a deleted session

UNITS:
  Amounts in another unit of the same dimension are converted into the
  stock unit at record time. A different dimension fails with
  IncompatibleDimensionError.

  Changing the stock unit does NOT convert existing entries. A history
  recorded as "10" in grams reads as "10" milligrams after the change.
  This mirrors how the journal has always behaved; whether units are a
  label or a contract is undecided, so the behavior is kept and covered
  by TestItem_SetStockUnit_DoesNotConvertHistory.

CONCURRENCY:
  Item has no lock. Service serializes mutations per item.

NO I/O:
  Nothing here touches a store. Persisting the result is the caller's job
  (see service.go).
*/
package inventory

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ITEM
// =============================================================================

type Item struct {
	ID        ItemID
	Name      string
	Type      ItemType
	Units     UnitConfig
	CreatedAt time.Time

	entries []Entry // always in fold order
	nextSeq uint64
}

// ItemRecord is the persisted header of an item, without its entries.
type ItemRecord struct {
	ID        ItemID
	Name      string
	Type      ItemType
	Units     UnitConfig
	CreatedAt time.Time
}

type NewItemInput struct {
	ID   ItemID // generated when empty
	Name string
	Type ItemType

	// Explicit units win over the table defaults.
	StockUnit  Unit
	DosageUnit Unit
}

// NewItem creates an empty item. Default units come from table and are
// applied only here.
func NewItem(in NewItemInput, table UnitTable) (*Item, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, invalid("name", "required")
	}
	cfg := UnitConfig{Stock: in.StockUnit, Dosage: in.DosageUnit}
	if table != nil {
		if cfg.Stock == "" {
			cfg.Stock = table.DefaultUnit(in.Type, RoleStock)
		}
		if cfg.Dosage == "" {
			cfg.Dosage = table.DefaultUnit(in.Type, RoleDosage)
		}
	}
	if cfg.Stock != "" && !cfg.Stock.Valid() {
		return nil, invalid("stock_unit", "unknown unit "+string(cfg.Stock))
	}
	if cfg.Dosage != "" && !cfg.Dosage.Valid() {
		return nil, invalid("dosage_unit", "unknown unit "+string(cfg.Dosage))
	}

	id := in.ID
	if id == "" {
		id = ItemID(uuid.NewString())
	}
	return &Item{
		ID:        id,
		Name:      name,
		Type:      in.Type,
		Units:     cfg,
		CreatedAt: time.Now().UTC(),
		nextSeq:   1,
	}, nil
}

// RestoreItem rebuilds an item from persisted state.
func RestoreItem(rec ItemRecord, entries []Entry) *Item {
	item := &Item{
		ID:        rec.ID,
		Name:      rec.Name,
		Type:      rec.Type,
		Units:     rec.Units,
		CreatedAt: rec.CreatedAt,
		nextSeq:   1,
	}
	for _, e := range entries {
		item.entries = append(item.entries, e.clone())
		if e.Seq >= item.nextSeq {
			item.nextSeq = e.Seq + 1
		}
	}
	SortEntries(item.entries)
	return item
}

func (it *Item) Record() ItemRecord {
	return ItemRecord{ID: it.ID, Name: it.Name, Type: it.Type, Units: it.Units, CreatedAt: it.CreatedAt}
}

// =============================================================================
// READS
// =============================================================================

// Entries returns a copy of the entries in fold order.
func (it *Item) Entries() []Entry {
	out := make([]Entry, len(it.entries))
	for i, e := range it.entries {
		out[i] = e.clone()
	}
	return out
}

func (it *Item) Entry(id EntryID) (Entry, error) {
	i := it.indexOf(id)
	if i < 0 {
		return Entry{}, &NotFoundError{ItemID: it.ID, EntryID: id}
	}
	return it.entries[i].clone(), nil
}

// EntriesForSession returns the consumption entries produced by a session.
func (it *Item) EntriesForSession(ref string) []Entry {
	var out []Entry
	for _, e := range it.entries {
		if e.SessionRef != "" && e.SessionRef == ref {
			out = append(out, e.clone())
		}
	}
	return out
}

func (it *Item) Balance() Balance {
	return Fold(it.entries, it.Units.Stock)
}

func (it *Item) BalanceAt(at time.Time) Balance {
	return FoldAt(it.entries, at, it.Units.Stock)
}

func (it *Item) Timeline() []TimelineRow {
	return Timeline(it.entries, it.Units.Stock)
}

// =============================================================================
// MUTATION INPUTS
// =============================================================================

type PurchaseInput struct {
	Amount          *Amount // optional: a purchase may record spending only
	Price           *decimal.Decimal
	Currency        string
	Location        *Location
	Brand           string
	Date            time.Time
	UpdateInventory *bool // nil means true
	Note            string
}

type ConsumptionInput struct {
	Amount          Amount // the positive amount consumed, as entered
	SessionRef      string
	Date            time.Time
	UpdateInventory *bool // nil means true
	Note            string
}

// EntryPatch carries the fields to change; nil fields are left alone.
// Amount is given the way the matching Record method takes it, so a
// consumption edit passes the positive amount consumed.
type EntryPatch struct {
	Date            *time.Time
	Amount          *Amount
	UpdateInventory *bool
	Note            *string
}

// Bool returns a pointer to b, for optional flags.
func Bool(b bool) *bool { return &b }

// =============================================================================
// MUTATIONS
// =============================================================================

func (it *Item) RecordPurchase(in PurchaseInput) (Entry, Balance, error) {
	if in.Date.IsZero() {
		return Entry{}, Balance{}, invalid("date", "required")
	}
	var amount *Amount
	if in.Amount != nil {
		a, err := it.normalize(KindPurchase, *in.Amount)
		if err != nil {
			return Entry{}, Balance{}, err
		}
		amount = &a
	}
	if in.Price != nil && in.Price.IsNegative() {
		return Entry{}, Balance{}, invalid("price", "must not be negative")
	}

	rec := PurchaseRecord{
		Date:     in.Date,
		Currency: in.Currency,
		Location: in.Location,
		Brand:    in.Brand,
		Price:    in.Price,
	}
	rec = rec.clone()
	e := it.append(Entry{
		Date:            in.Date,
		Kind:            KindPurchase,
		Amount:          amount,
		UpdateInventory: flag(in.UpdateInventory),
		Purchase:        &rec,
		Note:            in.Note,
	})
	return e, it.Balance(), nil
}

func (it *Item) RecordConsumption(in ConsumptionInput) (Entry, Balance, error) {
	if in.Date.IsZero() {
		return Entry{}, Balance{}, invalid("date", "required")
	}
	a, err := it.normalize(KindConsumption, in.Amount)
	if err != nil {
		return Entry{}, Balance{}, err
	}
	e := it.append(Entry{
		Date:            in.Date,
		Kind:            KindConsumption,
		Amount:          &a,
		UpdateInventory: flag(in.UpdateInventory),
		SessionRef:      in.SessionRef,
		Note:            in.Note,
	})
	return e, it.Balance(), nil
}

func (it *Item) RecordAdjustment(delta Amount, date time.Time, note string) (Entry, Balance, error) {
	if date.IsZero() {
		return Entry{}, Balance{}, invalid("date", "required")
	}
	a, err := it.normalize(KindAdjustment, delta)
	if err != nil {
		return Entry{}, Balance{}, err
	}
	e := it.append(Entry{
		Date:            date,
		Kind:            KindAdjustment,
		Amount:          &a,
		UpdateInventory: true,
		Note:            note,
	})
	return e, it.Balance(), nil
}

func (it *Item) SetBalance(amount Amount, date time.Time, note string) (Entry, Balance, error) {
	if date.IsZero() {
		return Entry{}, Balance{}, invalid("date", "required")
	}
	a, err := it.normalize(KindSet, amount)
	if err != nil {
		return Entry{}, Balance{}, err
	}
	e := it.append(Entry{
		Date:            date,
		Kind:            KindSet,
		Amount:          &a,
		UpdateInventory: true,
		Note:            note,
	})
	return e, it.Balance(), nil
}

// EditEntry mutates an entry in place. Linked purchase or session data is
// not touched; keeping it in sync is the caller's concern.
func (it *Item) EditEntry(id EntryID, patch EntryPatch) (Entry, Balance, error) {
	i := it.indexOf(id)
	if i < 0 {
		return Entry{}, Balance{}, &NotFoundError{ItemID: it.ID, EntryID: id}
	}
	e := it.entries[i].clone()

	if patch.Date != nil {
		if patch.Date.IsZero() {
			return Entry{}, Balance{}, invalid("date", "required")
		}
		e.Date = *patch.Date
	}
	if patch.Amount != nil {
		a, err := it.normalize(e.Kind, *patch.Amount)
		if err != nil {
			return Entry{}, Balance{}, err
		}
		e.Amount = &a
	}
	if patch.UpdateInventory != nil {
		e.UpdateInventory = *patch.UpdateInventory
	}
	if patch.Note != nil {
		e.Note = *patch.Note
	}

	it.entries[i] = e
	SortEntries(it.entries)
	return e.clone(), it.Balance(), nil
}

// DeleteEntry removes an entry. Deleting a set entry lets the entries it
// used to mask count again; history is recomputed without it.
func (it *Item) DeleteEntry(id EntryID) (Balance, error) {
	i := it.indexOf(id)
	if i < 0 {
		return Balance{}, &NotFoundError{ItemID: it.ID, EntryID: id}
	}
	it.entries = append(it.entries[:i], it.entries[i+1:]...)
	return it.Balance(), nil
}

// RemoveSessionEntries deletes every entry linked to a session and returns
// their IDs. Removing an unknown session is a no-op.
func (it *Item) RemoveSessionEntries(ref string) ([]EntryID, Balance, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, Balance{}, invalid("session_ref", "required")
	}
	var removed []EntryID
	kept := it.entries[:0]
	for _, e := range it.entries {
		if e.SessionRef == ref {
			removed = append(removed, e.ID)
			continue
		}
		kept = append(kept, e)
	}
	it.entries = kept
	return removed, it.Balance(), nil
}

// SetStockUnit relabels the stock unit. Existing entries keep their stored
// values and are not converted.
func (it *Item) SetStockUnit(u Unit) error {
	if !u.Valid() {
		return invalid("stock_unit", "unknown unit "+string(u))
	}
	it.Units.Stock = u
	return nil
}

func (it *Item) SetDosageUnit(u Unit) error {
	if !u.Valid() {
		return invalid("dosage_unit", "unknown unit "+string(u))
	}
	it.Units.Dosage = u
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// normalize validates an entered amount for kind and expresses it in the
// stock unit. Consumption amounts come back negated.
func (it *Item) normalize(kind Kind, a Amount) (Amount, error) {
	switch kind {
	case KindPurchase:
		if a.IsNegative() {
			return Amount{}, invalid("amount", "purchase amount must not be negative")
		}
	case KindConsumption:
		if !a.IsPositive() {
			return Amount{}, invalid("amount", "consumed amount must be positive")
		}
	case KindAdjustment:
		if a.IsZero() {
			return Amount{}, invalid("amount", "adjustment must not be zero")
		}
	case KindSet:
		if a.IsNegative() {
			return Amount{}, invalid("amount", "balance must not be negative")
		}
	}
	if it.Units.Stock == "" {
		return Amount{}, invalid("stock_unit", "item has no stock unit configured")
	}
	if !a.Unit.Valid() {
		return Amount{}, invalid("unit", "unknown unit "+string(a.Unit))
	}
	converted, err := Convert(a, it.Units.Stock)
	if err != nil {
		return Amount{}, err
	}
	if kind == KindConsumption {
		converted = converted.Neg()
	}
	return converted, nil
}

func (it *Item) append(e Entry) Entry {
	e.ID = EntryID(uuid.NewString())
	e.Seq = it.nextSeq
	e.CreatedAt = time.Now().UTC()
	it.nextSeq++
	it.entries = append(it.entries, e)
	SortEntries(it.entries)
	return e.clone()
}

func (it *Item) indexOf(id EntryID) int {
	for i, e := range it.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func flag(b *bool) bool {
	if b == nil {
		return true
	}
	return *b
}
