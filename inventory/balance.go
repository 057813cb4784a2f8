/*
balance.go - The balance fold

PURPOSE:
  Derives an item's stock from its entries. This is the only place where
  entry kinds acquire arithmetic meaning. It is pure: no I/O, no errors,
  safe to re-run on every read.

ALGORITHM:
  1. Drop entries with UpdateInventory == false.
  2. Sort by Date ascending; equal dates keep creation order (Seq), so the
     most recently created entry of a tie folds last.
  3. Fold left from zero:
       purchase     balance += amount
       consumption  balance += amount   (stored negative; missing amount adds 0
                                         and is reported as incomplete)
       adjustment   balance += amount   (sign carries direction)
       set          balance  = amount   (discards everything folded before it)
  4. Wrap the accumulator in the item's stock unit.

  Values are folded as stored. An entry recorded before the stock unit was
  changed keeps its old number and is read in the new unit; see
  Item.SetStockUnit.

NEGATIVE RESULTS:
  The fold never clamps. A negative result is returned as-is together with
  an InconsistentHistoryError advisory; only Display() clamps to zero.

EXAMPLE:
  [purchase +10g @Jan1, consumption -3g @Jan5, set 4g @Jan10, consumption -1g @Jan15]
  → 10, 7, 4, 3 → 3g

SEE ALSO:
  - item.go: Calls Fold after every mutation
  - export package: Renders Timeline rows
*/
package inventory

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCE - Result of a fold
// =============================================================================

// Balance is the folded stock of an item, current or as of a point in time.
type Balance struct {
	// Amount is the true folded value in the stock unit; it may be negative.
	Amount Amount

	// AsOf is the inclusive cut-off of a point-in-time fold; zero for current.
	AsOf time.Time

	// Applied counts entries that participated in the fold.
	Applied int

	// Incomplete lists entries that should carry an amount but do not.
	Incomplete []EntryID
}

// Inconsistent reports a history that folds below zero.
func (b Balance) Inconsistent() bool {
	return b.Amount.IsNegative()
}

// Display is the amount shown to the user: clamped at zero.
func (b Balance) Display() Amount {
	if b.Amount.IsNegative() {
		return b.Amount.Zero()
	}
	return b.Amount
}

// Advisory returns an *InconsistentHistoryError for negative folds, nil otherwise.
func (b Balance) Advisory() error {
	if !b.Inconsistent() {
		return nil
	}
	return &InconsistentHistoryError{Balance: b.Amount}
}

// =============================================================================
// ORDERING
// =============================================================================

func entryLess(a, b Entry) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	return a.Seq < b.Seq
}

// SortEntries orders entries in fold order in place. The result does not
// depend on the input order.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool { return entryLess(entries[i], entries[j]) })
}

// =============================================================================
// FOLD
// =============================================================================

// Fold computes the current balance of entries in the given stock unit.
func Fold(entries []Entry, unit Unit) Balance {
	return fold(entries, unit, time.Time{})
}

// FoldAt computes the balance including only entries dated at or before at.
func FoldAt(entries []Entry, at time.Time, unit Unit) Balance {
	return fold(entries, unit, at)
}

func fold(entries []Entry, unit Unit, at time.Time) Balance {
	ordered := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.UpdateInventory {
			continue
		}
		if !at.IsZero() && e.Date.After(at) {
			continue
		}
		ordered = append(ordered, e)
	}
	SortEntries(ordered)

	result := Balance{AsOf: at}
	acc := decimal.Zero
	for _, e := range ordered {
		var ok bool
		acc, ok = apply(acc, e)
		if !ok {
			result.Incomplete = append(result.Incomplete, e.ID)
		}
		result.Applied++
	}
	result.Amount = Amount{Value: acc, Unit: unit}
	return result
}

// apply folds a single entry. ok is false when the entry needed an amount
// and had none; such an entry contributes nothing.
func apply(acc decimal.Decimal, e Entry) (decimal.Decimal, bool) {
	if e.Amount == nil {
		// A purchase without a quantity is a valid record of spending only.
		return acc, e.Kind == KindPurchase
	}
	switch e.Kind {
	case KindSet:
		return e.Amount.Value, true
	case KindPurchase, KindConsumption, KindAdjustment:
		return acc.Add(e.Amount.Value), true
	}
	return acc, true
}

// =============================================================================
// TIMELINE - History view with running balance
// =============================================================================

// TimelineRow is one entry with the running balance right after it.
// Excluded entries appear with the balance unchanged.
type TimelineRow struct {
	Entry    Entry
	Included bool
	Balance  Amount
}

// Timeline returns every entry in fold order with its running balance.
func Timeline(entries []Entry, unit Unit) []TimelineRow {
	ordered := make([]Entry, len(entries))
	copy(ordered, entries)
	SortEntries(ordered)

	rows := make([]TimelineRow, 0, len(ordered))
	acc := decimal.Zero
	for _, e := range ordered {
		if e.UpdateInventory {
			acc, _ = apply(acc, e)
		}
		rows = append(rows, TimelineRow{
			Entry:    e.clone(),
			Included: e.UpdateInventory,
			Balance:  Amount{Value: acc, Unit: unit},
		})
	}
	return rows
}
