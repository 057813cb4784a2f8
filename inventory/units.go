/*
units.go - Unit model and conversion

PURPOSE:
  Defines the closed set of measurement units and converts quantities
  between units of the same dimension.

DIMENSIONS:
  count:  count
  mass:   milligram, gram, kilogram, ounce
  volume: milliliter, liter

  Units within a dimension convert through a fixed ratio to the base unit
  (count, gram, milliliter). There is no density or packaging size, so
  converting across dimensions always fails with IncompatibleDimensionError.

DEFAULTS:
  Which unit an item starts with is decided by an injected UnitTable
  (see catalog package). Defaults apply at item creation only.

SEE ALSO:
  - types.go: Amount
  - format.go: Locale-aware rendering
*/
package inventory

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// UNIT
// =============================================================================

type Unit string

const (
	UnitCount      Unit = "count"
	UnitMilligram  Unit = "milligram"
	UnitGram       Unit = "gram"
	UnitKilogram   Unit = "kilogram"
	UnitOunce      Unit = "ounce"
	UnitMilliliter Unit = "milliliter"
	UnitLiter      Unit = "liter"
)

type Dimension string

const (
	DimensionCount  Dimension = "count"
	DimensionMass   Dimension = "mass"
	DimensionVolume Dimension = "volume"
)

type unitInfo struct {
	dimension Dimension
	toBase    decimal.Decimal
	symbol    string
}

var units = map[Unit]unitInfo{
	UnitCount:      {DimensionCount, decimal.NewFromInt(1), "ct"},
	UnitMilligram:  {DimensionMass, decimal.New(1, -3), "mg"},
	UnitGram:       {DimensionMass, decimal.NewFromInt(1), "g"},
	UnitKilogram:   {DimensionMass, decimal.NewFromInt(1000), "kg"},
	UnitOunce:      {DimensionMass, decimal.RequireFromString("28.349523125"), "oz"},
	UnitMilliliter: {DimensionVolume, decimal.NewFromInt(1), "ml"},
	UnitLiter:      {DimensionVolume, decimal.NewFromInt(1000), "l"},
}

// Valid reports whether u is in the closed unit set.
func (u Unit) Valid() bool {
	_, ok := units[u]
	return ok
}

// Dimension returns the measurement category, or "" for unknown units.
func (u Unit) Dimension() Dimension {
	return units[u].dimension
}

// Symbol is the short display form ("g", "mg", "ct").
func (u Unit) Symbol() string {
	if info, ok := units[u]; ok {
		return info.symbol
	}
	return string(u)
}

// Units returns every known unit, sorted by name.
func Units() []Unit {
	out := make([]Unit, 0, len(units))
	for u := range units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseUnit accepts either the unit name or its symbol, case-insensitively.
func ParseUnit(s string) (Unit, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if u := Unit(s); u.Valid() {
		return u, nil
	}
	for u, info := range units {
		if info.symbol == s {
			return u, nil
		}
	}
	return "", &ValidationError{Field: "unit", Reason: "unknown unit " + s}
}

// Compatible reports whether a and b can be converted into each other.
func Compatible(a, b Unit) bool {
	return a.Valid() && b.Valid() && a.Dimension() == b.Dimension()
}

// =============================================================================
// CONVERSION
// =============================================================================

// Convert expresses amount in the target unit. Same-unit conversion is the
// identity; cross-dimension conversion fails.
func Convert(amount Amount, to Unit) (Amount, error) {
	if amount.Unit == to {
		return amount, nil
	}
	if !Compatible(amount.Unit, to) {
		return Amount{}, &IncompatibleDimensionError{From: amount.Unit, To: to}
	}
	base := amount.Value.Mul(units[amount.Unit].toBase)
	return Amount{Value: base.Div(units[to].toBase), Unit: to}, nil
}

// =============================================================================
// DEFAULT UNIT TABLE
// =============================================================================

// UnitRole selects which default a lookup is for.
type UnitRole string

const (
	RoleStock  UnitRole = "stock"
	RoleDosage UnitRole = "dosage"
)

// UnitTable supplies creation-time defaults per item type. It is injected
// so tests and configuration can substitute their own mappings.
type UnitTable interface {
	DefaultUnit(itemType ItemType, role UnitRole) Unit
}

// MapUnitTable is a UnitTable backed by a map with a fallback config.
type MapUnitTable struct {
	Types    map[ItemType]UnitConfig
	Fallback UnitConfig
}

func (t MapUnitTable) DefaultUnit(itemType ItemType, role UnitRole) Unit {
	cfg, ok := t.Types[itemType]
	if !ok {
		cfg = t.Fallback
	}
	if role == RoleDosage {
		return cfg.Dosage
	}
	return cfg.Stock
}
