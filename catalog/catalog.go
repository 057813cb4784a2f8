/*
Package catalog defines the stash item types and their default units.

PURPOSE:
  The ledger itself knows nothing about flower or edibles. This package
  supplies the item-type vocabulary and the creation-time unit defaults
  as an inventory.UnitTable, so the table is injected rather than global.

DEFAULTS:
  type          stock        dosage
  flower        gram         gram
  pre_roll      count        gram
  concentrate   gram         milligram
  vape          milliliter   milliliter
  edible        count        milligram
  tincture      milliliter   milliliter
  capsule       count        milligram
  (other)       count        count

OVERRIDES:
  A YAML file with the same shape replaces or extends the table:

    fallback: {stock: count, dosage: count}
    types:
      flower:  {stock: gram, dosage: gram}
      edible:  {stock: count, dosage: mg}

SEE ALSO:
  - inventory/units.go: UnitTable interface, unit parsing
*/
package catalog

import (
	"fmt"
	"os"
	"sort"

	"github.com/warp/stash-ledger/inventory"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// ITEM TYPES
// =============================================================================

const (
	TypeFlower      inventory.ItemType = "flower"
	TypePreRoll     inventory.ItemType = "pre_roll"
	TypeConcentrate inventory.ItemType = "concentrate"
	TypeVape        inventory.ItemType = "vape"
	TypeEdible      inventory.ItemType = "edible"
	TypeTincture    inventory.ItemType = "tincture"
	TypeCapsule     inventory.ItemType = "capsule"
	TypeOther       inventory.ItemType = "other"
)

// DefaultTable returns a fresh copy of the built-in unit defaults.
func DefaultTable() inventory.MapUnitTable {
	return inventory.MapUnitTable{
		Types: map[inventory.ItemType]inventory.UnitConfig{
			TypeFlower:      {Stock: inventory.UnitGram, Dosage: inventory.UnitGram},
			TypePreRoll:     {Stock: inventory.UnitCount, Dosage: inventory.UnitGram},
			TypeConcentrate: {Stock: inventory.UnitGram, Dosage: inventory.UnitMilligram},
			TypeVape:        {Stock: inventory.UnitMilliliter, Dosage: inventory.UnitMilliliter},
			TypeEdible:      {Stock: inventory.UnitCount, Dosage: inventory.UnitMilligram},
			TypeTincture:    {Stock: inventory.UnitMilliliter, Dosage: inventory.UnitMilliliter},
			TypeCapsule:     {Stock: inventory.UnitCount, Dosage: inventory.UnitMilligram},
			TypeOther:       {Stock: inventory.UnitCount, Dosage: inventory.UnitCount},
		},
		Fallback: inventory.UnitConfig{Stock: inventory.UnitCount, Dosage: inventory.UnitCount},
	}
}

// Types lists the item types a table knows, sorted.
func Types(t inventory.MapUnitTable) []inventory.ItemType {
	out := make([]inventory.ItemType, 0, len(t.Types))
	for k := range t.Types {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// YAML OVERRIDES
// =============================================================================

type unitsYAML struct {
	Stock  string `yaml:"stock"`
	Dosage string `yaml:"dosage"`
}

type tableYAML struct {
	Fallback *unitsYAML           `yaml:"fallback"`
	Types    map[string]unitsYAML `yaml:"types"`
}

// ParseTable merges YAML overrides on top of base. Units may be given by
// name or symbol; unknown units are rejected.
func ParseTable(data []byte, base inventory.MapUnitTable) (inventory.MapUnitTable, error) {
	var doc tableYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return inventory.MapUnitTable{}, fmt.Errorf("failed to parse unit table: %w", err)
	}

	out := inventory.MapUnitTable{
		Types:    make(map[inventory.ItemType]inventory.UnitConfig, len(base.Types)+len(doc.Types)),
		Fallback: base.Fallback,
	}
	for k, v := range base.Types {
		out.Types[k] = v
	}

	if doc.Fallback != nil {
		cfg, err := doc.Fallback.toConfig()
		if err != nil {
			return inventory.MapUnitTable{}, fmt.Errorf("fallback: %w", err)
		}
		out.Fallback = cfg
	}
	for name, u := range doc.Types {
		cfg, err := u.toConfig()
		if err != nil {
			return inventory.MapUnitTable{}, fmt.Errorf("type %s: %w", name, err)
		}
		out.Types[inventory.ItemType(name)] = cfg
	}
	return out, nil
}

// LoadTable reads a YAML override file. An empty path yields DefaultTable.
func LoadTable(path string) (inventory.MapUnitTable, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return inventory.MapUnitTable{}, fmt.Errorf("failed to read unit table: %w", err)
	}
	return ParseTable(data, DefaultTable())
}

func (u unitsYAML) toConfig() (inventory.UnitConfig, error) {
	stock, err := inventory.ParseUnit(u.Stock)
	if err != nil {
		return inventory.UnitConfig{}, err
	}
	dosage, err := inventory.ParseUnit(u.Dosage)
	if err != nil {
		return inventory.UnitConfig{}, err
	}
	return inventory.UnitConfig{Stock: stock, Dosage: dosage}, nil
}
