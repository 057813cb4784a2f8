/*
store.go - Persistence interface for items and entries

PURPOSE:
  Defines the boundary between the ledger and durable storage. The ledger
  never autosaves: Service loads an item, mutates the aggregate in memory
  and commits the resulting changes through WithTx.

MUTABLE HISTORY:
  Unlike an append-only journal, stash entries are edited and deleted by
  the user. The Store therefore exposes upsert (PutEntry) and delete.
  Deleting an item cascades to its entries.

ORDERING:
  LoadEntries returns entries ordered by (date, seq). The balance fold
  re-sorts anyway, so a store that cannot order is still correct.

IMPLEMENTATIONS:
  - inventory/store/memory.go: In-memory for tests and dev
  - store/sqlite: SQLite (default, on-device)
  - store/postgres: PostgreSQL via pgx

SEE ALSO:
  - service.go: The only writer
*/
package inventory

import "context"

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// SaveItem inserts or updates an item header.
	SaveItem(ctx context.Context, item ItemRecord) error

	// GetItem returns ErrItemNotFound (via *NotFoundError) when missing.
	GetItem(ctx context.Context, id ItemID) (ItemRecord, error)

	ListItems(ctx context.Context) ([]ItemRecord, error)

	// DeleteItem removes the item and all of its entries.
	DeleteItem(ctx context.Context, id ItemID) error

	// LoadEntries returns the item's entries ordered by date, then seq.
	LoadEntries(ctx context.Context, id ItemID) ([]Entry, error)

	// PutEntry inserts or replaces an entry by ID.
	PutEntry(ctx context.Context, itemID ItemID, e Entry) error

	// DeleteEntry returns ErrEntryNotFound (via *NotFoundError) when missing.
	DeleteEntry(ctx context.Context, itemID ItemID, id EntryID) error
}

// TxStore adds the transactional commit.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the given Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// LoadItem reads an item header and its entries and rebuilds the aggregate.
func LoadItem(ctx context.Context, s Store, id ItemID) (*Item, error) {
	rec, err := s.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := s.LoadEntries(ctx, id)
	if err != nil {
		return nil, err
	}
	return RestoreItem(rec, entries), nil
}
