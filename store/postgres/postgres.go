/*
Package postgres provides a PostgreSQL implementation of inventory.TxStore.

PURPOSE:
  Same contract and schema as store/sqlite, for running the journal as a
  shared service. Uses a pgx connection pool; WithTx maps to a pgx
  transaction.

NUMERICS:
  Amounts and prices are NUMERIC columns, written and read as text so the
  decimal value survives exactly.

MIGRATIONS:
  Embedded SQL under migrations/, applied with goose through the pgx
  database/sql adapter.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      return err
  }
  defer store.Close()

SEE ALSO:
  - store/sqlite: Reference implementation and schema notes
*/
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"github.com/warp/stash-ledger/inventory"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	pool *pgxpool.Pool
}

// Compile-time check that Store implements inventory.TxStore
var _ inventory.TxStore = (*Store)(nil)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New connects, pings and migrates.
func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

func (s *Store) Close() {
	s.pool.Close()
}

// Reset clears all data.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE purchases, entries, items`)
	return err
}

// =============================================================================
// STORE
// =============================================================================

func (s *Store) SaveItem(ctx context.Context, item inventory.ItemRecord) error {
	return saveItem(ctx, s.pool, item)
}

func (s *Store) GetItem(ctx context.Context, id inventory.ItemID) (inventory.ItemRecord, error) {
	return getItem(ctx, s.pool, id)
}

func (s *Store) ListItems(ctx context.Context) ([]inventory.ItemRecord, error) {
	return listItems(ctx, s.pool)
}

func (s *Store) DeleteItem(ctx context.Context, id inventory.ItemID) error {
	return deleteItem(ctx, s.pool, id)
}

func (s *Store) LoadEntries(ctx context.Context, id inventory.ItemID) ([]inventory.Entry, error) {
	return loadEntries(ctx, s.pool, id)
}

func (s *Store) PutEntry(ctx context.Context, itemID inventory.ItemID, e inventory.Entry) error {
	return s.WithTx(ctx, func(tx inventory.Store) error {
		return tx.PutEntry(ctx, itemID, e)
	})
}

func (s *Store) DeleteEntry(ctx context.Context, itemID inventory.ItemID, id inventory.EntryID) error {
	return deleteEntry(ctx, s.pool, itemID, id)
}

// WithTx executes fn within a pgx transaction.
func (s *Store) WithTx(ctx context.Context, fn func(inventory.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) SaveItem(ctx context.Context, item inventory.ItemRecord) error {
	return saveItem(ctx, ts.tx, item)
}

func (ts *txStore) GetItem(ctx context.Context, id inventory.ItemID) (inventory.ItemRecord, error) {
	return getItem(ctx, ts.tx, id)
}

func (ts *txStore) ListItems(ctx context.Context) ([]inventory.ItemRecord, error) {
	return listItems(ctx, ts.tx)
}

func (ts *txStore) DeleteItem(ctx context.Context, id inventory.ItemID) error {
	return deleteItem(ctx, ts.tx, id)
}

func (ts *txStore) LoadEntries(ctx context.Context, id inventory.ItemID) ([]inventory.Entry, error) {
	return loadEntries(ctx, ts.tx, id)
}

func (ts *txStore) PutEntry(ctx context.Context, itemID inventory.ItemID, e inventory.Entry) error {
	return putEntry(ctx, ts.tx, itemID, e)
}

func (ts *txStore) DeleteEntry(ctx context.Context, itemID inventory.ItemID, id inventory.EntryID) error {
	return deleteEntry(ctx, ts.tx, itemID, id)
}

// =============================================================================
// QUERIES
// =============================================================================

func saveItem(ctx context.Context, q querier, item inventory.ItemRecord) error {
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := q.Exec(ctx, `
		INSERT INTO items (id, name, item_type, stock_unit, dosage_unit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			item_type = EXCLUDED.item_type,
			stock_unit = EXCLUDED.stock_unit,
			dosage_unit = EXCLUDED.dosage_unit
	`, string(item.ID), item.Name, string(item.Type), string(item.Units.Stock), string(item.Units.Dosage), createdAt)
	if err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

func getItem(ctx context.Context, q querier, id inventory.ItemID) (inventory.ItemRecord, error) {
	row := q.QueryRow(ctx, `
		SELECT id, name, item_type, stock_unit, dosage_unit, created_at
		FROM items WHERE id = $1
	`, string(id))
	rec, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.ItemRecord{}, &inventory.NotFoundError{ItemID: id}
	}
	return rec, err
}

func listItems(ctx context.Context, q querier) ([]inventory.ItemRecord, error) {
	rows, err := q.Query(ctx, `
		SELECT id, name, item_type, stock_unit, dosage_unit, created_at
		FROM items ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []inventory.ItemRecord
	for rows.Next() {
		rec, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func deleteItem(ctx context.Context, q querier, id inventory.ItemID) error {
	tag, err := q.Exec(ctx, `DELETE FROM items WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &inventory.NotFoundError{ItemID: id}
	}
	return nil
}

func scanItem(row pgx.Row) (inventory.ItemRecord, error) {
	var id, name, itemType, stock, dosage string
	var createdAt time.Time
	if err := row.Scan(&id, &name, &itemType, &stock, &dosage, &createdAt); err != nil {
		return inventory.ItemRecord{}, err
	}
	return inventory.ItemRecord{
		ID:        inventory.ItemID(id),
		Name:      name,
		Type:      inventory.ItemType(itemType),
		Units:     inventory.UnitConfig{Stock: inventory.Unit(stock), Dosage: inventory.Unit(dosage)},
		CreatedAt: createdAt,
	}, nil
}

func loadEntries(ctx context.Context, q querier, id inventory.ItemID) ([]inventory.Entry, error) {
	rows, err := q.Query(ctx, `
		SELECT e.id, e.seq, e.date, e.kind, e.amount_value::text, e.amount_unit,
		       e.update_inventory, e.session_ref, e.note, e.created_at,
		       p.entry_id, p.date, p.price::text, p.currency, p.brand,
		       p.location_name, p.location_address, p.location_lat, p.location_lng
		FROM entries e
		LEFT JOIN purchases p ON p.entry_id = e.id
		WHERE e.item_id = $1
		ORDER BY e.date ASC, e.seq ASC
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []inventory.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows pgx.Rows) (inventory.Entry, error) {
	var (
		id, kind                string
		seq                     int64
		date, createdAt         time.Time
		amountValue, amountUnit *string
		updateInventory         bool
		sessionRef, note        *string
		purchaseID              *string
		purchaseDate            *time.Time
		price, currency, brand  *string
		locName, locAddr        *string
		lat, lng                *float64
	)
	err := rows.Scan(
		&id, &seq, &date, &kind, &amountValue, &amountUnit,
		&updateInventory, &sessionRef, &note, &createdAt,
		&purchaseID, &purchaseDate, &price, &currency, &brand,
		&locName, &locAddr, &lat, &lng,
	)
	if err != nil {
		return inventory.Entry{}, fmt.Errorf("failed to scan entry: %w", err)
	}

	e := inventory.Entry{
		ID:              inventory.EntryID(id),
		Seq:             uint64(seq),
		Date:            date,
		Kind:            inventory.Kind(kind),
		UpdateInventory: updateInventory,
		SessionRef:      deref(sessionRef),
		Note:            deref(note),
		CreatedAt:       createdAt,
	}
	if amountValue != nil {
		a := inventory.NewAmountFromDecimal(parseDecimal(*amountValue), inventory.Unit(deref(amountUnit)))
		e.Amount = &a
	}
	if purchaseID != nil {
		rec := inventory.PurchaseRecord{
			Currency: deref(currency),
			Brand:    deref(brand),
		}
		if purchaseDate != nil {
			rec.Date = *purchaseDate
		}
		if price != nil {
			d := parseDecimal(*price)
			rec.Price = &d
		}
		if locName != nil || locAddr != nil || lat != nil {
			rec.Location = &inventory.Location{Name: deref(locName), Address: deref(locAddr)}
			if lat != nil {
				rec.Location.Lat = *lat
			}
			if lng != nil {
				rec.Location.Lng = *lng
			}
		}
		e.Purchase = &rec
	}
	return e, nil
}

func putEntry(ctx context.Context, q querier, itemID inventory.ItemID, e inventory.Entry) error {
	var value, unit *string
	if e.Amount != nil {
		v, u := e.Amount.Value.String(), string(e.Amount.Unit)
		value, unit = &v, &u
	}
	_, err := q.Exec(ctx, `
		INSERT INTO entries
		(id, item_id, seq, date, kind, amount_value, amount_unit, update_inventory, session_ref, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			date = EXCLUDED.date,
			amount_value = EXCLUDED.amount_value,
			amount_unit = EXCLUDED.amount_unit,
			update_inventory = EXCLUDED.update_inventory,
			session_ref = EXCLUDED.session_ref,
			note = EXCLUDED.note
	`,
		string(e.ID), string(itemID), int64(e.Seq), e.Date, string(e.Kind), value, unit,
		e.UpdateInventory, nullable(e.SessionRef), nullable(e.Note), e.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return &inventory.NotFoundError{ItemID: itemID}
		}
		return fmt.Errorf("failed to put entry: %w", err)
	}

	if _, err := q.Exec(ctx, `DELETE FROM purchases WHERE entry_id = $1`, string(e.ID)); err != nil {
		return fmt.Errorf("failed to replace purchase: %w", err)
	}
	if e.Purchase == nil {
		return nil
	}

	p := e.Purchase
	var price *string
	if p.Price != nil {
		v := p.Price.String()
		price = &v
	}
	var locName, locAddr *string
	var lat, lng *float64
	if p.Location != nil {
		locName, locAddr = nullable(p.Location.Name), nullable(p.Location.Address)
		lat, lng = &p.Location.Lat, &p.Location.Lng
	}
	_, err = q.Exec(ctx, `
		INSERT INTO purchases
		(entry_id, date, price, currency, brand, location_name, location_address, location_lat, location_lng)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9)
	`, string(e.ID), p.Date, price, nullable(p.Currency), nullable(p.Brand), locName, locAddr, lat, lng)
	if err != nil {
		return fmt.Errorf("failed to save purchase: %w", err)
	}
	return nil
}

func deleteEntry(ctx context.Context, q querier, itemID inventory.ItemID, id inventory.EntryID) error {
	tag, err := q.Exec(ctx, `DELETE FROM entries WHERE item_id = $1 AND id = $2`, string(itemID), string(id))
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &inventory.NotFoundError{ItemID: itemID, EntryID: id}
	}
	return nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
