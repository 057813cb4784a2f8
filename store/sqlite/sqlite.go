/*
Package sqlite provides a SQLite-backed implementation of inventory.TxStore.

PURPOSE:
  The default durable store: one file on the device. Implements the
  mutable-history contract of inventory.Store (upsert and delete of
  entries, cascading item delete) with real transactions for WithTx.

KEY TABLES:
  items:     Item headers and unit configuration
  entries:   Ledger entries (mutable; ON DELETE CASCADE from items)
  purchases: Purchase metadata, one-to-one with purchase entries

INDEXES:
  - idx_entries_item_date_seq: Fold order (hot path)
  - idx_entries_session: Session cleanup

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so that text ordering
  equals time ordering.

MIGRATIONS:
  Versioned SQL under migrations/, embedded and applied with goose on New().

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WithTx holds the write lock for the
  whole transaction and routes every call through the *sql.Tx.

USAGE:
  store, err := sqlite.New("./data/stash.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := inventory.NewService(store, catalog.DefaultTable(), logger)

SEE ALSO:
  - inventory/store.go: Interface definitions
  - inventory/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"github.com/warp/stash-ledger/inventory"
)

//go:embed migrations/*.sql
var migrations embed.FS

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements inventory.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Compile-time check that Store implements inventory.TxStore
var _ inventory.TxStore = (*Store)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := Migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reset clears all data. Used by tests and the demo loader.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM purchases; DELETE FROM entries; DELETE FROM items;`)
	return err
}

// =============================================================================
// ITEMS
// =============================================================================

func (s *Store) SaveItem(ctx context.Context, item inventory.ItemRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveItem(ctx, s.db, item)
}

func (s *Store) GetItem(ctx context.Context, id inventory.ItemID) (inventory.ItemRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.db, id)
}

func (s *Store) ListItems(ctx context.Context) ([]inventory.ItemRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listItems(ctx, s.db)
}

func (s *Store) DeleteItem(ctx context.Context, id inventory.ItemID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteItem(ctx, s.db, id)
}

func saveItem(ctx context.Context, q querier, item inventory.ItemRecord) error {
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO items (id, name, item_type, stock_unit, dosage_unit, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			item_type = excluded.item_type,
			stock_unit = excluded.stock_unit,
			dosage_unit = excluded.dosage_unit
	`, item.ID, item.Name, item.Type, item.Units.Stock, item.Units.Dosage, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

func getItem(ctx context.Context, q querier, id inventory.ItemID) (inventory.ItemRecord, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, name, item_type, stock_unit, dosage_unit, created_at
		FROM items WHERE id = ?
	`, id)
	rec, err := scanItem(row)
	if err == sql.ErrNoRows {
		return inventory.ItemRecord{}, &inventory.NotFoundError{ItemID: id}
	}
	return rec, err
}

func listItems(ctx context.Context, q querier) ([]inventory.ItemRecord, error) {
	rows, err := q.QueryContext(ctx, `
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
	res, err := q.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &inventory.NotFoundError{ItemID: id}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (inventory.ItemRecord, error) {
	var (
		rec       inventory.ItemRecord
		createdAt string
	)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Type, &rec.Units.Stock, &rec.Units.Dosage, &createdAt); err != nil {
		return rec, err
	}
	rec.CreatedAt = parseTime(createdAt)
	return rec, nil
}

// =============================================================================
// ENTRIES
// =============================================================================

func (s *Store) LoadEntries(ctx context.Context, id inventory.ItemID) ([]inventory.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadEntries(ctx, s.db, id)
}

func (s *Store) PutEntry(ctx context.Context, itemID inventory.ItemID, e inventory.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := putEntry(ctx, sqlTx, itemID, e); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) DeleteEntry(ctx context.Context, itemID inventory.ItemID, id inventory.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteEntry(ctx, s.db, itemID, id)
}

func loadEntries(ctx context.Context, q querier, id inventory.ItemID) ([]inventory.Entry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT e.id, e.seq, e.date, e.kind, e.amount_value, e.amount_unit,
		       e.update_inventory, e.session_ref, e.note, e.created_at,
		       p.entry_id, p.date, p.price, p.currency, p.brand,
		       p.location_name, p.location_address, p.location_lat, p.location_lng
		FROM entries e
		LEFT JOIN purchases p ON p.entry_id = e.id
		WHERE e.item_id = ?
		ORDER BY e.date ASC, e.seq ASC
	`, id)
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

func putEntry(ctx context.Context, q querier, itemID inventory.ItemID, e inventory.Entry) error {
	var value, unit sql.NullString
	if e.Amount != nil {
		value = sql.NullString{String: e.Amount.Value.String(), Valid: true}
		unit = sql.NullString{String: string(e.Amount.Unit), Valid: true}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO entries
		(id, item_id, seq, date, kind, amount_value, amount_unit, update_inventory, session_ref, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			date = excluded.date,
			amount_value = excluded.amount_value,
			amount_unit = excluded.amount_unit,
			update_inventory = excluded.update_inventory,
			session_ref = excluded.session_ref,
			note = excluded.note
	`,
		e.ID, itemID, e.Seq, formatTime(e.Date), e.Kind, value, unit,
		e.UpdateInventory, nullString(e.SessionRef), nullString(e.Note), formatTime(e.CreatedAt),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return &inventory.NotFoundError{ItemID: itemID}
		}
		return fmt.Errorf("failed to put entry: %w", err)
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM purchases WHERE entry_id = ?`, e.ID); err != nil {
		return fmt.Errorf("failed to replace purchase: %w", err)
	}
	if e.Purchase == nil {
		return nil
	}

	p := e.Purchase
	var price sql.NullString
	if p.Price != nil {
		price = sql.NullString{String: p.Price.String(), Valid: true}
	}
	var locName, locAddr sql.NullString
	var lat, lng sql.NullFloat64
	if p.Location != nil {
		locName = nullString(p.Location.Name)
		locAddr = nullString(p.Location.Address)
		lat = sql.NullFloat64{Float64: p.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: p.Location.Lng, Valid: true}
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO purchases
		(entry_id, date, price, currency, brand, location_name, location_address, location_lat, location_lng)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, formatTime(p.Date), price, nullString(p.Currency), nullString(p.Brand), locName, locAddr, lat, lng)
	if err != nil {
		return fmt.Errorf("failed to save purchase: %w", err)
	}
	return nil
}

func deleteEntry(ctx context.Context, q querier, itemID inventory.ItemID, id inventory.EntryID) error {
	res, err := q.ExecContext(ctx, `DELETE FROM entries WHERE item_id = ? AND id = ?`, itemID, id)
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &inventory.NotFoundError{ItemID: itemID, EntryID: id}
	}
	return nil
}

func scanEntry(rows *sql.Rows) (inventory.Entry, error) {
	var (
		e                        inventory.Entry
		date, createdAt          string
		amountValue, amountUnit  sql.NullString
		sessionRef, note         sql.NullString
		purchaseID, purchaseDate sql.NullString
		price, currency, brand   sql.NullString
		locName, locAddr         sql.NullString
		lat, lng                 sql.NullFloat64
	)

	err := rows.Scan(
		&e.ID, &e.Seq, &date, &e.Kind, &amountValue, &amountUnit,
		&e.UpdateInventory, &sessionRef, &note, &createdAt,
		&purchaseID, &purchaseDate, &price, &currency, &brand,
		&locName, &locAddr, &lat, &lng,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.Date = parseTime(date)
	e.CreatedAt = parseTime(createdAt)
	e.SessionRef = sessionRef.String
	e.Note = note.String
	if amountValue.Valid {
		a := inventory.NewAmountFromDecimal(parseDecimal(amountValue.String), inventory.Unit(amountUnit.String))
		e.Amount = &a
	}

	if purchaseID.Valid {
		rec := inventory.PurchaseRecord{
			Date:     parseTime(purchaseDate.String),
			Currency: currency.String,
			Brand:    brand.String,
		}
		if price.Valid {
			d := parseDecimal(price.String)
			rec.Price = &d
		}
		if locName.Valid || locAddr.Valid || lat.Valid {
			rec.Location = &inventory.Location{
				Name:    locName.String,
				Address: locAddr.String,
				Lat:     lat.Float64,
				Lng:     lng.Float64,
			}
		}
		e.Purchase = &rec
	}
	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE (inventory.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store inventory.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
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

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
