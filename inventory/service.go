/*
service.go - Load, mutate, commit

PURPOSE:
  Service is what the HTTP layer and the CLI talk to. For each call it:
    1. Takes the per-item lock (at most one mutator per item)
    2. Opens a store transaction and loads the item
    3. Runs the aggregate mutation (all validation lives in item.go)
    4. Writes the changed header/entries and commits
  Any error rolls the transaction back and is returned unchanged.

OBSERVABILITY:
  Every mutation is logged with logrus. A balance that folds negative is
  logged as a warning and reported to the Recorder; it never fails the call.

SEE ALSO:
  - item.go: Mutation contract
  - store.go: TxStore
  - metrics package: Prometheus Recorder
*/
package inventory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Recorder receives mutation outcomes. The metrics package implements it.
type Recorder interface {
	Mutation(op string, err error)
	Inconsistent(id ItemID)
}

type nopRecorder struct{}

func (nopRecorder) Mutation(string, error) {}
func (nopRecorder) Inconsistent(ItemID)    {}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Store   TxStore
	Units   UnitTable
	Log     logrus.FieldLogger
	Metrics Recorder

	mu    sync.Mutex
	locks map[ItemID]*sync.Mutex
}

func NewService(store TxStore, units UnitTable, log logrus.FieldLogger) *Service {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	return &Service{
		Store:   store,
		Units:   units,
		Log:     log,
		Metrics: nopRecorder{},
		locks:   make(map[ItemID]*sync.Mutex),
	}
}

// Mutation ops, used as log fields and metric labels.
const (
	OpCreateItem    = "create_item"
	OpDeleteItem    = "delete_item"
	OpChangeUnits   = "change_units"
	OpPurchase      = "purchase"
	OpConsumption   = "consumption"
	OpAdjustment    = "adjustment"
	OpSet           = "set"
	OpEditEntry     = "edit_entry"
	OpDeleteEntry   = "delete_entry"
	OpRemoveSession = "remove_session"
)

// =============================================================================
// ITEMS
// =============================================================================

func (s *Service) CreateItem(ctx context.Context, in NewItemInput) (*Item, error) {
	item, err := NewItem(in, s.Units)
	if err == nil {
		err = s.Store.WithTx(ctx, func(tx Store) error {
			if _, err := tx.GetItem(ctx, item.ID); err == nil {
				return fmt.Errorf("%w: %s", ErrItemExists, item.ID)
			} else if !IsNotFound(err) {
				return err
			}
			return tx.SaveItem(ctx, item.Record())
		})
	}
	s.Metrics.Mutation(OpCreateItem, err)
	if err != nil {
		return nil, err
	}
	s.Log.WithFields(logrus.Fields{
		"item_id":     item.ID,
		"type":        item.Type,
		"stock_unit":  item.Units.Stock,
		"dosage_unit": item.Units.Dosage,
	}).Info("item created")
	return item, nil
}

func (s *Service) GetItem(ctx context.Context, id ItemID) (*Item, error) {
	return LoadItem(ctx, s.Store, id)
}

func (s *Service) ListItems(ctx context.Context) ([]*Item, error) {
	recs, err := s.Store.ListItems(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]*Item, 0, len(recs))
	for _, rec := range recs {
		entries, err := s.Store.LoadEntries(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		items = append(items, RestoreItem(rec, entries))
	}
	return items, nil
}

// DeleteItem removes the item and cascades to its entries.
func (s *Service) DeleteItem(ctx context.Context, id ItemID) error {
	unlock := s.lock(id)
	defer unlock()

	err := s.Store.WithTx(ctx, func(tx Store) error {
		return tx.DeleteItem(ctx, id)
	})
	s.Metrics.Mutation(OpDeleteItem, err)
	if err == nil {
		s.Log.WithField("item_id", id).Info("item deleted")
	}
	return err
}

// ChangeUnits relabels stock and/or dosage units without converting history.
func (s *Service) ChangeUnits(ctx context.Context, id ItemID, stock, dosage *Unit) (*Item, Balance, error) {
	var item *Item
	c, err := s.mutate(ctx, id, OpChangeUnits, func(it *Item) (change, error) {
		if stock != nil {
			if err := it.SetStockUnit(*stock); err != nil {
				return change{}, err
			}
		}
		if dosage != nil {
			if err := it.SetDosageUnit(*dosage); err != nil {
				return change{}, err
			}
		}
		item = it
		return change{header: true, balance: it.Balance()}, nil
	})
	if err != nil {
		return nil, Balance{}, err
	}
	return item, c.balance, nil
}

// Balance folds the item's entries, as of at when non-zero.
func (s *Service) Balance(ctx context.Context, id ItemID, at time.Time) (Balance, error) {
	item, err := LoadItem(ctx, s.Store, id)
	if err != nil {
		return Balance{}, err
	}
	if at.IsZero() {
		return item.Balance(), nil
	}
	return item.BalanceAt(at), nil
}

// =============================================================================
// LEDGER MUTATIONS
// =============================================================================

func (s *Service) RecordPurchase(ctx context.Context, id ItemID, in PurchaseInput) (Entry, Balance, error) {
	return s.record(ctx, id, OpPurchase, func(it *Item) (Entry, Balance, error) {
		return it.RecordPurchase(in)
	})
}

func (s *Service) RecordConsumption(ctx context.Context, id ItemID, in ConsumptionInput) (Entry, Balance, error) {
	return s.record(ctx, id, OpConsumption, func(it *Item) (Entry, Balance, error) {
		return it.RecordConsumption(in)
	})
}

func (s *Service) RecordAdjustment(ctx context.Context, id ItemID, delta Amount, date time.Time, note string) (Entry, Balance, error) {
	return s.record(ctx, id, OpAdjustment, func(it *Item) (Entry, Balance, error) {
		return it.RecordAdjustment(delta, date, note)
	})
}

func (s *Service) SetBalance(ctx context.Context, id ItemID, amount Amount, date time.Time, note string) (Entry, Balance, error) {
	return s.record(ctx, id, OpSet, func(it *Item) (Entry, Balance, error) {
		return it.SetBalance(amount, date, note)
	})
}

func (s *Service) EditEntry(ctx context.Context, id ItemID, entryID EntryID, patch EntryPatch) (Entry, Balance, error) {
	return s.record(ctx, id, OpEditEntry, func(it *Item) (Entry, Balance, error) {
		return it.EditEntry(entryID, patch)
	})
}

func (s *Service) DeleteEntry(ctx context.Context, id ItemID, entryID EntryID) (Balance, error) {
	c, err := s.mutate(ctx, id, OpDeleteEntry, func(it *Item) (change, error) {
		bal, err := it.DeleteEntry(entryID)
		if err != nil {
			return change{}, err
		}
		return change{deleted: []EntryID{entryID}, balance: bal}, nil
	})
	return c.balance, err
}

// RemoveSession deletes the consumption entries a session produced.
func (s *Service) RemoveSession(ctx context.Context, id ItemID, ref string) ([]EntryID, Balance, error) {
	c, err := s.mutate(ctx, id, OpRemoveSession, func(it *Item) (change, error) {
		removed, bal, err := it.RemoveSessionEntries(ref)
		if err != nil {
			return change{}, err
		}
		return change{deleted: removed, balance: bal}, nil
	})
	return c.deleted, c.balance, err
}

// =============================================================================
// PLUMBING
// =============================================================================

type change struct {
	header  bool
	put     []Entry
	deleted []EntryID
	balance Balance
}

func (s *Service) record(ctx context.Context, id ItemID, op string, fn func(*Item) (Entry, Balance, error)) (Entry, Balance, error) {
	c, err := s.mutate(ctx, id, op, func(it *Item) (change, error) {
		e, bal, err := fn(it)
		if err != nil {
			return change{}, err
		}
		return change{put: []Entry{e}, balance: bal}, nil
	})
	if err != nil {
		return Entry{}, Balance{}, err
	}
	return c.put[0], c.balance, nil
}

func (s *Service) mutate(ctx context.Context, id ItemID, op string, fn func(*Item) (change, error)) (change, error) {
	unlock := s.lock(id)
	defer unlock()

	var out change
	err := s.Store.WithTx(ctx, func(tx Store) error {
		item, err := LoadItem(ctx, tx, id)
		if err != nil {
			return err
		}
		c, err := fn(item)
		if err != nil {
			return err
		}
		if c.header {
			if err := tx.SaveItem(ctx, item.Record()); err != nil {
				return err
			}
		}
		for _, e := range c.put {
			if err := tx.PutEntry(ctx, id, e); err != nil {
				return err
			}
		}
		for _, entryID := range c.deleted {
			if err := tx.DeleteEntry(ctx, id, entryID); err != nil {
				return err
			}
		}
		out = c
		return nil
	})

	s.Metrics.Mutation(op, err)
	log := s.Log.WithFields(logrus.Fields{"item_id": id, "op": op})
	if err != nil {
		log.WithError(err).Debug("mutation rejected")
		return change{}, err
	}
	if len(out.put) == 1 {
		log = log.WithField("entry_id", out.put[0].ID)
	}
	log.WithField("balance", out.balance.Amount.String()).Info("ledger updated")
	if adv := out.balance.Advisory(); adv != nil {
		s.Metrics.Inconsistent(id)
		log.WithError(adv).Warn("balance below zero")
	}
	return out, nil
}

// lock serializes mutations of one item and returns the unlock func.
func (s *Service) lock(id ItemID) func() {
	s.mu.Lock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}
