// Package store provides in-process Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/stash-ledger/inventory"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	items   map[inventory.ItemID]inventory.ItemRecord
	entries map[inventory.ItemID][]inventory.Entry
}

// Compile-time check that Memory implements inventory.TxStore
var _ inventory.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		items:   make(map[inventory.ItemID]inventory.ItemRecord),
		entries: make(map[inventory.ItemID][]inventory.Entry),
	}
}

func (m *Memory) SaveItem(_ context.Context, item inventory.ItemRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveItemLocked(item)
	return nil
}

func (m *Memory) GetItem(_ context.Context, id inventory.ItemID) (inventory.ItemRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getItemLocked(id)
}

func (m *Memory) ListItems(_ context.Context) ([]inventory.ItemRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listItemsLocked(), nil
}

func (m *Memory) DeleteItem(_ context.Context, id inventory.ItemID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteItemLocked(id)
}

func (m *Memory) LoadEntries(_ context.Context, id inventory.ItemID) ([]inventory.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadEntriesLocked(id), nil
}

func (m *Memory) PutEntry(_ context.Context, itemID inventory.ItemID, e inventory.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putEntryLocked(itemID, e)
}

func (m *Memory) DeleteEntry(_ context.Context, itemID inventory.ItemID, id inventory.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteEntryLocked(itemID, id)
}

// =============================================================================
// LOCKED HELPERS
// =============================================================================

func (m *Memory) saveItemLocked(item inventory.ItemRecord) {
	m.items[item.ID] = item
}

func (m *Memory) getItemLocked(id inventory.ItemID) (inventory.ItemRecord, error) {
	rec, ok := m.items[id]
	if !ok {
		return inventory.ItemRecord{}, &inventory.NotFoundError{ItemID: id}
	}
	return rec, nil
}

func (m *Memory) listItemsLocked() []inventory.ItemRecord {
	out := make([]inventory.ItemRecord, 0, len(m.items))
	for _, rec := range m.items {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) deleteItemLocked(id inventory.ItemID) error {
	if _, ok := m.items[id]; !ok {
		return &inventory.NotFoundError{ItemID: id}
	}
	delete(m.items, id)
	delete(m.entries, id)
	return nil
}

func (m *Memory) loadEntriesLocked(id inventory.ItemID) []inventory.Entry {
	result := make([]inventory.Entry, len(m.entries[id]))
	copy(result, m.entries[id])
	return result
}

func (m *Memory) putEntryLocked(itemID inventory.ItemID, e inventory.Entry) error {
	if _, ok := m.items[itemID]; !ok {
		return &inventory.NotFoundError{ItemID: itemID}
	}
	entries := m.entries[itemID]
	for i := range entries {
		if entries[i].ID == e.ID {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}

	// Binary search for the insertion point in (date, seq) order
	i := sort.Search(len(entries), func(i int) bool {
		if entries[i].Date.Equal(e.Date) {
			return entries[i].Seq > e.Seq
		}
		return entries[i].Date.After(e.Date)
	})
	entries = append(entries, inventory.Entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	m.entries[itemID] = entries
	return nil
}

func (m *Memory) deleteEntryLocked(itemID inventory.ItemID, id inventory.EntryID) error {
	entries := m.entries[itemID]
	for i := range entries {
		if entries[i].ID == id {
			m.entries[itemID] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return &inventory.NotFoundError{ItemID: itemID, EntryID: id}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(inventory.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.items = snapshot.items
		m.entries = snapshot.entries
		return err
	}
	return nil
}

type memorySnapshot struct {
	items   map[inventory.ItemID]inventory.ItemRecord
	entries map[inventory.ItemID][]inventory.Entry
}

func (m *Memory) snapshot() memorySnapshot {
	items := make(map[inventory.ItemID]inventory.ItemRecord, len(m.items))
	for k, v := range m.items {
		items[k] = v
	}
	entries := make(map[inventory.ItemID][]inventory.Entry, len(m.entries))
	for k, v := range m.entries {
		entries[k] = append([]inventory.Entry{}, v...)
	}
	return memorySnapshot{items: items, entries: entries}
}

// txView runs against the parent while WithTx holds its lock.
type txView struct {
	parent *Memory
}

func (tv *txView) SaveItem(_ context.Context, item inventory.ItemRecord) error {
	tv.parent.saveItemLocked(item)
	return nil
}

func (tv *txView) GetItem(_ context.Context, id inventory.ItemID) (inventory.ItemRecord, error) {
	return tv.parent.getItemLocked(id)
}

func (tv *txView) ListItems(_ context.Context) ([]inventory.ItemRecord, error) {
	return tv.parent.listItemsLocked(), nil
}

func (tv *txView) DeleteItem(_ context.Context, id inventory.ItemID) error {
	return tv.parent.deleteItemLocked(id)
}

func (tv *txView) LoadEntries(_ context.Context, id inventory.ItemID) ([]inventory.Entry, error) {
	return tv.parent.loadEntriesLocked(id), nil
}

func (tv *txView) PutEntry(_ context.Context, itemID inventory.ItemID, e inventory.Entry) error {
	return tv.parent.putEntryLocked(itemID, e)
}

func (tv *txView) DeleteEntry(_ context.Context, itemID inventory.ItemID, id inventory.EntryID) error {
	return tv.parent.deleteEntryLocked(itemID, id)
}
