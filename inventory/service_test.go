package inventory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stash-ledger/inventory"
	"github.com/warp/stash-ledger/inventory/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type recorder struct {
	mu           sync.Mutex
	ops          map[string]int
	failures     int
	inconsistent []inventory.ItemID
}

func (r *recorder) Mutation(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ops == nil {
		r.ops = make(map[string]int)
	}
	r.ops[op]++
	if err != nil {
		r.failures++
	}
}

func (r *recorder) Inconsistent(id inventory.ItemID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inconsistent = append(r.inconsistent, id)
}

func newTestService(t *testing.T) (*inventory.Service, *store.Memory, *recorder, *test.Hook) {
	t.Helper()
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	mem := store.NewMemory()
	svc := inventory.NewService(mem, testUnits, log)
	rec := &recorder{}
	svc.Metrics = rec
	return svc, mem, rec, hook
}

func createFlower(t *testing.T, svc *inventory.Service, id inventory.ItemID) {
	t.Helper()
	_, err := svc.CreateItem(context.Background(), inventory.NewItemInput{ID: id, Name: "Blue Dream", Type: "flower"})
	require.NoError(t, err)
}

// =============================================================================
// ITEMS
// =============================================================================

func TestService_CreateAndGetItem(t *testing.T) {
	svc, _, rec, _ := newTestService(t)
	ctx := context.Background()

	createFlower(t, svc, "bd")

	item, err := svc.GetItem(ctx, "bd")
	require.NoError(t, err)
	assert.Equal(t, "Blue Dream", item.Name)
	assert.Equal(t, inventory.UnitGram, item.Units.Stock)
	assert.Equal(t, 1, rec.ops[inventory.OpCreateItem])

	_, err = svc.GetItem(ctx, "missing")
	assert.ErrorIs(t, err, inventory.ErrItemNotFound)
}

func TestService_CreateItem_DuplicateID(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	createFlower(t, svc, "bd")

	_, err := svc.CreateItem(context.Background(), inventory.NewItemInput{ID: "bd", Name: "Other"})
	assert.ErrorIs(t, err, inventory.ErrItemExists)
	assert.True(t, inventory.IsClientError(err))
}

func TestService_DeleteItem_Cascades(t *testing.T) {
	svc, mem, _, _ := newTestService(t)
	ctx := context.Background()
	createFlower(t, svc, "bd")
	_, _, err := svc.RecordPurchase(ctx, "bd", inventory.PurchaseInput{Amount: inventory.AmountPtr(grams(1)), Date: jan(1)})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteItem(ctx, "bd"))

	entries, err := mem.LoadEntries(ctx, "bd")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.ErrorIs(t, svc.DeleteItem(ctx, "bd"), inventory.ErrItemNotFound)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestService_JanuaryScenario_Persisted(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	createFlower(t, svc, "bd")

	_, _, err := svc.RecordPurchase(ctx, "bd", inventory.PurchaseInput{Amount: inventory.AmountPtr(grams(10)), Date: jan(1)})
	require.NoError(t, err)
	_, _, err = svc.RecordConsumption(ctx, "bd", inventory.ConsumptionInput{Amount: grams(3), Date: jan(5)})
	require.NoError(t, err)
	_, _, err = svc.SetBalance(ctx, "bd", grams(4), jan(10), "")
	require.NoError(t, err)
	_, bal, err := svc.RecordConsumption(ctx, "bd", inventory.ConsumptionInput{Amount: grams(1), Date: jan(15)})
	require.NoError(t, err)
	assertGrams(t, 3, bal.Amount)

	// Reloaded from the store
	bal, err = svc.Balance(ctx, "bd", jan(0))
	require.NoError(t, err)
	assert.True(t, bal.Amount.IsZero(), "nothing dated on or before Dec 31")

	bal, err = svc.Balance(ctx, "bd", jan(7))
	require.NoError(t, err)
	assertGrams(t, 7, bal.Amount)

	bal, err = svc.Balance(ctx, "bd", jan(0).AddDate(1, 0, 0))
	require.NoError(t, err)
	assertGrams(t, 3, bal.Amount)
}

func TestService_RejectedMutationWritesNothing(t *testing.T) {
	svc, mem, rec, _ := newTestService(t)
	ctx := context.Background()
	createFlower(t, svc, "bd")

	_, _, err := svc.RecordConsumption(ctx, "bd", inventory.ConsumptionInput{Amount: grams(-2), Date: jan(1)})
	assert.ErrorIs(t, err, inventory.ErrValidation)

	entries, err := mem.LoadEntries(ctx, "bd")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 1, rec.failures)

	_, _, err = svc.RecordPurchase(ctx, "missing", inventory.PurchaseInput{Date: jan(1)})
	assert.ErrorIs(t, err, inventory.ErrItemNotFound)
}

func TestService_EditAndDeleteEntry(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	createFlower(t, svc, "bd")

	p, _, err := svc.RecordPurchase(ctx, "bd", inventory.PurchaseInput{Amount: inventory.AmountPtr(grams(10)), Date: jan(1)})
	require.NoError(t, err)

	_, bal, err := svc.EditEntry(ctx, "bd", p.ID, inventory.EntryPatch{Amount: inventory.AmountPtr(grams(7))})
	require.NoError(t, err)
	assertGrams(t, 7, bal.Amount)

	item, err := svc.GetItem(ctx, "bd")
	require.NoError(t, err)
	assertGrams(t, 7, item.Balance().Amount)

	bal, err = svc.DeleteEntry(ctx, "bd", p.ID)
	require.NoError(t, err)
	assert.True(t, bal.Amount.IsZero())

	_, err = svc.DeleteEntry(ctx, "bd", p.ID)
	assert.ErrorIs(t, err, inventory.ErrEntryNotFound)
}

func TestService_RemoveSession(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	createFlower(t, svc, "bd")

	_, _, err := svc.RecordPurchase(ctx, "bd", inventory.PurchaseInput{Amount: inventory.AmountPtr(grams(2)), Date: jan(1)})
	require.NoError(t, err)
	_, _, err = svc.RecordConsumption(ctx, "bd", inventory.ConsumptionInput{Amount: grams(0.5), SessionRef: "s-1", Date: jan(2)})
	require.NoError(t, err)

	removed, bal, err := svc.RemoveSession(ctx, "bd", "s-1")
	require.NoError(t, err)
	assert.Len(t, removed, 1)
	assertGrams(t, 2, bal.Amount)

	item, err := svc.GetItem(ctx, "bd")
	require.NoError(t, err)
	assert.Len(t, item.Entries(), 1)
}

func TestService_ChangeUnits(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	createFlower(t, svc, "bd")
	_, _, err := svc.RecordPurchase(ctx, "bd", inventory.PurchaseInput{Amount: inventory.AmountPtr(grams(10)), Date: jan(1)})
	require.NoError(t, err)

	mg := inventory.UnitMilligram
	item, bal, err := svc.ChangeUnits(ctx, "bd", &mg, nil)
	require.NoError(t, err)
	assert.Equal(t, inventory.UnitMilligram, item.Units.Stock)
	assert.Equal(t, inventory.UnitGram, item.Units.Dosage)
	assert.Equal(t, "10 mg", bal.Amount.String(), "history is relabeled, not converted")

	bad := inventory.Unit("pinch")
	item, _, err = svc.ChangeUnits(ctx, "bd", nil, &bad)
	assert.ErrorIs(t, err, inventory.ErrValidation)
	assert.Nil(t, item)

	stored, err := svc.GetItem(ctx, "bd")
	require.NoError(t, err)
	assert.Equal(t, inventory.UnitMilligram, stored.Units.Stock)
}

func TestService_InconsistentBalance_IsReported(t *testing.T) {
	svc, _, rec, hook := newTestService(t)
	ctx := context.Background()
	createFlower(t, svc, "bd")

	_, _, err := svc.RecordPurchase(ctx, "bd", inventory.PurchaseInput{Amount: inventory.AmountPtr(grams(1)), Date: jan(1)})
	require.NoError(t, err)

	// WHEN: more is consumed than was bought
	_, bal, err := svc.RecordConsumption(ctx, "bd", inventory.ConsumptionInput{Amount: grams(2), Date: jan(2)})

	// THEN: the call succeeds, the advisory is recorded and logged
	require.NoError(t, err)
	assert.True(t, bal.Inconsistent())
	assert.Equal(t, []inventory.ItemID{"bd"}, rec.inconsistent)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = true
			assert.Equal(t, inventory.ItemID("bd"), e.Data["item_id"])
		}
	}
	assert.True(t, warned, "expected a warning log")
}

func TestService_ConcurrentMutations(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	createFlower(t, svc, "bd")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.RecordAdjustment(ctx, "bd", grams(0.5), jan(1), "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	bal, err := svc.Balance(ctx, "bd", time.Time{})
	require.NoError(t, err)
	assertGrams(t, 10, bal.Amount)
}

// failingStore fails every entry write, to exercise rollback.
type failingStore struct {
	*store.Memory
}

var errDiskFull = errors.New("disk full")

func (f failingStore) WithTx(ctx context.Context, fn func(inventory.Store) error) error {
	return f.Memory.WithTx(ctx, func(tx inventory.Store) error {
		return fn(failingTx{tx})
	})
}

type failingTx struct {
	inventory.Store
}

func (failingTx) PutEntry(context.Context, inventory.ItemID, inventory.Entry) error {
	return errDiskFull
}

func TestService_StoreErrorIsReturned(t *testing.T) {
	mem := store.NewMemory()
	svc := inventory.NewService(failingStore{mem}, testUnits, nil)
	ctx := context.Background()

	_, err := svc.CreateItem(ctx, inventory.NewItemInput{ID: "bd", Name: "Blue Dream", Type: "flower"})
	require.NoError(t, err)

	_, _, err = svc.RecordPurchase(ctx, "bd", inventory.PurchaseInput{Amount: inventory.AmountPtr(grams(1)), Date: jan(1)})
	assert.ErrorIs(t, err, errDiskFull)
	assert.False(t, inventory.IsClientError(err))
}
