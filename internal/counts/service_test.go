package counts

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/internal/vouchers"
)

// memoryStore backs the count repository, the voucher repository and the
// ledger transaction at once, mirroring how everything shares one database
// transaction in production. WithTx snapshots the mutable state and restores
// it on error, so rollback semantics hold in tests.
type memoryStore struct {
	stores   map[int64]int64 // store -> branch
	items    map[int64]string
	markers  map[string]ledger.StoreItem
	seqs     map[string]int64
	vouchers map[int64]*vouchers.Voucher
	counts   map[int64]*Count
	nextID   int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		stores:   map[int64]int64{},
		items:    map[int64]string{},
		markers:  map[string]ledger.StoreItem{},
		seqs:     map[string]int64{},
		vouchers: map[int64]*vouchers.Voucher{},
		counts:   map[int64]*Count{},
	}
}

func markerKey(storeID, itemID int64) string {
	return fmt.Sprintf("%d:%d", storeID, itemID)
}

func (m *memoryStore) addStore(id, branchID int64) {
	m.stores[id] = branchID
}

func (m *memoryStore) addItem(id int64, code string) {
	m.items[id] = code
}

// receive seeds stock by inserting a receipt voucher directly, marker
// included.
func (m *memoryStore) receive(storeID, itemID, qty int64) {
	m.nextID++
	m.vouchers[m.nextID] = &vouchers.Voucher{
		ID:      m.nextID,
		Type:    vouchers.TypeReceipt,
		StoreID: storeID,
		Lines:   []vouchers.Line{{ItemID: itemID, Quantity: qty}},
	}
	key := markerKey(storeID, itemID)
	if _, ok := m.markers[key]; !ok {
		m.markers[key] = ledger.StoreItem{StoreID: storeID, ItemID: itemID}
	}
}

func (m *memoryStore) issue(storeID, itemID, qty int64) {
	m.nextID++
	m.vouchers[m.nextID] = &vouchers.Voucher{
		ID:      m.nextID,
		Type:    vouchers.TypeIssue,
		StoreID: storeID,
		Lines:   []vouchers.Line{{ItemID: itemID, Quantity: qty}},
	}
}

func (m *memoryStore) snapshot() *memoryStore {
	cp := newMemoryStore()
	cp.nextID = m.nextID
	for k, v := range m.stores {
		cp.stores[k] = v
	}
	for k, v := range m.items {
		cp.items[k] = v
	}
	for k, v := range m.markers {
		cp.markers[k] = v
	}
	for k, v := range m.seqs {
		cp.seqs[k] = v
	}
	for k, v := range m.vouchers {
		voucher := *v
		voucher.Lines = append([]vouchers.Line(nil), v.Lines...)
		cp.vouchers[k] = &voucher
	}
	for k, v := range m.counts {
		count := *v
		count.Items = append([]CountItem(nil), v.Items...)
		cp.counts[k] = &count
	}
	return cp
}

func (m *memoryStore) restore(from *memoryStore) {
	m.stores = from.stores
	m.items = from.items
	m.markers = from.markers
	m.seqs = from.seqs
	m.vouchers = from.vouchers
	m.counts = from.counts
	m.nextID = from.nextID
}

// WithTx implements RepositoryPort with rollback-on-error.
func (m *memoryStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	before := m.snapshot()
	if err := fn(ctx, m); err != nil {
		m.restore(before)
		return err
	}
	return nil
}

func (m *memoryStore) Get(ctx context.Context, id int64) (Count, error) {
	c, ok := m.counts[id]
	if !ok {
		return Count{}, shared.ErrNotFound
	}
	return *c, nil
}

func (m *memoryStore) List(ctx context.Context, filter ListFilter) ([]Count, int, error) {
	var out []Count
	for _, c := range m.counts {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, *c)
	}
	return out, len(out), nil
}

func (m *memoryStore) NextCode(ctx context.Context, companyID int64) (string, error) {
	key := fmt.Sprintf("%d:%s", companyID, PrefixCount)
	m.seqs[key]++
	return fmt.Sprintf("%s-%04d", PrefixCount, m.seqs[key]), nil
}

func (m *memoryStore) InsertCount(ctx context.Context, c Count) (int64, error) {
	m.nextID++
	c.ID = m.nextID
	c.CreatedAt = time.Now()
	m.counts[c.ID] = &c
	return c.ID, nil
}

func (m *memoryStore) InsertItems(ctx context.Context, countID int64, items []CountItem) error {
	c, ok := m.counts[countID]
	if !ok {
		return shared.ErrNotFound
	}
	for i := range items {
		items[i].CountID = countID
	}
	c.Items = append(c.Items, items...)
	return nil
}

func (m *memoryStore) GetCountForUpdate(ctx context.Context, id int64) (Count, error) {
	return m.Get(ctx, id)
}

func (m *memoryStore) ListItems(ctx context.Context, countID int64) ([]CountItem, error) {
	c, ok := m.counts[countID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return append([]CountItem(nil), c.Items...), nil
}

func (m *memoryStore) DeleteItems(ctx context.Context, countID int64) error {
	c, ok := m.counts[countID]
	if !ok {
		return shared.ErrNotFound
	}
	c.Items = nil
	return nil
}

func (m *memoryStore) UpdateHeader(ctx context.Context, id int64, countDate time.Time, totalVariance int64) error {
	c, ok := m.counts[id]
	if !ok {
		return shared.ErrNotFound
	}
	c.CountDate = countDate
	c.TotalVariance = totalVariance
	return nil
}

func (m *memoryStore) DeleteCount(ctx context.Context, id int64) error {
	delete(m.counts, id)
	return nil
}

func (m *memoryStore) MarkPosted(ctx context.Context, id int64, postedAt time.Time) error {
	c, ok := m.counts[id]
	if !ok {
		return shared.ErrNotFound
	}
	if c.Status != StatusPending {
		return ErrAlreadyPosted
	}
	c.Status = StatusPosted
	c.PostedAt = &postedAt
	return nil
}

func (m *memoryStore) Ledger() ledger.Tx {
	return &memoryLedgerTx{store: m}
}

func (m *memoryStore) Vouchers() vouchers.TxRepository {
	return &memoryVoucherTx{store: m}
}

type memoryVoucherTx struct {
	store *memoryStore
}

func (t *memoryVoucherTx) NextNumber(ctx context.Context, companyID int64, prefix string) (string, error) {
	key := fmt.Sprintf("%d:%s", companyID, prefix)
	t.store.seqs[key]++
	return fmt.Sprintf("%s-%06d", prefix, t.store.seqs[key]), nil
}

func (t *memoryVoucherTx) InsertVoucher(ctx context.Context, v vouchers.Voucher) (int64, error) {
	t.store.nextID++
	v.ID = t.store.nextID
	t.store.vouchers[v.ID] = &v
	return v.ID, nil
}

func (t *memoryVoucherTx) InsertLines(ctx context.Context, voucherID int64, lines []vouchers.Line) error {
	v, ok := t.store.vouchers[voucherID]
	if !ok {
		return shared.ErrNotFound
	}
	v.Lines = append(v.Lines, lines...)
	return nil
}

func (t *memoryVoucherTx) GetVoucherForUpdate(ctx context.Context, id int64) (vouchers.Voucher, error) {
	v, ok := t.store.vouchers[id]
	if !ok {
		return vouchers.Voucher{}, shared.ErrNotFound
	}
	return *v, nil
}

func (t *memoryVoucherTx) ListLines(ctx context.Context, voucherID int64) ([]vouchers.Line, error) {
	v, ok := t.store.vouchers[voucherID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return append([]vouchers.Line(nil), v.Lines...), nil
}

func (t *memoryVoucherTx) DeleteLines(ctx context.Context, voucherID int64) error {
	v, ok := t.store.vouchers[voucherID]
	if !ok {
		return shared.ErrNotFound
	}
	v.Lines = nil
	return nil
}

func (t *memoryVoucherTx) Ledger() ledger.Tx {
	return &memoryLedgerTx{store: t.store}
}

type ledgerPort struct {
	store *memoryStore
}

func (p *ledgerPort) WithTx(ctx context.Context, fn func(context.Context, ledger.Tx) error) error {
	return fn(ctx, &memoryLedgerTx{store: p.store})
}

type memoryLedgerTx struct {
	store *memoryStore
}

func (t *memoryLedgerTx) StoreBranch(ctx context.Context, storeID int64) (int64, error) {
	branch, ok := t.store.stores[storeID]
	if !ok {
		return 0, shared.ErrNotFound
	}
	return branch, nil
}

func (t *memoryLedgerTx) ItemCode(ctx context.Context, itemID int64) (string, error) {
	code, ok := t.store.items[itemID]
	if !ok {
		return "", shared.ErrNotFound
	}
	return code, nil
}

func (t *memoryLedgerTx) StoreItem(ctx context.Context, storeID, itemID int64) (ledger.StoreItem, bool, error) {
	marker, ok := t.store.markers[markerKey(storeID, itemID)]
	return marker, ok, nil
}

func (t *memoryLedgerTx) LockStoreItem(ctx context.Context, storeID, itemID int64) (ledger.StoreItem, error) {
	key := markerKey(storeID, itemID)
	if _, ok := t.store.markers[key]; !ok {
		t.store.markers[key] = ledger.StoreItem{StoreID: storeID, ItemID: itemID}
	}
	return t.store.markers[key], nil
}

func (t *memoryLedgerTx) InsertStoreItem(ctx context.Context, marker ledger.StoreItem) error {
	key := markerKey(marker.StoreID, marker.ItemID)
	if _, ok := t.store.markers[key]; !ok {
		t.store.markers[key] = marker
	}
	return nil
}

func (t *memoryLedgerTx) SumReceipts(ctx context.Context, storeID, itemID int64) (int64, error) {
	return t.sum(vouchers.TypeReceipt, func(v *vouchers.Voucher) bool { return v.StoreID == storeID }, itemID), nil
}

func (t *memoryLedgerTx) SumIssues(ctx context.Context, storeID, itemID int64) (int64, error) {
	return t.sum(vouchers.TypeIssue, func(v *vouchers.Voucher) bool { return v.StoreID == storeID }, itemID), nil
}

func (t *memoryLedgerTx) SumTransfersOut(ctx context.Context, storeID, itemID int64) (int64, error) {
	return t.sum(vouchers.TypeTransfer, func(v *vouchers.Voucher) bool { return v.FromStoreID == storeID }, itemID), nil
}

func (t *memoryLedgerTx) SumTransfersIn(ctx context.Context, storeID, itemID int64) (int64, error) {
	return t.sum(vouchers.TypeTransfer, func(v *vouchers.Voucher) bool { return v.ToStoreID == storeID }, itemID), nil
}

func (t *memoryLedgerTx) sum(kind vouchers.Type, match func(*vouchers.Voucher) bool, itemID int64) int64 {
	var total int64
	for _, v := range t.store.vouchers {
		if v.Type != kind || !match(v) {
			continue
		}
		for _, line := range v.Lines {
			if line.ItemID == itemID {
				total += line.Quantity
			}
		}
	}
	return total
}

func (t *memoryLedgerTx) HasMovements(ctx context.Context, storeID, itemID int64) (bool, error) {
	for _, v := range t.store.vouchers {
		if v.StoreID != storeID && v.FromStoreID != storeID && v.ToStoreID != storeID {
			continue
		}
		for _, line := range v.Lines {
			if line.ItemID == itemID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (t *memoryLedgerTx) Documents() ledger.DocumentSource {
	return emptyDocs{}
}

type emptyDocs struct{}

func (emptyDocs) Lines(ctx context.Context, branchID int64, kind ledger.DocumentKind) ([]ledger.DocumentLine, error) {
	return nil, nil
}

func newTestService(store *memoryStore, locker *redislock.Client) (*Service, *ledger.Service) {
	logger := slog.Default()
	lg := ledger.NewService(&ledgerPort{store: store}, logger, nil)
	return NewService(store, lg, nil, locker, time.Minute, logger, nil), lg
}

func countInput(items ...ItemInput) CreateInput {
	return CreateInput{CompanyID: 1, BranchID: 100, StoreID: 1, UserID: 7, Items: items}
}

func countItem(itemID, actual int64, cost string) ItemInput {
	return ItemInput{ItemID: itemID, ActualStock: actual, Cost: decimal.RequireFromString(cost)}
}

func TestCreateSnapshotsSystemStock(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 100)
	store.addItem(5, "WID-1")
	store.receive(1, 5, 10)
	svc, _ := newTestService(store, nil)

	count, err := svc.Create(context.Background(), countInput(countItem(5, 12, "10")))
	require.NoError(t, err)
	require.Equal(t, "INVC-0001", count.Code)
	require.Equal(t, StatusPending, count.Status)
	require.Len(t, count.Items, 1)
	require.EqualValues(t, 10, count.Items[0].SystemStock)
	require.EqualValues(t, 12, count.Items[0].ActualStock)
	require.EqualValues(t, 2, count.Items[0].Difference)
	require.EqualValues(t, 2, count.TotalVariance)
}

func TestCreateRejectsStoreOutsideBranch(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 200)
	store.addItem(5, "WID-1")
	svc, _ := newTestService(store, nil)

	input := countInput(countItem(5, 1, "10")) // claims branch 100
	_, err := svc.Create(context.Background(), input)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCountCodeSequence(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 100)
	store.addItem(5, "WID-1")
	store.receive(1, 5, 10)
	store.seqs["1:INVC"] = 9
	svc, _ := newTestService(store, nil)
	ctx := context.Background()

	count, err := svc.Create(ctx, countInput(countItem(5, 10, "10")))
	require.NoError(t, err)
	require.Equal(t, "INVC-0010", count.Code)

	count, err = svc.Create(ctx, countInput(countItem(5, 10, "10")))
	require.NoError(t, err)
	require.Equal(t, "INVC-0011", count.Code)
}

func TestPostCreatesCompensatingVouchers(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 100)
	store.addItem(5, "WID-1")
	store.addItem(6, "WID-2")
	store.receive(1, 5, 10)
	store.receive(1, 6, 10)
	svc, lg := newTestService(store, nil)
	ctx := context.Background()

	// +5 surplus at cost 10, -3 shortage at cost 20.
	count, err := svc.Create(ctx, countInput(countItem(5, 15, "10"), countItem(6, 7, "20")))
	require.NoError(t, err)
	require.EqualValues(t, 8, count.TotalVariance)

	result, err := svc.Post(ctx, count.ID, 7)
	require.NoError(t, err)
	require.Equal(t, StatusPosted, result.Count.Status)
	require.NotNil(t, result.Count.PostedAt)

	require.NotNil(t, result.ReceiptVoucher)
	require.Equal(t, vouchers.TypeReceipt, result.ReceiptVoucher.Type)
	require.Len(t, result.ReceiptVoucher.Lines, 1)
	require.EqualValues(t, 5, result.ReceiptVoucher.Lines[0].Quantity)
	require.True(t, result.ReceiptVoucher.Lines[0].TotalPrice.Equal(decimal.RequireFromString("50")))

	require.NotNil(t, result.IssueVoucher)
	require.Equal(t, vouchers.TypeIssue, result.IssueVoucher.Type)
	require.Len(t, result.IssueVoucher.Lines, 1)
	require.EqualValues(t, 3, result.IssueVoucher.Lines[0].Quantity)
	require.True(t, result.IssueVoucher.Lines[0].TotalPrice.Equal(decimal.RequireFromString("60")))

	// Ledger now matches the shelf.
	balance, err := lg.GetBalance(ctx, 1, 5)
	require.NoError(t, err)
	require.EqualValues(t, 15, balance)
	balance, err = lg.GetBalance(ctx, 1, 6)
	require.NoError(t, err)
	require.EqualValues(t, 7, balance)
}

func TestPostSurplusOnlySkipsIssueVoucher(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 100)
	store.addItem(5, "WID-1")
	store.receive(1, 5, 10)
	svc, _ := newTestService(store, nil)
	ctx := context.Background()

	count, err := svc.Create(ctx, countInput(countItem(5, 14, "10")))
	require.NoError(t, err)

	result, err := svc.Post(ctx, count.ID, 7)
	require.NoError(t, err)
	require.NotNil(t, result.ReceiptVoucher)
	require.Nil(t, result.IssueVoucher)
}

func TestRepostReturnsAlreadyPosted(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 100)
	store.addItem(5, "WID-1")
	store.receive(1, 5, 10)
	svc, _ := newTestService(store, nil)
	ctx := context.Background()

	count, err := svc.Create(ctx, countInput(countItem(5, 12, "10")))
	require.NoError(t, err)

	_, err = svc.Post(ctx, count.ID, 7)
	require.NoError(t, err)
	before := len(store.vouchers)

	_, err = svc.Post(ctx, count.ID, 7)
	require.ErrorIs(t, err, ErrAlreadyPosted)
	require.Len(t, store.vouchers, before, "re-post must not create vouchers")
}

func TestPostedCountIsImmutable(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 100)
	store.addItem(5, "WID-1")
	store.receive(1, 5, 10)
	svc, _ := newTestService(store, nil)
	ctx := context.Background()

	count, err := svc.Create(ctx, countInput(countItem(5, 12, "10")))
	require.NoError(t, err)
	_, err = svc.Post(ctx, count.ID, 7)
	require.NoError(t, err)

	_, err = svc.Update(ctx, count.ID, 7, UpdateInput{Items: []ItemInput{countItem(5, 9, "10")}})
	require.ErrorIs(t, err, ErrCountImmutable)

	err = svc.Delete(ctx, count.ID, 7)
	require.ErrorIs(t, err, ErrCountImmutable)
}

func TestPostRollsBackWhenShortageFailsGuard(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 100)
	store.addItem(5, "WID-1")
	store.receive(1, 5, 10)
	svc, _ := newTestService(store, nil)
	ctx := context.Background()

	// Shortage of 10 snapshotted against a balance of 10.
	count, err := svc.Create(ctx, countInput(countItem(5, 0, "10")))
	require.NoError(t, err)

	// Stock moves between the count and its posting; the shortage voucher now
	// exceeds the live balance.
	store.issue(1, 5, 5)
	before := len(store.vouchers)

	_, err = svc.Post(ctx, count.ID, 7)
	var insufficient *ledger.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.EqualValues(t, 5, insufficient.Available)
	require.EqualValues(t, 10, insufficient.Requested)

	require.Len(t, store.vouchers, before, "failed post must leave no partial vouchers")
	reloaded, err := svc.Get(ctx, count.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, reloaded.Status)
}

func TestUpdateResnapshotsSystemStock(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 100)
	store.addItem(5, "WID-1")
	store.receive(1, 5, 10)
	svc, _ := newTestService(store, nil)
	ctx := context.Background()

	count, err := svc.Create(ctx, countInput(countItem(5, 8, "10")))
	require.NoError(t, err)
	require.EqualValues(t, -2, count.Items[0].Difference)

	store.receive(1, 5, 5)

	updated, err := svc.Update(ctx, count.ID, 7, UpdateInput{Items: []ItemInput{countItem(5, 8, "10")}})
	require.NoError(t, err)
	require.EqualValues(t, 15, updated.Items[0].SystemStock)
	require.EqualValues(t, -7, updated.Items[0].Difference)
	require.EqualValues(t, 7, updated.TotalVariance)
}

func TestPostFencedByLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	locker := redislock.New(client)

	store := newMemoryStore()
	store.addStore(1, 100)
	store.addItem(5, "WID-1")
	store.receive(1, 5, 10)
	svc, _ := newTestService(store, locker)
	ctx := context.Background()

	count, err := svc.Create(ctx, countInput(countItem(5, 12, "10")))
	require.NoError(t, err)

	held, err := locker.Obtain(ctx, shared.CountPostLockKey(count.ID), time.Minute, nil)
	require.NoError(t, err)
	defer held.Release(ctx)

	_, err = svc.Post(ctx, count.ID, 7)
	require.ErrorIs(t, err, ErrPostLocked)
}
