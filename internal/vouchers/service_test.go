package vouchers

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// memoryStore backs both the voucher repository and the ledger transaction,
// so vouchers written through the Writer are immediately visible to the
// balance aggregation, as they are in one database transaction.
type memoryStore struct {
	stores   map[int64]int64 // store -> branch
	items    map[int64]string
	markers  map[string]ledger.StoreItem
	seqs     map[string]int64
	vouchers map[int64]*Voucher
	nextID   int64

	lockOrder []int64 // item ids in marker-lock acquisition order
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		stores:   map[int64]int64{},
		items:    map[int64]string{},
		markers:  map[string]ledger.StoreItem{},
		seqs:     map[string]int64{},
		vouchers: map[int64]*Voucher{},
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

// WithTx implements RepositoryPort. The fake has no rollback; tests assert on
// returned errors, not on partially written state.
func (m *memoryStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *memoryStore) Get(ctx context.Context, id int64) (Voucher, error) {
	v, ok := m.vouchers[id]
	if !ok {
		return Voucher{}, shared.ErrNotFound
	}
	return *v, nil
}

func (m *memoryStore) List(ctx context.Context, filter ListFilter) ([]Voucher, int, error) {
	var out []Voucher
	for _, v := range m.vouchers {
		if filter.Type != "" && v.Type != filter.Type {
			continue
		}
		out = append(out, *v)
	}
	return out, len(out), nil
}

func (m *memoryStore) NextNumber(ctx context.Context, companyID int64, prefix string) (string, error) {
	key := fmt.Sprintf("%d:%s", companyID, prefix)
	m.seqs[key]++
	return fmt.Sprintf("%s-%06d", prefix, m.seqs[key]), nil
}

func (m *memoryStore) InsertVoucher(ctx context.Context, v Voucher) (int64, error) {
	m.nextID++
	v.ID = m.nextID
	m.vouchers[v.ID] = &v
	return v.ID, nil
}

func (m *memoryStore) InsertLines(ctx context.Context, voucherID int64, lines []Line) error {
	v, ok := m.vouchers[voucherID]
	if !ok {
		return shared.ErrNotFound
	}
	for i := range lines {
		lines[i].VoucherID = voucherID
	}
	v.Lines = append(v.Lines, lines...)
	return nil
}

func (m *memoryStore) GetVoucherForUpdate(ctx context.Context, id int64) (Voucher, error) {
	return m.Get(ctx, id)
}

func (m *memoryStore) ListLines(ctx context.Context, voucherID int64) ([]Line, error) {
	v, ok := m.vouchers[voucherID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return append([]Line(nil), v.Lines...), nil
}

func (m *memoryStore) DeleteLines(ctx context.Context, voucherID int64) error {
	v, ok := m.vouchers[voucherID]
	if !ok {
		return shared.ErrNotFound
	}
	v.Lines = nil
	return nil
}

func (m *memoryStore) Ledger() ledger.Tx {
	return &memoryLedgerTx{store: m}
}

// ledgerPort adapts the store to the ledger engine's repository port so
// tests can query balances directly.
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
	t.store.lockOrder = append(t.store.lockOrder, itemID)
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
	return t.sum(TypeReceipt, func(v *Voucher) bool { return v.StoreID == storeID }, itemID), nil
}

func (t *memoryLedgerTx) SumIssues(ctx context.Context, storeID, itemID int64) (int64, error) {
	return t.sum(TypeIssue, func(v *Voucher) bool { return v.StoreID == storeID }, itemID), nil
}

func (t *memoryLedgerTx) SumTransfersOut(ctx context.Context, storeID, itemID int64) (int64, error) {
	return t.sum(TypeTransfer, func(v *Voucher) bool { return v.FromStoreID == storeID }, itemID), nil
}

func (t *memoryLedgerTx) SumTransfersIn(ctx context.Context, storeID, itemID int64) (int64, error) {
	return t.sum(TypeTransfer, func(v *Voucher) bool { return v.ToStoreID == storeID }, itemID), nil
}

func (t *memoryLedgerTx) sum(kind Type, match func(*Voucher) bool, itemID int64) int64 {
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

func newTestService(store *memoryStore) (*Service, *ledger.Service) {
	logger := slog.Default()
	lg := ledger.NewService(&ledgerPort{store: store}, logger, nil)
	return NewService(store, lg, nil, nil, logger), lg
}

func receiptInput(storeID int64, lines ...LineInput) CreateReceiptInput {
	return CreateReceiptInput{CompanyID: 1, StoreID: storeID, UserID: 7, Lines: lines}
}

func issueInput(storeID int64, lines ...LineInput) CreateIssueInput {
	return CreateIssueInput{CompanyID: 1, StoreID: storeID, UserID: 7, Lines: lines}
}

func line(itemID, qty int64) LineInput {
	return LineInput{ItemID: itemID, Quantity: qty, UnitPrice: decimal.NewFromInt(10)}
}

func TestCreateReceiptSeedsMarkerAndNumbers(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 100)
	store.addItem(5, "WID-1")
	svc, lg := newTestService(store)
	ctx := context.Background()

	first, err := svc.CreateReceipt(ctx, receiptInput(1, line(5, 10)), "")
	require.NoError(t, err)
	require.Equal(t, "SRV-000001", first.Number)
	require.Equal(t, TypeReceipt, first.Type)

	second, err := svc.CreateReceipt(ctx, receiptInput(1, line(5, 3)), "")
	require.NoError(t, err)
	require.Equal(t, "SRV-000002", second.Number)

	_, seeded := store.markers[markerKey(1, 5)]
	require.True(t, seeded, "receipt must seed the (store, item) marker")

	balance, err := lg.GetBalance(ctx, 1, 5)
	require.NoError(t, err)
	require.EqualValues(t, 13, balance)
}

func TestCreateReceiptUnknownStoreOrItem(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 100)
	store.addItem(5, "WID-1")
	svc, _ := newTestService(store)
	ctx := context.Background()

	_, err := svc.CreateReceipt(ctx, receiptInput(99, line(5, 10)), "")
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = svc.CreateReceipt(ctx, receiptInput(1, line(99, 10)), "")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCreateIssueGuardedByBalance(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 100)
	store.addItem(5, "WID-1")
	svc, _ := newTestService(store)
	ctx := context.Background()

	_, err := svc.CreateReceipt(ctx, receiptInput(1, line(5, 10)), "")
	require.NoError(t, err)

	issued, err := svc.CreateIssue(ctx, issueInput(1, line(5, 10)), "")
	require.NoError(t, err)
	require.Equal(t, "SIV-000001", issued.Number)

	_, err = svc.CreateIssue(ctx, issueInput(1, line(5, 1)), "")
	var insufficient *ledger.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.EqualValues(t, 0, insufficient.Available)
	require.EqualValues(t, 1, insufficient.Requested)
}

func TestCreateIssueGroupsDuplicateItemLines(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 100)
	store.addItem(5, "WID-1")
	svc, _ := newTestService(store)
	ctx := context.Background()

	_, err := svc.CreateReceipt(ctx, receiptInput(1, line(5, 10)), "")
	require.NoError(t, err)

	// 6 + 6 across two lines exceeds the balance even though each line alone
	// would pass.
	_, err = svc.CreateIssue(ctx, issueInput(1, line(5, 6), line(5, 6)), "")
	var insufficient *ledger.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.EqualValues(t, 10, insufficient.Available)
	require.EqualValues(t, 12, insufficient.Requested)
}

func TestCreateIssueLocksItemsInAscendingOrder(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 100)
	store.addItem(5, "WID-1")
	store.addItem(6, "WID-2")
	store.addItem(7, "WID-3")
	svc, _ := newTestService(store)
	ctx := context.Background()

	_, err := svc.CreateReceipt(ctx, receiptInput(1, line(5, 10), line(6, 10), line(7, 10)), "")
	require.NoError(t, err)

	store.lockOrder = nil
	_, err = svc.CreateIssue(ctx, issueInput(1, line(7, 1), line(5, 1), line(6, 1)), "")
	require.NoError(t, err)

	// Marker locks must be taken in one global order regardless of line order
	// or concurrent vouchers on the same items can deadlock.
	require.Equal(t, []int64{5, 6, 7}, store.lockOrder)
}

func TestCreateIssueRequiresExistence(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 100)
	store.addItem(5, "WID-1")
	svc, _ := newTestService(store)
	ctx := context.Background()

	_, err := svc.CreateIssue(ctx, issueInput(1, line(5, 1)), "")
	require.ErrorIs(t, err, ledger.ErrItemNotInStore)
}

func TestCreateTransferGuardsSourceOnly(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 100)
	store.addStore(2, 100)
	store.addItem(5, "WID-1")
	svc, lg := newTestService(store)
	ctx := context.Background()

	_, err := svc.CreateReceipt(ctx, receiptInput(1, line(5, 8)), "")
	require.NoError(t, err)

	input := CreateTransferInput{CompanyID: 1, FromStoreID: 1, ToStoreID: 2, UserID: 7, Lines: []LineInput{line(5, 5)}}
	moved, err := svc.CreateTransfer(ctx, input, "")
	require.NoError(t, err)
	require.Equal(t, "STV-000001", moved.Number)

	fromBalance, err := lg.GetBalance(ctx, 1, 5)
	require.NoError(t, err)
	require.EqualValues(t, 3, fromBalance)

	toBalance, err := lg.GetBalance(ctx, 2, 5)
	require.NoError(t, err)
	require.EqualValues(t, 5, toBalance)

	// Transfer-in leaves no marker on the destination.
	_, seeded := store.markers[markerKey(2, 5)]
	require.False(t, seeded)

	input.Lines = []LineInput{line(5, 4)}
	_, err = svc.CreateTransfer(ctx, input, "")
	var insufficient *ledger.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.EqualValues(t, 3, insufficient.Available)
}

func TestCreateTransferSameStoreRejected(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 100)
	store.addItem(5, "WID-1")
	svc, _ := newTestService(store)

	input := CreateTransferInput{CompanyID: 1, FromStoreID: 1, ToStoreID: 1, UserID: 7, Lines: []LineInput{line(5, 1)}}
	_, err := svc.CreateTransfer(context.Background(), input, "")
	require.ErrorIs(t, err, ErrSameStore)
}

func TestReplaceLinesChecksOnlyPositiveDelta(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 100)
	store.addItem(5, "WID-1")
	svc, _ := newTestService(store)
	ctx := context.Background()

	_, err := svc.CreateReceipt(ctx, receiptInput(1, line(5, 20)), "")
	require.NoError(t, err)

	issued, err := svc.CreateIssue(ctx, issueInput(1, line(5, 10)), "")
	require.NoError(t, err)

	// Balance is 10; raising the issue from 10 to 15 only needs the +5 delta.
	updated, err := svc.UpdateLines(ctx, issued.ID, 7, []LineInput{line(5, 15)})
	require.NoError(t, err)
	require.Len(t, updated.Lines, 1)
	require.EqualValues(t, 15, updated.Lines[0].Quantity)

	// Balance is 5 now; +11 on top of the reserved 15 must fail.
	_, err = svc.UpdateLines(ctx, issued.ID, 7, []LineInput{line(5, 26)})
	var insufficient *ledger.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.EqualValues(t, 5, insufficient.Available)
	require.EqualValues(t, 11, insufficient.Requested)

	// Shrinking is always allowed, even at zero headroom.
	_, err = svc.UpdateLines(ctx, issued.ID, 7, []LineInput{line(5, 4)})
	require.NoError(t, err)
}

func TestReplaceLinesNewItemMustExist(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 100)
	store.addItem(5, "WID-1")
	store.addItem(6, "WID-2")
	svc, _ := newTestService(store)
	ctx := context.Background()

	_, err := svc.CreateReceipt(ctx, receiptInput(1, line(5, 10)), "")
	require.NoError(t, err)

	issued, err := svc.CreateIssue(ctx, issueInput(1, line(5, 2)), "")
	require.NoError(t, err)

	// Item 6 has no marker, movements or legacy references in store 1.
	_, err = svc.UpdateLines(ctx, issued.ID, 7, []LineInput{line(5, 2), line(6, 1)})
	require.ErrorIs(t, err, ledger.ErrItemNotInStore)
}

func TestTotalPriceDerivedFromUnitPrice(t *testing.T) {
	store := newMemoryStore()
	store.addStore(1, 100)
	store.addItem(5, "WID-1")
	svc, _ := newTestService(store)

	input := receiptInput(1, LineInput{ItemID: 5, Quantity: 3, UnitPrice: decimal.RequireFromString("2.50")})
	created, err := svc.CreateReceipt(context.Background(), input, "")
	require.NoError(t, err)
	require.Len(t, created.Lines, 1)
	require.True(t, created.Lines[0].TotalPrice.Equal(decimal.RequireFromString("7.50")))
}
