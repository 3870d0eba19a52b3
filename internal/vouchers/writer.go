package vouchers

import (
	"context"
	"fmt"
	"sort"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
)

// TxRepository exposes the transactional voucher operations.
type TxRepository interface {
	// NextNumber advances the company's sequence for prefix and returns the
	// formatted voucher number.
	NextNumber(ctx context.Context, companyID int64, prefix string) (string, error)
	InsertVoucher(ctx context.Context, voucher Voucher) (int64, error)
	InsertLines(ctx context.Context, voucherID int64, lines []Line) error
	GetVoucherForUpdate(ctx context.Context, id int64) (Voucher, error)
	ListLines(ctx context.Context, voucherID int64) ([]Line, error)
	DeleteLines(ctx context.Context, voucherID int64) error
	// Ledger exposes the stock engine bound to the same transaction.
	Ledger() ledger.Tx
}

// Writer performs voucher writes inside an open transaction. The count
// posting engine uses it to synthesise compensating vouchers atomically with
// the status flip.
type Writer struct {
	repo   TxRepository
	ledger *ledger.Service
}

// NewWriter binds a writer to a transactional repository.
func NewWriter(repo TxRepository, lg *ledger.Service) *Writer {
	return &Writer{repo: repo, ledger: lg}
}

// CreateReceipt writes a receipt voucher. Receipts are never guarded: any
// quantity may be added. Each touched (store, item) pair gets its marker row
// lazily at zero.
func (w *Writer) CreateReceipt(ctx context.Context, input CreateReceiptInput) (Voucher, error) {
	if err := validateLines(input.Lines); err != nil {
		return Voucher{}, err
	}
	for _, itemID := range sortedItemIDs(groupQuantities(input.Lines)) {
		if err := w.ledger.EnsureStoreItemTx(ctx, w.repo.Ledger(), input.StoreID, itemID); err != nil {
			return Voucher{}, err
		}
	}
	voucher := Voucher{
		CompanyID: input.CompanyID,
		Type:      TypeReceipt,
		StoreID:   input.StoreID,
		UserID:    input.UserID,
		Notes:     input.Notes,
	}
	return w.insert(ctx, voucher, PrefixReceipt, input.Lines)
}

// CreateIssue writes an issue voucher after the write guard authorises every
// per-item quantity against the store balance.
func (w *Writer) CreateIssue(ctx context.Context, input CreateIssueInput) (Voucher, error) {
	if err := validateLines(input.Lines); err != nil {
		return Voucher{}, err
	}
	sums := groupQuantities(input.Lines)
	for _, itemID := range sortedItemIDs(sums) {
		if err := w.ledger.AuthorizeDebitTx(ctx, w.repo.Ledger(), input.StoreID, itemID, sums[itemID]); err != nil {
			return Voucher{}, err
		}
	}
	voucher := Voucher{
		CompanyID: input.CompanyID,
		Type:      TypeIssue,
		StoreID:   input.StoreID,
		UserID:    input.UserID,
		Notes:     input.Notes,
	}
	return w.insert(ctx, voucher, PrefixIssue, input.Lines)
}

// CreateTransfer writes a transfer voucher. Only the source side is guarded;
// the destination accepts any quantity and gets no marker row, mirroring how
// transfer-in has always behaved.
func (w *Writer) CreateTransfer(ctx context.Context, input CreateTransferInput) (Voucher, error) {
	if input.FromStoreID == input.ToStoreID {
		return Voucher{}, ErrSameStore
	}
	if err := validateLines(input.Lines); err != nil {
		return Voucher{}, err
	}
	sums := groupQuantities(input.Lines)
	for _, itemID := range sortedItemIDs(sums) {
		if err := w.ledger.AuthorizeDebitTx(ctx, w.repo.Ledger(), input.FromStoreID, itemID, sums[itemID]); err != nil {
			return Voucher{}, err
		}
	}
	// The destination must at least exist.
	if _, err := w.repo.Ledger().StoreBranch(ctx, input.ToStoreID); err != nil {
		return Voucher{}, fmt.Errorf("resolve store %d: %w", input.ToStoreID, err)
	}
	voucher := Voucher{
		CompanyID:   input.CompanyID,
		Type:        TypeTransfer,
		FromStoreID: input.FromStoreID,
		ToStoreID:   input.ToStoreID,
		UserID:      input.UserID,
		Notes:       input.Notes,
	}
	return w.insert(ctx, voucher, PrefixTransfer, input.Lines)
}

// ReplaceLines swaps a voucher's whole line set. The guard re-validates only
// the positive net per-item delta against the debited store; items new to the
// voucher must pass the existence check.
func (w *Writer) ReplaceLines(ctx context.Context, voucherID int64, inputs []LineInput) (Voucher, error) {
	if err := validateLines(inputs); err != nil {
		return Voucher{}, err
	}
	voucher, err := w.repo.GetVoucherForUpdate(ctx, voucherID)
	if err != nil {
		return Voucher{}, err
	}
	oldLines, err := w.repo.ListLines(ctx, voucherID)
	if err != nil {
		return Voucher{}, err
	}

	switch voucher.Type {
	case TypeReceipt:
		for _, itemID := range sortedItemIDs(groupQuantities(inputs)) {
			if err := w.ledger.EnsureStoreItemTx(ctx, w.repo.Ledger(), voucher.StoreID, itemID); err != nil {
				return Voucher{}, err
			}
		}
	case TypeIssue:
		if err := w.ledger.AuthorizeLineRevisionTx(ctx, w.repo.Ledger(), voucher.StoreID, lineQuantities(oldLines), inputQuantities(inputs)); err != nil {
			return Voucher{}, err
		}
	case TypeTransfer:
		if err := w.ledger.AuthorizeLineRevisionTx(ctx, w.repo.Ledger(), voucher.FromStoreID, lineQuantities(oldLines), inputQuantities(inputs)); err != nil {
			return Voucher{}, err
		}
	default:
		return Voucher{}, ErrTypeMismatch
	}

	if err := w.repo.DeleteLines(ctx, voucherID); err != nil {
		return Voucher{}, err
	}
	lines := buildLines(inputs)
	if err := w.repo.InsertLines(ctx, voucherID, lines); err != nil {
		return Voucher{}, err
	}
	voucher.Lines = lines
	return voucher, nil
}

func (w *Writer) insert(ctx context.Context, voucher Voucher, prefix string, inputs []LineInput) (Voucher, error) {
	number, err := w.repo.NextNumber(ctx, voucher.CompanyID, prefix)
	if err != nil {
		return Voucher{}, fmt.Errorf("next voucher number: %w", err)
	}
	voucher.Number = number
	id, err := w.repo.InsertVoucher(ctx, voucher)
	if err != nil {
		return Voucher{}, err
	}
	voucher.ID = id
	lines := buildLines(inputs)
	if err := w.repo.InsertLines(ctx, id, lines); err != nil {
		return Voucher{}, err
	}
	voucher.Lines = lines
	return voucher, nil
}

func groupQuantities(inputs []LineInput) map[int64]int64 {
	sums := make(map[int64]int64, len(inputs))
	for _, in := range inputs {
		sums[in.ItemID] += in.Quantity
	}
	return sums
}

// sortedItemIDs orders the grouped item ids ascending so marker rows are
// always locked in the same order across concurrent vouchers.
func sortedItemIDs(sums map[int64]int64) []int64 {
	ids := make([]int64, 0, len(sums))
	for id := range sums {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func lineQuantities(lines []Line) []ledger.LineQuantity {
	result := make([]ledger.LineQuantity, 0, len(lines))
	for _, line := range lines {
		result = append(result, ledger.LineQuantity{ItemID: line.ItemID, Quantity: line.Quantity})
	}
	return result
}

func inputQuantities(inputs []LineInput) []ledger.LineQuantity {
	result := make([]ledger.LineQuantity, 0, len(inputs))
	for _, in := range inputs {
		result = append(result, ledger.LineQuantity{ItemID: in.ItemID, Quantity: in.Quantity})
	}
	return result
}
