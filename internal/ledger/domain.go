// Package ledger computes on-hand stock balances and enforces the rules that
// keep them consistent. A balance is never persisted: every query re-aggregates
// the opening balance, the movement voucher lines and the legacy trade
// document quantities for the store's branch.
package ledger

import (
	"errors"
	"fmt"
	"sort"
)

// StoreItem is the per-(store, item) opening-balance marker. Its presence is
// one of the existence signals and its row is the lock target serialising
// debits against the pair.
type StoreItem struct {
	StoreID        int64 `json:"store_id"`
	ItemID         int64 `json:"item_id"`
	OpeningBalance int64 `json:"opening_balance"`
}

// ErrItemNotInStore is returned when a debit targets an item with no existence
// signal in the store.
var ErrItemNotInStore = errors.New("ledger: item has never been introduced into this store")

// InsufficientStockError reports a debit exceeding the computed balance.
type InsufficientStockError struct {
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("ledger: insufficient stock: available %d, requested %d", e.Available, e.Requested)
}

// Breakdown lists the components of one balance computation.
type Breakdown struct {
	OpeningBalance         int64 `json:"opening_balance"`
	Receipts               int64 `json:"receipts"`
	Issues                 int64 `json:"issues"`
	TransfersIn            int64 `json:"transfers_in"`
	TransfersOut           int64 `json:"transfers_out"`
	LegacyPurchaseInvoices int64 `json:"legacy_purchase_invoices"`
	LegacyPurchaseReturns  int64 `json:"legacy_purchase_returns"`
	LegacySalesInvoices    int64 `json:"legacy_sales_invoices"`
	LegacySalesReturns     int64 `json:"legacy_sales_returns"`
}

// Balance folds the breakdown into the on-hand quantity.
func (b Breakdown) Balance() int64 {
	return b.OpeningBalance +
		b.Receipts + b.LegacyPurchaseInvoices + b.LegacySalesReturns +
		b.TransfersIn -
		b.Issues - b.LegacySalesInvoices - b.LegacyPurchaseReturns -
		b.TransfersOut
}

// LineQuantity is the (item, quantity) projection of a voucher line used for
// revision delta checks.
type LineQuantity struct {
	ItemID   int64
	Quantity int64
}

// quantitiesByItem groups and sums line quantities per item; a voucher may
// list the same item more than once.
func quantitiesByItem(lines []LineQuantity) map[int64]int64 {
	sums := make(map[int64]int64, len(lines))
	for _, line := range lines {
		sums[line.ItemID] += line.Quantity
	}
	return sums
}

// sortedItemIDs returns the grouped item ids in ascending order. Marker rows
// must be locked in one global order or concurrent multi-item writes can
// deadlock.
func sortedItemIDs(sums map[int64]int64) []int64 {
	ids := make([]int64, 0, len(sums))
	for id := range sums {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
