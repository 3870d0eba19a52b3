package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Tx exposes the transactional reads and writes the engine needs. All checks
// and the writes they authorise run against the same transaction snapshot.
type Tx interface {
	// StoreBranch resolves a store to its branch; shared.ErrNotFound when the
	// store does not exist.
	StoreBranch(ctx context.Context, storeID int64) (int64, error)
	// ItemCode resolves an item to its legacy-document code;
	// shared.ErrNotFound when the item does not exist.
	ItemCode(ctx context.Context, itemID int64) (string, error)

	// StoreItem reads the marker row without locking it. ok is false when no
	// marker exists.
	StoreItem(ctx context.Context, storeID, itemID int64) (StoreItem, bool, error)
	// LockStoreItem upserts the marker row at zero if absent and locks it for
	// the remainder of the transaction, serialising debits per (store, item).
	LockStoreItem(ctx context.Context, storeID, itemID int64) (StoreItem, error)
	// InsertStoreItem creates the marker with an opening balance, keeping an
	// existing row untouched.
	InsertStoreItem(ctx context.Context, marker StoreItem) error

	SumReceipts(ctx context.Context, storeID, itemID int64) (int64, error)
	SumIssues(ctx context.Context, storeID, itemID int64) (int64, error)
	SumTransfersOut(ctx context.Context, storeID, itemID int64) (int64, error)
	SumTransfersIn(ctx context.Context, storeID, itemID int64) (int64, error)
	// HasMovements reports whether any movement line references the pair,
	// counting transfers touching the store on either side.
	HasMovements(ctx context.Context, storeID, itemID int64) (bool, error)

	// Documents lists legacy document lines within this transaction.
	Documents() DocumentSource
}

// RepositoryPort opens engine transactions.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
}

// MetricsPort records debit outcomes.
type MetricsPort interface {
	ObserveDebit(outcome string)
}

// Service is the stock ledger engine: balance calculation, existence
// resolution and the write guard.
type Service struct {
	repo    RepositoryPort
	logger  *slog.Logger
	metrics MetricsPort
}

// NewService builds the engine.
func NewService(repo RepositoryPort, logger *slog.Logger, metrics MetricsPort) *Service {
	return &Service{repo: repo, logger: logger, metrics: metrics}
}

// GetBalance computes the on-hand quantity for (store, item) in its own
// transaction.
func (s *Service) GetBalance(ctx context.Context, storeID, itemID int64) (int64, error) {
	var balance int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		b, err := s.BreakdownTx(ctx, tx, storeID, itemID)
		if err != nil {
			return err
		}
		balance = b.Balance()
		return nil
	})
	return balance, err
}

// GetBreakdown returns the balance components, used by the balance endpoint.
func (s *Service) GetBreakdown(ctx context.Context, storeID, itemID int64) (Breakdown, error) {
	var breakdown Breakdown
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		b, err := s.BreakdownTx(ctx, tx, storeID, itemID)
		if err != nil {
			return err
		}
		breakdown = b
		return nil
	})
	return breakdown, err
}

// BalanceTx computes the balance inside an open transaction.
func (s *Service) BalanceTx(ctx context.Context, tx Tx, storeID, itemID int64) (int64, error) {
	b, err := s.BreakdownTx(ctx, tx, storeID, itemID)
	if err != nil {
		return 0, err
	}
	return b.Balance(), nil
}

// BreakdownTx re-aggregates every balance component from its sources. There is
// no cached balance anywhere: the result is a pure function of the movement
// and document state visible to tx.
func (s *Service) BreakdownTx(ctx context.Context, tx Tx, storeID, itemID int64) (Breakdown, error) {
	branchID, err := tx.StoreBranch(ctx, storeID)
	if err != nil {
		return Breakdown{}, fmt.Errorf("resolve store %d: %w", storeID, err)
	}
	code, err := tx.ItemCode(ctx, itemID)
	if err != nil {
		return Breakdown{}, fmt.Errorf("resolve item %d: %w", itemID, err)
	}

	var b Breakdown
	if marker, ok, err := tx.StoreItem(ctx, storeID, itemID); err != nil {
		return Breakdown{}, err
	} else if ok {
		b.OpeningBalance = marker.OpeningBalance
	}

	if b.Receipts, err = tx.SumReceipts(ctx, storeID, itemID); err != nil {
		return Breakdown{}, err
	}
	if b.Issues, err = tx.SumIssues(ctx, storeID, itemID); err != nil {
		return Breakdown{}, err
	}
	if b.TransfersOut, err = tx.SumTransfersOut(ctx, storeID, itemID); err != nil {
		return Breakdown{}, err
	}
	if b.TransfersIn, err = tx.SumTransfersIn(ctx, storeID, itemID); err != nil {
		return Breakdown{}, err
	}

	totals, err := NewScanner(tx.Documents()).TotalsByCode(ctx, branchID, code)
	if err != nil {
		return Breakdown{}, fmt.Errorf("scan legacy documents: %w", err)
	}
	b.LegacyPurchaseInvoices = totals.PurchaseInvoices
	b.LegacyPurchaseReturns = totals.PurchaseReturns
	b.LegacySalesInvoices = totals.SalesInvoices
	b.LegacySalesReturns = totals.SalesReturns
	return b, nil
}

// ItemExistsInStore reports whether the item was ever introduced into the
// store.
func (s *Service) ItemExistsInStore(ctx context.Context, storeID, itemID int64) (bool, error) {
	var exists bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		exists, err = s.ExistsTx(ctx, tx, storeID, itemID)
		return err
	})
	return exists, err
}

// ExistsTx checks existence signals cheapest first: the marker row, then
// movement lines, then the branch's legacy documents.
func (s *Service) ExistsTx(ctx context.Context, tx Tx, storeID, itemID int64) (bool, error) {
	branchID, err := tx.StoreBranch(ctx, storeID)
	if err != nil {
		return false, fmt.Errorf("resolve store %d: %w", storeID, err)
	}
	code, err := tx.ItemCode(ctx, itemID)
	if err != nil {
		return false, fmt.Errorf("resolve item %d: %w", itemID, err)
	}

	if _, ok, err := tx.StoreItem(ctx, storeID, itemID); err != nil {
		return false, err
	} else if ok {
		return true, nil
	}
	if has, err := tx.HasMovements(ctx, storeID, itemID); err != nil {
		return false, err
	} else if has {
		return true, nil
	}
	return NewScanner(tx.Documents()).HasReference(ctx, branchID, code)
}

// AuthorizeDebit validates an issue or transfer-out quantity in its own
// transaction. Callers embedding the debit in a larger write should use
// AuthorizeDebitTx so check and write commit atomically.
func (s *Service) AuthorizeDebit(ctx context.Context, storeID, itemID, quantity int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return s.AuthorizeDebitTx(ctx, tx, storeID, itemID, quantity)
	})
}

// AuthorizeDebitTx runs the write guard inside an open transaction: existence
// first, then the balance check behind the marker-row lock. Quantity must be
// validated strictly positive by the caller.
func (s *Service) AuthorizeDebitTx(ctx context.Context, tx Tx, storeID, itemID, quantity int64) error {
	exists, err := s.ExistsTx(ctx, tx, storeID, itemID)
	if err != nil {
		return err
	}
	if !exists {
		s.observeDebit("unknown_item")
		return ErrItemNotInStore
	}
	if err := s.checkAvailabilityTx(ctx, tx, storeID, itemID, quantity); err != nil {
		return err
	}
	s.observeDebit("authorized")
	return nil
}

// checkAvailabilityTx locks the marker row and re-aggregates the balance under
// the lock, so concurrent debits against the pair serialise and cannot jointly
// overdraw it.
func (s *Service) checkAvailabilityTx(ctx context.Context, tx Tx, storeID, itemID, quantity int64) error {
	if _, err := tx.LockStoreItem(ctx, storeID, itemID); err != nil {
		return err
	}
	balance, err := s.BalanceTx(ctx, tx, storeID, itemID)
	if err != nil {
		return err
	}
	if balance < quantity {
		s.observeDebit("insufficient")
		if s.logger != nil {
			s.logger.Warn("debit rejected",
				slog.Int64("store_id", storeID),
				slog.Int64("item_id", itemID),
				slog.Int64("available", balance),
				slog.Int64("requested", quantity))
		}
		return &InsufficientStockError{Available: balance, Requested: quantity}
	}
	return nil
}

// AuthorizeLineRevisionTx guards a whole-voucher line replacement. Only the
// positive net per-item delta between the new and old line sets needs stock;
// quantity already reserved by the original voucher is not re-checked. Items
// absent from the old set must pass the existence check whatever their delta.
func (s *Service) AuthorizeLineRevisionTx(ctx context.Context, tx Tx, storeID int64, oldLines, newLines []LineQuantity) error {
	oldSums := quantitiesByItem(oldLines)
	newSums := quantitiesByItem(newLines)
	itemIDs := sortedItemIDs(newSums)

	for _, itemID := range itemIDs {
		if _, existed := oldSums[itemID]; existed {
			continue
		}
		exists, err := s.ExistsTx(ctx, tx, storeID, itemID)
		if err != nil {
			return err
		}
		if !exists {
			s.observeDebit("unknown_item")
			return ErrItemNotInStore
		}
	}

	for _, itemID := range itemIDs {
		delta := newSums[itemID] - oldSums[itemID]
		if delta <= 0 {
			continue
		}
		if err := s.checkAvailabilityTx(ctx, tx, storeID, itemID, delta); err != nil {
			return err
		}
		s.observeDebit("authorized")
	}
	return nil
}

// EnsureStoreItemExists idempotently creates the zero opening-balance marker.
func (s *Service) EnsureStoreItemExists(ctx context.Context, storeID, itemID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return s.EnsureStoreItemTx(ctx, tx, storeID, itemID)
	})
}

// EnsureStoreItemTx is the transactional variant used by receipt paths.
func (s *Service) EnsureStoreItemTx(ctx context.Context, tx Tx, storeID, itemID int64) error {
	if _, err := tx.StoreBranch(ctx, storeID); err != nil {
		return fmt.Errorf("resolve store %d: %w", storeID, err)
	}
	if _, err := tx.ItemCode(ctx, itemID); err != nil {
		return fmt.Errorf("resolve item %d: %w", itemID, err)
	}
	return tx.InsertStoreItem(ctx, StoreItem{StoreID: storeID, ItemID: itemID})
}

// SeedOpeningBalance creates the marker with a non-zero opening balance. Used
// once, at item creation, for the originating store; every other path inserts
// the marker at zero.
func (s *Service) SeedOpeningBalance(ctx context.Context, storeID, itemID, openingBalance int64) error {
	if openingBalance < 0 {
		return fmt.Errorf("opening balance must be >= 0: %w", shared.ErrValidation)
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.StoreBranch(ctx, storeID); err != nil {
			return fmt.Errorf("resolve store %d: %w", storeID, err)
		}
		if _, err := tx.ItemCode(ctx, itemID); err != nil {
			return fmt.Errorf("resolve item %d: %w", itemID, err)
		}
		return tx.InsertStoreItem(ctx, StoreItem{StoreID: storeID, ItemID: itemID, OpeningBalance: openingBalance})
	})
}

func (s *Service) observeDebit(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveDebit(outcome)
	}
}
