package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/legacydocs"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes the callback inside an engine transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTx(tx))
	})
}

type pgTx struct {
	tx pgx.Tx
}

// NewTx wraps an open pgx transaction as a ledger Tx, letting voucher and
// count writes reuse the guard inside their own transactions.
func NewTx(tx pgx.Tx) Tx {
	return &pgTx{tx: tx}
}

func (t *pgTx) StoreBranch(ctx context.Context, storeID int64) (int64, error) {
	var branchID int64
	err := t.tx.QueryRow(ctx, `SELECT branch_id FROM stores WHERE id=$1`, storeID).Scan(&branchID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, shared.ErrNotFound
		}
		return 0, err
	}
	return branchID, nil
}

func (t *pgTx) ItemCode(ctx context.Context, itemID int64) (string, error) {
	var code string
	err := t.tx.QueryRow(ctx, `SELECT code FROM items WHERE id=$1`, itemID).Scan(&code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", shared.ErrNotFound
		}
		return "", err
	}
	return code, nil
}

func (t *pgTx) StoreItem(ctx context.Context, storeID, itemID int64) (StoreItem, bool, error) {
	var marker StoreItem
	err := t.tx.QueryRow(ctx, `SELECT store_id, item_id, opening_balance FROM store_items WHERE store_id=$1 AND item_id=$2`, storeID, itemID).
		Scan(&marker.StoreID, &marker.ItemID, &marker.OpeningBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StoreItem{}, false, nil
		}
		return StoreItem{}, false, err
	}
	return marker, true, nil
}

// LockStoreItem creates the marker at zero when missing so there is always a
// row to lock, then takes the row lock held until commit. Transactions run at
// read committed, so the sums computed after this returns include movement
// lines committed while the lock was being waited on.
func (t *pgTx) LockStoreItem(ctx context.Context, storeID, itemID int64) (StoreItem, error) {
	if _, err := t.tx.Exec(ctx, `INSERT INTO store_items (store_id, item_id, opening_balance) VALUES ($1,$2,0)
ON CONFLICT (store_id, item_id) DO NOTHING`, storeID, itemID); err != nil {
		return StoreItem{}, err
	}
	var marker StoreItem
	err := t.tx.QueryRow(ctx, `SELECT store_id, item_id, opening_balance FROM store_items WHERE store_id=$1 AND item_id=$2 FOR UPDATE`, storeID, itemID).
		Scan(&marker.StoreID, &marker.ItemID, &marker.OpeningBalance)
	if err != nil {
		return StoreItem{}, err
	}
	return marker, nil
}

func (t *pgTx) InsertStoreItem(ctx context.Context, marker StoreItem) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO store_items (store_id, item_id, opening_balance) VALUES ($1,$2,$3)
ON CONFLICT (store_id, item_id) DO NOTHING`, marker.StoreID, marker.ItemID, marker.OpeningBalance)
	return err
}

func (t *pgTx) SumReceipts(ctx context.Context, storeID, itemID int64) (int64, error) {
	return t.sumByType(ctx, `SELECT COALESCE(SUM(l.quantity), 0) FROM stock_voucher_lines l
JOIN stock_vouchers v ON v.id = l.voucher_id
WHERE v.voucher_type = 'RECEIPT' AND v.store_id = $1 AND l.item_id = $2`, storeID, itemID)
}

func (t *pgTx) SumIssues(ctx context.Context, storeID, itemID int64) (int64, error) {
	return t.sumByType(ctx, `SELECT COALESCE(SUM(l.quantity), 0) FROM stock_voucher_lines l
JOIN stock_vouchers v ON v.id = l.voucher_id
WHERE v.voucher_type = 'ISSUE' AND v.store_id = $1 AND l.item_id = $2`, storeID, itemID)
}

func (t *pgTx) SumTransfersOut(ctx context.Context, storeID, itemID int64) (int64, error) {
	return t.sumByType(ctx, `SELECT COALESCE(SUM(l.quantity), 0) FROM stock_voucher_lines l
JOIN stock_vouchers v ON v.id = l.voucher_id
WHERE v.voucher_type = 'TRANSFER' AND v.from_store_id = $1 AND l.item_id = $2`, storeID, itemID)
}

func (t *pgTx) SumTransfersIn(ctx context.Context, storeID, itemID int64) (int64, error) {
	return t.sumByType(ctx, `SELECT COALESCE(SUM(l.quantity), 0) FROM stock_voucher_lines l
JOIN stock_vouchers v ON v.id = l.voucher_id
WHERE v.voucher_type = 'TRANSFER' AND v.to_store_id = $1 AND l.item_id = $2`, storeID, itemID)
}

func (t *pgTx) sumByType(ctx context.Context, query string, storeID, itemID int64) (int64, error) {
	var sum int64
	if err := t.tx.QueryRow(ctx, query, storeID, itemID).Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

func (t *pgTx) HasMovements(ctx context.Context, storeID, itemID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM stock_voucher_lines l
JOIN stock_vouchers v ON v.id = l.voucher_id
WHERE l.item_id = $2 AND (v.store_id = $1 OR v.from_store_id = $1 OR v.to_store_id = $1))`, storeID, itemID).Scan(&exists)
	return exists, err
}

func (t *pgTx) Documents() DocumentSource {
	return &legacySource{repo: legacydocs.NewTxRepository(t.tx)}
}

// legacySource adapts the legacydocs repository to the scanner's port,
// flattening documents into decoded lines.
type legacySource struct {
	repo *legacydocs.Repository
}

func (s *legacySource) Lines(ctx context.Context, branchID int64, kind DocumentKind) ([]DocumentLine, error) {
	docs, err := s.repo.ListByBranch(ctx, branchID, legacydocs.Kind(kind))
	if err != nil {
		return nil, err
	}
	var lines []DocumentLine
	for _, doc := range docs {
		for _, line := range doc.Lines {
			lines = append(lines, DocumentLine{ItemCode: line.ItemCode, Quantity: int64(line.Quantity)})
		}
	}
	return lines, nil
}
