package vouchers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository persists vouchers in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn against a transactional repository.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("voucher repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

// Get loads one voucher with its lines.
func (r *Repository) Get(ctx context.Context, id int64) (Voucher, error) {
	var v Voucher
	err := r.pool.QueryRow(ctx, `SELECT id, company_id, voucher_number, voucher_type,
COALESCE(store_id, 0), COALESCE(from_store_id, 0), COALESCE(to_store_id, 0),
user_id, notes, created_at
FROM stock_vouchers WHERE id = $1`, id).
		Scan(&v.ID, &v.CompanyID, &v.Number, &v.Type, &v.StoreID, &v.FromStoreID, &v.ToStoreID, &v.UserID, &v.Notes, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Voucher{}, shared.ErrNotFound
		}
		return Voucher{}, err
	}
	lines, err := scanLines(ctx, r.pool, id)
	if err != nil {
		return Voucher{}, err
	}
	v.Lines = lines
	return v, nil
}

// List returns voucher headers matching filter, newest first, plus the total.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Voucher, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.CompanyID > 0 {
		args = append(args, filter.CompanyID)
		where = append(where, fmt.Sprintf("company_id = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("voucher_type = $%d", len(args)))
	}
	if filter.StoreID > 0 {
		args = append(args, filter.StoreID)
		where = append(where, fmt.Sprintf("(store_id = $%d OR from_store_id = $%d OR to_store_id = $%d)", len(args), len(args), len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_vouchers WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page <= 0 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	args = append(args, perPage, (page-1)*perPage)
	query := fmt.Sprintf(`SELECT id, company_id, voucher_number, voucher_type,
COALESCE(store_id, 0), COALESCE(from_store_id, 0), COALESCE(to_store_id, 0),
user_id, notes, created_at
FROM stock_vouchers WHERE %s ORDER BY id DESC LIMIT $%d OFFSET $%d`, cond, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var vouchers []Voucher
	for rows.Next() {
		var v Voucher
		if err := rows.Scan(&v.ID, &v.CompanyID, &v.Number, &v.Type, &v.StoreID, &v.FromStoreID, &v.ToStoreID, &v.UserID, &v.Notes, &v.CreatedAt); err != nil {
			return nil, 0, err
		}
		vouchers = append(vouchers, v)
	}
	return vouchers, total, rows.Err()
}

type txRepo struct {
	tx pgx.Tx
}

// NewTxRepository wraps an open transaction as a TxRepository. The count
// posting engine uses this to write its compensating vouchers in the same
// transaction as the status flip.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx}
}

// NextNumber atomically advances the per-company sequence for prefix. The
// upsert-returning keeps numbering gap-free under concurrent writers.
func (t *txRepo) NextNumber(ctx context.Context, companyID int64, prefix string) (string, error) {
	var seq int64
	err := t.tx.QueryRow(ctx, `INSERT INTO document_sequences (company_id, doc_type, seq)
VALUES ($1, $2, 1)
ON CONFLICT (company_id, doc_type) DO UPDATE SET seq = document_sequences.seq + 1
RETURNING seq`, companyID, prefix).Scan(&seq)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%06d", prefix, seq), nil
}

func (t *txRepo) InsertVoucher(ctx context.Context, v Voucher) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO stock_vouchers
(company_id, voucher_number, voucher_type, store_id, from_store_id, to_store_id, user_id, notes, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
RETURNING id`,
		v.CompanyID, v.Number, v.Type, nullID(v.StoreID), nullID(v.FromStoreID), nullID(v.ToStoreID), v.UserID, v.Notes).Scan(&id)
	return id, err
}

func (t *txRepo) InsertLines(ctx context.Context, voucherID int64, lines []Line) error {
	for i := range lines {
		err := t.tx.QueryRow(ctx, `INSERT INTO stock_voucher_lines
(voucher_id, item_id, quantity, unit_price, total_price)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`,
			voucherID, lines[i].ItemID, lines[i].Quantity, lines[i].UnitPrice, lines[i].TotalPrice).Scan(&lines[i].ID)
		if err != nil {
			return err
		}
		lines[i].VoucherID = voucherID
	}
	return nil
}

// GetVoucherForUpdate locks the header row for the rest of the transaction so
// concurrent edits to the same voucher serialise.
func (t *txRepo) GetVoucherForUpdate(ctx context.Context, id int64) (Voucher, error) {
	var v Voucher
	err := t.tx.QueryRow(ctx, `SELECT id, company_id, voucher_number, voucher_type,
COALESCE(store_id, 0), COALESCE(from_store_id, 0), COALESCE(to_store_id, 0),
user_id, notes, created_at
FROM stock_vouchers WHERE id = $1 FOR UPDATE`, id).
		Scan(&v.ID, &v.CompanyID, &v.Number, &v.Type, &v.StoreID, &v.FromStoreID, &v.ToStoreID, &v.UserID, &v.Notes, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Voucher{}, shared.ErrNotFound
		}
		return Voucher{}, err
	}
	return v, nil
}

func (t *txRepo) ListLines(ctx context.Context, voucherID int64) ([]Line, error) {
	return scanLines(ctx, t.tx, voucherID)
}

func (t *txRepo) DeleteLines(ctx context.Context, voucherID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM stock_voucher_lines WHERE voucher_id = $1`, voucherID)
	return err
}

func (t *txRepo) Ledger() ledger.Tx {
	return ledger.NewTx(t.tx)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanLines(ctx context.Context, q querier, voucherID int64) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT id, voucher_id, item_id, quantity, unit_price, total_price
FROM stock_voucher_lines WHERE voucher_id = $1 ORDER BY id`, voucherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.VoucherID, &line.ItemID, &line.Quantity, &line.UnitPrice, &line.TotalPrice); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
