package counts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/internal/vouchers"
)

// Repository persists inventory counts in PostgreSQL.
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
		return errors.New("count repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const countColumns = `id, company_id, branch_id, store_id, user_id, code, status,
count_date, total_variance, created_at, posted_at`

// Get loads one count with its items.
func (r *Repository) Get(ctx context.Context, id int64) (Count, error) {
	count, err := scanCount(r.pool.QueryRow(ctx, `SELECT `+countColumns+` FROM inventory_counts WHERE id = $1`, id))
	if err != nil {
		return Count{}, err
	}
	items, err := scanItems(ctx, r.pool, id)
	if err != nil {
		return Count{}, err
	}
	count.Items = items
	return count, nil
}

// List returns count headers matching filter, newest first, plus the total.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Count, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.CompanyID > 0 {
		args = append(args, filter.CompanyID)
		where = append(where, fmt.Sprintf("company_id = $%d", len(args)))
	}
	if filter.StoreID > 0 {
		args = append(args, filter.StoreID)
		where = append(where, fmt.Sprintf("store_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM inventory_counts WHERE `+cond, args...).Scan(&total); err != nil {
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
	query := fmt.Sprintf(`SELECT %s FROM inventory_counts WHERE %s ORDER BY id DESC LIMIT $%d OFFSET $%d`,
		countColumns, cond, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var counts []Count
	for rows.Next() {
		count, err := scanCount(rows)
		if err != nil {
			return nil, 0, err
		}
		counts = append(counts, count)
	}
	return counts, total, rows.Err()
}

type txRepo struct {
	tx pgx.Tx
}

// NextCode advances the company's INVC sequence with the same upsert pattern
// the voucher numbering uses.
func (t *txRepo) NextCode(ctx context.Context, companyID int64) (string, error) {
	var seq int64
	err := t.tx.QueryRow(ctx, `INSERT INTO document_sequences (company_id, doc_type, seq)
VALUES ($1, $2, 1)
ON CONFLICT (company_id, doc_type) DO UPDATE SET seq = document_sequences.seq + 1
RETURNING seq`, companyID, PrefixCount).Scan(&seq)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%04d", PrefixCount, seq), nil
}

func (t *txRepo) InsertCount(ctx context.Context, c Count) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO inventory_counts
(company_id, branch_id, store_id, user_id, code, status, count_date, total_variance, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
RETURNING id`,
		c.CompanyID, c.BranchID, c.StoreID, c.UserID, c.Code, c.Status, c.CountDate, c.TotalVariance).Scan(&id)
	return id, err
}

func (t *txRepo) InsertItems(ctx context.Context, countID int64, items []CountItem) error {
	for i := range items {
		err := t.tx.QueryRow(ctx, `INSERT INTO inventory_count_items
(count_id, item_id, system_stock, actual_stock, difference, cost)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`,
			countID, items[i].ItemID, items[i].SystemStock, items[i].ActualStock, items[i].Difference, items[i].Cost).Scan(&items[i].ID)
		if err != nil {
			return err
		}
		items[i].CountID = countID
	}
	return nil
}

// GetCountForUpdate locks the count row so concurrent posts and edits
// serialise on it.
func (t *txRepo) GetCountForUpdate(ctx context.Context, id int64) (Count, error) {
	return scanCount(t.tx.QueryRow(ctx, `SELECT `+countColumns+` FROM inventory_counts WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepo) ListItems(ctx context.Context, countID int64) ([]CountItem, error) {
	return scanItems(ctx, t.tx, countID)
}

func (t *txRepo) DeleteItems(ctx context.Context, countID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM inventory_count_items WHERE count_id = $1`, countID)
	return err
}

func (t *txRepo) UpdateHeader(ctx context.Context, id int64, countDate time.Time, totalVariance int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE inventory_counts SET count_date = $2, total_variance = $3 WHERE id = $1`, id, countDate, totalVariance)
	return err
}

func (t *txRepo) DeleteCount(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM inventory_counts WHERE id = $1`, id)
	return err
}

func (t *txRepo) MarkPosted(ctx context.Context, id int64, postedAt time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE inventory_counts SET status = $2, posted_at = $3 WHERE id = $1 AND status = $4`,
		id, StatusPosted, postedAt, StatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyPosted
	}
	return nil
}

func (t *txRepo) Ledger() ledger.Tx {
	return ledger.NewTx(t.tx)
}

func (t *txRepo) Vouchers() vouchers.TxRepository {
	return vouchers.NewTxRepository(t.tx)
}

func scanCount(row pgx.Row) (Count, error) {
	var c Count
	err := row.Scan(&c.ID, &c.CompanyID, &c.BranchID, &c.StoreID, &c.UserID, &c.Code, &c.Status,
		&c.CountDate, &c.TotalVariance, &c.CreatedAt, &c.PostedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Count{}, shared.ErrNotFound
		}
		return Count{}, err
	}
	return c, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanItems(ctx context.Context, q querier, countID int64) ([]CountItem, error) {
	rows, err := q.Query(ctx, `SELECT id, count_id, item_id, system_stock, actual_stock, difference, cost
FROM inventory_count_items WHERE count_id = $1 ORDER BY id`, countID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []CountItem
	for rows.Next() {
		var item CountItem
		if err := rows.Scan(&item.ID, &item.CountID, &item.ItemID, &item.SystemStock, &item.ActualStock, &item.Difference, &item.Cost); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
