package legacydocs

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository reads legacy documents from PostgreSQL.
type Repository struct {
	db querier
}

// NewRepository constructs a pool-backed repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// NewTxRepository constructs a repository scoped to an open transaction, so
// legacy scans observe the same snapshot as the movement reads around them.
func NewTxRepository(tx pgx.Tx) *Repository {
	return &Repository{db: tx}
}

// ListByBranch returns all documents of one collection for a branch.
func (r *Repository) ListByBranch(ctx context.Context, branchID int64, kind Kind) ([]Document, error) {
	table := kind.table()
	if table == "" {
		return nil, fmt.Errorf("legacydocs: unknown kind %q", kind)
	}
	rows, err := r.db.Query(ctx, `SELECT id, company_id, branch_id, doc_no, doc_date, line_items FROM `+table+` WHERE branch_id=$1 ORDER BY id`, branchID)
	if err != nil {
		return nil, fmt.Errorf("legacydocs: list %s: %w", table, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		var raw []byte
		if err := rows.Scan(&doc.ID, &doc.CompanyID, &doc.BranchID, &doc.DocNo, &doc.DocDate, &raw); err != nil {
			return nil, err
		}
		doc.Lines = decodeLines(raw)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
