// Package counts owns physical inventory counts and their reconciliation
// against the calculated stock ledger. Posting a count converts its variances
// into compensating stock vouchers.
package counts

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates count lifecycle states. POSTED is terminal.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusPosted  Status = "POSTED"
)

// PrefixCount is the document_sequences doc_type for count codes.
const PrefixCount = "INVC"

// Count is a physical inventory count sheet.
type Count struct {
	ID            int64       `json:"id"`
	CompanyID     int64       `json:"company_id"`
	BranchID      int64       `json:"branch_id"`
	StoreID       int64       `json:"store_id"`
	UserID        int64       `json:"user_id"`
	Code          string      `json:"code"`
	Status        Status      `json:"status"`
	CountDate     time.Time   `json:"count_date"`
	TotalVariance int64       `json:"total_variance"`
	CreatedAt     time.Time   `json:"created_at"`
	PostedAt      *time.Time  `json:"posted_at,omitempty"`
	Items         []CountItem `json:"items"`
}

// CountItem is one counted line. Difference is actual minus system: positive
// means surplus on the shelf, negative means shortage.
type CountItem struct {
	ID          int64           `json:"id"`
	CountID     int64           `json:"count_id"`
	ItemID      int64           `json:"item_id"`
	SystemStock int64           `json:"system_stock"`
	ActualStock int64           `json:"actual_stock"`
	Difference  int64           `json:"difference"`
	Cost        decimal.Decimal `json:"cost"`
}

// ItemInput carries one counted line from the client. SystemStock is never
// accepted from the client; it is snapshotted from the ledger at write time.
type ItemInput struct {
	ItemID      int64           `json:"item_id" validate:"required,gt=0"`
	ActualStock int64           `json:"actual_stock" validate:"gte=0"`
	Cost        decimal.Decimal `json:"cost"`
}

// CreateInput describes a new count sheet.
type CreateInput struct {
	CompanyID int64       `json:"company_id" validate:"required,gt=0"`
	BranchID  int64       `json:"branch_id" validate:"required,gt=0"`
	StoreID   int64       `json:"store_id" validate:"required,gt=0"`
	UserID    int64       `json:"user_id" validate:"required,gt=0"`
	CountDate time.Time   `json:"count_date"`
	Items     []ItemInput `json:"items" validate:"required,min=1,dive"`
}

// UpdateInput replaces a pending count's line set.
type UpdateInput struct {
	CountDate time.Time   `json:"count_date"`
	Items     []ItemInput `json:"items" validate:"required,min=1,dive"`
}

// ErrAlreadyPosted indicates a posting attempt on a POSTED count.
var ErrAlreadyPosted = errors.New("counts: count already posted")

// ErrCountImmutable indicates an edit or delete of a POSTED count.
var ErrCountImmutable = errors.New("counts: posted count is immutable")

// ErrPostLocked indicates a concurrent posting attempt holds the fence.
var ErrPostLocked = errors.New("counts: posting already in progress")

// ErrNegativeCost indicates a negative line cost.
var ErrNegativeCost = errors.New("counts: line cost must be >= 0")

func validateItems(items []ItemInput) error {
	if len(items) == 0 {
		return errors.New("counts: at least one item required")
	}
	for _, item := range items {
		if item.Cost.IsNegative() {
			return ErrNegativeCost
		}
	}
	return nil
}

// totalVariance sums |difference| across lines, the conventional measure of
// how far the shelf drifted from the ledger.
func totalVariance(items []CountItem) int64 {
	var total int64
	for _, item := range items {
		if item.Difference < 0 {
			total -= item.Difference
		} else {
			total += item.Difference
		}
	}
	return total
}
