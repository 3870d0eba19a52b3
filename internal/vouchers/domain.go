// Package vouchers owns the stock voucher documents that carry every discrete
// movement: receipts, issues and transfers. Lines are immutable once written;
// editing a voucher replaces its whole line set.
package vouchers

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Type enumerates voucher kinds.
type Type string

const (
	// TypeReceipt adds stock to a store.
	TypeReceipt Type = "RECEIPT"
	// TypeIssue removes stock from a store.
	TypeIssue Type = "ISSUE"
	// TypeTransfer moves stock between two stores.
	TypeTransfer Type = "TRANSFER"
)

// Number prefixes per voucher type.
const (
	PrefixReceipt  = "SRV"
	PrefixIssue    = "SIV"
	PrefixTransfer = "STV"
)

// Voucher is a movement document header with its lines.
type Voucher struct {
	ID          int64     `json:"id"`
	CompanyID   int64     `json:"company_id"`
	Number      string    `json:"number"`
	Type        Type      `json:"type"`
	StoreID     int64     `json:"store_id,omitempty"`
	FromStoreID int64     `json:"from_store_id,omitempty"`
	ToStoreID   int64     `json:"to_store_id,omitempty"`
	UserID      int64     `json:"user_id"`
	Notes       string    `json:"notes"`
	CreatedAt   time.Time `json:"created_at"`
	Lines       []Line    `json:"lines"`
}

// Line is one item movement within a voucher.
type Line struct {
	ID         int64           `json:"id"`
	VoucherID  int64           `json:"voucher_id"`
	ItemID     int64           `json:"item_id"`
	Quantity   int64           `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

// LineInput carries a requested line; the total is derived.
type LineInput struct {
	ItemID    int64           `json:"item_id" validate:"required,gt=0"`
	Quantity  int64           `json:"quantity" validate:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// CreateReceiptInput describes a receipt voucher request.
type CreateReceiptInput struct {
	CompanyID int64       `json:"company_id" validate:"required,gt=0"`
	StoreID   int64       `json:"store_id" validate:"required,gt=0"`
	UserID    int64       `json:"user_id" validate:"required,gt=0"`
	Notes     string      `json:"notes"`
	Lines     []LineInput `json:"lines" validate:"required,min=1,dive"`
}

// CreateIssueInput describes an issue voucher request.
type CreateIssueInput struct {
	CompanyID int64       `json:"company_id" validate:"required,gt=0"`
	StoreID   int64       `json:"store_id" validate:"required,gt=0"`
	UserID    int64       `json:"user_id" validate:"required,gt=0"`
	Notes     string      `json:"notes"`
	Lines     []LineInput `json:"lines" validate:"required,min=1,dive"`
}

// CreateTransferInput describes a transfer voucher request.
type CreateTransferInput struct {
	CompanyID   int64       `json:"company_id" validate:"required,gt=0"`
	FromStoreID int64       `json:"from_store_id" validate:"required,gt=0"`
	ToStoreID   int64       `json:"to_store_id" validate:"required,gt=0"`
	UserID      int64       `json:"user_id" validate:"required,gt=0"`
	Notes       string      `json:"notes"`
	Lines       []LineInput `json:"lines" validate:"required,min=1,dive"`
}

// ErrInvalidQuantity indicates a non-positive line quantity.
var ErrInvalidQuantity = errors.New("vouchers: line quantity must be positive")

// ErrInvalidUnitPrice indicates a negative unit price.
var ErrInvalidUnitPrice = errors.New("vouchers: unit price must be >= 0")

// ErrSameStore indicates a transfer whose source equals its destination.
var ErrSameStore = errors.New("vouchers: source and destination store must differ")

// ErrTypeMismatch indicates an update applied to the wrong voucher type.
var ErrTypeMismatch = errors.New("vouchers: voucher type mismatch")

func validateLines(lines []LineInput) error {
	if len(lines) == 0 {
		return errors.New("vouchers: at least one line required")
	}
	for _, line := range lines {
		if line.Quantity <= 0 {
			return ErrInvalidQuantity
		}
		if line.UnitPrice.IsNegative() {
			return ErrInvalidUnitPrice
		}
	}
	return nil
}

func buildLines(inputs []LineInput) []Line {
	lines := make([]Line, 0, len(inputs))
	for _, in := range inputs {
		lines = append(lines, Line{
			ItemID:     in.ItemID,
			Quantity:   in.Quantity,
			UnitPrice:  in.UnitPrice,
			TotalPrice: in.UnitPrice.Mul(decimal.NewFromInt(in.Quantity)),
		})
	}
	return lines
}
