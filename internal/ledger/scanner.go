package ledger

import "context"

// DocumentKind identifies a legacy document collection.
type DocumentKind string

const (
	DocPurchaseInvoice DocumentKind = "purchase_invoice"
	DocPurchaseReturn  DocumentKind = "purchase_return"
	DocSalesInvoice    DocumentKind = "sales_invoice"
	DocSalesReturn     DocumentKind = "sales_return"
)

// DocumentLine is one legacy line entry with its quantity already decoded
// leniently (missing or non-numeric quantities arrive as zero).
type DocumentLine struct {
	ItemCode string
	Quantity int64
}

// DocumentSource lists legacy document lines per branch and collection. The
// engine only ever reads legacy documents; the source is injected so the core
// can be tested against an in-memory fake.
type DocumentSource interface {
	Lines(ctx context.Context, branchID int64, kind DocumentKind) ([]DocumentLine, error)
}

// LegacyTotals holds summed legacy quantities per collection for one item code.
type LegacyTotals struct {
	PurchaseInvoices int64
	PurchaseReturns  int64
	SalesInvoices    int64
	SalesReturns     int64
}

// Scanner sums legacy document quantities by item code. Matching is an exact
// string comparison against the item's current code: a renamed code orphans
// the historical linkage, which mirrors how the documents were written and is
// deliberately not corrected here.
type Scanner struct {
	src DocumentSource
}

// NewScanner builds a Scanner over a document source.
func NewScanner(src DocumentSource) *Scanner {
	return &Scanner{src: src}
}

// TotalsByCode sums quantities of lines matching code across the four
// collections of the branch.
func (s *Scanner) TotalsByCode(ctx context.Context, branchID int64, code string) (LegacyTotals, error) {
	var totals LegacyTotals
	for _, kind := range []DocumentKind{DocPurchaseInvoice, DocPurchaseReturn, DocSalesInvoice, DocSalesReturn} {
		sum, err := s.sumKind(ctx, branchID, kind, code)
		if err != nil {
			return LegacyTotals{}, err
		}
		switch kind {
		case DocPurchaseInvoice:
			totals.PurchaseInvoices = sum
		case DocPurchaseReturn:
			totals.PurchaseReturns = sum
		case DocSalesInvoice:
			totals.SalesInvoices = sum
		case DocSalesReturn:
			totals.SalesReturns = sum
		}
	}
	return totals, nil
}

// HasReference reports whether any legacy line in the branch references the
// code, regardless of quantity.
func (s *Scanner) HasReference(ctx context.Context, branchID int64, code string) (bool, error) {
	for _, kind := range []DocumentKind{DocPurchaseInvoice, DocPurchaseReturn, DocSalesInvoice, DocSalesReturn} {
		lines, err := s.src.Lines(ctx, branchID, kind)
		if err != nil {
			return false, err
		}
		for _, line := range lines {
			if line.ItemCode == code {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *Scanner) sumKind(ctx context.Context, branchID int64, kind DocumentKind, code string) (int64, error) {
	lines, err := s.src.Lines(ctx, branchID, kind)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, line := range lines {
		if line.ItemCode == code {
			sum += line.Quantity
		}
	}
	return sum, nil
}
