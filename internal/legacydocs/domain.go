// Package legacydocs reads the four legacy trade document collections.
// Documents are created and edited outside this service; this package only
// ever reads them.
package legacydocs

import (
	"encoding/json"
	"strconv"
	"time"
)

// Kind identifies one of the legacy document collections.
type Kind string

const (
	KindPurchaseInvoice Kind = "purchase_invoice"
	KindPurchaseReturn  Kind = "purchase_return"
	KindSalesInvoice    Kind = "sales_invoice"
	KindSalesReturn     Kind = "sales_return"
)

// Kinds lists all legacy collections.
var Kinds = []Kind{KindPurchaseInvoice, KindPurchaseReturn, KindSalesInvoice, KindSalesReturn}

func (k Kind) table() string {
	switch k {
	case KindPurchaseInvoice:
		return "purchase_invoices"
	case KindPurchaseReturn:
		return "purchase_returns"
	case KindSalesInvoice:
		return "sales_invoices"
	case KindSalesReturn:
		return "sales_returns"
	}
	return ""
}

// Document is a legacy invoice or return. Line entries identify items by the
// item's human-readable code, not its identifier.
type Document struct {
	ID        int64     `json:"id"`
	CompanyID int64     `json:"company_id"`
	BranchID  int64     `json:"branch_id"`
	DocNo     string    `json:"doc_no"`
	DocDate   time.Time `json:"doc_date"`
	Lines     []Line    `json:"lines"`
}

// Line is one entry of a document's opaque line list.
type Line struct {
	ItemCode string   `json:"itemCode"`
	Quantity Quantity `json:"quantity"`
}

// Quantity decodes a legacy quantity field leniently: JSON numbers and numeric
// strings are accepted, anything else counts as zero.
type Quantity int64

// UnmarshalJSON implements lenient decoding for heterogeneous legacy payloads.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	*q = 0
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		*q = Quantity(num)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if parsed, err := strconv.ParseFloat(str, 64); err == nil {
			*q = Quantity(parsed)
		}
	}
	return nil
}

// decodeLines reads a JSONB line_items payload entry by entry so one malformed
// entry does not discard the rest of the document.
func decodeLines(raw []byte) []Line {
	if len(raw) == 0 {
		return nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	lines := make([]Line, 0, len(entries))
	for _, entry := range entries {
		var line Line
		if err := json.Unmarshal(entry, &line); err != nil {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
