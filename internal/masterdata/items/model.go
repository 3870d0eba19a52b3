package items

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item represents a stock item. Code is the human-readable key legacy trade
// documents use to reference the item; renaming it orphans that linkage.
type Item struct {
	ID        int64           `json:"id"`
	CompanyID int64           `json:"company_id"`
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Unit      string          `json:"unit"`
	Cost      decimal.Decimal `json:"cost"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CreateInput carries item creation data. StoreID and OpeningBalance seed the
// opening-balance marker for the originating store; later stores get their
// marker lazily at zero.
type CreateInput struct {
	Item           Item
	StoreID        int64
	OpeningBalance int64
}
